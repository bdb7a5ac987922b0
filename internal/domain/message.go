package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// MessageType is the numeric discriminator in position 0 of every frame.
type MessageType int

const (
	MessageInvalid    MessageType = 0
	MessageCall       MessageType = 2
	MessageCallResult MessageType = 3
	MessageCallError  MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageCall:
		return "CALL"
	case MessageCallResult:
		return "CALLRESULT"
	case MessageCallError:
		return "CALLERROR"
	default:
		return "INVALID"
	}
}

// MessageID is the unique id carried in position 1 of every frame. Peers may
// send it as a JSON string or a JSON number; numeric ids are echoed back as
// numbers so replies match bit for bit.
type MessageID struct {
	Value   string
	Numeric bool
}

// StringID returns a string-typed message id.
func StringID(s string) MessageID { return MessageID{Value: s} }

// NumericID returns a number-typed message id.
func NumericID(n int64) MessageID {
	return MessageID{Value: strconv.FormatInt(n, 10), Numeric: true}
}

// String returns the correlation key. A numeric 5 and a string "5" share a key.
func (id MessageID) String() string { return id.Value }

// IsZero reports whether the id is empty.
func (id MessageID) IsZero() bool { return id.Value == "" }

// MarshalJSON implements json.Marshaler.
func (id MessageID) MarshalJSON() ([]byte, error) {
	if id.Numeric {
		if !json.Valid([]byte(id.Value)) {
			return nil, fmt.Errorf("message id %q is not a number", id.Value)
		}
		return []byte(id.Value), nil
	}
	return json.Marshal(id.Value)
}

// Frame is the wire-level encoding of one protocol message.
type Frame struct {
	Type MessageType
	ID   MessageID
	Data []byte
}

// CallErrorCode is an error code carried by a CallError frame.
type CallErrorCode = string

// Error codes defined by OCPP-J.
const (
	CodeCallNotImplemented               CallErrorCode = "NotImplemented"
	CodeCallNotSupported                 CallErrorCode = "NotSupported"
	CodeCallInternalError                CallErrorCode = "InternalError"
	CodeCallProtocolError                CallErrorCode = "ProtocolError"
	CodeCallSecurityError                CallErrorCode = "SecurityError"
	CodeCallFormationViolation           CallErrorCode = "FormationViolation"
	CodeCallPropertyConstraintViolation  CallErrorCode = "PropertyConstraintViolation"
	CodeCallOccurenceConstraintViolation CallErrorCode = "OccurenceConstraintViolation"
	CodeCallTypeConstraintViolation      CallErrorCode = "TypeConstraintViolation"
	CodeCallGenericError                 CallErrorCode = "GenericError"
)

// CallError is the payload of a CallError frame.
type CallError struct {
	Code        string          `json:"errorCode"`
	Description string          `json:"errorDescription"`
	Details     json.RawMessage `json:"errorDetails"`
}

func (e *CallError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return e.Code
}

// Message is a decoded frame. Type selects which fields are populated:
// Call uses ID, Action and Payload; CallResult uses ID and Payload; CallError
// uses ID and Error. An Invalid message carries nothing.
type Message struct {
	Type    MessageType
	ID      MessageID
	Action  string
	Payload json.RawMessage
	Error   *CallError
}

// Invalid returns the marker produced for any frame that fails validation.
func Invalid() Message { return Message{} }

// IsValid reports whether m is anything other than the Invalid marker.
func (m Message) IsValid() bool { return m.Type != MessageInvalid }
