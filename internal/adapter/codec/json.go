package codec

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"ocpp-rpc/internal/domain"
)

var emptyObject = json.RawMessage(`{}`)

// JSON is the OCPP-J codec: every frame is a JSON array whose first element
// is the message type.
type JSON struct{}

var _ Codec = JSON{}

// Language implements Codec.
func (JSON) Language() domain.Language { return domain.LanguageJSON }

// EncodeCall implements Codec.
func (JSON) EncodeCall(id domain.MessageID, action string, payload any) (domain.Frame, error) {
	const op = "JSON.EncodeCall"
	if id.IsZero() {
		return domain.Frame{}, domain.NewDomainError(op, domain.ErrInvalidInput, "empty message id")
	}
	if action == "" {
		return domain.Frame{}, domain.NewDomainError(op, domain.ErrInvalidInput, "empty action")
	}
	body, err := structured(payload)
	if err != nil {
		return domain.Frame{}, domain.NewDomainError(op, domain.ErrInvalidPayload, err.Error())
	}
	return frame(op, domain.MessageCall, id, action, body)
}

// EncodeResult implements Codec.
func (JSON) EncodeResult(id domain.MessageID, payload any) (domain.Frame, error) {
	const op = "JSON.EncodeResult"
	if id.IsZero() {
		return domain.Frame{}, domain.NewDomainError(op, domain.ErrInvalidInput, "empty message id")
	}
	body, err := structured(payload)
	if err != nil {
		return domain.Frame{}, domain.NewDomainError(op, domain.ErrInvalidPayload, err.Error())
	}
	return frame(op, domain.MessageCallResult, id, body)
}

// EncodeError implements Codec.
func (JSON) EncodeError(id domain.MessageID, code, description string, details any) (domain.Frame, error) {
	const op = "JSON.EncodeError"
	if id.IsZero() {
		return domain.Frame{}, domain.NewDomainError(op, domain.ErrInvalidInput, "empty message id")
	}
	if code == "" {
		return domain.Frame{}, domain.NewDomainError(op, domain.ErrInvalidInput, "empty error code")
	}
	body, err := structured(details)
	if err != nil {
		return domain.Frame{}, domain.NewDomainError(op, domain.ErrInvalidPayload, err.Error())
	}
	return frame(op, domain.MessageCallError, id, code, description, body)
}

func frame(op string, typ domain.MessageType, id domain.MessageID, rest ...any) (domain.Frame, error) {
	elems := make([]any, 0, len(rest)+2)
	elems = append(elems, int(typ), id)
	elems = append(elems, rest...)
	data, err := marshal(elems)
	if err != nil {
		return domain.Frame{}, domain.NewDomainError(op, domain.ErrInvalidPayload, err.Error())
	}
	return domain.Frame{Type: typ, ID: id, Data: data}, nil
}

// marshal is json.Marshal without HTML escaping, so payload text reaches the
// peer exactly as the caller wrote it.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// structured converts a payload into an object or array. nil and JSON null
// become {}.
func structured(payload any) (json.RawMessage, error) {
	var raw []byte
	switch v := payload.(type) {
	case nil:
		return emptyObject, nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return emptyObject, nil
	}
	if !json.Valid(raw) {
		return nil, errInvalidJSON
	}
	switch kindOf(raw) {
	case kindNull:
		return emptyObject, nil
	case kindObject, kindArray:
		return json.RawMessage(raw), nil
	default:
		return nil, errNotStructured
	}
}

// Decode implements Codec.
func (JSON) Decode(raw []byte) domain.Message {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil || len(elems) == 0 {
		return domain.Invalid()
	}
	typ, ok := messageType(elems[0])
	if !ok {
		return domain.Invalid()
	}
	switch domain.MessageType(typ) {
	case domain.MessageCall:
		return decodeCall(elems)
	case domain.MessageCallResult:
		return decodeCallResult(elems)
	case domain.MessageCallError:
		return decodeCallError(elems)
	default:
		return domain.Invalid()
	}
}

func decodeCall(elems []json.RawMessage) domain.Message {
	id, ok := uniqueID(at(elems, 1))
	if !ok {
		return domain.Invalid()
	}
	action, ok := nonEmptyString(at(elems, 2))
	if !ok {
		return domain.Invalid()
	}
	payload, ok := payloadOf(at(elems, 3))
	if !ok {
		return domain.Invalid()
	}
	return domain.Message{Type: domain.MessageCall, ID: id, Action: action, Payload: payload}
}

func decodeCallResult(elems []json.RawMessage) domain.Message {
	id, ok := uniqueID(at(elems, 1))
	if !ok {
		return domain.Invalid()
	}
	payload, ok := payloadOf(at(elems, 2))
	if !ok {
		return domain.Invalid()
	}
	return domain.Message{Type: domain.MessageCallResult, ID: id, Payload: payload}
}

func decodeCallError(elems []json.RawMessage) domain.Message {
	id, ok := uniqueID(at(elems, 1))
	if !ok {
		return domain.Invalid()
	}
	code, ok := nonEmptyString(at(elems, 2))
	if !ok {
		return domain.Invalid()
	}
	descRaw := at(elems, 3)
	if kindOf(descRaw) != kindString {
		return domain.Invalid()
	}
	var desc string
	if err := json.Unmarshal(descRaw, &desc); err != nil {
		return domain.Invalid()
	}
	details := at(elems, 4)
	if k := kindOf(details); k != kindObject && k != kindArray {
		return domain.Invalid()
	}
	return domain.Message{
		Type: domain.MessageCallError,
		ID:   id,
		Error: &domain.CallError{
			Code:        code,
			Description: desc,
			Details:     details,
		},
	}
}

// messageType coerces the discriminator to an integer. Numbers are truncated
// toward zero and numeric strings are accepted.
func messageType(raw json.RawMessage) (int, bool) {
	var f float64
	switch kindOf(raw) {
	case kindNumber:
		if err := json.Unmarshal(raw, &f); err != nil {
			return 0, false
		}
	case kindString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
		f = v
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

func uniqueID(raw json.RawMessage) (domain.MessageID, bool) {
	switch kindOf(raw) {
	case kindString:
		s, ok := nonEmptyString(raw)
		if !ok {
			return domain.MessageID{}, false
		}
		return domain.StringID(s), true
	case kindNumber:
		return domain.MessageID{Value: string(bytes.TrimSpace(raw)), Numeric: true}, true
	default:
		return domain.MessageID{}, false
	}
}

func nonEmptyString(raw json.RawMessage) (string, bool) {
	if kindOf(raw) != kindString {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

// payloadOf accepts an object, an array or null. null becomes {}.
func payloadOf(raw json.RawMessage) (json.RawMessage, bool) {
	switch kindOf(raw) {
	case kindNull:
		return emptyObject, true
	case kindObject, kindArray:
		return raw, true
	default:
		return nil, false
	}
}

func at(elems []json.RawMessage, i int) json.RawMessage {
	if i >= len(elems) {
		return nil
	}
	return elems[i]
}
