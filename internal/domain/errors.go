package domain

import (
	"errors"
	"fmt"
)

// Category sentinels shared by several subsystems.
var (
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")
	ErrDecryption   = fmt.Errorf("decryption failed")
	ErrEncryption   = fmt.Errorf("encryption operation failed")
)

// Sentinel errors for the RPC runtime.
var (
	// Session state.
	ErrNotConnected  = fmt.Errorf("not connected yet, call Connected() first")
	ErrDisconnected  = fmt.Errorf("session disconnected")
	ErrNoSender      = fmt.Errorf("a sender wasn't provided")
	ErrSendFailed    = fmt.Errorf("the call couldn't be sent")
	ErrDuplicateCall = fmt.Errorf("duplicate outstanding call id")

	// Codec.
	ErrUnsupportedVersion = fmt.Errorf("unsupported protocol version")
	ErrNotImplemented     = fmt.Errorf("transport language not implemented")
	ErrInvalidPayload     = fmt.Errorf("payload is not a structured value")

	// Hook pipeline.
	ErrHookFailed      = fmt.Errorf("hook failed")
	ErrInvalidHookName = fmt.Errorf("falsy hook name not allowed")

	// Responders.
	ErrAlreadyResponded = fmt.Errorf("call already answered")

	// Transport adapters.
	ErrCircuitOpen = fmt.Errorf("transport circuit open")
	ErrRateLimit   = fmt.Errorf("rate limit exceeded")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Controller.SendCall")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether a transport send that failed with err may
// succeed on a later attempt.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrDisconnected),
		errors.Is(err, ErrNoSender),
		errors.Is(err, ErrCircuitOpen),
		errors.Is(err, ErrNotImplemented),
		errors.Is(err, ErrUnsupportedVersion):
		return false
	}
	return true
}

// ErrorCode is a machine-parseable error category for logging and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeNotConnected       ErrorCode = "NOT_CONNECTED"
	CodeDisconnected       ErrorCode = "DISCONNECTED"
	CodeNoSender           ErrorCode = "NO_SENDER"
	CodeSendFailed         ErrorCode = "SEND_FAILED"
	CodeDuplicateCall      ErrorCode = "DUPLICATE_CALL"
	CodeUnsupportedVersion ErrorCode = "UNSUPPORTED_VERSION"
	CodeNotImplemented     ErrorCode = "NOT_IMPLEMENTED"
	CodeInvalidPayload     ErrorCode = "INVALID_PAYLOAD"
	CodeHookFailed         ErrorCode = "HOOK_FAILED"
	CodeInvalidHookName    ErrorCode = "INVALID_HOOK_NAME"
	CodeAlreadyResponded   ErrorCode = "ALREADY_RESPONDED"
	CodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeEncryption         ErrorCode = "ENCRYPTION"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotConnected:       CodeNotConnected,
	ErrDisconnected:       CodeDisconnected,
	ErrNoSender:           CodeNoSender,
	ErrSendFailed:         CodeSendFailed,
	ErrDuplicateCall:      CodeDuplicateCall,
	ErrUnsupportedVersion: CodeUnsupportedVersion,
	ErrNotImplemented:     CodeNotImplemented,
	ErrInvalidPayload:     CodeInvalidPayload,
	ErrHookFailed:         CodeHookFailed,
	ErrInvalidHookName:    CodeInvalidHookName,
	ErrAlreadyResponded:   CodeAlreadyResponded,
	ErrCircuitOpen:        CodeCircuitOpen,
	ErrRateLimit:          CodeRateLimit,
	ErrTimeout:            CodeTimeout,
	ErrInvalidInput:       CodeInvalidInput,
	ErrConfigLoad:         CodeConfigLoad,
	ErrDecryption:         CodeDecryption,
	ErrEncryption:         CodeEncryption,
}

// codePriority lists sentinels from outermost to innermost meaning. A SendFailed
// that wraps a circuit-open error should report SEND_FAILED, not CIRCUIT_OPEN.
var codePriority = []error{
	ErrHookFailed,
	ErrSendFailed,
	ErrNotConnected,
	ErrDisconnected,
	ErrTimeout,
	ErrUnsupportedVersion,
	ErrNotImplemented,
	ErrDuplicateCall,
	ErrAlreadyResponded,
	ErrInvalidHookName,
	ErrInvalidPayload,
	ErrNoSender,
	ErrCircuitOpen,
	ErrRateLimit,
	ErrInvalidInput,
	ErrConfigLoad,
	ErrDecryption,
	ErrEncryption,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for _, sentinel := range codePriority {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
