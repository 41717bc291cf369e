package jsonrpc

import (
	"errors"
	"fmt"
)

// Kind is one of the local error taxonomy members from spec §7. It is
// distinct from the wire-level numeric codes defined in jsonrpc.go: internal packages
// return *LocalError values carrying a Kind, and only the dispatcher's
// boundary converts a Kind into a wire Error with the matching Code.
type Kind string

const (
	KindProtocolViolation  Kind = "protocol_violation"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindToolNotFound       Kind = "tool_not_found"
	KindInvalidParams      Kind = "invalid_params"
	KindTimedOut           Kind = "timed_out"
	KindTransportFailed    Kind = "transport_failed"
	KindConfigError        Kind = "config_error"
	KindSessionUnknown     Kind = "session_unknown"
)

// wireCode maps a Kind to its JSON-RPC numeric code.
var wireCode = map[Kind]int{
	KindProtocolViolation:  CodeProtocolViolation,
	KindBackendUnavailable: CodeBackendUnavailable,
	KindToolNotFound:       CodeToolNotFound,
	KindInvalidParams:      CodeInvalidParams,
	KindTimedOut:           CodeTimedOut,
	KindTransportFailed:    CodeTransportFailed,
	KindConfigError:        CodeConfigError,
	KindSessionUnknown:     CodeSessionUnknown,
}

// LocalError is the error type every internal toolman package returns for
// failures defined by the local taxonomy. It wraps an optional cause for
// %w-style chains while keeping the Kind machine-readable.
type LocalError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *LocalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *LocalError) Unwrap() error { return e.Cause }

// NewLocalError constructs a *LocalError.
func NewLocalError(kind Kind, message string) *LocalError {
	return &LocalError{Kind: kind, Message: message}
}

// Wrap constructs a *LocalError with an underlying cause.
func Wrap(kind Kind, message string, cause error) *LocalError {
	return &LocalError{Kind: kind, Message: message, Cause: cause}
}

// AsLocalError is errors.As specialized for *LocalError, so callers outside
// this package don't need to import "errors" just to unwrap a Kind.
func AsLocalError(err error, target **LocalError) bool {
	return errors.As(err, target)
}

// ToWireError converts a *LocalError to the wire-level *Error, the one
// place the local taxonomy crosses into JSON-RPC. Unknown errors (not a
// *LocalError) are mapped to CodeInternalError.
func ToWireError(err error) *Error {
	var le *LocalError
	if errors.As(err, &le) {
		code, ok := wireCode[le.Kind]
		if !ok {
			code = CodeInternalError
		}
		return &Error{Code: code, Message: le.Error()}
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}
}
