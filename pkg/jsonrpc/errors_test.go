package jsonrpc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToWireError_LocalError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		kind Kind
		code int
	}{
		{"protocol violation", KindProtocolViolation, CodeProtocolViolation},
		{"backend unavailable", KindBackendUnavailable, CodeBackendUnavailable},
		{"tool not found", KindToolNotFound, CodeToolNotFound},
		{"invalid params", KindInvalidParams, CodeInvalidParams},
		{"timed out", KindTimedOut, CodeTimedOut},
		{"transport failed", KindTransportFailed, CodeTransportFailed},
		{"config error", KindConfigError, CodeConfigError},
		{"session unknown", KindSessionUnknown, CodeSessionUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := NewLocalError(tt.kind, "boom")
			wire := ToWireError(err)
			assert.Equal(t, tt.code, wire.Code)
			assert.Contains(t, wire.Message, "boom")
		})
	}
}

func TestToWireError_WrappedLocalError(t *testing.T) {
	t.Parallel()

	cause := errors.New("write failed")
	local := Wrap(KindTransportFailed, "write to backend", cause)
	wrapped := fmt.Errorf("pool.call: %w", local)

	wire := ToWireError(wrapped)
	assert.Equal(t, CodeTransportFailed, wire.Code)
	assert.Contains(t, wire.Message, "write failed")
}

func TestToWireError_UnknownError(t *testing.T) {
	t.Parallel()

	wire := ToWireError(errors.New("something else"))
	assert.Equal(t, CodeInternalError, wire.Code)
}

func TestLocalError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("root cause")
	local := Wrap(KindTimedOut, "deadline exceeded", cause)
	assert.ErrorIs(t, local, cause)
}
