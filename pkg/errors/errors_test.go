package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsType_Wrapped(t *testing.T) {
	base := NewCircuitOpenError("analytics-svc")
	wrapped := fmt.Errorf("calling tool: %w", base)

	assert.True(t, IsType(wrapped, ErrorTypeCircuitOpen))
	assert.False(t, IsType(wrapped, ErrorTypeRateLimit))
	assert.Equal(t, "CIRCUIT_OPEN", GetCode(wrapped))
	assert.Equal(t, ErrorTypeCircuitOpen, GetType(wrapped))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", NewTransientError("fetch", "connection reset"), true},
		{"timeout", NewTimeoutError("fetch"), true},
		{"deadline", fmt.Errorf("attempt: %w", context.DeadlineExceeded), true},
		{"permanent", NewPermanentError("fetch", "bad request"), false},
		{"plain", stderrors.New("boom"), false},
		{"validation", NewValidationError("bad input"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestAppError_Details(t *testing.T) {
	err := NewEntityDriftError("merchant-1", "merchant-2")

	assert.Equal(t, "merchant-1", err.Details["expected"])
	assert.Equal(t, "merchant-2", err.Details["got"])
	assert.Contains(t, err.Error(), "ENTITY_DRIFT")

	cause := stderrors.New("root")
	withCause := NewInternalError("failed").WithCause(cause)
	assert.ErrorIs(t, withCause, cause)
}
