package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayError_ErrorFormat(t *testing.T) {
	err := NewError(ErrCodeNotFound, "workflow_run \"op-1\" not found")
	assert.Equal(t, `[NOT_FOUND] workflow_run "op-1" not found`, err.Error())
}

func TestRelayError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewError(ErrCodeStore, "write failed").WithCause(cause)
	require.ErrorIs(t, err, cause)
}

func TestRelayError_As(t *testing.T) {
	var relayErr *RelayError
	wrapped := NewErrorf(ErrCodeConflict, "run %q already exists", "op-1")
	require.True(t, errors.As(error(wrapped), &relayErr))
	assert.Equal(t, ErrCodeConflict, relayErr.Code)
	assert.Contains(t, relayErr.Message, "op-1")
}

func TestRelayError_IsRetryable(t *testing.T) {
	retryable := []string{ErrCodeGateway, ErrCodeStore}
	for _, code := range retryable {
		assert.True(t, NewError(code, "x").IsRetryable(), code)
	}
	final := []string{
		ErrCodeValidation, ErrCodeNotFound, ErrCodeConflict,
		ErrCodeDuplicateMessage, ErrCodeInvalidTransition,
		ErrCodeRetryExhausted, ErrCodeInternal,
	}
	for _, code := range final {
		assert.False(t, NewError(code, "x").IsRetryable(), code)
	}
}

func TestRelayError_WithDetails(t *testing.T) {
	err := NewError(ErrCodeValidation, "bad payload").
		WithDetails(map[string]any{"violations": []string{"/name: missing"}})
	require.NotNil(t, err.Details)
	assert.Contains(t, err.Details, "violations")
}
