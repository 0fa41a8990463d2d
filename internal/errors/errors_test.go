package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	err := New(CodeValidation, "bad payload")

	assert.Equal(t, CodeValidation, err.Code)
	assert.Equal(t, "bad payload", err.Message)
	assert.False(t, err.Retryable)
	assert.Nil(t, err.Err)
}

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name:     "without wrapped error",
			err:      New(CodeAuth, "auth failed"),
			expected: "[1002] auth failed",
		},
		{
			name:     "with wrapped error",
			err:      New(CodeAuth, "auth failed").Wrap(errors.New("token expired")),
			expected: "[1002] auth failed: token expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAppError_WrapKeepsClass(t *testing.T) {
	cause := errors.New("connection refused")
	err := ErrPersistence.Wrap(cause)

	assert.Equal(t, ErrPersistence.Code, err.Code)
	assert.Equal(t, ErrPersistence.Message, err.Message)
	assert.True(t, err.Retryable)
	assert.Same(t, cause, errors.Unwrap(err))
	// the sentinel itself is untouched
	assert.Nil(t, ErrPersistence.Err)
}

func TestIs(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		target   *AppError
		expected bool
	}{
		{"same sentinel", ErrRateLimited, ErrRateLimited, true},
		{"wrapped sentinel", ErrBackpressure.Wrap(errors.New("full")), ErrBackpressure, true},
		{"same class different message", ErrNotMember, ErrAuth, true},
		{"fmt wrapped", fmt.Errorf("submit: %w", ErrValidation), ErrValidation, true},
		{"different class", ErrAuth, ErrValidation, false},
		{"plain error", errors.New("boom"), ErrInternal, false},
		{"nil error", nil, ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Is(tt.err, tt.target))
		})
	}
}

func TestGetCodeAndMessage(t *testing.T) {
	assert.Equal(t, CodeDelivery, GetCode(ErrDelivery.Wrap(errors.New("503"))))
	assert.Equal(t, CodeInternal, GetCode(errors.New("boom")))

	assert.Equal(t, "conversation queue is full", GetMessage(ErrBackpressure))
	assert.Equal(t, "internal server error", GetMessage(errors.New("boom")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrPersistence.Wrap(errors.New("timeout"))))
	assert.True(t, IsRetryable(ErrBackpressure))
	assert.True(t, IsRetryable(ErrShuttingDown))
	assert.False(t, IsRetryable(ErrValidation))
	assert.False(t, IsRetryable(ErrRateLimited))
	assert.False(t, IsRetryable(errors.New("boom")))
}

func TestWireCode(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{ErrValidation, "VALIDATION_ERROR"},
		{ErrSenderMismatch, "AUTH_ERROR"},
		{ErrRateLimited, "RATE_LIMITED"},
		{ErrPersistence, "PERSISTENCE_ERROR"},
		{ErrDelivery, "DELIVERY_ERROR"},
		{ErrBackpressure, "BACKPRESSURE"},
		{ErrShuttingDown, "SHUTTING_DOWN"},
		{errors.New("boom"), "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, WireCode(tt.err))
		})
	}
}
