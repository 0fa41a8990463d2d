package errors

import (
	"errors"
	"fmt"
)

// AppError is the error type shared by every component. Code identifies the
// taxonomy class, Message is safe to show to a client and Err carries the
// underlying cause for logs.
type AppError struct {
	Code      int
	Message   string
	Retryable bool
	Err       error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an error of the given class.
func New(code int, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Retryable: retryable(code),
	}
}

// Wrap returns a copy of e with err attached as the cause.
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:      e.Code,
		Message:   e.Message,
		Retryable: e.Retryable,
		Err:       err,
	}
}

// WithMessage returns a copy of e with a more specific client message.
func (e *AppError) WithMessage(message string) *AppError {
	return &AppError{
		Code:      e.Code,
		Message:   message,
		Retryable: e.Retryable,
		Err:       e.Err,
	}
}

// Is reports whether err belongs to the same class as target.
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// GetCode returns the class code of err, CodeInternal for foreign errors.
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// GetMessage returns the client-facing message of err.
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}

// IsRetryable reports whether the caller may retry the failed operation.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// WireCode maps err to the code string sent in error events.
func WireCode(err error) string {
	if code, ok := wireCodes[GetCode(err)]; ok {
		return code
	}
	return wireCodes[CodeInternal]
}

const (
	CodeInternal     = 1000
	CodeValidation   = 1001
	CodeAuth         = 1002
	CodeRateLimit    = 1003
	CodePersistence  = 1004
	CodeDelivery     = 1005
	CodeBackpressure = 1006
	CodeShuttingDown = 1007
)

var wireCodes = map[int]string{
	CodeInternal:     "INTERNAL_ERROR",
	CodeValidation:   "VALIDATION_ERROR",
	CodeAuth:         "AUTH_ERROR",
	CodeRateLimit:    "RATE_LIMITED",
	CodePersistence:  "PERSISTENCE_ERROR",
	CodeDelivery:     "DELIVERY_ERROR",
	CodeBackpressure: "BACKPRESSURE",
	CodeShuttingDown: "SHUTTING_DOWN",
}

func retryable(code int) bool {
	switch code {
	case CodePersistence, CodeBackpressure, CodeShuttingDown:
		return true
	}
	return false
}

var (
	ErrInternal       = New(CodeInternal, "internal server error")
	ErrValidation     = New(CodeValidation, "invalid payload")
	ErrAuth           = New(CodeAuth, "authentication failed")
	ErrUnauthorized   = New(CodeAuth, "not authenticated")
	ErrNotMember      = New(CodeAuth, "not a participant of this conversation")
	ErrSenderMismatch = New(CodeAuth, "sender does not match authenticated user")
	ErrRateLimited    = New(CodeRateLimit, "rate limit exceeded")
	ErrPersistence    = New(CodePersistence, "failed to persist message")
	ErrDelivery       = New(CodeDelivery, "delivery failed")
	ErrBackpressure   = New(CodeBackpressure, "conversation queue is full")
	ErrShuttingDown   = New(CodeShuttingDown, "server is shutting down")
)
