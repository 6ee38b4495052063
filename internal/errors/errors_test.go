package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("Error returns formatted string", func(t *testing.T) {
		err := New(ErrCodeNotFound, "Device not found")
		assert.Equal(t, "NOT_FOUND: Device not found", err.Error())
	})

	t.Run("Error with cause includes cause", func(t *testing.T) {
		cause := errors.New("disk full")
		err := Wrap(ErrCodeStore, "State store error", cause)
		assert.Contains(t, err.Error(), "STORE_ERROR")
		assert.Contains(t, err.Error(), "State store error")
		assert.Contains(t, err.Error(), "disk full")
	})

	t.Run("WithCause adds cause to error", func(t *testing.T) {
		cause := errors.New("original error")
		err := New(ErrCodeInternal, "Something went wrong").WithCause(cause)
		assert.Equal(t, cause, err.Unwrap())
	})

	t.Run("WithDetails adds details to error", func(t *testing.T) {
		details := map[string]string{"field": "nodeId"}
		err := New(ErrCodeInvalidRequest, "Validation failed").WithDetails(details)
		assert.Equal(t, details, err.Details)
	})
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name         string
		constructor  func() *AppError
		expectedCode ErrorCode
	}{
		{"Unauthorized", func() *AppError { return Unauthorized("test") }, ErrCodeUnauthorized},
		{"NotPaired", func() *AppError { return NotPaired("node-1") }, ErrCodeNotPaired},
		{"PairingRejected", func() *AppError { return PairingRejected() }, ErrCodePairingRejected},
		{"RateLimitExceeded", func() *AppError { return RateLimitExceeded() }, ErrCodeRateLimitExceeded},
		{"InvalidRequest", func() *AppError { return InvalidRequest("test") }, ErrCodeInvalidRequest},
		{"MissingRequired", func() *AppError { return MissingRequired("requestId") }, ErrCodeInvalidRequest},
		{"MethodNotFound", func() *AppError { return MethodNotFound("nope") }, ErrCodeMethodNotFound},
		{"NotFound", func() *AppError { return NotFound("Device") }, ErrCodeNotFound},
		{"Unavailable", func() *AppError { return Unavailable("test") }, ErrCodeUnavailable},
		{"Timeout", func() *AppError { return Timeout("test") }, ErrCodeTimeout},
		{"Internal", func() *AppError { return Internal("test") }, ErrCodeInternal},
		{"Store", func() *AppError { return Store(errors.New("x")) }, ErrCodeStore},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.constructor()
			assert.Equal(t, tc.expectedCode, err.Code)
			assert.NotEmpty(t, err.Message)
		})
	}
}

func TestFrom(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, From(nil))
	})

	t.Run("keeps AppError through wrapping", func(t *testing.T) {
		original := NotPaired("node-1")
		wrapped := fmt.Errorf("hello: %w", original)
		assert.Equal(t, original, From(wrapped))
	})

	t.Run("hides raw error text", func(t *testing.T) {
		appErr := From(errors.New("secret path /etc/x"))
		assert.Equal(t, ErrCodeInternal, appErr.Code)
		assert.NotContains(t, appErr.Message, "/etc/x")
	})
}

func TestGetCode(t *testing.T) {
	t.Run("returns code for AppError", func(t *testing.T) {
		err := New(ErrCodeNotFound, "test")
		assert.Equal(t, ErrCodeNotFound, GetCode(err))
	})

	t.Run("returns ErrCodeInternal for standard error", func(t *testing.T) {
		err := errors.New("standard error")
		assert.Equal(t, ErrCodeInternal, GetCode(err))
	})
}

func TestMissingRequiredMessage(t *testing.T) {
	err := MissingRequired("requestId")
	assert.Equal(t, "requestId is required", err.Message)
}
