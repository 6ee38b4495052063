package idempotency

import (
	"context"
	"encoding/json"

	apperrors "github.com/openclaw/gateway-go/internal/errors"
)

// Result is the stored outcome of one call.
type Result struct {
	OK      bool                `json:"ok"`
	Payload json.RawMessage     `json:"payload,omitempty"`
	Error   *apperrors.AppError `json:"error,omitempty"`
}

// Success marshals payload into an OK result.
func Success(payload any) Result {
	if payload == nil {
		return Result{OK: true}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Failure(apperrors.Internal("Failed to encode result").WithCause(err))
	}
	return Result{OK: true, Payload: data}
}

func Failure(err *apperrors.AppError) Result {
	return Result{Error: err}
}

// Store persists results for a bounded window.
type Store interface {
	// Get returns the result stored under key, if any.
	Get(ctx context.Context, key string) (Result, bool, error)
	// Put stores res under key unless a result is already present.
	Put(ctx context.Context, key string, res Result) error
}
