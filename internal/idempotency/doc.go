// Package idempotency remembers the result of mutating RPC calls by their
// caller-supplied key so a retried call returns the original result
// instead of repeating the side effect.
package idempotency
