// Package repository defines storage interfaces implemented by concrete backends.
package repository

import "context"

// KVRepository is a durable byte store keyed by string. Values are opaque to the backend.
type KVRepository interface {
	// Get returns the value stored under key or errs.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key, replacing any previous value.
	// A backend that runs out of space returns errs.ErrQuotaExceeded.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists every key that starts with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
