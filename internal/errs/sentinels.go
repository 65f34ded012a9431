// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across store/service/sync layers.
var (
	// ErrNotFound indicates the requested entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoKey indicates that no credential is present, so no key can be derived.
	// It marks the feature as inactive rather than failed.
	ErrNoKey = errors.New("no key available")

	// ErrDecryptionFailed indicates an authentication tag mismatch (wrong or rotated key, tampered bytes).
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrCorruptEntry indicates a stored entry that is malformed or misses a required field.
	ErrCorruptEntry = errors.New("corrupt entry")

	// ErrQuotaExceeded indicates the local store refused a write for lack of space.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrVersionConflict indicates optimistic concurrency failure reported by the server.
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrClosed indicates the scheduler has been closed (e.g. after logout).
	ErrClosed = errors.New("closed")
)
