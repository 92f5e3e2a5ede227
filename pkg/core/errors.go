// Package core provides the OpenMemory client and the hybrid semantic graph
// query engine built on top of the storage, embedder and dynamics packages.
package core

import (
	"errors"
	"fmt"
	"time"
)

// Predefined errors for the failure kinds the engine distinguishes.
var (
	// ErrInvalidConfig indicates that the runtime configuration is invalid.
	// Fatal at startup; never produced after a client has been constructed.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidInput indicates bad caller input (empty content, dimension
	// mismatch, oversize payload, malformed date).
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound indicates that a requested memory or fact was not found.
	ErrNotFound = errors.New("memory not found")

	// ErrConflict indicates a dedup collision or optimistic-version mismatch.
	ErrConflict = errors.New("conflicting write")

	// ErrStorageOperation indicates an I/O or transaction failure.
	ErrStorageOperation = errors.New("storage operation failed")

	// ErrEmbeddingFailed indicates that embedding generation failed.
	// Recoverable: the memory row is still stored without vectors.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrProvider indicates an upstream LLM or connector failure.
	ErrProvider = errors.New("provider operation failed")

	// ErrSecurity indicates a decryption failure or key verification
	// mismatch. Never recovered, always propagated.
	ErrSecurity = errors.New("security violation")

	// ErrRateLimited indicates the caller must back off.
	ErrRateLimited = errors.New("rate limited")
)

// MemoryError wraps errors with operation context.
//
// Example:
//
//	err := &MemoryError{Op: "Add", Err: ErrEmbeddingFailed}
//	// Error() returns: "openmemory: Add: embedding generation failed"
type MemoryError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message in the form
// "openmemory: <Op>: <Err>".
func (e *MemoryError) Error() string {
	return fmt.Sprintf("openmemory: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error so errors.Is and errors.As work
// through the wrapper.
func (e *MemoryError) Unwrap() error {
	return e.Err
}

// NewMemoryError creates a new MemoryError wrapping the given error.
// If err is nil, returns nil, which allows unconditional wrapping:
//
//	return mem, NewMemoryError("Add", err)
func NewMemoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &MemoryError{Op: op, Err: err}
}

// RateLimitError carries the retry-after hint alongside ErrRateLimited.
type RateLimitError struct {
	// RetryAfter is how long the caller should wait before retrying.
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Unwrap makes errors.Is(err, ErrRateLimited) hold for RateLimitError.
func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// IsRetryable reports whether an error is worth retrying on an idempotent
// operation. Storage and provider failures are retryable; validation,
// security and not-found failures are not.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrStorageOperation),
		errors.Is(err, ErrProvider),
		errors.Is(err, ErrRateLimited):
		return true
	default:
		return false
	}
}
