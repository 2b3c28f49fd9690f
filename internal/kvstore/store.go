// Package kvstore abstracts the shared mutable state of the gate (consumed
// nonces, issuance counters, blacklist entries) behind a small key-value
// contract so single-instance deployments can run on process memory and
// multi-instance deployments can share a Redis backend.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for missing or expired keys.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the backing contract. A zero TTL means no expiry.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key with the given TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX stores value only if key is absent, atomically. Returns true if
	// the write happened. This is the check-and-set that makes nonce
	// consumption safe against concurrent validations of the same token.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Incr atomically increments the integer at key and returns the new
	// value. The TTL is applied when the counter is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Delete removes key (idempotent).
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}
