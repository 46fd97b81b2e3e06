// Package store provides the ephemeral key-value storage backing MFA
// challenges, passkey ceremonies, pending OAuth registrations and session
// mirrors. TTL is authoritative for expiry; callers never enumerate keys.
//
// Exactly one backend is the source of truth per deployment: the in-memory
// implementation for a single process, Redis when multiple processes serve
// requests.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for keys that were never set, already consumed,
// or past their TTL. Callers cannot distinguish the three: expiry of a
// challenge and replay of a consumed one look identical.
var ErrNotFound = errors.New("key not found or expired")

type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	// GetDelete atomically reads and removes a key, the consumption
	// primitive for single-use tokens. Two concurrent consumers of the
	// same key cannot both succeed.
	GetDelete(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
