package lock

import (
	"context"
	"time"
)

// Store is the minimal contract a shared key-value store must offer for
// uniqueness locks. Every method is a single round trip to the store.
type Store interface {
	// TryAcquire creates the lock for key held by token when no live lock
	// exists. A zero ttl creates a lock that never expires.
	TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Release deletes the lock only when token currently holds it.
	Release(ctx context.Context, key, token string) (bool, error)
	// Expire resets the lock lifetime to ttl only when token holds it.
	Expire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Exists reports whether a live lock exists. It is meant for
	// diagnostics; acquisition never depends on it.
	Exists(ctx context.Context, key string) (bool, error)
	// Inspect returns the live lock record for key.
	Inspect(ctx context.Context, key string) (Record, bool, error)
}

// Record describes a held lock.
type Record struct {
	Key        string    `json:"key"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the record is no longer live at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}
