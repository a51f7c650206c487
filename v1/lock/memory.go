package lock

import (
	"context"
	"sync"
	"time"

	"github.com/mirkobrombin/go-uniq/v1/clock"
)

// InMemory implements Store using local memory. Expiry is evaluated lazily
// against the configured clock, so a fake clock drives TTL expiry in tests.
type InMemory struct {
	mu    sync.Mutex
	clock clock.Clock
	locks map[string]Record
}

// NewInMemory returns a new in-memory store. A nil clock uses wall time.
func NewInMemory(c clock.Clock) *InMemory {
	if c == nil {
		c = clock.Real()
	}
	return &InMemory{clock: c, locks: make(map[string]Record)}
}

// live returns the record for key, dropping it when expired. Caller holds mu.
func (l *InMemory) live(key string) (Record, bool) {
	rec, ok := l.locks[key]
	if !ok {
		return Record{}, false
	}
	if rec.Expired(l.clock.Now()) {
		delete(l.locks, key)
		return Record{}, false
	}
	return rec, true
}

// TryAcquire implements Store.TryAcquire.
func (l *InMemory) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.live(key); ok {
		return false, nil
	}
	now := l.clock.Now()
	rec := Record{Key: key, Holder: token, AcquiredAt: now}
	if ttl > 0 {
		rec.ExpiresAt = now.Add(ttl)
	}
	l.locks[key] = rec
	return true, nil
}

// Release implements Store.Release.
func (l *InMemory) Release(ctx context.Context, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.live(key)
	if !ok || rec.Holder != token {
		return false, nil
	}
	delete(l.locks, key)
	return true, nil
}

// Expire implements Store.Expire.
func (l *InMemory) Expire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.live(key)
	if !ok || rec.Holder != token {
		return false, nil
	}
	if ttl > 0 {
		rec.ExpiresAt = l.clock.Now().Add(ttl)
	} else {
		rec.ExpiresAt = time.Time{}
	}
	l.locks[key] = rec
	return true, nil
}

// Exists implements Store.Exists.
func (l *InMemory) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := l.Inspect(ctx, key)
	return ok, err
}

// Inspect implements Store.Inspect.
func (l *InMemory) Inspect(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.live(key)
	return rec, ok, nil
}

// Len returns the number of live locks.
func (l *InMemory) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key := range l.locks {
		if _, ok := l.live(key); ok {
			n++
		}
	}
	return n
}

// Flush removes every lock.
func (l *InMemory) Flush() {
	l.mu.Lock()
	l.locks = make(map[string]Record)
	l.mu.Unlock()
}
