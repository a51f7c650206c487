package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"time"

	uniqerrors "github.com/mirkobrombin/go-uniq/v1/errors"
)

// ErrCircuitOpen is returned while the breaker rejects store calls. It wraps
// ErrStoreUnavailable so callers treat it as a transient store failure.
var ErrCircuitOpen = fmt.Errorf("%w: circuit breaker is open", uniqerrors.ErrStoreUnavailable)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a Store so that, after threshold consecutive
// store failures, calls fail fast until timeout has passed. It never retries.
type CircuitBreaker struct {
	store     Store
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a new CircuitBreaker around store.
func NewCircuitBreaker(store Store, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		store:     store,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed or ready to probe.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow checks if a request should be allowed, moving Open to Half-Open once
// the timeout has elapsed. Only one probe runs while half-open.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	}
	return false
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch {
	case err == nil:
		cb.state = stateClosed
		cb.failures = 0
	case stdErrors.Is(err, uniqerrors.ErrStoreUnavailable):
		cb.lastFail = time.Now()
		cb.failures++
		if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
			cb.state = stateOpen
		}
	case cb.state == stateHalfOpen:
		// probe aborted by the caller; let the next call probe again
		cb.state = stateOpen
	}
}

// TryAcquire implements Store.TryAcquire with circuit breaker logic.
func (cb *CircuitBreaker) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if !cb.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := cb.store.TryAcquire(ctx, key, token, ttl)
	cb.record(err)
	return ok, err
}

// Release implements Store.Release with circuit breaker logic.
func (cb *CircuitBreaker) Release(ctx context.Context, key, token string) (bool, error) {
	if !cb.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := cb.store.Release(ctx, key, token)
	cb.record(err)
	return ok, err
}

// Expire implements Store.Expire with circuit breaker logic.
func (cb *CircuitBreaker) Expire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if !cb.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := cb.store.Expire(ctx, key, token, ttl)
	cb.record(err)
	return ok, err
}

// Exists proxies to the wrapped store; diagnostics bypass the breaker.
func (cb *CircuitBreaker) Exists(ctx context.Context, key string) (bool, error) {
	return cb.store.Exists(ctx, key)
}

// Inspect proxies to the wrapped store.
func (cb *CircuitBreaker) Inspect(ctx context.Context, key string) (Record, bool, error) {
	return cb.store.Inspect(ctx, key)
}
