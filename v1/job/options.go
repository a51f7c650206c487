package job

import (
	"fmt"
	"strings"
	"time"
)

// UnlockOrder controls when a held uniqueness lock is released.
type UnlockOrder int

const (
	// UnlockAfterExecution releases the lock once the job body returns,
	// whether it succeeded or failed.
	UnlockAfterExecution UnlockOrder = iota
	// UnlockNever keeps the lock until it is cleared by hand or its TTL
	// elapses.
	UnlockNever
)

// String returns the configuration name of the order.
func (o UnlockOrder) String() string {
	switch o {
	case UnlockAfterExecution:
		return "after_execution"
	case UnlockNever:
		return "never"
	default:
		return fmt.Sprintf("unlock_order(%d)", int(o))
	}
}

// ParseUnlockOrder parses a configuration value. The empty string maps to
// UnlockAfterExecution.
func ParseUnlockOrder(s string) (UnlockOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "after_execution":
		return UnlockAfterExecution, nil
	case "never":
		return UnlockNever, nil
	}
	return 0, fmt.Errorf("job: unknown unlock order %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (o UnlockOrder) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *UnlockOrder) UnmarshalText(b []byte) error {
	v, err := ParseUnlockOrder(string(b))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// DefaultQueue is the queue jobs go to when none is configured.
const DefaultQueue = "default"

// Options configures uniqueness for a job type.
type Options struct {
	// Unique enables the uniqueness lock.
	Unique bool

	// UnlockOrder decides when the lock is released.
	UnlockOrder UnlockOrder

	// TTL bounds the lock lifetime. Zero means the lock never expires.
	TTL time.Duration

	// Queue is the queue name records are pushed to.
	Queue string
}

// DefaultOptions returns Options with uniqueness disabled.
func DefaultOptions() Options {
	return Options{
		UnlockOrder: UnlockAfterExecution,
		Queue:       DefaultQueue,
	}
}

// Option is a functional option for configuring job options.
type Option func(*Options)

// WithUnique toggles the uniqueness lock.
func WithUnique(unique bool) Option {
	return func(o *Options) {
		o.Unique = unique
	}
}

// WithUnlockOrder sets the release policy.
func WithUnlockOrder(order UnlockOrder) Option {
	return func(o *Options) {
		o.UnlockOrder = order
	}
}

// WithTTL sets the lock lifetime upper bound.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) {
		o.TTL = ttl
	}
}

// WithQueue sets the queue name.
func WithQueue(q string) Option {
	return func(o *Options) {
		o.Queue = q
	}
}

// Apply returns a copy of o with opts applied.
func (o Options) Apply(opts ...Option) Options {
	for _, opt := range opts {
		opt(&o)
	}
	if o.Queue == "" {
		o.Queue = DefaultQueue
	}
	return o
}
