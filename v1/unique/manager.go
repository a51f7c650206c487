package unique

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-uniq/v1/fingerprint"
	"github.com/mirkobrombin/go-uniq/v1/inspect"
	"github.com/mirkobrombin/go-uniq/v1/job"
	"github.com/mirkobrombin/go-uniq/v1/lock"
	"github.com/mirkobrombin/go-uniq/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-uniq/v1/unique")

// Lease is the holder side of an acquired lock. The zero Lease holds nothing
// and is what non-unique jobs carry.
type Lease struct {
	Key         string
	Token       string
	Worker      string
	JobID       string
	UnlockOrder job.UnlockOrder
	TTL         time.Duration
}

// Held reports whether the lease refers to an acquired lock.
func (l Lease) Held() bool { return l.Key != "" && l.Token != "" }

// Manager orchestrates uniqueness locks around enqueue and completion.
type Manager struct {
	store        lock.Store
	gen          fingerprint.Generator
	logger       *slog.Logger
	events       inspect.Publisher
	traceEnabled bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithGenerator sets the fingerprint generator used to derive lock keys.
func WithGenerator(g fingerprint.Generator) Option {
	return func(m *Manager) {
		m.gen = g
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithEvents publishes lock lifecycle events to p.
func WithEvents(p inspect.Publisher) Option {
	return func(m *Manager) {
		m.events = p
	}
}

// WithTracing enables OpenTelemetry spans for lock operations.
func WithTracing() Option {
	return func(m *Manager) {
		m.traceEnabled = true
	}
}

// New returns a Manager using store as the lock arbiter.
func New(store lock.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		gen:    fingerprint.Default(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the underlying lock store.
func (m *Manager) Store() lock.Store { return m.store }

// Key returns the lock key of spec.
func (m *Manager) Key(spec job.Spec) string {
	return spec.Key(m.gen)
}

// Acquire takes the uniqueness lock for spec. Non-unique specs always
// succeed with an empty Lease. The boolean is false when an equivalent job
// already holds the lock; store failures are returned as errors and never
// reported as duplicates.
func (m *Manager) Acquire(ctx context.Context, spec job.Spec) (Lease, bool, error) {
	opts := spec.Options()
	if !opts.Unique {
		return Lease{Worker: spec.Worker()}, true, nil
	}
	lease := Lease{
		Key:         m.Key(spec),
		Token:       uuid.NewString(),
		Worker:      spec.Worker(),
		UnlockOrder: opts.UnlockOrder,
		TTL:         opts.TTL,
	}

	var span trace.Span
	if m.traceEnabled {
		ctx, span = tracer.Start(ctx, "Manager.Acquire")
		defer span.End()
		span.SetAttributes(
			attribute.String("uniq.worker", lease.Worker),
			attribute.String("uniq.key", lease.Key),
			attribute.Int64("uniq.ttl_ms", lease.TTL.Milliseconds()),
		)
	}

	ok, err := m.store.TryAcquire(ctx, lease.Key, lease.Token, lease.TTL)
	if err != nil {
		metrics.StoreErrorCounter.Inc()
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "lock store failure")
		}
		m.logger.Warn("uniq: acquire failed", "worker", lease.Worker, "key", lease.Key, "error", err)
		return Lease{}, false, fmt.Errorf("acquire %s: %w", lease.Key, err)
	}
	if !ok {
		metrics.DuplicateCounter.Inc()
		if span != nil {
			span.SetAttributes(attribute.String("uniq.result", "duplicate"))
		}
		m.logger.Debug("uniq: duplicate rejected", "worker", lease.Worker, "key", lease.Key)
		m.publish(ctx, inspect.KindRejected, lease)
		return Lease{}, false, nil
	}
	metrics.AcquiredCounter.Inc()
	if span != nil {
		span.SetAttributes(attribute.String("uniq.result", "acquired"))
	}
	m.publish(ctx, inspect.KindAcquired, lease)
	return lease, true, nil
}

// Stamp attaches the lock identity to rec so the queued job carries its
// unique hash, and records the job id on the lease.
func (m *Manager) Stamp(rec *job.Record, lease *Lease) {
	lease.JobID = rec.ID
	if !lease.Held() {
		return
	}
	rec.UniqueHash = lease.Key
	rec.LockToken = lease.Token
	rec.UnlockOrder = lease.UnlockOrder
	rec.LockTTL = lease.TTL
}

// LeaseFor rebuilds the lease carried by a queued record.
func (m *Manager) LeaseFor(rec job.Record) Lease {
	return Lease{
		Key:         rec.UniqueHash,
		Token:       rec.LockToken,
		Worker:      rec.Worker,
		JobID:       rec.ID,
		UnlockOrder: rec.UnlockOrder,
		TTL:         rec.LockTTL,
	}
}

// Complete runs the unlock policy for a finished job. outcome is the job's
// error, if any; failed jobs are complete for unlock purposes too. A lock
// that has already expired or moved to another holder is left alone.
func (m *Manager) Complete(ctx context.Context, lease Lease, outcome error) error {
	if !lease.Held() {
		return nil
	}
	if lease.UnlockOrder == job.UnlockNever {
		m.logger.Debug("uniq: lock kept", "worker", lease.Worker, "key", lease.Key, "jid", lease.JobID)
		return nil
	}

	var span trace.Span
	if m.traceEnabled {
		ctx, span = tracer.Start(ctx, "Manager.Complete")
		defer span.End()
		span.SetAttributes(
			attribute.String("uniq.worker", lease.Worker),
			attribute.String("uniq.key", lease.Key),
			attribute.Bool("uniq.job_failed", outcome != nil),
		)
	}

	released, err := m.release(ctx, lease)
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "lock store failure")
		}
		return err
	}
	if span != nil {
		span.SetAttributes(attribute.Bool("uniq.released", released))
	}
	return nil
}

// Run executes fn as the body of the job holding lease and guarantees that
// Complete runs on every exit path, including a panic, which is re-raised
// once the lock has been handled. The release uses a context detached from
// ctx cancellation.
func (m *Manager) Run(ctx context.Context, lease Lease, fn func(context.Context) error) (err error) {
	metrics.RunningGauge.Inc()
	defer func() {
		metrics.RunningGauge.Dec()
		r := recover()
		outcome := err
		if r != nil {
			outcome = fmt.Errorf("panic: %v", r)
		}
		if cerr := m.Complete(context.WithoutCancel(ctx), lease, outcome); cerr != nil {
			m.logger.Error("uniq: release after execution failed", "worker", lease.Worker, "key", lease.Key, "jid", lease.JobID, "error", cerr)
			err = errors.Join(err, cerr)
		}
		if r != nil {
			panic(r)
		}
	}()
	return fn(ctx)
}

// Abandon releases a lock whose job never reached the queue, whatever its
// unlock order.
func (m *Manager) Abandon(ctx context.Context, lease Lease) error {
	if !lease.Held() {
		return nil
	}
	_, err := m.release(ctx, lease)
	return err
}

// Extend resets the lifetime of a held lock to ttl. It reports false when
// the lock is no longer held by lease.
func (m *Manager) Extend(ctx context.Context, lease Lease, ttl time.Duration) (bool, error) {
	if !lease.Held() {
		return false, nil
	}
	ok, err := m.store.Expire(ctx, lease.Key, lease.Token, ttl)
	if err != nil {
		metrics.StoreErrorCounter.Inc()
		return false, fmt.Errorf("extend %s: %w", lease.Key, err)
	}
	return ok, nil
}

// Clear removes the lock for spec regardless of who holds it. It is the
// manual intervention path for locks kept with UnlockNever.
func (m *Manager) Clear(ctx context.Context, spec job.Spec) (bool, error) {
	key := m.Key(spec)
	rec, ok, err := m.store.Inspect(ctx, key)
	if err != nil {
		metrics.StoreErrorCounter.Inc()
		return false, fmt.Errorf("clear %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	cleared, err := m.store.Release(ctx, key, rec.Holder)
	if err != nil {
		metrics.StoreErrorCounter.Inc()
		return false, fmt.Errorf("clear %s: %w", key, err)
	}
	if cleared {
		m.logger.Info("uniq: lock cleared", "worker", spec.Worker(), "key", key)
		m.publish(ctx, inspect.KindCleared, Lease{Key: key, Worker: spec.Worker()})
	}
	return cleared, nil
}

// Locked reports whether a live lock exists for spec. It is a diagnostic
// and must not gate enqueues.
func (m *Manager) Locked(ctx context.Context, spec job.Spec) (bool, error) {
	ok, err := m.store.Exists(ctx, m.Key(spec))
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", m.Key(spec), err)
	}
	return ok, nil
}

func (m *Manager) release(ctx context.Context, lease Lease) (bool, error) {
	ok, err := m.store.Release(ctx, lease.Key, lease.Token)
	if err != nil {
		metrics.StoreErrorCounter.Inc()
		m.logger.Warn("uniq: release failed", "worker", lease.Worker, "key", lease.Key, "error", err)
		return false, fmt.Errorf("release %s: %w", lease.Key, err)
	}
	if !ok {
		m.logger.Debug("uniq: lock no longer held", "worker", lease.Worker, "key", lease.Key, "jid", lease.JobID)
		return false, nil
	}
	metrics.ReleasedCounter.Inc()
	m.publish(ctx, inspect.KindReleased, lease)
	return true, nil
}

func (m *Manager) publish(ctx context.Context, kind inspect.Kind, lease Lease) {
	if m.events == nil {
		return
	}
	_ = m.events.Publish(ctx, inspect.Event{
		Kind:   kind,
		Key:    lease.Key,
		Worker: lease.Worker,
		JobID:  lease.JobID,
		At:     time.Now(),
	})
}
