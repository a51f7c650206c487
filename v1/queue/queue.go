package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/mirkobrombin/go-uniq/v1/clock"
	uniqerrors "github.com/mirkobrombin/go-uniq/v1/errors"
	"github.com/mirkobrombin/go-uniq/v1/job"
	"github.com/mirkobrombin/go-uniq/v1/unique"
	"github.com/mirkobrombin/go-uniq/v1/worker"
)

// Queue accepts jobs. A duplicate is reported through the Result, never as
// an error.
type Queue interface {
	Enqueue(ctx context.Context, spec job.Spec) (job.Result, error)
}

// Perform builds a spec for the registered worker name and enqueues it.
func Perform(ctx context.Context, q Queue, reg *worker.Registry, name string, args ...any) (job.Result, error) {
	spec, err := reg.Spec(name, args...)
	if err != nil {
		return job.Result{}, err
	}
	return q.Enqueue(ctx, spec)
}

var newID = job.NewID

// Option configures a queue.
type Option func(*base)

// WithClock sets the clock used to stamp enqueue times.
func WithClock(c clock.Clock) Option {
	return func(b *base) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *base) {
		if l != nil {
			b.logger = l
		}
	}
}

type base struct {
	manager *unique.Manager
	clock   clock.Clock
	logger  *slog.Logger
}

func newBase(m *unique.Manager, opts []Option) base {
	b := base{manager: m, clock: clock.Real(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// prepare takes the lock for spec and builds the stamped record. ok is false
// for a duplicate.
func (b *base) prepare(ctx context.Context, spec job.Spec) (job.Record, unique.Lease, bool, error) {
	lease, ok, err := b.manager.Acquire(ctx, spec)
	if err != nil || !ok {
		return job.Record{}, unique.Lease{}, false, err
	}
	id, err := newID()
	if err != nil {
		err = fmt.Errorf("job id: %w", err)
		if aerr := b.manager.Abandon(context.WithoutCancel(ctx), lease); aerr != nil {
			b.logger.Error("uniq: release after failed enqueue", slog.String("worker", spec.Worker()), slog.Any("error", aerr))
			err = errors.Join(err, aerr)
		}
		return job.Record{}, unique.Lease{}, false, err
	}
	rec := job.NewRecord(id, spec, b.clock.Now())
	b.manager.Stamp(&rec, &lease)
	return rec, lease, true, nil
}

// execute runs the registered handler for rec under the lease, converting
// handler panics into errors. The lock policy runs on every exit path.
func execute(ctx context.Context, m *unique.Manager, def worker.Definition, rec job.Record, lease unique.Lease, logger *slog.Logger) error {
	return m.Run(ctx, lease, func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("uniq: job handler panicked",
					slog.String("worker", rec.Worker),
					slog.String("jid", rec.ID),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("panic in job %s: %v", rec.Worker, r)
			}
		}()
		args, err := rec.DecodeArgs()
		if err != nil {
			return err
		}
		if def.Handler == nil {
			return nil
		}
		return def.Handler(ctx, args)
	})
}

// lookup returns the definition for name, or one whose handler fails with
// ErrUnknownWorker so the job still completes under its lock policy.
func lookup(reg *worker.Registry, name string) worker.Definition {
	if reg != nil {
		if def, ok := reg.Lookup(name); ok {
			return def
		}
	}
	return worker.Definition{
		Name: name,
		Handler: func(context.Context, []json.RawMessage) error {
			return fmt.Errorf("%w: %s", uniqerrors.ErrUnknownWorker, name)
		},
	}
}
