package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-uniq/v1/job"
	"github.com/mirkobrombin/go-uniq/v1/transport"
	"github.com/mirkobrombin/go-uniq/v1/unique"
	"github.com/mirkobrombin/go-uniq/v1/worker"
)

// Async pushes accepted jobs to a transport. The lock is released by the
// Worker that eventually runs the job.
type Async struct {
	base
	transport transport.Transport
}

// NewAsync returns an Async queue pushing to t.
func NewAsync(m *unique.Manager, t transport.Transport, opts ...Option) *Async {
	return &Async{base: newBase(m, opts), transport: t}
}

// Enqueue implements Queue.Enqueue. If the push fails the lock is released
// so the job can be retried.
func (q *Async) Enqueue(ctx context.Context, spec job.Spec) (job.Result, error) {
	rec, lease, ok, err := q.prepare(ctx, spec)
	if err != nil {
		return job.Result{}, err
	}
	if !ok {
		return job.Duplicate(), nil
	}
	if err := q.transport.Push(ctx, rec); err != nil {
		perr := fmt.Errorf("push %s: %w", rec.ID, err)
		if aerr := q.manager.Abandon(context.WithoutCancel(ctx), lease); aerr != nil {
			q.logger.Error("uniq: release after failed push", slog.String("jid", rec.ID), slog.Any("error", aerr))
			perr = errors.Join(perr, aerr)
		}
		return job.Result{}, perr
	}
	return job.Enqueued(rec.ID), nil
}

// List returns pending records for worker when the transport can list them.
func (q *Async) List(ctx context.Context, worker string) ([]job.Record, error) {
	l, ok := q.transport.(transport.Lister)
	if !ok {
		return nil, errors.ErrUnsupported
	}
	return l.List(ctx, worker)
}

// Worker consumes records from a transport and runs them under their
// leases with bounded concurrency.
type Worker struct {
	manager     *unique.Manager
	transport   transport.Transport
	registry    *worker.Registry
	queues      []string
	concurrency int
	logger      *slog.Logger
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithQueues sets the queues consumed. The default is job.DefaultQueue.
func WithQueues(queues ...string) WorkerOption {
	return func(w *Worker) {
		if len(queues) > 0 {
			w.queues = queues
		}
	}
}

// WithConcurrency bounds the number of jobs run at once per queue.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithWorkerLogger sets the structured logger.
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWorker returns a Worker running handlers from reg.
func NewWorker(m *unique.Manager, t transport.Transport, reg *worker.Registry, opts ...WorkerOption) *Worker {
	w := &Worker{
		manager:     m,
		transport:   t,
		registry:    reg,
		queues:      []string{job.DefaultQueue},
		concurrency: 10,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes every configured queue until ctx is done, then waits for
// in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, q := range w.queues {
		q := q
		g.Go(func() error { return w.consume(gctx, q) })
	}
	return g.Wait()
}

func (w *Worker) consume(ctx context.Context, queue string) error {
	var jobs errgroup.Group
	jobs.SetLimit(w.concurrency)
	err := w.transport.Consume(ctx, queue, func(ctx context.Context, rec job.Record) error {
		jobs.Go(func() error {
			_ = w.Process(ctx, rec)
			return nil
		})
		return nil
	})
	_ = jobs.Wait()
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	return nil
}

// Process runs a single record and applies its unlock policy.
func (w *Worker) Process(ctx context.Context, rec job.Record) error {
	def := lookup(w.registry, rec.Worker)
	err := execute(ctx, w.manager, def, rec, w.manager.LeaseFor(rec), w.logger)
	if err != nil {
		w.logger.Warn("uniq: job failed", slog.String("worker", rec.Worker), slog.String("jid", rec.ID), slog.Any("error", err))
		return err
	}
	w.logger.Debug("uniq: job done", slog.String("worker", rec.Worker), slog.String("jid", rec.ID))
	return nil
}
