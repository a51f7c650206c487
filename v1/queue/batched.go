package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mirkobrombin/go-uniq/v1/job"
	"github.com/mirkobrombin/go-uniq/v1/unique"
	"github.com/mirkobrombin/go-uniq/v1/worker"
)

// Batched records enqueued jobs in order without running them. Locks are
// never released automatically in this mode; Drain runs queued jobs and
// applies their unlock policy on request.
type Batched struct {
	base
	mu   sync.Mutex
	jobs []job.Record
}

// NewBatched returns a Batched queue using m for locking.
func NewBatched(m *unique.Manager, opts ...Option) *Batched {
	return &Batched{base: newBase(m, opts)}
}

// Enqueue implements Queue.Enqueue.
func (q *Batched) Enqueue(ctx context.Context, spec job.Spec) (job.Result, error) {
	rec, _, ok, err := q.prepare(ctx, spec)
	if err != nil {
		return job.Result{}, err
	}
	if !ok {
		return job.Duplicate(), nil
	}
	q.mu.Lock()
	q.jobs = append(q.jobs, rec)
	q.mu.Unlock()
	return job.Enqueued(rec.ID), nil
}

// Jobs returns the queued records for worker in enqueue order.
func (q *Batched) Jobs(worker string) []job.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []job.Record
	for _, rec := range q.jobs {
		if rec.Worker == worker {
			out = append(out, rec)
		}
	}
	return out
}

// All returns every queued record in enqueue order.
func (q *Batched) All() []job.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]job.Record(nil), q.jobs...)
}

// List implements transport.Lister so the queue can back inspection
// handlers.
func (q *Batched) List(ctx context.Context, worker string) ([]job.Record, error) {
	return q.Jobs(worker), nil
}

// Clear drops every queued record. Locks they hold are left to their
// unlock policy and TTL.
func (q *Batched) Clear() {
	q.mu.Lock()
	q.jobs = nil
	q.mu.Unlock()
}

// Drain runs the queued jobs of worker in order, removing them from the
// queue and completing each under its lease. An empty worker drains every
// job. It returns the number of jobs run and the failures joined.
func (q *Batched) Drain(ctx context.Context, reg *worker.Registry, name string) (int, error) {
	q.mu.Lock()
	var run, keep []job.Record
	for _, rec := range q.jobs {
		if name == "" || rec.Worker == name {
			run = append(run, rec)
		} else {
			keep = append(keep, rec)
		}
	}
	q.jobs = keep
	q.mu.Unlock()

	var errs []error
	for _, rec := range run {
		def := lookup(reg, rec.Worker)
		if err := execute(ctx, q.manager, def, rec, q.manager.LeaseFor(rec), q.logger); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", rec.ID, err))
		}
	}
	return len(run), errors.Join(errs...)
}
