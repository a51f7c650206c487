package queue

import (
	"context"
	"fmt"

	uniqerrors "github.com/mirkobrombin/go-uniq/v1/errors"
	"github.com/mirkobrombin/go-uniq/v1/job"
	"github.com/mirkobrombin/go-uniq/v1/unique"
	"github.com/mirkobrombin/go-uniq/v1/worker"
)

// Inline runs each accepted job synchronously inside Enqueue. The unlock
// policy runs immediately after the body returns, fails or panics.
type Inline struct {
	base
	registry *worker.Registry
}

// NewInline returns an Inline queue running handlers from reg.
func NewInline(m *unique.Manager, reg *worker.Registry, opts ...Option) *Inline {
	return &Inline{base: newBase(m, opts), registry: reg}
}

// Enqueue implements Queue.Enqueue. A job that was accepted but failed
// returns its Result together with the job error.
func (q *Inline) Enqueue(ctx context.Context, spec job.Spec) (job.Result, error) {
	def, ok := q.registry.Lookup(spec.Worker())
	if !ok {
		return job.Result{}, fmt.Errorf("%w: %s", uniqerrors.ErrUnknownWorker, spec.Worker())
	}
	rec, lease, ok, err := q.prepare(ctx, spec)
	if err != nil {
		return job.Result{}, err
	}
	if !ok {
		return job.Duplicate(), nil
	}
	if err := execute(ctx, q.manager, def, rec, lease, q.logger); err != nil {
		return job.Enqueued(rec.ID), fmt.Errorf("job %s (%s): %w", rec.ID, rec.Worker, err)
	}
	return job.Enqueued(rec.ID), nil
}
