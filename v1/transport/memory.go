package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mirkobrombin/go-uniq/v1/job"
)

// InMemory is a local Transport mainly for tests and single-process use.
type InMemory struct {
	mu     sync.Mutex
	queues map[string][]job.Record
	wake   chan struct{}

	pushed    atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemory returns a new InMemory transport.
func NewInMemory() *InMemory {
	return &InMemory{queues: make(map[string][]job.Record), wake: make(chan struct{})}
}

// Push implements Transport.Push.
func (t *InMemory) Push(ctx context.Context, rec job.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	t.queues[rec.Queue] = append(t.queues[rec.Queue], rec)
	close(t.wake)
	t.wake = make(chan struct{})
	t.mu.Unlock()
	t.pushed.Add(1)
	return nil
}

// Consume implements Transport.Consume.
func (t *InMemory) Consume(ctx context.Context, queue string, fn func(context.Context, job.Record) error) error {
	for {
		t.mu.Lock()
		q := t.queues[queue]
		if len(q) > 0 {
			rec := q[0]
			t.queues[queue] = q[1:]
			t.mu.Unlock()
			t.delivered.Add(1)
			_ = fn(ctx, rec)
			continue
		}
		wake := t.wake
		t.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return nil
		}
	}
}

// List implements Lister.List.
func (t *InMemory) List(ctx context.Context, worker string) ([]job.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []job.Record
	for _, q := range t.queues {
		for _, rec := range q {
			if rec.Worker == worker {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

// Metrics holds transport counters.
type Metrics struct {
	Pushed    uint64
	Delivered uint64
}

// Metrics returns the pushed and delivered counts.
func (t *InMemory) Metrics() Metrics {
	return Metrics{Pushed: t.pushed.Load(), Delivered: t.delivered.Load()}
}
