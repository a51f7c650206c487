package inspect

import (
	"context"
	"sync"
	"time"
)

// Kind is the type of a lock lifecycle event.
type Kind string

const (
	KindAcquired Kind = "acquired"
	KindRejected Kind = "rejected"
	KindReleased Kind = "released"
	KindCleared  Kind = "cleared"
)

// Event describes a lock transition.
type Event struct {
	Kind   Kind      `json:"kind"`
	Key    string    `json:"key"`
	Worker string    `json:"worker,omitempty"`
	JobID  string    `json:"jid,omitempty"`
	At     time.Time `json:"at"`
}

// Publisher receives lock events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

const watchBuffer = 16

type watcher struct {
	worker string
	ch     chan Event
}

// Bus fans lock events out to watchers. Slow watchers drop events rather
// than block publishers.
type Bus struct {
	mu   sync.Mutex
	subs []watcher
}

// NewBus creates a new Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Publish sends ev to every watcher interested in its worker.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	// mu stays held across the non-blocking sends; Unwatch closes channels.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range b.subs {
		if w.worker != "" && w.worker != ev.Worker {
			continue
		}
		select {
		case w.ch <- ev:
		default:
		}
	}
	return nil
}

// Watch subscribes to events for worker, or all events when worker is empty.
// The channel is closed when ctx is done or Unwatch is called.
func (b *Bus) Watch(ctx context.Context, worker string) (<-chan Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	ch := make(chan Event, watchBuffer)
	b.mu.Lock()
	b.subs = append(b.subs, watcher{worker: worker, ch: ch})
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.Unwatch(ch)
	}()
	return ch, nil
}

// Unwatch removes ch from the watchers and closes it.
func (b *Bus) Unwatch(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.subs {
		if w.ch == ch {
			b.subs[i] = b.subs[len(b.subs)-1]
			b.subs = b.subs[:len(b.subs)-1]
			close(w.ch)
			return
		}
	}
}

// Watchers returns the number of active watchers.
func (b *Bus) Watchers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
