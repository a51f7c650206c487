package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/mirkobrombin/go-uniq/v1/job"
)

const (
	defaultNATSSubject = "uniq.jobs."
	defaultNATSGroup   = "uniq-workers"
	natsBuffer         = 256
	natsFlushTimeout   = 5 * time.Second
)

// NATS implements Transport over core NATS subjects. Consumers join a queue
// group so each record is delivered to a single worker. Core NATS keeps no
// backlog: records pushed while no consumer is subscribed are dropped.
type NATS struct {
	conn      *nats.Conn
	prefix    string
	group     string
	published atomic.Uint64
	delivered atomic.Uint64
}

// NATSOptions configures the NATS transport.
type NATSOptions struct {
	Conn          *nats.Conn
	SubjectPrefix string
	Group         string
}

// NewNATS returns a new NATS transport.
func NewNATS(opts NATSOptions) *NATS {
	t := &NATS{conn: opts.Conn, prefix: opts.SubjectPrefix, group: opts.Group}
	if t.prefix == "" {
		t.prefix = defaultNATSSubject
	}
	if t.group == "" {
		t.group = defaultNATSGroup
	}
	return t
}

// Push implements Transport.Push.
func (t *NATS) Push(ctx context.Context, rec job.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := t.conn.Publish(t.prefix+rec.Queue, data); err != nil {
		return fmt.Errorf("transport push: %w", err)
	}
	if err := t.flush(ctx); err != nil {
		return fmt.Errorf("transport push: %w", err)
	}
	t.published.Add(1)
	return nil
}

// Consume implements Transport.Consume.
func (t *NATS) Consume(ctx context.Context, queue string, fn func(context.Context, job.Record) error) error {
	ch := make(chan *nats.Msg, natsBuffer)
	sub, err := t.conn.ChanQueueSubscribe(t.prefix+queue, t.group, ch)
	if err != nil {
		return fmt.Errorf("transport consume: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	if err := t.flush(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("transport consume: %w", err)
	}
	for {
		select {
		case msg := <-ch:
			var rec job.Record
			if err := json.Unmarshal(msg.Data, &rec); err != nil {
				continue
			}
			t.delivered.Add(1)
			_ = fn(ctx, rec)
		case <-ctx.Done():
			return nil
		}
	}
}

// flush waits for the server to process buffered messages. nats.go needs
// a deadline on the context, so one is added when ctx has none.
func (t *NATS) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, natsFlushTimeout)
		defer cancel()
	}
	return t.conn.FlushWithContext(ctx)
}

// Metrics returns the published and delivered counts.
func (t *NATS) Metrics() Metrics {
	return Metrics{Pushed: t.published.Load(), Delivered: t.delivered.Load()}
}
