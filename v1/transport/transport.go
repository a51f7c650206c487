// Package transport carries queued job records from producers to worker
// processes for the asynchronous execution mode. Backends exist for local
// memory, Redis lists, NATS subjects and Kafka topics.
package transport

import (
	"context"

	"github.com/mirkobrombin/go-uniq/v1/job"
)

// Transport pushes job records and delivers them to consumers.
type Transport interface {
	// Push enqueues rec on its queue.
	Push(ctx context.Context, rec job.Record) error
	// Consume delivers records from queue to fn one at a time until ctx is
	// done. A non-nil error from fn is not fatal to the consumer.
	Consume(ctx context.Context, queue string, fn func(context.Context, job.Record) error) error
}

// Lister is implemented by transports that can enumerate pending records.
type Lister interface {
	List(ctx context.Context, worker string) ([]job.Record, error)
}
