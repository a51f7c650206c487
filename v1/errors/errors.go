// Package errors holds the sentinel errors shared by the uniq packages.
package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrStoreUnavailable marks a transient lock store failure. It is never
	// reported for a duplicate enqueue.
	ErrStoreUnavailable = errors.New("uniq: lock store unavailable")
	// ErrInvalidArguments is returned when job arguments cannot be serialised.
	ErrInvalidArguments = errors.New("uniq: invalid job arguments")
	// ErrUnknownWorker is returned when no handler is registered for a worker.
	ErrUnknownWorker = errors.New("uniq: unknown worker")
)
