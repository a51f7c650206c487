// Package queue implements the execution modes that decide when the
// uniqueness lock is taken and released relative to a job's execution.
//
//   - Batched records jobs in memory without running them.
//   - Inline runs the job body synchronously inside Enqueue.
//   - Async pushes records to a transport; a Worker runs them later.
//
// All three share the Queue interface and delegate locking to a
// unique.Manager.
package queue
