// Package unique manages the uniqueness lock around a job's lifecycle.
//
// A Manager acquires the lock when a job is enqueued and releases it when the
// job completes, following the job's unlock order. TTL expiry is left to the
// lock store. The Manager keeps no shared state of its own: the store is the
// only arbiter between concurrent producers.
package unique
