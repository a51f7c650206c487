// Package job defines the job data model used by the uniqueness layer:
// immutable specs, per-worker options, queue records and enqueue results.
package job
