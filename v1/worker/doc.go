// Package worker maps worker names to their handlers and uniqueness options,
// the Go counterpart of a worker class with per-class job options.
package worker
