// Package inspect exposes diagnostics for uniqueness locks: an in-memory bus
// of lock lifecycle events and HTTP handlers that stream those events over
// SSE or WebSocket, report the state of a single lock and list queued jobs.
package inspect
