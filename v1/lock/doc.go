// Package lock provides the uniqueness lock stores: an in-memory store with a
// pluggable clock and a Redis store built on SET NX PX with token-guarded
// release. Stores never retry; failures surface as ErrStoreUnavailable.
package lock
