package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	uniqerrors "github.com/mirkobrombin/go-uniq/v1/errors"
	"github.com/mirkobrombin/go-uniq/v1/fingerprint"
)

// Spec identifies a job by worker name and arguments. A Spec is immutable:
// its arguments are held in canonical JSON form.
type Spec struct {
	worker  string
	args    json.RawMessage
	options Options
}

// NewSpec validates args and returns an immutable Spec. Arguments that cannot
// be serialised yield ErrInvalidArguments.
func NewSpec(worker string, args []any, opts ...Option) (Spec, error) {
	if worker == "" {
		return Spec{}, fmt.Errorf("%w: worker name required", uniqerrors.ErrInvalidArguments)
	}
	canon, err := fingerprint.Canonical(args)
	if err != nil {
		return Spec{}, err
	}
	return Spec{worker: worker, args: canon, options: DefaultOptions().Apply(opts...)}, nil
}

// MustSpec is like NewSpec but panics on invalid arguments.
func MustSpec(worker string, args []any, opts ...Option) Spec {
	s, err := NewSpec(worker, args, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// Worker returns the worker name.
func (s Spec) Worker() string { return s.worker }

// Options returns the uniqueness options.
func (s Spec) Options() Options { return s.options }

// RawArgs returns a copy of the canonical argument array.
func (s Spec) RawArgs() json.RawMessage {
	return append(json.RawMessage(nil), s.args...)
}

// Args decodes the canonical arguments into generic values.
func (s Spec) Args() []any {
	var out []any
	_ = json.Unmarshal(s.args, &out)
	return out
}

// Key returns the lock key of the spec under g.
func (s Spec) Key(g fingerprint.Generator) string {
	return g.KeyFromCanonical(s.worker, s.args)
}

// RejectReason explains why an enqueue produced no job.
type RejectReason string

// RejectDuplicateLock means an equivalent job already holds the lock.
const RejectDuplicateLock RejectReason = "duplicate_lock"

// Result is the outcome of an enqueue. Exactly one of JobID or Rejected is
// set. A duplicate is a normal result, not an error.
type Result struct {
	JobID    string
	Rejected bool
	Reason   RejectReason
}

// Enqueued returns a successful result.
func Enqueued(id string) Result { return Result{JobID: id} }

// Duplicate returns the result for a rejected duplicate.
func Duplicate() Result { return Result{Rejected: true, Reason: RejectDuplicateLock} }

// OK reports whether a job was created.
func (r Result) OK() bool { return !r.Rejected && r.JobID != "" }

// Record is a queued job as seen by the queue protocol.
type Record struct {
	ID          string          `json:"jid"`
	Worker      string          `json:"class"`
	Queue       string          `json:"queue"`
	Args        json.RawMessage `json:"args"`
	UniqueHash  string          `json:"unique_hash,omitempty"`
	LockToken   string          `json:"lock_token,omitempty"`
	UnlockOrder UnlockOrder     `json:"unlock_order"`
	LockTTL     time.Duration   `json:"lock_ttl,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// LockDeadline returns when the record's lock expires by TTL. ok is false
// for locks without a TTL.
func (r Record) LockDeadline() (time.Time, bool) {
	if r.LockTTL <= 0 {
		return time.Time{}, false
	}
	return r.EnqueuedAt.Add(r.LockTTL), true
}

// NewRecord builds an unstamped record for spec.
func NewRecord(id string, spec Spec, now time.Time) Record {
	return Record{
		ID:          id,
		Worker:      spec.worker,
		Queue:       spec.options.Queue,
		Args:        spec.RawArgs(),
		UnlockOrder: spec.options.UnlockOrder,
		EnqueuedAt:  now,
	}
}

// DecodeArgs splits the record arguments into raw elements for handlers.
func (r Record) DecodeArgs() ([]json.RawMessage, error) {
	var out []json.RawMessage
	if len(r.Args) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(r.Args, &out); err != nil {
		return nil, errors.Join(uniqerrors.ErrInvalidArguments, err)
	}
	return out, nil
}
