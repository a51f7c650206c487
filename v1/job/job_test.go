package job

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	uniqerrors "github.com/mirkobrombin/go-uniq/v1/errors"
	"github.com/mirkobrombin/go-uniq/v1/fingerprint"
)

func TestNewSpecDefaults(t *testing.T) {
	s, err := NewSpec("MyWorker", []any{"work"})
	if err != nil {
		t.Fatalf("new spec: %v", err)
	}
	o := s.Options()
	if o.Unique || o.UnlockOrder != UnlockAfterExecution || o.TTL != 0 || o.Queue != DefaultQueue {
		t.Fatalf("unexpected defaults %+v", o)
	}
	if string(s.RawArgs()) != `["work"]` {
		t.Fatalf("unexpected args %s", s.RawArgs())
	}
}

func TestNewSpecOptions(t *testing.T) {
	s := MustSpec("W", []any{1}, WithUnique(true), WithUnlockOrder(UnlockNever), WithTTL(10*time.Minute), WithQueue("critical"))
	o := s.Options()
	if !o.Unique || o.UnlockOrder != UnlockNever || o.TTL != 10*time.Minute || o.Queue != "critical" {
		t.Fatalf("options not applied: %+v", o)
	}
}

func TestNewSpecInvalidArguments(t *testing.T) {
	if _, err := NewSpec("W", []any{make(chan int)}); !errors.Is(err, uniqerrors.ErrInvalidArguments) {
		t.Fatalf("expected ErrInvalidArguments, got %v", err)
	}
	if _, err := NewSpec("", nil); !errors.Is(err, uniqerrors.ErrInvalidArguments) {
		t.Fatalf("expected ErrInvalidArguments for empty worker, got %v", err)
	}
}

func TestSpecImmutable(t *testing.T) {
	m := map[string]any{"a": 1}
	s := MustSpec("W", []any{m})
	before := s.Key(fingerprint.Default())
	m["a"] = 2
	raw := s.RawArgs()
	raw[0] = 'x'
	if s.Key(fingerprint.Default()) != before {
		t.Fatal("spec changed after caller mutation")
	}
}

func TestSpecKeyMatchesFingerprint(t *testing.T) {
	args := []any{"hash", map[string]any{"b": 1, "a": 2}}
	s := MustSpec("UniqueWorker", args)
	if s.Key(fingerprint.Default()) != fingerprint.Key("UniqueWorker", args) {
		t.Fatal("spec key differs from fingerprint key")
	}
}

func TestUnlockOrderText(t *testing.T) {
	for _, in := range []string{"never", "after_execution", ""} {
		o, err := ParseUnlockOrder(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if in != "" && o.String() != in {
			t.Fatalf("round trip %q -> %q", in, o.String())
		}
	}
	if _, err := ParseUnlockOrder("sometimes"); err == nil {
		t.Fatal("expected error for unknown order")
	}
	var rec Record
	if err := json.Unmarshal([]byte(`{"unlock_order":"never"}`), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.UnlockOrder != UnlockNever {
		t.Fatalf("expected never, got %v", rec.UnlockOrder)
	}
}

func TestResult(t *testing.T) {
	if !Enqueued("id").OK() {
		t.Fatal("enqueued result must be ok")
	}
	d := Duplicate()
	if d.OK() || d.Reason != RejectDuplicateLock || d.JobID != "" {
		t.Fatalf("unexpected duplicate result %+v", d)
	}
}

func TestRecordDecodeArgs(t *testing.T) {
	s := MustSpec("W", []any{1, "two", map[string]any{"k": true}})
	rec := NewRecord("id", s, time.Now())
	args, err := rec.DecodeArgs()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(args) != 3 || string(args[1]) != `"two"` {
		t.Fatalf("unexpected args %v", args)
	}
	rec.Args = json.RawMessage(`{"not":"array"}`)
	if _, err := rec.DecodeArgs(); !errors.Is(err, uniqerrors.ErrInvalidArguments) {
		t.Fatalf("expected ErrInvalidArguments, got %v", err)
	}
}

func TestNewID(t *testing.T) {
	a, err := NewID()
	if err != nil {
		t.Fatalf("id: %v", err)
	}
	b, _ := NewID()
	if a == "" || a == b {
		t.Fatalf("ids not unique: %q %q", a, b)
	}
}
