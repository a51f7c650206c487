package unique

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mirkobrombin/go-uniq/v1/clock"
	uniqerrors "github.com/mirkobrombin/go-uniq/v1/errors"
	"github.com/mirkobrombin/go-uniq/v1/fingerprint"
	"github.com/mirkobrombin/go-uniq/v1/inspect"
	"github.com/mirkobrombin/go-uniq/v1/job"
	"github.com/mirkobrombin/go-uniq/v1/lock"
	"github.com/mirkobrombin/go-uniq/v1/metrics"
)

type downStore struct {
	*lock.InMemory
}

var errDown = fmt.Errorf("%w: down", uniqerrors.ErrStoreUnavailable)

func (downStore) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return false, errDown
}

func (downStore) Release(ctx context.Context, key, token string) (bool, error) {
	return false, errDown
}

func uniqueSpec(t *testing.T, args ...any) job.Spec {
	t.Helper()
	s, err := job.NewSpec("UniqueWorker", args, job.WithUnique(true))
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	return s
}

func TestAcquireNonUniqueAlwaysSucceeds(t *testing.T) {
	store := lock.NewInMemory(nil)
	m := New(store)
	spec := job.MustSpec("MyWorker", []any{"work"})
	for i := 0; i < 2; i++ {
		lease, ok, err := m.Acquire(context.Background(), spec)
		if err != nil || !ok {
			t.Fatalf("acquire: ok %v err %v", ok, err)
		}
		if lease.Held() {
			t.Fatal("non-unique job must not hold a lock")
		}
	}
	if store.Len() != 0 {
		t.Fatal("non-unique acquire created a lock")
	}
}

func TestAcquireDuplicateRejected(t *testing.T) {
	m := New(lock.NewInMemory(nil))
	ctx := context.Background()
	spec := uniqueSpec(t, "work")
	before := testutil.ToFloat64(metrics.DuplicateCounter)

	lease, ok, err := m.Acquire(ctx, spec)
	if err != nil || !ok || !lease.Held() {
		t.Fatalf("first acquire: ok %v err %v lease %+v", ok, err, lease)
	}
	if lease.Key != fingerprint.Key("UniqueWorker", []any{"work"}) {
		t.Fatalf("unexpected key %s", lease.Key)
	}
	_, ok, err = m.Acquire(ctx, spec)
	if err != nil || ok {
		t.Fatalf("duplicate: ok %v err %v", ok, err)
	}
	if got := testutil.ToFloat64(metrics.DuplicateCounter) - before; got != 1 {
		t.Fatalf("expected one duplicate counted, got %v", got)
	}
	if _, ok, _ := m.Acquire(ctx, uniqueSpec(t, "other")); !ok {
		t.Fatal("distinct args collided")
	}
}

func TestAcquireStoreFailureIsNotDuplicate(t *testing.T) {
	m := New(downStore{lock.NewInMemory(nil)})
	_, ok, err := m.Acquire(context.Background(), uniqueSpec(t, 1))
	if ok {
		t.Fatal("acquire reported success on store failure")
	}
	if !errors.Is(err, uniqerrors.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestCompleteAfterExecutionReleases(t *testing.T) {
	store := lock.NewInMemory(nil)
	m := New(store)
	ctx := context.Background()
	spec := uniqueSpec(t, "x")
	lease, _, _ := m.Acquire(ctx, spec)
	if err := m.Complete(ctx, lease, errors.New("job failed")); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if locked, _ := m.Locked(ctx, spec); locked {
		t.Fatal("failed job did not release its lock")
	}
}

func TestCompleteNeverKeepsLock(t *testing.T) {
	m := New(lock.NewInMemory(nil))
	ctx := context.Background()
	spec := job.MustSpec("W", []any{"x"}, job.WithUnique(true), job.WithUnlockOrder(job.UnlockNever))
	lease, _, _ := m.Acquire(ctx, spec)
	if err := m.Complete(ctx, lease, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if locked, _ := m.Locked(ctx, spec); !locked {
		t.Fatal("never-unlock lock was released")
	}
	cleared, err := m.Clear(ctx, spec)
	if err != nil || !cleared {
		t.Fatalf("clear: %v cleared %v", err, cleared)
	}
	if _, ok, _ := m.Acquire(ctx, spec); !ok {
		t.Fatal("expected acquire after manual clear")
	}
}

func TestTTLOverridesNever(t *testing.T) {
	fc := clock.NewFake(time.Time{})
	m := New(lock.NewInMemory(fc))
	ctx := context.Background()
	spec := job.MustSpec("W", []any{1}, job.WithUnique(true), job.WithUnlockOrder(job.UnlockNever), job.WithTTL(10*time.Minute))
	if _, ok, _ := m.Acquire(ctx, spec); !ok {
		t.Fatal("first acquire failed")
	}
	fc.Advance(5 * time.Minute)
	if _, ok, _ := m.Acquire(ctx, spec); ok {
		t.Fatal("acquired inside ttl window")
	}
	fc.Advance(6 * time.Minute)
	if _, ok, _ := m.Acquire(ctx, spec); !ok {
		t.Fatal("ttl did not bound lock lifetime")
	}
}

func TestStaleCompleteDoesNotReleaseNewHolder(t *testing.T) {
	fc := clock.NewFake(time.Time{})
	m := New(lock.NewInMemory(fc))
	ctx := context.Background()
	spec := job.MustSpec("W", []any{1}, job.WithUnique(true), job.WithTTL(time.Minute))
	old, _, _ := m.Acquire(ctx, spec)
	fc.Advance(2 * time.Minute)
	fresh, ok, _ := m.Acquire(ctx, spec)
	if !ok {
		t.Fatal("expected acquire after expiry")
	}
	if err := m.Complete(ctx, old, nil); err != nil {
		t.Fatalf("stale complete: %v", err)
	}
	rec, ok, _ := m.Store().Inspect(ctx, fresh.Key)
	if !ok || rec.Holder != fresh.Token {
		t.Fatalf("new holder lost its lock: %+v", rec)
	}
}

func TestRunReleasesOnPanic(t *testing.T) {
	m := New(lock.NewInMemory(nil))
	ctx := context.Background()
	spec := uniqueSpec(t, "p")
	lease, _, _ := m.Acquire(ctx, spec)
	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = m.Run(ctx, lease, func(context.Context) error { panic("boom") })
	}()
	if locked, _ := m.Locked(ctx, spec); locked {
		t.Fatal("panicking job leaked its lock")
	}
}

func TestRunReturnsJobError(t *testing.T) {
	m := New(lock.NewInMemory(nil))
	ctx := context.Background()
	lease, _, _ := m.Acquire(ctx, uniqueSpec(t, "e"))
	jobErr := errors.New("job failed")
	if err := m.Run(ctx, lease, func(context.Context) error { return jobErr }); !errors.Is(err, jobErr) {
		t.Fatalf("expected job error, got %v", err)
	}
}

func TestRunReleasesAfterContextCancel(t *testing.T) {
	m := New(lock.NewInMemory(nil))
	ctx, cancel := context.WithCancel(context.Background())
	spec := uniqueSpec(t, "c")
	lease, _, _ := m.Acquire(ctx, spec)
	_ = m.Run(ctx, lease, func(context.Context) error {
		cancel()
		return nil
	})
	if locked, _ := m.Locked(context.Background(), spec); locked {
		t.Fatal("cancelled context prevented release")
	}
}

func TestRunJoinsReleaseFailure(t *testing.T) {
	m := New(downStore{lock.NewInMemory(nil)})
	lease := Lease{Key: "k", Token: "t", UnlockOrder: job.UnlockAfterExecution}
	err := m.Run(context.Background(), lease, func(context.Context) error { return nil })
	if !errors.Is(err, uniqerrors.ErrStoreUnavailable) {
		t.Fatalf("expected release failure, got %v", err)
	}
}

func TestAbandonReleasesNeverLock(t *testing.T) {
	m := New(lock.NewInMemory(nil))
	ctx := context.Background()
	spec := job.MustSpec("W", []any{1}, job.WithUnique(true), job.WithUnlockOrder(job.UnlockNever))
	lease, _, _ := m.Acquire(ctx, spec)
	if err := m.Abandon(ctx, lease); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if locked, _ := m.Locked(ctx, spec); locked {
		t.Fatal("abandon kept the lock")
	}
}

func TestExtend(t *testing.T) {
	fc := clock.NewFake(time.Time{})
	m := New(lock.NewInMemory(fc))
	ctx := context.Background()
	spec := job.MustSpec("W", []any{1}, job.WithUnique(true), job.WithTTL(time.Minute))
	lease, _, _ := m.Acquire(ctx, spec)
	if ok, err := m.Extend(ctx, lease, time.Hour); err != nil || !ok {
		t.Fatalf("extend: ok %v err %v", ok, err)
	}
	fc.Advance(30 * time.Minute)
	if locked, _ := m.Locked(ctx, spec); !locked {
		t.Fatal("extended lock expired")
	}
	if ok, _ := m.Extend(ctx, Lease{}, time.Hour); ok {
		t.Fatal("empty lease extended")
	}
}

func TestStampAndLeaseFor(t *testing.T) {
	m := New(lock.NewInMemory(nil))
	ctx := context.Background()
	spec := job.MustSpec("W", []any{"a"}, job.WithUnique(true), job.WithUnlockOrder(job.UnlockNever))
	lease, _, _ := m.Acquire(ctx, spec)
	rec := job.NewRecord("jid-1", spec, time.Now())
	m.Stamp(&rec, &lease)
	if rec.UniqueHash != m.Key(spec) || rec.LockToken != lease.Token {
		t.Fatalf("record not stamped: %+v", rec)
	}
	if lease.JobID != "jid-1" {
		t.Fatal("lease missing job id")
	}
	back := m.LeaseFor(rec)
	if back.Key != lease.Key || back.Token != lease.Token || back.UnlockOrder != job.UnlockNever {
		t.Fatalf("lease round trip mismatch: %+v", back)
	}

	plain := job.NewRecord("jid-2", job.MustSpec("W", nil), time.Now())
	var none Lease
	m.Stamp(&plain, &none)
	if plain.UniqueHash != "" {
		t.Fatal("non-unique record got a hash")
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	m := New(lock.NewInMemory(nil))
	spec := uniqueSpec(t, "race")
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := m.Acquire(context.Background(), spec); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected one winner, got %d", wins.Load())
	}
}

func TestEventsPublished(t *testing.T) {
	bus := inspect.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := bus.Watch(ctx, "UniqueWorker")
	m := New(lock.NewInMemory(nil), WithEvents(bus))
	spec := uniqueSpec(t, "ev")
	lease, _, _ := m.Acquire(ctx, spec)
	_, _, _ = m.Acquire(ctx, spec)
	_ = m.Complete(ctx, lease, nil)

	want := []inspect.Kind{inspect.KindAcquired, inspect.KindRejected, inspect.KindReleased}
	for _, k := range want {
		select {
		case ev := <-ch:
			if ev.Kind != k || ev.Key != lease.Key {
				t.Fatalf("expected %s for %s, got %+v", k, lease.Key, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", k)
		}
	}
}

func TestTracingSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	m := New(lock.NewInMemory(nil), WithTracing())
	ctx := context.Background()
	lease, _, _ := m.Acquire(ctx, uniqueSpec(t, "trace"))
	_ = m.Complete(ctx, lease, nil)

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "Manager.Acquire" || spans[1].Name() != "Manager.Complete" {
		t.Fatalf("unexpected span names %s, %s", spans[0].Name(), spans[1].Name())
	}
}
