package inspect

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-uniq/v1/job"
	"github.com/mirkobrombin/go-uniq/v1/lock"
)

func waitWatchers(t *testing.T, bus *Bus, n int) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if bus.Watchers() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d watchers, got %d", n, bus.Watchers())
}

func TestBusFiltersByWorker(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	all, _ := bus.Watch(ctx, "")
	only, _ := bus.Watch(ctx, "A")

	_ = bus.Publish(ctx, Event{Kind: KindAcquired, Key: "k1", Worker: "B"})
	_ = bus.Publish(ctx, Event{Kind: KindReleased, Key: "k2", Worker: "A"})

	if ev := <-all; ev.Key != "k1" || ev.At.IsZero() {
		t.Fatalf("unexpected first event %+v", ev)
	}
	if ev := <-all; ev.Key != "k2" {
		t.Fatalf("unexpected second event %+v", ev)
	}
	if ev := <-only; ev.Worker != "A" || ev.Kind != KindReleased {
		t.Fatalf("filter leaked %+v", ev)
	}
	cancel()
	waitWatchers(t, bus, 0)
}

func TestBusDropsForSlowWatcher(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	ch, _ := bus.Watch(ctx, "")
	for i := 0; i < watchBuffer*2; i++ {
		if err := bus.Publish(ctx, Event{Kind: KindAcquired}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if len(ch) != watchBuffer {
		t.Fatalf("expected buffer full at %d, got %d", watchBuffer, len(ch))
	}
	bus.Unwatch(ch)
	if bus.Watchers() != 0 {
		t.Fatal("unwatch did not remove watcher")
	}
}

func TestSSEHandlerStream(t *testing.T) {
	bus := NewBus()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?worker=W")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	waitWatchers(t, bus, 1)

	if err := bus.Publish(context.Background(), Event{Kind: KindAcquired, Key: "k", Worker: "W"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(line) != "event: acquired" {
		t.Fatalf("unexpected line %q", line)
	}
	line, _ = reader.ReadString('\n')
	if !strings.HasPrefix(line, "data: ") || !strings.Contains(line, `"key":"k"`) {
		t.Fatalf("unexpected data line %q", line)
	}
}

func TestWebSocketHandlerStream(t *testing.T) {
	bus := NewBus()
	srv := httptest.NewServer(WebSocketHandler(bus))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitWatchers(t, bus, 1)

	_ = bus.Publish(context.Background(), Event{Kind: KindRejected, Key: "k", Worker: "W"})
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Kind != KindRejected || ev.Key != "k" {
		t.Fatalf("unexpected event %+v", ev)
	}
	_ = conn.Close()
	waitWatchers(t, bus, 0)
}

func TestLockHandler(t *testing.T) {
	store := lock.NewInMemory(nil)
	srv := httptest.NewServer(LockHandler(store))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	_, _ = store.TryAcquire(context.Background(), "k", "tok", time.Minute)
	resp, err = http.Get(srv.URL + "?key=k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var st LockStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.Locked || st.Holder != "tok" || st.ExpiresAt == nil {
		t.Fatalf("unexpected status %+v", st)
	}
}

type staticLister []job.Record

func (s staticLister) List(ctx context.Context, worker string) ([]job.Record, error) {
	var out []job.Record
	for _, r := range s {
		if r.Worker == worker {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestJobsHandler(t *testing.T) {
	l := staticLister{{ID: "1", Worker: "W", UniqueHash: "uniq:abc"}, {ID: "2", Worker: "V"}}
	srv := httptest.NewServer(JobsHandler(l))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?worker=W")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var recs []job.Record
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 1 || recs[0].UniqueHash != "uniq:abc" {
		t.Fatalf("unexpected records %+v", recs)
	}
}
