package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-uniq/v1/job"
	"github.com/mirkobrombin/go-uniq/v1/lock"
)

// SSEHandler streams lock events over Server-Sent Events. The optional
// "worker" query parameter restricts the stream to one worker.
func SSEHandler(bus *Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch, err := bus.Watch(ctx, r.URL.Query().Get("worker"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams lock events over WebSocket as JSON messages.
func WebSocketHandler(bus *Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch, err := bus.Watch(ctx, r.URL.Query().Get("worker"))
		if err != nil {
			return
		}
		// drain client frames so close messages are noticed
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// LockStatus is the body returned by LockHandler.
type LockStatus struct {
	Key        string     `json:"key"`
	Locked     bool       `json:"locked"`
	Holder     string     `json:"holder,omitempty"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// LockHandler reports the state of the lock named by the "key" query
// parameter.
func LockHandler(store lock.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		rec, ok, err := store.Inspect(r.Context(), key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		st := LockStatus{Key: key, Locked: ok}
		if ok {
			st.Holder = rec.Holder
			if !rec.AcquiredAt.IsZero() {
				st.AcquiredAt = &rec.AcquiredAt
			}
			if !rec.ExpiresAt.IsZero() {
				st.ExpiresAt = &rec.ExpiresAt
			}
		}
		writeJSON(w, st)
	}
}

// Lister lists queued job records for a worker.
type Lister interface {
	List(ctx context.Context, worker string) ([]job.Record, error)
}

// JobsHandler lists queued jobs for the "worker" query parameter.
func JobsHandler(l Lister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		worker := r.URL.Query().Get("worker")
		if worker == "" {
			http.Error(w, "missing worker", http.StatusBadRequest)
			return
		}
		recs, err := l.List(r.Context(), worker)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if recs == nil {
			recs = []job.Record{}
		}
		writeJSON(w, recs)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
