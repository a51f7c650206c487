package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	uniqerrors "github.com/mirkobrombin/go-uniq/v1/errors"
	"github.com/mirkobrombin/go-uniq/v1/job"
)

// Handler runs a job. args holds each positional argument as raw JSON.
type Handler func(ctx context.Context, args []json.RawMessage) error

// Func1 adapts a handler taking a single typed argument.
func Func1[T any](fn func(ctx context.Context, arg T) error) Handler {
	return func(ctx context.Context, args []json.RawMessage) error {
		var v T
		if len(args) > 0 {
			if err := json.Unmarshal(args[0], &v); err != nil {
				return fmt.Errorf("decode argument: %w", err)
			}
		}
		return fn(ctx, v)
	}
}

// Definition binds a worker name to its handler and options.
type Definition struct {
	Name    string
	Handler Handler
	Options job.Options
}

// Registry maps worker names to definitions. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds or replaces the worker name.
func (r *Registry) Register(name string, h Handler, opts ...job.Option) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[name] = Definition{Name: name, Handler: h, Options: job.DefaultOptions().Apply(opts...)}
}

// Configure applies opts on top of the options of an already registered
// worker.
func (r *Registry) Configure(name string, opts ...job.Option) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.defs[name]
	if !ok {
		return fmt.Errorf("%w: %s", uniqerrors.ErrUnknownWorker, name)
	}
	def.Options = def.Options.Apply(opts...)
	r.defs[name] = def
	return nil
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Spec builds an immutable job spec for name using its registered options.
func (r *Registry) Spec(name string, args ...any) (job.Spec, error) {
	def, ok := r.Lookup(name)
	if !ok {
		return job.Spec{}, fmt.Errorf("%w: %s", uniqerrors.ErrUnknownWorker, name)
	}
	o := def.Options
	return job.NewSpec(name, args,
		job.WithUnique(o.Unique),
		job.WithUnlockOrder(o.UnlockOrder),
		job.WithTTL(o.TTL),
		job.WithQueue(o.Queue),
	)
}

// Names returns the registered worker names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
