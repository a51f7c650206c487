package presets

import (
	"time"

	redis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/mirkobrombin/go-uniq/v1/inspect"
	"github.com/mirkobrombin/go-uniq/v1/lock"
	"github.com/mirkobrombin/go-uniq/v1/queue"
	"github.com/mirkobrombin/go-uniq/v1/transport"
	"github.com/mirkobrombin/go-uniq/v1/unique"
	"github.com/mirkobrombin/go-uniq/v1/worker"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Stack bundles a lock manager with the store, transport and event bus it
// was built from.
type Stack struct {
	Manager   *unique.Manager
	Store     lock.Store
	Transport transport.Transport
	Events    *inspect.Bus
}

// NewRedis creates a Stack using Redis as both the lock store and the job
// transport. The store is guarded by a circuit breaker so a Redis outage
// fails enqueues fast.
func NewRedis(opts RedisOptions, managerOpts ...unique.Option) *Stack {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	store := lock.NewCircuitBreaker(lock.NewRedis(client), 5, 10*time.Second)
	tr := transport.NewRedis(transport.RedisOptions{Client: client})
	return newStack(store, tr, managerOpts)
}

// NewGorm creates a Stack whose locks live in a SQL database through GORM
// and whose jobs travel on an in-process transport.
func NewGorm(db *gorm.DB, managerOpts ...unique.Option) (*Stack, error) {
	store, err := lock.NewGorm(db)
	if err != nil {
		return nil, err
	}
	return newStack(store, transport.NewInMemory(), managerOpts), nil
}

// NewInMemoryStandalone creates a Stack that runs entirely in-memory with no
// external dependencies. Useful for local development and tests.
func NewInMemoryStandalone(managerOpts ...unique.Option) *Stack {
	return newStack(lock.NewInMemory(nil), transport.NewInMemory(), managerOpts)
}

func newStack(store lock.Store, tr transport.Transport, managerOpts []unique.Option) *Stack {
	bus := inspect.NewBus()
	opts := append([]unique.Option{unique.WithEvents(bus)}, managerOpts...)
	return &Stack{
		Manager:   unique.New(store, opts...),
		Store:     store,
		Transport: tr,
		Events:    bus,
	}
}

// Async returns an asynchronous queue pushing to the stack transport.
func (s *Stack) Async(opts ...queue.Option) *queue.Async {
	return queue.NewAsync(s.Manager, s.Transport, opts...)
}

// Inline returns a queue running jobs from reg synchronously.
func (s *Stack) Inline(reg *worker.Registry, opts ...queue.Option) *queue.Inline {
	return queue.NewInline(s.Manager, reg, opts...)
}

// Batched returns a queue that records jobs without running them.
func (s *Stack) Batched(opts ...queue.Option) *queue.Batched {
	return queue.NewBatched(s.Manager, opts...)
}

// Worker returns a consumer of the stack transport running jobs from reg.
func (s *Stack) Worker(reg *worker.Registry, opts ...queue.WorkerOption) *queue.Worker {
	return queue.NewWorker(s.Manager, s.Transport, reg, opts...)
}
