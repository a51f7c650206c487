package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-uniq/v1/config"
	"github.com/mirkobrombin/go-uniq/v1/inspect"
	"github.com/mirkobrombin/go-uniq/v1/lock"
	"github.com/mirkobrombin/go-uniq/v1/metrics"
	"github.com/mirkobrombin/go-uniq/v1/queue"
	"github.com/mirkobrombin/go-uniq/v1/transport"
	"github.com/mirkobrombin/go-uniq/v1/unique"
	"github.com/mirkobrombin/go-uniq/v1/validator"
	"github.com/mirkobrombin/go-uniq/v1/worker"
)

var (
	configPath  = flag.String("config", "", "Path to the YAML config file")
	metricsAddr = flag.String("metrics", ":2112", "Address serving /metrics and the inspection endpoints")
	verbose     = flag.Bool("v", false, "Enable debug logging")
	validate    = flag.Duration("validate", 0, "Interval for auditing pending jobs against their locks (0 disables)")
	heal        = flag.Bool("heal", false, "Retake lost locks of pending jobs during validation")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("uniq-worker stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	backend, err := openStore(cfg, client)
	if err != nil {
		return err
	}
	store := lock.NewCircuitBreaker(backend, 5, 10*time.Second)
	bus := inspect.NewBus()
	manager := unique.New(store,
		unique.WithGenerator(cfg.Generator()),
		unique.WithLogger(logger),
		unique.WithEvents(bus),
	)

	tr, closeTransport, err := openTransport(cfg, client)
	if err != nil {
		return err
	}
	defer closeTransport()

	reg := worker.NewRegistry()
	for name := range cfg.Workers {
		reg.Register(name, logHandler(logger, name))
	}
	if err := cfg.Apply(reg); err != nil {
		return err
	}

	promReg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(promReg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.Handle("/locks", inspect.LockHandler(store))
	mux.Handle("/events", inspect.SSEHandler(bus))
	mux.Handle("/ws", inspect.WebSocketHandler(bus))
	if l, ok := tr.(transport.Lister); ok {
		mux.Handle("/jobs", inspect.JobsHandler(l))
		if *validate > 0 {
			mode := validator.ModeAlert
			if *heal {
				mode = validator.ModeAutoHeal
			}
			go validator.New(l, store, reg.Names, mode, *validate).WithLogger(logger).Run(ctx)
		}
	}
	srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	queues := []string{cfg.Worker.Queue}
	for _, w := range cfg.Workers {
		if w.Queue != "" && w.Queue != cfg.Worker.Queue {
			queues = append(queues, w.Queue)
		}
	}
	logger.Info("uniq-worker started",
		"transport", cfg.Transport,
		"queues", queues,
		"concurrency", cfg.Worker.Concurrency,
		"workers", reg.Names(),
	)
	w := queue.NewWorker(manager, tr, reg,
		queue.WithQueues(queues...),
		queue.WithConcurrency(cfg.Worker.Concurrency),
		queue.WithWorkerLogger(logger),
	)
	return w.Run(ctx)
}

func openStore(cfg *config.Config, client *redis.Client) (lock.Store, error) {
	switch cfg.Store {
	case "memory":
		return lock.NewInMemory(nil), nil
	case "redis":
		return lock.NewRedis(client, lock.WithTimeout(cfg.Lock.Timeout)), nil
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(cfg.SQL.DSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return lock.NewGorm(db, lock.WithGormTableName(cfg.SQL.Table), lock.WithGormTimeout(cfg.Lock.Timeout))
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

func openTransport(cfg *config.Config, client *redis.Client) (transport.Transport, func(), error) {
	switch cfg.Transport {
	case "memory":
		return transport.NewInMemory(), func() {}, nil
	case "redis":
		return transport.NewRedis(transport.RedisOptions{Client: client}), func() {}, nil
	case "nats":
		nc, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		return transport.NewNATS(transport.NATSOptions{Conn: nc}), nc.Close, nil
	case "kafka":
		k, err := transport.NewKafka(cfg.Kafka.Brokers, sarama.NewConfig(), "", transport.WithKafkaGroup(cfg.Kafka.Group))
		if err != nil {
			return nil, nil, fmt.Errorf("connect kafka: %w", err)
		}
		return k, func() { _ = k.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

// logHandler stands in for configured workers that have no compiled handler.
func logHandler(logger *slog.Logger, name string) worker.Handler {
	return func(ctx context.Context, args []json.RawMessage) error {
		logger.Info("job executed", "worker", name, "args", len(args))
		return nil
	}
}
