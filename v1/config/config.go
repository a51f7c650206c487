// Package config loads the YAML configuration used by the uniq worker
// process and merges per-worker lock options into a worker registry.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mirkobrombin/go-uniq/v1/fingerprint"
	"github.com/mirkobrombin/go-uniq/v1/job"
	"github.com/mirkobrombin/go-uniq/v1/worker"
)

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SQLConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Group   string   `yaml:"group"`
}

type LockConfig struct {
	Prefix  string        `yaml:"prefix"`
	Timeout time.Duration `yaml:"timeout"`
}

type WorkerConfig struct {
	Concurrency int    `yaml:"concurrency"`
	Queue       string `yaml:"queue"`
}

// WorkerOptions overrides the lock options of one worker. Nil fields keep
// the registered value.
type WorkerOptions struct {
	Unique      *bool            `yaml:"unique"`
	UnlockOrder *job.UnlockOrder `yaml:"unlock_order"`
	TTL         *time.Duration   `yaml:"ttl"`
	Queue       string           `yaml:"queue"`
}

type Config struct {
	Redis     RedisConfig              `yaml:"redis"`
	SQL       SQLConfig                `yaml:"sql"`
	NATS      NATSConfig               `yaml:"nats"`
	Kafka     KafkaConfig              `yaml:"kafka"`
	Lock      LockConfig               `yaml:"lock"`
	Worker    WorkerConfig             `yaml:"worker"`
	Workers   map[string]WorkerOptions `yaml:"workers"`
	Transport string                   `yaml:"transport"`
	Store     string                   `yaml:"store"`
}

// Load reads a YAML config file. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	// #nosec G304 -- config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data and fills defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.fill()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Redis:     RedisConfig{Addr: "localhost:6379"},
		NATS:      NATSConfig{URL: "nats://localhost:4222"},
		Lock:      LockConfig{Prefix: fingerprint.DefaultPrefix, Timeout: 5 * time.Second},
		Worker:    WorkerConfig{Concurrency: 4, Queue: job.DefaultQueue},
		Workers:   map[string]WorkerOptions{},
		Transport: "redis",
		Store:     "redis",
	}
}

func (c *Config) fill() {
	def := Default()
	if c.Lock.Prefix == "" {
		c.Lock.Prefix = def.Lock.Prefix
	}
	if c.Lock.Timeout <= 0 {
		c.Lock.Timeout = def.Lock.Timeout
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = def.Worker.Concurrency
	}
	if c.Worker.Queue == "" {
		c.Worker.Queue = def.Worker.Queue
	}
	if c.Workers == nil {
		c.Workers = def.Workers
	}
	if c.Transport == "" {
		c.Transport = def.Transport
	}
	if c.Store == "" {
		c.Store = def.Store
	}
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	switch c.Transport {
	case "memory", "redis", "nats", "kafka":
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	switch c.Store {
	case "memory", "redis":
	case "sqlite":
		if c.SQL.DSN == "" {
			return fmt.Errorf("config: sqlite store needs sql.dsn")
		}
	default:
		return fmt.Errorf("config: unknown store %q", c.Store)
	}
	if c.Transport == "kafka" && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka transport needs brokers")
	}
	for name, w := range c.Workers {
		if w.TTL != nil && *w.TTL < 0 {
			return fmt.Errorf("config: worker %s: negative ttl", name)
		}
	}
	return nil
}

// Generator returns the fingerprint generator for the configured prefix.
func (c *Config) Generator() fingerprint.Generator {
	return fingerprint.Generator{Prefix: c.Lock.Prefix}
}

// Apply merges the per-worker options into reg. Every configured worker
// must already be registered.
func (c *Config) Apply(reg *worker.Registry) error {
	for name, w := range c.Workers {
		if err := reg.Configure(name, w.options()...); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

func (w WorkerOptions) options() []job.Option {
	var opts []job.Option
	if w.Unique != nil {
		opts = append(opts, job.WithUnique(*w.Unique))
	}
	if w.UnlockOrder != nil {
		opts = append(opts, job.WithUnlockOrder(*w.UnlockOrder))
	}
	if w.TTL != nil {
		opts = append(opts, job.WithTTL(*w.TTL))
	}
	if w.Queue != "" {
		opts = append(opts, job.WithQueue(w.Queue))
	}
	return opts
}
