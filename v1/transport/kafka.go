package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	sarama "github.com/IBM/sarama"

	"github.com/mirkobrombin/go-uniq/v1/job"
)

const (
	defaultKafkaTopicPrefix = "uniq-jobs-"
	defaultKafkaGroup       = "uniq-workers"
)

// Kafka implements Transport on Kafka topics, one topic per queue. Records
// are keyed by their unique hash so equivalent jobs share a partition.
// Consumers join a consumer group, so each record reaches one worker, and a
// group without committed offsets starts from the oldest record.
type Kafka struct {
	client   sarama.Client
	producer sarama.SyncProducer
	prefix   string
	group    string
}

// KafkaOption configures the Kafka transport.
type KafkaOption func(*Kafka)

// WithKafkaGroup sets the consumer group id shared by workers.
func WithKafkaGroup(id string) KafkaOption {
	return func(k *Kafka) {
		if id != "" {
			k.group = id
		}
	}
}

// NewKafka connects to brokers and returns a Kafka transport.
func NewKafka(brokers []string, cfg *sarama.Config, topicPrefix string, opts ...KafkaOption) (*Kafka, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	if !cfg.Version.IsAtLeast(sarama.V0_10_2_0) {
		cfg.Version = sarama.V0_10_2_0
	}
	if topicPrefix == "" {
		topicPrefix = defaultKafkaTopicPrefix
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	k := &Kafka{client: client, producer: producer, prefix: topicPrefix, group: defaultKafkaGroup}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// Push implements Transport.Push.
func (k *Kafka) Push(ctx context.Context, rec job.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := rec.UniqueHash
	if key == "" {
		key = rec.ID
	}
	msg := &sarama.ProducerMessage{
		Topic: k.prefix + rec.Queue,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("transport push: %w", err)
	}
	return nil
}

// Consume implements Transport.Consume as a member of the consumer group.
func (k *Kafka) Consume(ctx context.Context, queue string, fn func(context.Context, job.Record) error) error {
	group, err := sarama.NewConsumerGroupFromClient(k.group, k.client)
	if err != nil {
		return fmt.Errorf("transport consume: %w", err)
	}
	defer func() { _ = group.Close() }()

	h := &kafkaHandler{ctx: ctx, fn: fn}
	topics := []string{k.prefix + queue}
	for {
		// Consume returns on every rebalance.
		if err := group.Consume(ctx, topics, h); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport consume: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close releases the Kafka producer and client.
func (k *Kafka) Close() error {
	_ = k.producer.Close()
	return k.client.Close()
}

// kafkaHandler hands claimed records to fn one at a time and commits each
// offset once fn has returned.
type kafkaHandler struct {
	ctx context.Context
	fn  func(context.Context, job.Record) error
	mu  sync.Mutex
}

func (h *kafkaHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *kafkaHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *kafkaHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case m, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			var rec job.Record
			if err := json.Unmarshal(m.Value, &rec); err == nil {
				h.mu.Lock()
				_ = h.fn(h.ctx, rec)
				h.mu.Unlock()
			}
			sess.MarkMessage(m, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}
