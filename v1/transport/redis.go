package transport

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	uniqerrors "github.com/mirkobrombin/go-uniq/v1/errors"
	"github.com/mirkobrombin/go-uniq/v1/job"
)

const (
	defaultRedisPrefix = "uniq:queue:"
	redisPopTimeout    = time.Second
)

// Redis implements Transport on Redis lists: RPUSH to enqueue, BLPOP to
// consume and LRANGE to list.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// RedisOptions configures the Redis transport.
type RedisOptions struct {
	Client redis.UniversalClient
	Prefix string
}

// NewRedis returns a new Redis transport.
func NewRedis(opts RedisOptions) *Redis {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: opts.Client, prefix: prefix}
}

func (r *Redis) queueKey(queue string) string { return r.prefix + queue }

// Push implements Transport.Push.
func (r *Redis) Push(ctx context.Context, rec job.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := r.client.RPush(ctx, r.queueKey(rec.Queue), data).Err(); err != nil {
		return wrapErr("push", err)
	}
	return nil
}

// Consume implements Transport.Consume.
func (r *Redis) Consume(ctx context.Context, queue string, fn func(context.Context, job.Record) error) error {
	key := r.queueKey(queue)
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := r.client.BLPop(ctx, redisPopTimeout, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return wrapErr("consume", err)
		}
		if len(res) != 2 {
			continue
		}
		var rec job.Record
		if err := json.Unmarshal([]byte(res[1]), &rec); err != nil {
			continue
		}
		_ = fn(ctx, rec)
	}
}

// List implements Lister.List by scanning the known queue lists.
func (r *Redis) List(ctx context.Context, worker string) ([]job.Record, error) {
	var out []job.Record
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 100).Result()
		if err != nil {
			return nil, wrapErr("list", err)
		}
		for _, key := range keys {
			items, err := r.client.LRange(ctx, key, 0, -1).Result()
			if err != nil {
				return nil, wrapErr("list", err)
			}
			for _, item := range items {
				var rec job.Record
				if err := json.Unmarshal([]byte(item), &rec); err != nil {
					continue
				}
				if rec.Worker == worker {
					out = append(out, rec)
				}
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return out, nil
}

func wrapErr(op string, err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("transport %s: %w", op, uniqerrors.ErrTimeout)
	case stdErrors.Is(err, redis.ErrClosed):
		return fmt.Errorf("transport %s: %w", op, uniqerrors.ErrConnectionClosed)
	}
	return fmt.Errorf("transport %s: %w", op, err)
}
