package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	uniqerrors "github.com/mirkobrombin/go-uniq/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

// valueSep separates the holder token from the acquisition time in the
// stored value.
const valueSep = "|"

var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1]) + 1) == ARGV[1] .. "|" then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

var expireScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1]) + 1) == ARGV[1] .. "|" then
    if tonumber(ARGV[2]) > 0 then
        redis.call("PEXPIRE", KEYS[1], ARGV[2])
    else
        redis.call("PERSIST", KEYS[1])
    end
    return 1
end
return 0
`)

// ttlMillis rounds a positive ttl up to whole milliseconds; zero means no
// expiry to the scripts.
func ttlMillis(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return int64((ttl + time.Millisecond - 1) / time.Millisecond)
}

// Redis implements Store using a Redis backend.
type Redis struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithTimeout sets the per-operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRedis returns a new Redis store using the provided client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TryAcquire implements Store.TryAcquire with a single SET NX PX.
func (r *Redis) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storeErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	value := token + valueSep + strconv.FormatInt(time.Now().UnixMilli(), 10)
	if ttl < 0 {
		ttl = 0
	}
	ok, err := r.client.SetNX(cctx, key, value, ttl).Result()
	if err != nil {
		return false, storeErr(err)
	}
	return ok, nil
}

// Release implements Store.Release using a compare-and-delete script.
func (r *Redis) Release(ctx context.Context, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storeErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := releaseScript.Run(cctx, r.client, []string{key}, token).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, storeErr(err)
	}
	return n == 1, nil
}

// Expire implements Store.Expire using a compare-and-pexpire script.
func (r *Redis) Expire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storeErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := expireScript.Run(cctx, r.client, []string{key}, token, ttlMillis(ttl)).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, storeErr(err)
	}
	return n == 1, nil
}

// Exists implements Store.Exists.
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storeErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.client.Exists(cctx, key).Result()
	if err != nil {
		return false, storeErr(err)
	}
	return n == 1, nil
}

// Inspect implements Store.Inspect.
func (r *Redis) Inspect(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, storeErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	pipe := r.client.Pipeline()
	getCmd := pipe.Get(cctx, key)
	ttlCmd := pipe.PTTL(cctx, key)
	if _, err := pipe.Exec(cctx); err != nil && err != redis.Nil {
		return Record{}, false, storeErr(err)
	}
	value, err := getCmd.Result()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, storeErr(err)
	}
	rec := parseValue(key, value)
	if ttl := ttlCmd.Val(); ttl > 0 {
		rec.ExpiresAt = time.Now().Add(ttl)
	}
	return rec, true, nil
}

func parseValue(key, value string) Record {
	rec := Record{Key: key, Holder: value}
	i := strings.LastIndex(value, valueSep)
	if i < 0 {
		return rec
	}
	rec.Holder = value[:i]
	if ms, err := strconv.ParseInt(value[i+1:], 10, 64); err == nil {
		rec.AcquiredAt = time.UnixMilli(ms)
	}
	return rec
}

func storeErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", uniqerrors.ErrStoreUnavailable, uniqerrors.ErrTimeout)
	case stdErrors.Is(err, redis.ErrClosed):
		return fmt.Errorf("%w: %w", uniqerrors.ErrStoreUnavailable, uniqerrors.ErrConnectionClosed)
	case stdErrors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("%w: %w", uniqerrors.ErrStoreUnavailable, err)
}
