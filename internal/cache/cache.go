package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the shared atomic counter/cache interface used by rate limiting
// and anomaly detection. Implementations must be safe for concurrent use;
// each operation is atomic in the backing store.
type Cache interface {
	Ping(ctx context.Context) error

	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error

	// IncrWithExpiry atomically increments a counter and sets its TTL,
	// returning the post-increment value. Fixed-window limits and spike
	// counters build on this.
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)

	// CountAndTTL reads a counter and its remaining TTL without mutating it.
	CountAndTTL(ctx context.Context, key string) (int64, time.Duration, error)

	// IncrWindow increments a fixed-window counter, setting the TTL only on
	// the first increment of a window so the window end stays put. Returns
	// the post-increment count and the time remaining in the window.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)

	// WindowCount trims sorted-set entries older than cutoff and returns the
	// remaining cardinality. WindowAdd inserts a timestamped member and
	// refreshes the key TTL. Together they implement sliding windows.
	WindowCount(ctx context.Context, key string, cutoff time.Time) (int64, error)
	WindowAdd(ctx context.Context, key string, at time.Time, ttl time.Duration) error

	// Rolling set membership with TTL, used for the known-IP set.
	AddToSet(ctx context.Context, key string, members []string, ttl time.Duration) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Float slots for the per-hour usage averages the pattern check keeps.
	GetFloat(ctx context.Context, key string) (float64, bool, error)
	SetFloat(ctx context.Context, key string, value float64, ttl time.Duration) error
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// NewRedisCacheFromClient wraps an existing client; tests use this with
// miniredis.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCache) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	remaining := ttl.Val()
	// First hit of the window, or a counter left without a TTL after a
	// partial failure: anchor the window now.
	if incr.Val() == 1 || remaining < 0 {
		if err := c.client.Expire(ctx, key, window).Err(); err != nil {
			return 0, 0, err
		}
		remaining = window
	}
	return incr.Val(), remaining, nil
}

func (c *RedisCache) CountAndTTL(ctx context.Context, key string) (int64, time.Duration, error) {
	pipe := c.client.TxPipeline()
	get := pipe.Get(ctx, key)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, err
	}

	count, err := get.Int64()
	if err == redis.Nil {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	remaining := ttl.Val()
	if remaining < 0 {
		remaining = 0
	}
	return count, remaining, nil
}

func (c *RedisCache) WindowCount(ctx context.Context, key string, cutoff time.Time) (int64, error) {
	pipe := c.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff.UnixNano(), 10))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

func (c *RedisCache) WindowAdd(ctx context.Context, key string, at time.Time, ttl time.Duration) error {
	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(at.UnixNano()),
		Member: strconv.FormatInt(at.UnixNano(), 10),
	})
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) AddToSet(ctx context.Context, key string, members []string, ttl time.Duration) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	pipe := c.client.TxPipeline()
	pipe.SAdd(ctx, key, args...)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.client.SMembers(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return members, err
}

func (c *RedisCache) GetFloat(ctx context.Context, key string) (float64, bool, error) {
	val, err := c.client.Get(ctx, key).Float64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return val, true, nil
}

func (c *RedisCache) SetFloat(ctx context.Context, key string, value float64, ttl time.Duration) error {
	return c.client.Set(ctx, key, strconv.FormatFloat(value, 'f', -1, 64), ttl).Err()
}
