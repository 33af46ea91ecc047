package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper wraps a Redis client with a circuit breaker. Only the commands
// the conversation store needs are exposed.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	cb := NewCircuitBreaker("redis", RedisConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("redis", "conversation-store", cb)

	return &RedisWrapper{client: client, cb: cb, logger: logger}
}

func (rw *RedisWrapper) record(success bool) {
	GlobalMetricsCollector.RecordRequest("redis", "conversation-store", rw.cb.State(), success)
}

// execute runs one command through the breaker, treating redis.Nil as success.
func (rw *RedisWrapper) execute(ctx context.Context, fn func() error) error {
	err := rw.cb.Execute(ctx, func() error {
		if err := fn(); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		return nil
	})
	rw.record(err == nil || errors.Is(err, redis.Nil))
	return err
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.execute(ctx, func() error { return rw.client.Ping(ctx).Err() })
}

// Get returns the value at key; redis.Nil passes through to the caller.
func (rw *RedisWrapper) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	var cmdErr error
	err := rw.execute(ctx, func() error {
		data, cmdErr = rw.client.Get(ctx, key).Bytes()
		return cmdErr
	})
	if err != nil {
		return nil, err
	}
	return data, cmdErr
}

// Set wraps Redis Set with circuit breaker
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return rw.execute(ctx, func() error { return rw.client.Set(ctx, key, value, ttl).Err() })
}

// SetNX sets the key only if absent; reports whether the write happened.
func (rw *RedisWrapper) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	var set bool
	err := rw.execute(ctx, func() error {
		var cmdErr error
		set, cmdErr = rw.client.SetNX(ctx, key, value, ttl).Result()
		return cmdErr
	})
	return set, err
}

// Del wraps Redis Del with circuit breaker
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) error {
	return rw.execute(ctx, func() error { return rw.client.Del(ctx, keys...).Err() })
}

// RPush appends values to the list at key.
func (rw *RedisWrapper) RPush(ctx context.Context, key string, values ...interface{}) error {
	return rw.execute(ctx, func() error { return rw.client.RPush(ctx, key, values...).Err() })
}

// LRange returns list elements in [start, stop].
func (rw *RedisWrapper) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var vals []string
	err := rw.execute(ctx, func() error {
		var cmdErr error
		vals, cmdErr = rw.client.LRange(ctx, key, start, stop).Result()
		return cmdErr
	})
	return vals, err
}

// LLen returns the length of the list at key.
func (rw *RedisWrapper) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := rw.execute(ctx, func() error {
		var cmdErr error
		n, cmdErr = rw.client.LLen(ctx, key).Result()
		return cmdErr
	})
	return n, err
}

// Expire sets a TTL on key.
func (rw *RedisWrapper) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return rw.execute(ctx, func() error { return rw.client.Expire(ctx, key, ttl).Err() })
}

// Close closes the underlying client.
func (rw *RedisWrapper) Close() error { return rw.client.Close() }
