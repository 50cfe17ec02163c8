package blackboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the redis-backed blackboard.
type RedisOptions struct {
	// Endpoint is the host:port of the redis server.
	Endpoint string

	Password string
	DB       int
}

// Redis is a Blackboard backed by a redis server.
type Redis struct {
	client *redis.Client
}

var _ Blackboard = (*Redis)(nil)

// NewRedis creates a redis-backed blackboard. The connection is lazy;
// call Ping to verify reachability.
func NewRedis(opts RedisOptions) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Endpoint,
			Password: opts.Password,
			DB:       opts.DB,
		}),
	}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("blackboard: get %s: %w", key, err)
	}
	return raw, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	return r.SetWithTTL(ctx, key, value, 0)
}

func (r *Redis) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("blackboard: set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("blackboard: exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("blackboard: delete: %w", err)
	}
	return nil
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, wrapCounterError(key, err)
	}
	return n, nil
}

func (r *Redis) Decr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Decr(ctx, key).Result()
	if err != nil {
		return 0, wrapCounterError(key, err)
	}
	return n, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// wrapCounterError maps redis's non-integer error onto ErrNotAnInteger
// so callers can branch on it regardless of backend.
func wrapCounterError(key string, err error) error {
	if strings.Contains(err.Error(), "not an integer") {
		return fmt.Errorf("%w: %s", ErrNotAnInteger, key)
	}
	return fmt.Errorf("blackboard: counter %s: %w", key, err)
}
