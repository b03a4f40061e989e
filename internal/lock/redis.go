package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"auto-focus.app/licensing/internal/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every replica of the service. The TTL
// bounds how long a crashed holder can block others.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: "lock:subscription:",
		ttl:    ttl,
		retry:  50 * time.Millisecond,
	}
}

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := r.prefix + key
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, lockKey, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Join(ErrLockTimeout, ctx.Err())
			}
			return nil, fmt.Errorf("failed to acquire lock %s: %w", lockKey, err)
		}
		if ok {
			return func() { r.release(lockKey, token) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrLockTimeout, ctx.Err())
		case <-time.After(r.retry):
		}
	}
}

func (r *RedisLocker) release(lockKey, token string) {
	// The caller's context may already be done; release regardless.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := releaseScript.Run(ctx, r.client, []string{lockKey}, token).Err(); err != nil {
		logger.Warn("Failed to release subscription lock", map[string]interface{}{
			"lock":  lockKey,
			"error": err.Error(),
		})
	}
}
