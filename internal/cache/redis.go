// Package cache holds the shared Redis client used for session state and locks.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrNotHeld is returned when a token-guarded key is owned by someone else.
var ErrNotHeld = errors.New("key is not held by this token")

// compareAndDelete removes KEYS[1] only when it still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// compareAndExpire resets the TTL of KEYS[1] only when it still holds ARGV[1].
var compareAndExpire = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type RedisClient struct {
	Client *redis.Client
}

// NewRedisClient connects using a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*RedisClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.Info().
		Str("addr", opts.Addr).
		Int("db", opts.DB).
		Msg("connected to redis")

	return &RedisClient{Client: client}, nil
}

// AddMember adds member to the set at key and refreshes the set's TTL.
func (r *RedisClient) AddMember(ctx context.Context, key, member string, ttl time.Duration) error {
	pipe := r.Client.TxPipeline()
	pipe.SAdd(ctx, key, member)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add set member: %w", err)
	}
	return nil
}

func (r *RedisClient) IsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := r.Client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check set member: %w", err)
	}
	return ok, nil
}

// SetNX stores value only when key is absent and reports whether it did.
func (r *RedisClient) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.Client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set key: %w", err)
	}
	return ok, nil
}

// DeleteIfEquals deletes key if it still holds value.
func (r *RedisClient) DeleteIfEquals(ctx context.Context, key, value string) error {
	n, err := compareAndDelete.Run(ctx, r.Client, []string{key}, value).Int()
	if err != nil {
		return fmt.Errorf("failed to release key: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// ExtendIfEquals resets key's TTL if it still holds value.
func (r *RedisClient) ExtendIfEquals(ctx context.Context, key, value string, ttl time.Duration) error {
	n, err := compareAndExpire.Run(ctx, r.Client, []string{key}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend key: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

func (r *RedisClient) Close() error {
	return r.Client.Close()
}
