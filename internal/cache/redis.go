package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/autographhq/gatekeeper/internal/config"
	"github.com/autographhq/gatekeeper/internal/models"
)

// incrWithTTL increments a counter and attaches the window TTL only on the
// first write. Later increments must not extend the window.
var incrWithTTL = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Store wraps Redis with the atomic primitives the gatekeeper needs. All
// mutations go through Redis server-side operations so that multiple service
// replicas sharing the store never race past each other.
type Store struct {
	client *redis.Client
	logger *slog.Logger
}

func NewStore(cfg *config.RedisConfig, logger *slog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("unable to ping redis: %w", err)
	}

	logger.Info("redis connection established", slog.String("addr", cfg.Addr))

	return &Store{client: client, logger: logger}, nil
}

// Increment atomically adds 1 to the counter at key, creating it with the
// given TTL if absent. Returns the post-increment count.
func (s *Store) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := incrWithTTL.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %q: %w", key, err)
	}
	return count, nil
}

// Get returns the current counter value, or 0 if the key does not exist.
func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	count, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return count, nil
}

// TTL returns the remaining lifetime of key, or 0 if the key does not exist.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get ttl of %q: %w", key, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Reset deletes the key immediately.
func (s *Store) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// SetNX stores value under key only if the key is absent. Returns whether the
// write happened.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx %q: %w", key, err)
	}
	return ok, nil
}

// SetBytes stores value under key unconditionally.
func (s *Store) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	return nil
}

// GetBytes returns the raw value at key, or models.ErrNotFound if absent.
func (s *Store) GetBytes(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return value, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.logger.Info("closing redis connection")
	_ = s.client.Close()
}
