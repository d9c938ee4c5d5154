// Package redis provides the Redis implementation of ports.CounterStore,
// the shared counter all service instances rate-limit against.
package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/artpar/metergate/ports"
)

//go:embed increment.lua
var incrementScript string

// CounterStore implements ports.CounterStore on Redis. The increment and
// the first-increment expiry run in one Lua script, so a counter can never
// be incremented without an expiry or expire between increment and read.
type CounterStore struct {
	client *redis.Client
	script *redis.Script
}

// Options configures the Redis connection.
type Options struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
}

// NewCounterStore connects to Redis and verifies it is reachable.
func NewCounterStore(ctx context.Context, opts Options) (*CounterStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		PoolSize:    opts.PoolSize,
		DialTimeout: opts.DialTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &CounterStore{
		client: client,
		script: redis.NewScript(incrementScript),
	}, nil
}

// NewLazyCounterStore creates the store without verifying reachability.
// Operations fail with ErrStoreUnavailable until Redis comes up; the
// limiter's failure policy covers the gap.
func NewLazyCounterStore(opts Options) *CounterStore {
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		PoolSize:    opts.PoolSize,
		DialTimeout: opts.DialTimeout,
	})
	return NewCounterStoreWithClient(client)
}

// NewCounterStoreWithClient wraps an existing client.
func NewCounterStoreWithClient(client *redis.Client) *CounterStore {
	return &CounterStore{
		client: client,
		script: redis.NewScript(incrementScript),
	}
}

// IncrementAndGet atomically increments key and returns the new count.
// Script.Run uses EVALSHA and falls back to EVAL when the script cache was
// flushed, so failovers do not break increments.
func (s *CounterStore) IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := s.script.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ports.ErrStoreUnavailable, err)
	}
	return count, nil
}

// Ping verifies the connection.
func (s *CounterStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ports.ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *CounterStore) Close() error {
	return s.client.Close()
}

// Ensure interface compliance.
var _ ports.CounterStore = (*CounterStore)(nil)
