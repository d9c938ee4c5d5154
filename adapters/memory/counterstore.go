// Package memory provides in-memory implementations of storage ports, used
// in tests and as the limiter's fail-open fallback.
package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/artpar/metergate/ports"
)

// counterShard is a single shard of the counter store.
type counterShard struct {
	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	count     int64
	expiresAt time.Time
}

// CounterStore is a sharded in-memory implementation of ports.CounterStore.
// Sharding reduces lock contention under concurrent checks; each
// IncrementAndGet holds only its shard's lock, so increments on one key are
// linearized.
type CounterStore struct {
	shards    []*counterShard
	numShards int
	now       func() time.Time
	cleanup   *time.Ticker
	done      chan struct{}
	closeOnce sync.Once
}

// CounterStoreConfig configures the in-memory counter store.
type CounterStoreConfig struct {
	NumShards       int              // default: 32
	CleanupInterval time.Duration    // how often to purge expired counters (default: 1m)
	Now             func() time.Time // clock override for tests
}

// NewCounterStore creates a sharded in-memory counter store.
func NewCounterStore(cfg CounterStoreConfig) *CounterStore {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 32
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &CounterStore{
		shards:    make([]*counterShard, cfg.NumShards),
		numShards: cfg.NumShards,
		now:       cfg.Now,
		done:      make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &counterShard{counters: make(map[string]*counter)}
	}

	s.cleanup = time.NewTicker(cfg.CleanupInterval)
	go s.cleanupLoop()

	return s
}

// getShard returns the shard for a key.
func (s *CounterStore) getShard(key string) *counterShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(s.numShards)]
}

// IncrementAndGet atomically increments the key and returns the new count.
// An expired counter is logically absent: its next increment starts at 1.
func (s *CounterStore) IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := s.now()
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	c, ok := shard.counters[key]
	if !ok || !c.expiresAt.After(now) {
		c = &counter{expiresAt: now.Add(ttl)}
		shard.counters[key] = c
	}
	c.count++
	return c.count, nil
}

// Ping always succeeds for the in-memory store.
func (s *CounterStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *CounterStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanup.C:
			s.purgeExpired()
		case <-s.done:
			return
		}
	}
}

func (s *CounterStore) purgeExpired() {
	now := s.now()
	for _, shard := range s.shards {
		shard.mu.Lock()
		for key, c := range shard.counters {
			if !c.expiresAt.After(now) {
				delete(shard.counters, key)
			}
		}
		shard.mu.Unlock()
	}
}

// Close stops the cleanup goroutine.
func (s *CounterStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cleanup.Stop()
	})
	return nil
}

// Len returns the number of live counters (for testing).
func (s *CounterStore) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		total += len(shard.counters)
		shard.mu.Unlock()
	}
	return total
}

// Ensure interface compliance.
var _ ports.CounterStore = (*CounterStore)(nil)
