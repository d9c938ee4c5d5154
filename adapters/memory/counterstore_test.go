package memory_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/artpar/metergate/adapters/memory"
)

func TestIncrementAndGet_Sequential(t *testing.T) {
	s := memory.NewCounterStore(memory.CounterStoreConfig{})
	defer s.Close()
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		got, err := s.IncrementAndGet(ctx, "k", time.Minute)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if got != want {
			t.Errorf("count = %d, want %d", got, want)
		}
	}
}

func TestIncrementAndGet_ExpiryStartsFreshCounter(t *testing.T) {
	now := time.Date(2024, 3, 10, 14, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	s := memory.NewCounterStore(memory.CounterStoreConfig{Now: clock})
	defer s.Close()
	ctx := context.Background()

	s.IncrementAndGet(ctx, "k", 30*time.Second)
	s.IncrementAndGet(ctx, "k", 30*time.Second)

	mu.Lock()
	now = now.Add(31 * time.Second)
	mu.Unlock()

	got, err := s.IncrementAndGet(ctx, "k", 30*time.Second)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if got != 1 {
		t.Errorf("count after expiry = %d, want 1", got)
	}
}

func TestIncrementAndGet_IndependentKeys(t *testing.T) {
	s := memory.NewCounterStore(memory.CounterStoreConfig{})
	defer s.Close()
	ctx := context.Background()

	s.IncrementAndGet(ctx, "a", time.Minute)
	got, _ := s.IncrementAndGet(ctx, "b", time.Minute)
	if got != 1 {
		t.Errorf("fresh key count = %d, want 1", got)
	}
}

// Atomicity under concurrency: N parallel increments on one key must yield
// every count from 1..N exactly once.
func TestIncrementAndGet_ConcurrentNoLostUpdates(t *testing.T) {
	s := memory.NewCounterStore(memory.CounterStoreConfig{})
	defer s.Close()
	ctx := context.Background()

	const n = 200
	seen := make([]int32, n+1)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			count, err := s.IncrementAndGet(ctx, "hot", time.Minute)
			if err != nil {
				t.Errorf("increment: %v", err)
				return
			}
			atomic.AddInt32(&seen[count], 1)
		}()
	}
	wg.Wait()

	for c := 1; c <= n; c++ {
		if seen[c] != 1 {
			t.Fatalf("count %d observed %d times, want exactly once", c, seen[c])
		}
	}
}

func TestIncrementAndGet_CancelledContext(t *testing.T) {
	s := memory.NewCounterStore(memory.CounterStoreConfig{})
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.IncrementAndGet(ctx, "k", time.Minute); err == nil {
		t.Error("expected error for cancelled context")
	}
}
