// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/metergate/domain/usage"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Counter Store Port
// -----------------------------------------------------------------------------

// ErrStoreUnavailable marks counter store failures (unreachable, timeout).
// The limiter recovers from it per the configured failure policy.
var ErrStoreUnavailable = errors.New("counter store unavailable")

// ErrAggregationConflict is returned when a rollup loses the race against a
// concurrent rollup. The caller re-reads the checkpoint and retries.
var ErrAggregationConflict = errors.New("aggregation checkpoint conflict")

// CounterStore is the shared atomic counter primitive all rate decisions
// rest on. Implementations must make increment + expiry-set a single atomic
// unit: a counter that is incremented but never expires, or expires between
// increment and read, would corrupt limits across instances.
type CounterStore interface {
	// IncrementAndGet atomically increments key and returns the new count.
	// The ttl is applied when the increment creates the counter; once it
	// elapses the next increment starts a fresh counter at 1.
	IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// Usage Store Ports
// -----------------------------------------------------------------------------

// UsageStore persists raw metering records.
type UsageStore interface {
	// AppendBatch stores records, ignoring IDs it has already seen
	// (at-least-once delivery is deduplicated here).
	AppendBatch(ctx context.Context, records []usage.Record) error

	// ListRecent returns the newest records for an identity.
	ListRecent(ctx context.Context, identity string, limit int) ([]usage.Record, error)

	// PurgeBefore removes records older than cutoff, returning the count.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeadLetterStore holds records that could not be persisted after retries.
// Usage records are billing input; they may stall here but never vanish.
type DeadLetterStore interface {
	// Stash saves failed records together with the terminal error.
	Stash(ctx context.Context, records []usage.Record, cause string) error

	// Count returns the number of stashed records awaiting reconciliation.
	Count(ctx context.Context) (int64, error)
}

// AggregateStore persists daily rollups and the aggregation checkpoint.
type AggregateStore interface {
	// ApplyDeltas additively merges deltas into their aggregate rows and
	// advances the rollup checkpoint from oldCheckpoint to newCheckpoint in
	// the same transaction. Returns ErrAggregationConflict without applying
	// anything when the stored checkpoint no longer equals oldCheckpoint.
	// Binding the checkpoint to the write is what makes rollups idempotent.
	ApplyDeltas(ctx context.Context, deltas map[usage.Key]usage.DailyAggregate, oldCheckpoint, newCheckpoint int64) error

	// Checkpoint returns the current rollup checkpoint (0 when unset).
	Checkpoint(ctx context.Context) (int64, error)

	// PendingRecords returns records past the checkpoint in insertion
	// order, with the checkpoint value reading them advances to.
	PendingRecords(ctx context.Context, checkpoint int64, limit int) ([]usage.Record, int64, error)

	// Range returns aggregates for an identity between two days inclusive.
	Range(ctx context.Context, identity string, from, to time.Time) ([]usage.DailyAggregate, error)

	// PurgeBefore removes aggregates for days older than cutoff.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// Recorder Port
// -----------------------------------------------------------------------------

// Recorder accepts usage records for asynchronous persistence.
type Recorder interface {
	// Record queues a record. Non-blocking: it must never add persistence
	// latency to the request path.
	Record(r usage.Record)

	// Flush forces queued records through to the store.
	Flush(ctx context.Context) error

	// Close drains the queue with a deadline and stops the workers.
	Close() error
}
