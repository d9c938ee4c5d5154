package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/artpar/metergate/domain/usage"
	"github.com/artpar/metergate/ports"
)

// UsageStore is an in-memory implementation of ports.UsageStore and
// ports.AggregateStore, for tests.
type UsageStore struct {
	mu         sync.Mutex
	records    []usage.Record
	seen       map[string]bool
	aggregates map[usage.Key]usage.DailyAggregate
	checkpoint int64

	// FailAppends makes AppendBatch fail while > 0, decrementing per call
	// (for retry tests).
	FailAppends int
	appendErr   error
}

// NewUsageStore creates an empty in-memory usage store.
func NewUsageStore() *UsageStore {
	return &UsageStore{
		seen:       make(map[string]bool),
		aggregates: make(map[usage.Key]usage.DailyAggregate),
	}
}

// SetAppendError configures the error returned while FailAppends > 0.
func (s *UsageStore) SetAppendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErr = err
}

// AppendBatch stores records, skipping duplicate IDs.
func (s *UsageStore) AppendBatch(ctx context.Context, records []usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailAppends > 0 {
		s.FailAppends--
		return s.appendErr
	}

	for _, r := range records {
		if s.seen[r.ID] {
			continue
		}
		s.seen[r.ID] = true
		s.records = append(s.records, r)
	}
	return nil
}

// ListRecent returns the newest records for an identity.
func (s *UsageStore) ListRecent(ctx context.Context, identity string, limit int) ([]usage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []usage.Record
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if s.records[i].Identity == identity {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

// PurgeBefore removes records older than cutoff.
func (s *UsageStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	var purged int64
	for _, r := range s.records {
		if r.Timestamp.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return purged, nil
}

// Len returns the number of stored records (for testing).
func (s *UsageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// ApplyDeltas merges deltas and advances the checkpoint atomically,
// rejecting stale rollups with ErrAggregationConflict.
func (s *UsageStore) ApplyDeltas(ctx context.Context, deltas map[usage.Key]usage.DailyAggregate, oldCheckpoint, newCheckpoint int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.checkpoint != oldCheckpoint {
		return ports.ErrAggregationConflict
	}
	for k, d := range deltas {
		s.aggregates[k] = s.aggregates[k].Add(d)
	}
	s.checkpoint = newCheckpoint
	return nil
}

// Checkpoint returns the current rollup checkpoint.
func (s *UsageStore) Checkpoint(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint, nil
}

// PendingRecords returns records past the checkpoint in insertion order.
// The in-memory checkpoint is the index into the record log.
func (s *UsageStore) PendingRecords(ctx context.Context, checkpoint int64, limit int) ([]usage.Record, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if checkpoint >= int64(len(s.records)) {
		return nil, checkpoint, nil
	}
	end := checkpoint + int64(limit)
	if limit <= 0 || end > int64(len(s.records)) {
		end = int64(len(s.records))
	}
	out := make([]usage.Record, end-checkpoint)
	copy(out, s.records[checkpoint:end])
	return out, end, nil
}

// Range returns aggregates for an identity between two days inclusive.
func (s *UsageStore) Range(ctx context.Context, identity string, from, to time.Time) ([]usage.DailyAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []usage.DailyAggregate
	for k, a := range s.aggregates {
		if k.Identity != identity || k.Day.Before(from) || k.Day.After(to) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Day.Equal(out[j].Day) {
			return out[i].Day.Before(out[j].Day)
		}
		return out[i].Category < out[j].Category
	})
	return out, nil
}

// Aggregate returns a single aggregate row (for testing).
func (s *UsageStore) Aggregate(k usage.Key) usage.DailyAggregate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aggregates[k]
}

// Ensure interface compliance.
var (
	_ ports.UsageStore     = (*UsageStore)(nil)
	_ ports.AggregateStore = (*UsageStore)(nil)
)

// DeadLetterStore is an in-memory implementation of ports.DeadLetterStore.
type DeadLetterStore struct {
	mu      sync.Mutex
	Records []usage.Record
	Causes  []string
}

// NewDeadLetterStore creates an empty in-memory dead letter store.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{}
}

// Stash saves failed records with their terminal error.
func (s *DeadLetterStore) Stash(ctx context.Context, records []usage.Record, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Records = append(s.Records, records...)
	s.Causes = append(s.Causes, cause)
	return nil
}

// Count returns the number of stashed records.
func (s *DeadLetterStore) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.Records)), nil
}

// Ensure interface compliance.
var _ ports.DeadLetterStore = (*DeadLetterStore)(nil)
