package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/metergate/adapters/metrics"
	"github.com/artpar/metergate/domain/tier"
	"github.com/artpar/metergate/domain/usage"
	"github.com/artpar/metergate/ports"
)

// AggregatorConfig configures the rollup service.
type AggregatorConfig struct {
	BatchSize     int           // records folded per transaction (default: 500)
	FinalizeAfter time.Duration // slack after a day ends before it is finalized (default: 6h)
	MaxConflicts  int           // conflict retries per Rollup call (default: 3)
}

func (c *AggregatorConfig) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.FinalizeAfter <= 0 {
		c.FinalizeAfter = 6 * time.Hour
	}
	if c.MaxConflicts <= 0 {
		c.MaxConflicts = 3
	}
}

// Aggregator folds raw usage records into daily aggregates and answers the
// billing queries over them.
type Aggregator struct {
	store    ports.AggregateStore
	policies func() *tier.PolicySet
	clock    ports.Clock
	metrics  *metrics.Collector
	logger   zerolog.Logger
	cfg      AggregatorConfig
}

// NewAggregator creates the rollup service. policies returns the current
// policy snapshot so billing always prices with live rates.
func NewAggregator(store ports.AggregateStore, policies func() *tier.PolicySet, clock ports.Clock, m *metrics.Collector, logger zerolog.Logger, cfg AggregatorConfig) *Aggregator {
	cfg.setDefaults()
	return &Aggregator{
		store:    store,
		policies: policies,
		clock:    clock,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
	}
}

// Rollup folds all records past the checkpoint and returns how many it
// processed. Idempotent: deltas and the checkpoint advance commit together,
// and a concurrent rollup that wins the checkpoint race makes this one
// re-read and retry. Records for already-finalized days are folded with the
// reconciliation flag set instead of being dropped.
func (a *Aggregator) Rollup(ctx context.Context) (int, error) {
	total := 0
	conflicts := 0

	for {
		checkpoint, err := a.store.Checkpoint(ctx)
		if err != nil {
			a.countError()
			return total, fmt.Errorf("read checkpoint: %w", err)
		}

		records, next, err := a.store.PendingRecords(ctx, checkpoint, a.cfg.BatchSize)
		if err != nil {
			a.countError()
			return total, fmt.Errorf("read pending records: %w", err)
		}
		if len(records) == 0 {
			break
		}

		deltas := usage.Fold(records)
		a.flagLateArrivals(deltas)

		if err := a.store.ApplyDeltas(ctx, deltas, checkpoint, next); err != nil {
			if errors.Is(err, ports.ErrAggregationConflict) {
				conflicts++
				if conflicts > a.cfg.MaxConflicts {
					a.countError()
					return total, fmt.Errorf("rollup conflicts exhausted: %w", err)
				}
				a.logger.Debug().Int64("checkpoint", checkpoint).Msg("rollup lost checkpoint race, retrying")
				continue
			}
			a.countError()
			return total, fmt.Errorf("apply deltas: %w", err)
		}

		total += len(records)
		if a.metrics != nil {
			a.metrics.RollupRecords.Add(float64(len(records)))
		}
	}

	if a.metrics != nil {
		a.metrics.RollupRuns.Inc()
	}
	if total > 0 {
		a.logger.Info().Int("records", total).Msg("rollup complete")
	}
	return total, nil
}

// flagLateArrivals marks deltas for days whose books are already closed.
// They still count; billing surfaces them for manual reconciliation.
func (a *Aggregator) flagLateArrivals(deltas map[usage.Key]usage.DailyAggregate) {
	finalized := a.finalizedBefore()
	for k, d := range deltas {
		if k.Day.Before(finalized) {
			d.Reconciled = true
			deltas[k] = d
			a.logger.Warn().
				Str("identity", k.Identity).
				Str("day", k.Day.Format("2006-01-02")).
				Int64("requests", d.RequestCount).
				Msg("late usage records for finalized day, flagged for reconciliation")
		}
	}
}

// finalizedBefore returns the first day that is NOT yet finalized.
func (a *Aggregator) finalizedBefore() time.Time {
	t := a.clock.Now().UTC().Add(-a.cfg.FinalizeAfter)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Summary returns the daily aggregates for an identity between two days
// inclusive.
func (a *Aggregator) Summary(ctx context.Context, identity string, from, to time.Time) ([]usage.DailyAggregate, error) {
	return a.store.Range(ctx, identity, from, to)
}

// BillingAmount prices an identity's usage over a date range at the given
// tier. Pure application of policy rates to aggregates; no side effects.
func (a *Aggregator) BillingAmount(ctx context.Context, identity string, from, to time.Time, t tier.Tier) (usage.Bill, error) {
	aggs, err := a.store.Range(ctx, identity, from, to)
	if err != nil {
		return usage.Bill{}, fmt.Errorf("read aggregates: %w", err)
	}
	policy := a.policies().Resolve(t)
	return usage.BillingAmount(identity, aggs, policy), nil
}

func (a *Aggregator) countError() {
	if a.metrics != nil {
		a.metrics.RollupErrors.Inc()
	}
}
