package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/metergate/adapters/clock"
	"github.com/artpar/metergate/adapters/memory"
	"github.com/artpar/metergate/app"
	"github.com/artpar/metergate/domain/tier"
	"github.com/artpar/metergate/domain/usage"
)

func newAggregator(t *testing.T, store *memory.UsageStore, fc *clock.Fake) *app.Aggregator {
	t.Helper()
	set := policySet(t)
	return app.NewAggregator(store, func() *tier.PolicySet { return set }, fc, nil, zerolog.Nop(), app.AggregatorConfig{})
}

func seedRecords(t *testing.T, store *memory.UsageStore, records ...usage.Record) {
	t.Helper()
	if err := store.AppendBatch(context.Background(), records); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func meteredRecord(id string, ts time.Time) usage.Record {
	r := testRecord(id)
	r.Timestamp = ts
	r.TokensIn = 40
	r.TokensOut = 60
	r.ComputeUnits = 2
	r.StorageBytes = 1000
	return r
}

func TestRollup_FoldsPendingRecords(t *testing.T) {
	store := memory.NewUsageStore()
	fc := clock.NewFake(baseTime)
	agg := newAggregator(t, store, fc)
	ctx := context.Background()

	seedRecords(t, store,
		meteredRecord("r1", baseTime),
		meteredRecord("r2", baseTime.Add(time.Minute)),
	)

	n, err := agg.Rollup(ctx)
	if err != nil {
		t.Fatalf("rollup: %v", err)
	}
	if n != 2 {
		t.Errorf("processed = %d, want 2", n)
	}

	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	a := store.Aggregate(usage.Key{Identity: "user-1", Day: day, Category: "chat"})
	if a.RequestCount != 2 || a.Tokens != 200 || a.ComputeUnits != 4 {
		t.Errorf("aggregate = %+v", a)
	}
}

// Re-running a rollup over already-processed records changes nothing.
func TestRollup_Idempotent(t *testing.T) {
	store := memory.NewUsageStore()
	fc := clock.NewFake(baseTime)
	agg := newAggregator(t, store, fc)
	ctx := context.Background()

	seedRecords(t, store, meteredRecord("r1", baseTime))

	if _, err := agg.Rollup(ctx); err != nil {
		t.Fatalf("rollup: %v", err)
	}

	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	k := usage.Key{Identity: "user-1", Day: day, Category: "chat"}
	before := store.Aggregate(k)

	n, err := agg.Rollup(ctx)
	if err != nil {
		t.Fatalf("second rollup: %v", err)
	}
	if n != 0 {
		t.Errorf("second rollup processed %d records, want 0", n)
	}
	if after := store.Aggregate(k); after != before {
		t.Errorf("totals changed on re-run: %+v -> %+v", before, after)
	}
}

func TestRollup_Incremental(t *testing.T) {
	store := memory.NewUsageStore()
	fc := clock.NewFake(baseTime)
	agg := newAggregator(t, store, fc)
	ctx := context.Background()

	seedRecords(t, store, meteredRecord("r1", baseTime))
	agg.Rollup(ctx)

	seedRecords(t, store, meteredRecord("r2", baseTime.Add(time.Minute)))
	n, err := agg.Rollup(ctx)
	if err != nil {
		t.Fatalf("rollup: %v", err)
	}
	if n != 1 {
		t.Errorf("processed = %d, want only the new record", n)
	}

	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	a := store.Aggregate(usage.Key{Identity: "user-1", Day: day, Category: "chat"})
	if a.RequestCount != 2 {
		t.Errorf("request count = %d, want 2", a.RequestCount)
	}
}

func TestRollup_LateRecordsFlaggedNotDropped(t *testing.T) {
	store := memory.NewUsageStore()
	// Clock far ahead of the record's day: that day is finalized.
	fc := clock.NewFake(baseTime.AddDate(0, 0, 7))
	agg := newAggregator(t, store, fc)
	ctx := context.Background()

	seedRecords(t, store, meteredRecord("late-1", baseTime))
	n, err := agg.Rollup(ctx)
	if err != nil {
		t.Fatalf("rollup: %v", err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1 (late records still count)", n)
	}

	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	a := store.Aggregate(usage.Key{Identity: "user-1", Day: day, Category: "chat"})
	if !a.Reconciled {
		t.Error("late aggregate not flagged for reconciliation")
	}
}

func TestSummary_ReturnsRange(t *testing.T) {
	store := memory.NewUsageStore()
	fc := clock.NewFake(baseTime)
	agg := newAggregator(t, store, fc)
	ctx := context.Background()

	seedRecords(t, store,
		meteredRecord("r1", baseTime),
		meteredRecord("r2", baseTime.AddDate(0, 0, 1)),
		meteredRecord("r3", baseTime.AddDate(0, 0, 30)),
	)
	agg.Rollup(ctx)

	from := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 2)
	aggs, err := agg.Summary(ctx, "user-1", from, to)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(aggs) != 2 {
		t.Errorf("aggregates = %d, want 2 inside range", len(aggs))
	}
}

func TestBillingAmount_AppliesTierRates(t *testing.T) {
	store := memory.NewUsageStore()
	fc := clock.NewFake(baseTime)

	set, err := tier.NewPolicySet([]tier.Policy{{
		Tier: tier.Basic, LimitPerMinute: 100, LimitPerHour: 2000, LimitPerDay: 10000,
		Rates: tier.Rates{PerRequest: 0.001, PerComputeUnit: 0.01, PerToken: 0.00001, PerByte: 0.00000001},
	}})
	if err != nil {
		t.Fatal(err)
	}
	agg := app.NewAggregator(store, func() *tier.PolicySet { return set }, fc, nil, zerolog.Nop(), app.AggregatorConfig{})
	ctx := context.Background()

	// 2 requests, 4 compute units, 200 tokens, 2000 bytes:
	// 0.002 + 0.04 + 0.002 + 0.00002 -> 0 + 4 + 0 + 0 cents = 4 cents
	seedRecords(t, store,
		meteredRecord("r1", baseTime),
		meteredRecord("r2", baseTime.Add(time.Minute)),
	)
	agg.Rollup(ctx)

	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	bill, err := agg.BillingAmount(ctx, "user-1", day, day, tier.Basic)
	if err != nil {
		t.Fatalf("billing: %v", err)
	}
	if bill.TotalCents != 4 {
		t.Errorf("total = %d cents, want 4", bill.TotalCents)
	}
	if bill.Tier != tier.Basic {
		t.Errorf("tier = %s", bill.Tier)
	}
}
