package usage_test

import (
	"testing"
	"time"

	"github.com/artpar/metergate/domain/tier"
	"github.com/artpar/metergate/domain/usage"
)

var baseTime = time.Date(2024, 3, 10, 14, 37, 0, 0, time.UTC)

func record(id string, ts time.Time, success bool) usage.Record {
	return usage.Record{
		ID:           id,
		Identity:     "user-1",
		Tier:         tier.Basic,
		Category:     "chat",
		Timestamp:    ts,
		Duration:     200 * time.Millisecond,
		TokensIn:     30,
		TokensOut:    70,
		ComputeUnits: 0.5,
		StorageBytes: 1024,
		Success:      success,
	}
}

func TestFold_SingleKey(t *testing.T) {
	records := []usage.Record{
		record("r1", baseTime, true),
		record("r2", baseTime.Add(time.Hour), true),
		record("r3", baseTime.Add(2*time.Hour), false),
	}

	aggs := usage.Fold(records)
	if len(aggs) != 1 {
		t.Fatalf("aggregate keys = %d, want 1", len(aggs))
	}

	k := usage.Key{Identity: "user-1", Day: records[0].Day(), Category: "chat"}
	agg := aggs[k]
	if agg.RequestCount != 3 || agg.SuccessCount != 2 || agg.ErrorCount != 1 {
		t.Errorf("counts = %d/%d/%d, want 3/2/1", agg.RequestCount, agg.SuccessCount, agg.ErrorCount)
	}
	if agg.Tokens != 300 {
		t.Errorf("tokens = %d, want 300", agg.Tokens)
	}
	if agg.ComputeUnits != 1.5 {
		t.Errorf("compute units = %v, want 1.5", agg.ComputeUnits)
	}
	if agg.DurationTotal != 600*time.Millisecond {
		t.Errorf("duration total = %v, want 600ms", agg.DurationTotal)
	}
	if agg.StorageBytes != 3072 {
		t.Errorf("storage bytes = %d, want 3072", agg.StorageBytes)
	}
}

func TestFold_SplitsByDayAndCategory(t *testing.T) {
	r1 := record("r1", baseTime, true)
	r2 := record("r2", baseTime.AddDate(0, 0, 1), true)
	r3 := record("r3", baseTime, true)
	r3.Category = "embed"

	aggs := usage.Fold([]usage.Record{r1, r2, r3})
	if len(aggs) != 3 {
		t.Fatalf("aggregate keys = %d, want 3", len(aggs))
	}
}

func TestRecordDay_UTCBoundary(t *testing.T) {
	// 23:30 in UTC+5 is 18:30 UTC same day; 02:00 in UTC+5 is the prior UTC day.
	loc := time.FixedZone("plus5", 5*3600)
	r := record("r1", time.Date(2024, 3, 11, 2, 0, 0, 0, loc), true)

	want := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	if !r.Day().Equal(want) {
		t.Errorf("day = %v, want %v", r.Day(), want)
	}
}

func TestAdd_Additive(t *testing.T) {
	a := usage.DailyAggregate{RequestCount: 2, SuccessCount: 2, Tokens: 100, ComputeUnits: 1}
	b := usage.DailyAggregate{RequestCount: 1, ErrorCount: 1, Tokens: 50, ComputeUnits: 0.5, Reconciled: true}

	sum := a.Add(b)
	if sum.RequestCount != 3 || sum.SuccessCount != 2 || sum.ErrorCount != 1 {
		t.Errorf("counts = %d/%d/%d", sum.RequestCount, sum.SuccessCount, sum.ErrorCount)
	}
	if sum.Tokens != 150 || sum.ComputeUnits != 1.5 {
		t.Errorf("tokens/cu = %d/%v", sum.Tokens, sum.ComputeUnits)
	}
	if !sum.Reconciled {
		t.Error("reconciled flag must survive merge")
	}
}

// The documented invoice example: 1,234 requests, 567 compute units,
// 89,012 tokens, 3,456,789 bytes at basic rates comes to 7.82.
func TestBillingAmount_WorkedExample(t *testing.T) {
	policy := tier.Policy{
		Tier: tier.Basic,
		Rates: tier.Rates{
			PerRequest:     0.001,
			PerComputeUnit: 0.01,
			PerToken:       0.00001,
			PerByte:        0.00000001,
			BaseFee:        10,
		},
	}
	aggs := []usage.DailyAggregate{{
		Identity:     "user-1",
		RequestCount: 1234,
		ComputeUnits: 567,
		Tokens:       89012,
		StorageBytes: 3456789,
	}}

	bill := usage.BillingAmount("user-1", aggs, policy)

	if bill.UsageCents != 782 {
		t.Errorf("usage = %d cents, want 782", bill.UsageCents)
	}
	if bill.BaseCents != 1000 {
		t.Errorf("base = %d cents, want 1000", bill.BaseCents)
	}
	if bill.TotalCents != 1782 {
		t.Errorf("total = %d cents, want 1782", bill.TotalCents)
	}

	wantLines := []int64{123, 567, 89, 3}
	for i, want := range wantLines {
		if got := bill.Items[i].AmountCents; got != want {
			t.Errorf("line %d (%s) = %d cents, want %d", i, bill.Items[i].Description, got, want)
		}
	}
}

// Per-tier worked examples: total equals the hand-computed sum of
// (quantity x rate) per metered quantity.
func TestBillingAmount_PerTier(t *testing.T) {
	aggs := []usage.DailyAggregate{{
		RequestCount: 1000,
		ComputeUnits: 100,
		Tokens:       50000,
		StorageBytes: 1000000,
	}}

	cases := []struct {
		policy    tier.Policy
		wantCents int64
	}{
		// free: no metered charges
		{tier.Policy{Tier: tier.Free}, 0},
		// basic: 1.00 + 1.00 + 0.50 + 0.01 = 2.51
		{tier.Policy{Tier: tier.Basic, Rates: tier.Rates{
			PerRequest: 0.001, PerComputeUnit: 0.01, PerToken: 0.00001, PerByte: 0.00000001,
		}}, 251},
		// pro: 0.50 + 0.50 + 0.25 + 0.01 = 1.26
		{tier.Policy{Tier: tier.Pro, Rates: tier.Rates{
			PerRequest: 0.0005, PerComputeUnit: 0.005, PerToken: 0.000005, PerByte: 0.00000001,
		}}, 126},
		// enterprise: flat 100.00 base, no metered charges
		{tier.Policy{Tier: tier.Enterprise, Rates: tier.Rates{BaseFee: 100}}, 10000},
	}

	for _, tc := range cases {
		bill := usage.BillingAmount("user-1", aggs, tc.policy)
		if bill.TotalCents != tc.wantCents {
			t.Errorf("%s: total = %d cents, want %d", tc.policy.Tier, bill.TotalCents, tc.wantCents)
		}
	}
}

func TestRecordValidate(t *testing.T) {
	good := record("r1", baseTime, true)
	if err := good.Validate(); err != nil {
		t.Errorf("valid record rejected: %v", err)
	}

	bad := good
	bad.ID = ""
	if bad.Validate() == nil {
		t.Error("missing id accepted")
	}

	bad = good
	bad.Identity = ""
	if bad.Validate() == nil {
		t.Error("missing identity accepted")
	}

	bad = good
	bad.Duration = -time.Second
	if bad.Validate() == nil {
		t.Error("negative duration accepted")
	}
}
