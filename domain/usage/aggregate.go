package usage

import (
	"math"
	"time"

	"github.com/artpar/metergate/domain/tier"
)

// DailyAggregate is the rolled-up usage for one (identity, day, category)
// key (value type). Updated additively by the aggregator; the basis for
// billing.
type DailyAggregate struct {
	Identity      string
	Day           time.Time // UTC midnight
	Category      string
	RequestCount  int64
	SuccessCount  int64
	ErrorCount    int64
	DurationTotal time.Duration
	Tokens        int64
	ComputeUnits  float64
	StorageBytes  int64
	Reconciled    bool // folded in after the day was finalized
}

// Key identifies the aggregate row a record contributes to.
type Key struct {
	Identity string
	Day      time.Time
	Category string
}

// Fold rolls records into per-key aggregate deltas.
// This is a PURE function - the caller applies the deltas additively.
func Fold(records []Record) map[Key]DailyAggregate {
	out := make(map[Key]DailyAggregate)
	for _, r := range records {
		k := Key{Identity: r.Identity, Day: r.Day(), Category: r.Category}
		agg := out[k]
		agg.Identity = k.Identity
		agg.Day = k.Day
		agg.Category = k.Category
		agg.RequestCount++
		if r.Success {
			agg.SuccessCount++
		} else {
			agg.ErrorCount++
		}
		agg.DurationTotal += r.Duration
		agg.Tokens += r.Tokens()
		agg.ComputeUnits += r.ComputeUnits
		agg.StorageBytes += r.StorageBytes
		out[k] = agg
	}
	return out
}

// Add returns the additive merge of two aggregates for the same key.
// This is a PURE function.
func (a DailyAggregate) Add(b DailyAggregate) DailyAggregate {
	a.RequestCount += b.RequestCount
	a.SuccessCount += b.SuccessCount
	a.ErrorCount += b.ErrorCount
	a.DurationTotal += b.DurationTotal
	a.Tokens += b.Tokens
	a.ComputeUnits += b.ComputeUnits
	a.StorageBytes += b.StorageBytes
	a.Reconciled = a.Reconciled || b.Reconciled
	return a
}

// LineItem is one metered charge on a bill (value type).
type LineItem struct {
	Description string
	Quantity    float64
	Rate        float64
	AmountCents int64
}

// Bill is the computed charge for a set of aggregates (value type).
// Amounts are in cents; each line is rounded to the cent before summing,
// matching how invoices present per-meter charges.
type Bill struct {
	Identity   string
	Tier       tier.Tier
	Items      []LineItem
	UsageCents int64 // metered lines only
	BaseCents  int64
	TotalCents int64
}

// BillingAmount prices a set of aggregates against a tier policy.
// This is a PURE function of aggregates + policy.
func BillingAmount(identity string, aggs []DailyAggregate, policy tier.Policy) Bill {
	var (
		requests int64
		compute  float64
		tokens   int64
		bytes    int64
	)
	for _, a := range aggs {
		requests += a.RequestCount
		compute += a.ComputeUnits
		tokens += a.Tokens
		bytes += a.StorageBytes
	}

	b := Bill{Identity: identity, Tier: policy.Tier}
	b.addItem("requests", float64(requests), policy.Rates.PerRequest)
	b.addItem("compute units", compute, policy.Rates.PerComputeUnit)
	b.addItem("tokens", float64(tokens), policy.Rates.PerToken)
	b.addItem("storage bytes", float64(bytes), policy.Rates.PerByte)

	b.BaseCents = toCents(policy.Rates.BaseFee)
	b.TotalCents = b.UsageCents + b.BaseCents
	return b
}

func (b *Bill) addItem(desc string, quantity, rate float64) {
	cents := toCents(quantity * rate)
	b.Items = append(b.Items, LineItem{
		Description: desc,
		Quantity:    quantity,
		Rate:        rate,
		AmountCents: cents,
	})
	b.UsageCents += cents
}

func toCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
