package app

import (
	"time"

	"github.com/artpar/metergate/domain/usage"
)

// CategoryCost configures the cost function for one endpoint category.
// Formulas are configuration, not code: product changes the weights, the
// core stays put.
type CategoryCost struct {
	Weight        float64 // compute units per second of handling time
	CharsPerToken int     // token estimate divisor for payload bytes
}

// DefaultCategoryCost applies when a category has no explicit entry.
var DefaultCategoryCost = CategoryCost{Weight: 1.0, CharsPerToken: 4}

// CostTable estimates billable quantities from raw request measurements.
// Immutable once built; hot reload swaps the whole table.
type CostTable struct {
	categories map[string]CategoryCost
	fallback   CategoryCost
}

// NewCostTable builds a cost table from per-category configuration.
func NewCostTable(categories map[string]CategoryCost) *CostTable {
	t := &CostTable{
		categories: make(map[string]CategoryCost, len(categories)),
		fallback:   DefaultCategoryCost,
	}
	for name, c := range categories {
		if c.Weight <= 0 {
			c.Weight = DefaultCategoryCost.Weight
		}
		if c.CharsPerToken <= 0 {
			c.CharsPerToken = DefaultCategoryCost.CharsPerToken
		}
		t.categories[name] = c
	}
	return t
}

// Lookup returns the cost parameters for a category.
func (t *CostTable) Lookup(category string) CategoryCost {
	if c, ok := t.categories[category]; ok {
		return c
	}
	return t.fallback
}

// Measurements are the raw per-request facts the cost function prices.
type Measurements struct {
	Duration      time.Duration
	RequestBytes  int64
	ResponseBytes int64
	StorageBytes  int64
	Success       bool

	// Exact counts supplied by the business layer when it knows them;
	// zero values fall back to estimates.
	TokensIn  int64
	TokensOut int64
}

// Apply fills the derived quantities of a usage record from measurements.
func (t *CostTable) Apply(r usage.Record, m Measurements) usage.Record {
	c := t.Lookup(r.Category)

	r.Duration = m.Duration
	r.StorageBytes = m.StorageBytes
	r.Success = m.Success
	r.ComputeUnits = m.Duration.Seconds() * c.Weight

	r.TokensIn = m.TokensIn
	if r.TokensIn == 0 && m.RequestBytes > 0 {
		r.TokensIn = m.RequestBytes / int64(c.CharsPerToken)
	}
	r.TokensOut = m.TokensOut
	if r.TokensOut == 0 && m.ResponseBytes > 0 {
		r.TokensOut = m.ResponseBytes / int64(c.CharsPerToken)
	}
	return r
}
