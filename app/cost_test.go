package app_test

import (
	"testing"
	"time"

	"github.com/artpar/metergate/app"
	"github.com/artpar/metergate/domain/usage"
)

func TestCostTable_ComputeUnitsFromDurationAndWeight(t *testing.T) {
	table := app.NewCostTable(map[string]app.CategoryCost{
		"scrape": {Weight: 2.5, CharsPerToken: 4},
	})

	r := table.Apply(usage.Record{Category: "scrape"}, app.Measurements{
		Duration: 2 * time.Second,
		Success:  true,
	})

	if r.ComputeUnits != 5 {
		t.Errorf("compute units = %v, want 5 (2s x 2.5)", r.ComputeUnits)
	}
	if !r.Success {
		t.Error("success not carried over")
	}
}

func TestCostTable_TokenEstimateFromBytes(t *testing.T) {
	table := app.NewCostTable(nil)

	r := table.Apply(usage.Record{Category: "chat"}, app.Measurements{
		RequestBytes:  400,
		ResponseBytes: 800,
	})

	// Default 4 chars per token.
	if r.TokensIn != 100 || r.TokensOut != 200 {
		t.Errorf("tokens = %d/%d, want 100/200", r.TokensIn, r.TokensOut)
	}
}

func TestCostTable_ExactTokenCountsWinOverEstimates(t *testing.T) {
	table := app.NewCostTable(nil)

	r := table.Apply(usage.Record{Category: "chat"}, app.Measurements{
		RequestBytes: 400,
		TokensIn:     37,
		TokensOut:    91,
	})

	if r.TokensIn != 37 || r.TokensOut != 91 {
		t.Errorf("tokens = %d/%d, want supplied exact counts", r.TokensIn, r.TokensOut)
	}
}

func TestCostTable_UnknownCategoryUsesDefaults(t *testing.T) {
	table := app.NewCostTable(map[string]app.CategoryCost{
		"scrape": {Weight: 2.5},
	})

	c := table.Lookup("unknown")
	if c != app.DefaultCategoryCost {
		t.Errorf("lookup = %+v, want defaults", c)
	}
}

func TestNewCostTable_SanitizesZeroValues(t *testing.T) {
	table := app.NewCostTable(map[string]app.CategoryCost{
		"bad": {},
	})

	c := table.Lookup("bad")
	if c.Weight <= 0 || c.CharsPerToken <= 0 {
		t.Errorf("zero config not sanitized: %+v", c)
	}
}
