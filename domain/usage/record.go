// Package usage provides metering record and aggregate value types plus the
// pure aggregation and billing functions over them.
package usage

import (
	"errors"
	"fmt"
	"time"

	"github.com/artpar/metergate/domain/tier"
)

// Record is a single metering fact for one completed request (immutable
// value type). Records are created once, delivered at-least-once, and
// deduplicated downstream by ID.
type Record struct {
	ID           string
	Identity     string
	Tier         tier.Tier
	Category     string // endpoint category, e.g. "chat", "embed", "scrape"
	Timestamp    time.Time
	Duration     time.Duration
	TokensIn     int64
	TokensOut    int64
	ComputeUnits float64
	StorageBytes int64
	Success      bool
}

// Tokens returns the total billable tokens.
func (r Record) Tokens() int64 {
	return r.TokensIn + r.TokensOut
}

// Day returns the UTC calendar date the record belongs to.
func (r Record) Day() time.Time {
	t := r.Timestamp.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Validate checks the fields a record cannot be persisted without.
func (r Record) Validate() error {
	switch {
	case r.ID == "":
		return errors.New("record id is required")
	case r.Identity == "":
		return errors.New("record identity is required")
	case r.Timestamp.IsZero():
		return errors.New("record timestamp is required")
	case r.Duration < 0:
		return fmt.Errorf("record duration is negative: %v", r.Duration)
	}
	return nil
}
