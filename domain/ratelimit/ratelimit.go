// Package ratelimit provides pure admission evaluation over multiple
// windows. All functions are deterministic - no side effects.
package ratelimit

import (
	"time"

	"github.com/artpar/metergate/domain/tier"
	"github.com/artpar/metergate/domain/window"
)

// Reasons for rejection.
const (
	ReasonLimitExceeded    = "rate_limit_exceeded"
	ReasonStoreUnavailable = "store_unavailable" // fail-closed only
)

// Observation is the counter value seen for one window after this request's
// increment.
type Observation struct {
	Window window.Window
	Count  int64
}

// Decision is the outcome of an admission check (value type).
type Decision struct {
	Allowed    bool
	Reason     string        // set when not allowed
	Binding    window.Kind   // window governing Limit/Remaining/Reset
	Limit      int64         // limit of the binding window (-1 unlimited)
	Remaining  int64         // requests left in the binding window
	ResetAt    time.Time     // when the binding window rolls over
	RetryAfter time.Duration // wait before retrying; zero when allowed
	Degraded   bool          // decision made without the shared store

	// Daily quota snapshot, populated when a day window was observed.
	DayObserved  bool
	DayLimit     int64
	DayRemaining int64
	DayResetAt   time.Time
}

// ResetSeconds returns the reset delay rounded up to whole seconds, as
// exposed in response headers.
func (d Decision) ResetSeconds(now time.Time) int64 {
	return ceilSeconds(d.ResetAt.Sub(now))
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds.
func (d Decision) RetryAfterSeconds() int64 {
	return ceilSeconds(d.RetryAfter)
}

// Evaluate gates a request on every observed window at once: the request is
// rejected if any window is over its policy limit, and the most restrictive
// window (fewest remaining requests) reports the limit metadata. Every
// counter has already been incremented when Evaluate runs, including for
// requests another window rejects - over-counting during races is the
// deliberate conservative choice.
//
// This is a PURE function.
func Evaluate(policy tier.Policy, obs []Observation, now time.Time) Decision {
	d := Decision{Allowed: true}
	bound := false

	for _, o := range obs {
		limit := policy.Limit(o.Window.Kind)
		if limit == tier.Unlimited {
			// Incremented for analytics, never compared.
			continue
		}

		remaining := limit - o.Count
		if remaining < 0 {
			remaining = 0
		}

		if o.Count > limit {
			// Violated window. The longest violated window binds so
			// retry_after reflects the real wait.
			if d.Allowed || o.Window.Remaining(now) > d.RetryAfter {
				d.Binding = o.Window.Kind
				d.Limit = limit
				d.Remaining = 0
				d.ResetAt = o.Window.End
				d.RetryAfter = o.Window.Remaining(now)
			}
			d.Allowed = false
			d.Reason = ReasonLimitExceeded
			bound = true
			continue
		}

		if d.Allowed && (!bound || remaining < d.Remaining) {
			d.Binding = o.Window.Kind
			d.Limit = limit
			d.Remaining = remaining
			d.ResetAt = o.Window.End
			bound = true
		}
	}

	if limit, remaining, resetAt, ok := Quota(policy, obs, window.Day); ok {
		d.DayObserved = true
		d.DayLimit = limit
		d.DayRemaining = remaining
		d.DayResetAt = resetAt
	}

	if !bound && len(obs) > 0 {
		// All windows unlimited: report the shortest window for telemetry.
		o := obs[0]
		d.Binding = o.Window.Kind
		d.Limit = tier.Unlimited
		d.Remaining = tier.Unlimited
		d.ResetAt = o.Window.End
	}

	return d
}

// Quota extracts the decision metadata for one specific window kind from the
// observations, for the daily-quota response headers.
// This is a PURE function.
func Quota(policy tier.Policy, obs []Observation, kind window.Kind) (limit, remaining int64, resetAt time.Time, ok bool) {
	for _, o := range obs {
		if o.Window.Kind != kind {
			continue
		}
		limit = policy.Limit(o.Window.Kind)
		if limit == tier.Unlimited {
			return tier.Unlimited, tier.Unlimited, o.Window.End, true
		}
		remaining = limit - o.Count
		if remaining < 0 {
			remaining = 0
		}
		return limit, remaining, o.Window.End, true
	}
	return 0, 0, time.Time{}, false
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}
