// Package tier provides subscription tier value types and the policy table
// mapping tiers to rate limits and billing rates.
package tier

import (
	"errors"
	"fmt"

	"github.com/artpar/metergate/domain/window"
)

// Tier is a subscription level.
type Tier string

const (
	Free       Tier = "free"
	Basic      Tier = "basic"
	Pro        Tier = "pro"
	Enterprise Tier = "enterprise"
)

// Known lists all recognized tiers.
var Known = []Tier{Free, Basic, Pro, Enterprise}

// Valid reports whether t is a recognized tier.
func (t Tier) Valid() bool {
	switch t {
	case Free, Basic, Pro, Enterprise:
		return true
	}
	return false
}

// Unlimited marks a window limit as uncapped. The counter is still
// incremented for analytics but never compared.
const Unlimited int64 = -1

// Rates holds per-unit billing prices in currency units (not cents -
// metered unit prices are fractional).
type Rates struct {
	PerRequest     float64
	PerComputeUnit float64
	PerToken       float64
	PerByte        float64
	BaseFee        float64 // flat fee per billing period
}

// Policy holds the limits and rates for one tier (value type).
type Policy struct {
	Tier           Tier
	LimitPerMinute int64
	LimitPerHour   int64
	LimitPerDay    int64
	Rates          Rates
}

// Limit returns the policy's limit for a window kind.
func (p Policy) Limit(kind window.Kind) int64 {
	switch kind {
	case window.Minute:
		return p.LimitPerMinute
	case window.Hour:
		return p.LimitPerHour
	case window.Day:
		return p.LimitPerDay
	default:
		return 0
	}
}

// ErrPolicyNotFound is returned when a tier has no configured policy.
var ErrPolicyNotFound = errors.New("tier policy not found")

// PolicySet is an immutable snapshot of the full policy table.
// Hot reload replaces the whole set atomically; callers never observe a
// partially updated table.
type PolicySet struct {
	policies map[Tier]Policy
}

// NewPolicySet builds a validated policy set.
func NewPolicySet(policies []Policy) (*PolicySet, error) {
	if len(policies) == 0 {
		return nil, errors.New("policy set is empty")
	}

	m := make(map[Tier]Policy, len(policies))
	for _, p := range policies {
		if !p.Tier.Valid() {
			return nil, fmt.Errorf("unknown tier %q", p.Tier)
		}
		if _, dup := m[p.Tier]; dup {
			return nil, fmt.Errorf("duplicate policy for tier %q", p.Tier)
		}
		for _, kind := range window.Kinds {
			if l := p.Limit(kind); l == 0 || l < Unlimited {
				return nil, fmt.Errorf("tier %q: %s limit must be positive or -1 (unlimited), got %d", p.Tier, kind, l)
			}
		}
		m[p.Tier] = p
	}
	return &PolicySet{policies: m}, nil
}

// Get returns the policy for a tier, or ErrPolicyNotFound.
func (s *PolicySet) Get(t Tier) (Policy, error) {
	p, ok := s.policies[t]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrPolicyNotFound, t)
	}
	return p, nil
}

// Resolve returns the policy for a tier, falling back to the most
// restrictive configured policy for unknown tiers. Unknown tiers fail safe,
// never open.
func (s *PolicySet) Resolve(t Tier) Policy {
	if p, ok := s.policies[t]; ok {
		return p
	}
	return s.MostRestrictive()
}

// MostRestrictive returns the configured policy with the lowest per-minute
// limit (unlimited counts as highest).
func (s *PolicySet) MostRestrictive() Policy {
	var strictest Policy
	first := true
	for _, p := range s.policies {
		if first || lessRestrictive(strictest.LimitPerMinute, p.LimitPerMinute) {
			strictest = p
			first = false
		}
	}
	return strictest
}

// Tiers returns the tiers present in the set.
func (s *PolicySet) Tiers() []Tier {
	out := make([]Tier, 0, len(s.policies))
	for t := range s.policies {
		out = append(out, t)
	}
	return out
}

// lessRestrictive reports whether limit a admits more than limit b.
func lessRestrictive(a, b int64) bool {
	if a == Unlimited {
		return b != Unlimited
	}
	if b == Unlimited {
		return false
	}
	return a > b
}
