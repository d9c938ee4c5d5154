// Package app provides application services that orchestrate domain logic.
package app

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/metergate/adapters/metrics"
	"github.com/artpar/metergate/domain/ratelimit"
	"github.com/artpar/metergate/domain/tier"
	"github.com/artpar/metergate/domain/window"
	"github.com/artpar/metergate/ports"
)

// FailurePolicy selects the limiter's behavior when the counter store is
// unreachable.
type FailurePolicy string

const (
	// FailOpen admits requests on store failure, enforcing limits against
	// a per-instance fallback store so the worst case stays bounded.
	FailOpen FailurePolicy = "open"
	// FailClosed rejects requests on store failure with a
	// store-unavailable reason, distinct from a normal rate limit.
	FailClosed FailurePolicy = "closed"
)

// LimiterConfig is the hot-reloadable part of the limiter. Swapped
// atomically as a whole; checks in flight keep the snapshot they started
// with.
type LimiterConfig struct {
	Policies      *tier.PolicySet
	Windows       []window.Kind
	Grace         time.Duration // counter ttl slack covering clock skew
	StoreTimeout  time.Duration // bound on the whole multi-window check
	FailurePolicy FailurePolicy
}

// LimiterDeps contains dependencies for Limiter.
type LimiterDeps struct {
	Counters ports.CounterStore
	Fallback ports.CounterStore // local store for fail-open degraded mode
	Clock    ports.Clock
	Metrics  *metrics.Collector
	Logger   zerolog.Logger
}

// Limiter decides ALLOW/REJECT for each request. It increments every
// configured window up front and gates on any violation: a request rejected
// by one window still counts against the others. Over-counting during races
// is the deliberate conservative choice.
type Limiter struct {
	counters ports.CounterStore
	fallback ports.CounterStore
	clock    ports.Clock
	metrics  *metrics.Collector
	logger   zerolog.Logger

	cfg atomic.Pointer[LimiterConfig]
}

// NewLimiter creates an admission limiter.
func NewLimiter(deps LimiterDeps, cfg LimiterConfig) *Limiter {
	l := &Limiter{
		counters: deps.Counters,
		fallback: deps.Fallback,
		clock:    deps.Clock,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}
	l.UpdateConfig(cfg)
	return l
}

// UpdateConfig atomically swaps in a new limiter configuration.
func (l *Limiter) UpdateConfig(cfg LimiterConfig) {
	if len(cfg.Windows) == 0 {
		cfg.Windows = window.Kinds
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 50 * time.Millisecond
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = FailOpen
	}
	l.cfg.Store(&cfg)
}

// Check gates one request for identity at the given tier. The returned
// decision always carries enough for the caller to build a 429: the binding
// window's limit, remaining and retry_after. Store failures never surface
// as errors; they resolve through the failure policy.
func (l *Limiter) Check(ctx context.Context, identity string, t tier.Tier) ratelimit.Decision {
	cfg := l.cfg.Load()
	policy := cfg.Policies.Resolve(t)
	now := l.clock.Now()

	ctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()

	obs, err := l.observe(ctx, l.counters, identity, cfg, now, true)
	if err != nil {
		return l.degraded(identity, policy, cfg, now, err)
	}

	d := ratelimit.Evaluate(policy, obs, now)
	l.count(d, policy.Tier)
	return d
}

// observe increments every configured window and returns the counts seen.
func (l *Limiter) observe(ctx context.Context, store ports.CounterStore, identity string, cfg *LimiterConfig, now time.Time, timed bool) ([]ratelimit.Observation, error) {
	obs := make([]ratelimit.Observation, 0, len(cfg.Windows))
	for _, kind := range cfg.Windows {
		w := window.At(now, kind)
		start := time.Now()
		count, err := store.IncrementAndGet(ctx, w.Key(identity), w.TTL(now, cfg.Grace))
		if timed && l.metrics != nil {
			l.metrics.CounterStoreOps.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			return nil, err
		}
		obs = append(obs, ratelimit.Observation{Window: w, Count: count})
	}
	return obs, nil
}

// degraded resolves a check the shared store could not serve.
func (l *Limiter) degraded(identity string, policy tier.Policy, cfg *LimiterConfig, now time.Time, cause error) ratelimit.Decision {
	if l.metrics != nil {
		l.metrics.CounterStoreErrs.Inc()
		l.metrics.DegradedChecks.Inc()
	}
	l.logger.Warn().
		Err(cause).
		Str("identity", identity).
		Str("policy", string(cfg.FailurePolicy)).
		Msg("counter store unavailable, applying failure policy")

	if cfg.FailurePolicy == FailClosed {
		w := window.At(now, cfg.Windows[0])
		d := ratelimit.Decision{
			Allowed:    false,
			Reason:     ratelimit.ReasonStoreUnavailable,
			Binding:    w.Kind,
			Limit:      policy.Limit(w.Kind),
			ResetAt:    w.End,
			RetryAfter: w.Remaining(now),
			Degraded:   true,
		}
		l.count(d, policy.Tier)
		return d
	}

	// Fail-open: enforce against the local fallback so one instance still
	// bounds the worst case while the shared store is down.
	obs, err := l.observe(context.Background(), l.fallback, identity, cfg, now, false)
	if err != nil {
		// Fallback is in-memory; this only happens on context errors.
		l.logger.Error().Err(err).Msg("fallback counter store failed")
		w := window.At(now, cfg.Windows[0])
		d := ratelimit.Decision{
			Allowed:   true,
			Binding:   w.Kind,
			Limit:     policy.Limit(w.Kind),
			Remaining: policy.Limit(w.Kind),
			ResetAt:   w.End,
			Degraded:  true,
		}
		l.count(d, policy.Tier)
		return d
	}

	d := ratelimit.Evaluate(policy, obs, now)
	d.Degraded = true
	l.count(d, policy.Tier)
	return d
}

func (l *Limiter) count(d ratelimit.Decision, t tier.Tier) {
	if l.metrics == nil {
		return
	}
	outcome := "allow"
	if !d.Allowed {
		outcome = "reject"
		if d.Reason == ratelimit.ReasonStoreUnavailable {
			outcome = "reject_unavailable"
		}
	}
	l.metrics.Decisions.WithLabelValues(outcome, string(t), string(d.Binding)).Inc()
}

// Ping reports whether the shared counter store is reachable.
func (l *Limiter) Ping(ctx context.Context) error {
	return l.counters.Ping(ctx)
}
