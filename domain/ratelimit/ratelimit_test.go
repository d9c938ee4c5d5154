package ratelimit_test

import (
	"testing"
	"time"

	"github.com/artpar/metergate/domain/ratelimit"
	"github.com/artpar/metergate/domain/tier"
	"github.com/artpar/metergate/domain/window"
)

var (
	baseTime = time.Date(2024, 3, 10, 14, 37, 30, 0, time.UTC)
	policy   = tier.Policy{
		Tier:           tier.Basic,
		LimitPerMinute: 100,
		LimitPerHour:   2000,
		LimitPerDay:    10000,
	}
)

func observe(counts map[window.Kind]int64) []ratelimit.Observation {
	var obs []ratelimit.Observation
	for _, kind := range window.Kinds {
		if c, ok := counts[kind]; ok {
			obs = append(obs, ratelimit.Observation{
				Window: window.At(baseTime, kind),
				Count:  c,
			})
		}
	}
	return obs
}

func TestEvaluate_AllowsUnderAllLimits(t *testing.T) {
	d := ratelimit.Evaluate(policy, observe(map[window.Kind]int64{
		window.Minute: 5, window.Hour: 50, window.Day: 500,
	}), baseTime)

	if !d.Allowed {
		t.Fatal("expected allow")
	}
	if d.Binding != window.Minute {
		t.Errorf("binding = %s, want minute", d.Binding)
	}
	if d.Remaining != 95 {
		t.Errorf("remaining = %d, want 95", d.Remaining)
	}
	if d.RetryAfter != 0 {
		t.Errorf("retry_after = %v, want 0", d.RetryAfter)
	}
}

func TestEvaluate_ExactLimitAllowed(t *testing.T) {
	d := ratelimit.Evaluate(policy, observe(map[window.Kind]int64{
		window.Minute: 100, window.Hour: 100, window.Day: 100,
	}), baseTime)

	if !d.Allowed {
		t.Fatal("the limit-th request must be allowed")
	}
	if d.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", d.Remaining)
	}
}

func TestEvaluate_RejectsOverMinuteLimit(t *testing.T) {
	d := ratelimit.Evaluate(policy, observe(map[window.Kind]int64{
		window.Minute: 101, window.Hour: 101, window.Day: 101,
	}), baseTime)

	if d.Allowed {
		t.Fatal("expected reject")
	}
	if d.Reason != ratelimit.ReasonLimitExceeded {
		t.Errorf("reason = %q, want %q", d.Reason, ratelimit.ReasonLimitExceeded)
	}
	if d.Binding != window.Minute {
		t.Errorf("binding = %s, want minute", d.Binding)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Errorf("retry_after = %v, want within (0, 60s]", d.RetryAfter)
	}
}

func TestEvaluate_AnyViolationRejects(t *testing.T) {
	// Under the minute limit but over the hourly limit.
	d := ratelimit.Evaluate(policy, observe(map[window.Kind]int64{
		window.Minute: 3, window.Hour: 2001, window.Day: 5000,
	}), baseTime)

	if d.Allowed {
		t.Fatal("expected reject on hourly window")
	}
	if d.Binding != window.Hour {
		t.Errorf("binding = %s, want hour", d.Binding)
	}
	if d.RetryAfter <= time.Minute {
		t.Errorf("retry_after = %v, want hourly-scale wait", d.RetryAfter)
	}
}

func TestEvaluate_LongestViolatedWindowBinds(t *testing.T) {
	d := ratelimit.Evaluate(policy, observe(map[window.Kind]int64{
		window.Minute: 101, window.Hour: 2001, window.Day: 10001,
	}), baseTime)

	if d.Allowed {
		t.Fatal("expected reject")
	}
	if d.Binding != window.Day {
		t.Errorf("binding = %s, want day", d.Binding)
	}
}

func TestEvaluate_MostRestrictiveWindowBindsWhenAllowed(t *testing.T) {
	// 10 remaining in the day window, 97 in the minute window.
	d := ratelimit.Evaluate(policy, observe(map[window.Kind]int64{
		window.Minute: 3, window.Hour: 500, window.Day: 9990,
	}), baseTime)

	if !d.Allowed {
		t.Fatal("expected allow")
	}
	if d.Binding != window.Day {
		t.Errorf("binding = %s, want day", d.Binding)
	}
	if d.Remaining != 10 {
		t.Errorf("remaining = %d, want 10", d.Remaining)
	}
}

func TestEvaluate_UnlimitedWindowNeverCompared(t *testing.T) {
	p := policy
	p.LimitPerDay = tier.Unlimited

	d := ratelimit.Evaluate(p, observe(map[window.Kind]int64{
		window.Minute: 1, window.Hour: 1, window.Day: 999999999,
	}), baseTime)

	if !d.Allowed {
		t.Fatal("unlimited day window must not reject")
	}
	if d.Binding == window.Day {
		t.Error("unlimited window must not bind")
	}
}

func TestEvaluate_AllUnlimited(t *testing.T) {
	p := tier.Policy{
		Tier:           tier.Enterprise,
		LimitPerMinute: tier.Unlimited,
		LimitPerHour:   tier.Unlimited,
		LimitPerDay:    tier.Unlimited,
	}

	d := ratelimit.Evaluate(p, observe(map[window.Kind]int64{
		window.Minute: 12345, window.Hour: 12345, window.Day: 12345,
	}), baseTime)

	if !d.Allowed {
		t.Fatal("expected allow")
	}
	if d.Limit != tier.Unlimited || d.Remaining != tier.Unlimited {
		t.Errorf("limit/remaining = %d/%d, want unlimited", d.Limit, d.Remaining)
	}
}

func TestEvaluate_CarriesDailyQuota(t *testing.T) {
	d := ratelimit.Evaluate(policy, observe(map[window.Kind]int64{
		window.Minute: 5, window.Hour: 50, window.Day: 400,
	}), baseTime)

	if !d.DayObserved {
		t.Fatal("day quota not populated")
	}
	if d.DayLimit != 10000 || d.DayRemaining != 9600 {
		t.Errorf("day limit/remaining = %d/%d, want 10000/9600", d.DayLimit, d.DayRemaining)
	}
}

func TestQuota_DailyMetadata(t *testing.T) {
	obs := observe(map[window.Kind]int64{
		window.Minute: 5, window.Hour: 50, window.Day: 400,
	})

	limit, remaining, resetAt, ok := ratelimit.Quota(policy, obs, window.Day)
	if !ok {
		t.Fatal("day window not found")
	}
	if limit != 10000 || remaining != 9600 {
		t.Errorf("limit/remaining = %d/%d, want 10000/9600", limit, remaining)
	}
	if !resetAt.Equal(window.At(baseTime, window.Day).End) {
		t.Errorf("resetAt = %v", resetAt)
	}
}

func TestResetSeconds_RoundsUp(t *testing.T) {
	d := ratelimit.Decision{ResetAt: baseTime.Add(1500 * time.Millisecond)}
	if got := d.ResetSeconds(baseTime); got != 2 {
		t.Errorf("reset seconds = %d, want 2", got)
	}

	d = ratelimit.Decision{RetryAfter: 30 * time.Second}
	if got := d.RetryAfterSeconds(); got != 30 {
		t.Errorf("retry seconds = %d, want 30", got)
	}
}
