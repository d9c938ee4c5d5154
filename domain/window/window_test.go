package window_test

import (
	"testing"
	"time"

	"github.com/artpar/metergate/domain/window"
)

var baseTime = time.Date(2024, 3, 10, 14, 37, 42, 0, time.UTC)

func TestAt_MinuteBoundaries(t *testing.T) {
	w := window.At(baseTime, window.Minute)

	wantStart := time.Date(2024, 3, 10, 14, 37, 0, 0, time.UTC)
	if !w.Start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", w.Start, wantStart)
	}
	if !w.End.Equal(wantStart.Add(time.Minute)) {
		t.Errorf("end = %v, want %v", w.End, wantStart.Add(time.Minute))
	}
}

func TestAt_DayAlignedToUTC(t *testing.T) {
	// Same instant in a non-UTC zone must yield the same window.
	loc := time.FixedZone("plus5", 5*3600)
	w1 := window.At(baseTime, window.Day)
	w2 := window.At(baseTime.In(loc), window.Day)

	if !w1.Start.Equal(w2.Start) {
		t.Errorf("day window start differs by zone: %v vs %v", w1.Start, w2.Start)
	}
	if w1.Start.Hour() != 0 {
		t.Errorf("day window not midnight-aligned: %v", w1.Start)
	}
}

func TestAt_Deterministic(t *testing.T) {
	for _, kind := range window.Kinds {
		a := window.At(baseTime, kind)
		b := window.At(baseTime, kind)
		if a != b {
			t.Errorf("At(%s) not deterministic: %v vs %v", kind, a, b)
		}
	}
}

func TestRemaining(t *testing.T) {
	w := window.At(baseTime, window.Minute)

	if got := w.Remaining(baseTime); got != 18*time.Second {
		t.Errorf("remaining = %v, want 18s", got)
	}
	if got := w.Remaining(w.End.Add(time.Second)); got != 0 {
		t.Errorf("remaining past end = %v, want 0", got)
	}
}

func TestTTL_IncludesGrace(t *testing.T) {
	w := window.At(baseTime, window.Minute)
	grace := 5 * time.Second

	if got := w.TTL(baseTime, grace); got != 23*time.Second {
		t.Errorf("ttl = %v, want 23s", got)
	}
}

func TestKey_ChangesAcrossWindows(t *testing.T) {
	w1 := window.At(baseTime, window.Minute)
	w2 := window.At(baseTime.Add(time.Minute), window.Minute)

	k1 := w1.Key("user-1")
	k2 := w2.Key("user-1")
	if k1 == k2 {
		t.Errorf("keys for consecutive windows must differ, both %q", k1)
	}

	if k1 == w1.Key("user-2") {
		t.Error("keys for different identities must differ")
	}
	if k1 == window.At(baseTime, window.Hour).Key("user-1") {
		t.Error("keys for different kinds must differ")
	}
}

func TestKindDuration(t *testing.T) {
	cases := map[window.Kind]time.Duration{
		window.Minute: time.Minute,
		window.Hour:   time.Hour,
		window.Day:    24 * time.Hour,
	}
	for kind, want := range cases {
		if got := kind.Duration(); got != want {
			t.Errorf("%s duration = %v, want %v", kind, got, want)
		}
	}
	if window.Kind("week").Valid() {
		t.Error("unknown kind reported valid")
	}
}
