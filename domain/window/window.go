// Package window maps wall-clock time to fixed counting windows.
// All functions are deterministic - same input always produces same output,
// so every service instance derives identical counter keys from its own clock.
package window

import (
	"fmt"
	"time"
)

// Kind identifies a window length.
type Kind string

const (
	Minute Kind = "minute"
	Hour   Kind = "hour"
	Day    Kind = "day"
)

// Kinds lists all window kinds in enforcement order (shortest first).
var Kinds = []Kind{Minute, Hour, Day}

// Duration returns the window length for a kind.
func (k Kind) Duration() time.Duration {
	switch k {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether k is a known window kind.
func (k Kind) Valid() bool {
	return k.Duration() > 0
}

// Window is a concrete time bucket (value type).
type Window struct {
	Kind  Kind
	Start time.Time
	End   time.Time
}

// At computes the window of the given kind containing t.
// Boundaries are aligned to UTC so all instances agree on day windows.
func At(t time.Time, kind Kind) Window {
	size := kind.Duration()
	start := t.UTC().Truncate(size)
	return Window{
		Kind:  kind,
		Start: start,
		End:   start.Add(size),
	}
}

// Remaining returns the time left in the window at instant t.
// Never negative.
func (w Window) Remaining(t time.Time) time.Duration {
	d := w.End.Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

// TTL returns the counter expiry for this window: remaining time plus a
// grace that covers clock skew between instances. A counter must never
// expire before its window ends on any instance's clock.
func (w Window) TTL(t time.Time, grace time.Duration) time.Duration {
	return w.Remaining(t) + grace
}

// Key derives the shared counter key for an identity in this window.
// The key embeds the window start, so a new window is a new key and the
// previous counter simply ages out.
func (w Window) Key(identity string) string {
	return fmt.Sprintf("rl:%s:%s:%d", identity, w.Kind, w.Start.Unix())
}
