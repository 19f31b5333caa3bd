package terminal

import (
	"time"
)

const defaultFailureThreshold = 3

// Freshness accompanies every read accessor so callers can tell fresh data
// from stale-but-displayed data.
type Freshness struct {
	UpdatedAt           time.Time `json:"updated_at"`
	Stale               bool      `json:"stale"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Loaded reports whether at least one refresh has succeeded.
func (f Freshness) Loaded() bool {
	return !f.UpdatedAt.IsZero()
}

// freshnessTracker is not safe for concurrent use; its owner's lock guards it.
type freshnessTracker struct {
	threshold int
	state     Freshness
}

func newFreshnessTracker(threshold int) freshnessTracker {
	if threshold < 1 {
		threshold = defaultFailureThreshold
	}
	return freshnessTracker{threshold: threshold}
}

func (t *freshnessTracker) succeeded(at time.Time) {
	t.state = Freshness{UpdatedAt: at}
}

// failed records a failed refresh and reports whether the store just turned
// stale.
func (t *freshnessTracker) failed(err error) bool {
	wasStale := t.state.Stale
	t.state.ConsecutiveFailures++
	if err != nil {
		t.state.LastError = err.Error()
	}
	t.state.Stale = t.state.ConsecutiveFailures >= t.threshold
	return t.state.Stale && !wasStale
}

func (t *freshnessTracker) reset() {
	t.state = Freshness{}
}

func (t *freshnessTracker) snapshot() Freshness {
	return t.state
}
