// Package quota implements rolling per-action caps whose window is anchored to
// the moment the cap was reached, not to the first use.
package quota

import (
	"time"

	"github.com/celerix-dev/celerix-rewards/pkg/schema"
)

// Action kinds with a quota.
const (
	KindAd   = "ad"
	KindSpin = "spin"
)

// Policy is the cap and cooldown period for one action kind.
type Policy struct {
	Cap    int
	Period time.Duration
}

// CheckAndMaybeReset applies any due reset to w and reports the usage count and
// remaining allowance. The window resets only once strictly more than Period
// has elapsed since the cap was reached. A stale CapReachedAt on a window that
// is below the cap is cleared without touching Count.
func (p Policy) CheckAndMaybeReset(w *schema.QuotaWindow, now time.Time) (count, remaining int) {
	if w.CapReachedAt != nil {
		switch {
		case now.Sub(*w.CapReachedAt) > p.Period:
			w.Count = 0
			w.CapReachedAt = nil
		case w.Count < p.Cap:
			w.CapReachedAt = nil
		}
	}
	remaining = p.Cap - w.Count
	if remaining < 0 {
		remaining = 0
	}
	return w.Count, remaining
}

// RecordUse counts one use and stamps CapReachedAt when the cap is hit.
// Callers must have checked the allowance first.
func (p Policy) RecordUse(w *schema.QuotaWindow, now time.Time) int {
	w.Count++
	if w.Count >= p.Cap && w.CapReachedAt == nil {
		at := now
		w.CapReachedAt = &at
	}
	return w.Count
}

// ResetsAt reports when a capped window becomes usable again.
func (p Policy) ResetsAt(w schema.QuotaWindow) (time.Time, bool) {
	if w.CapReachedAt == nil {
		return time.Time{}, false
	}
	return w.CapReachedAt.Add(p.Period), true
}
