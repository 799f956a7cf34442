package events

import (
	"sync"
	"time"
)

// ProgressHideDelay is how long a completed progress indicator stays visible.
const ProgressHideDelay = 3 * time.Second

// ProgressIndicator folds sync-progress events into the state a determinate progress
// bar renders.
type ProgressIndicator struct {
	mu          sync.Mutex
	latest      Progress
	seen        bool
	completedAt time.Time
}

// Observe is an Observer; subscribe it to a Bus.
func (indicator *ProgressIndicator) Observe(event Event) {
	if event.Type != TypeSyncProgress || event.Progress == nil {
		return
	}
	indicator.mu.Lock()
	defer indicator.mu.Unlock()
	indicator.latest = *event.Progress
	indicator.seen = true
	if event.Progress.IsComplete {
		indicator.completedAt = event.At
	} else {
		indicator.completedAt = time.Time{}
	}
}

// Snapshot returns the latest progress and whether the indicator is visible at now.
func (indicator *ProgressIndicator) Snapshot(now time.Time) (Progress, bool) {
	indicator.mu.Lock()
	defer indicator.mu.Unlock()
	if !indicator.seen {
		return Progress{}, false
	}
	if !indicator.completedAt.IsZero() && !now.Before(indicator.completedAt.Add(ProgressHideDelay)) {
		return indicator.latest, false
	}
	return indicator.latest, true
}
