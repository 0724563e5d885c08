package admission

import (
	"sync"
	"time"

	"talon/internal/logger"
)

// DrawdownTracker counts consecutive realized losses across all strategies
// and suppresses new admissions for a cooloff window once the streak limit
// is hit. A single win resets the streak.
type DrawdownTracker struct {
	mu      sync.Mutex
	limit   int
	cooloff time.Duration
	streak  int
	until   time.Time
}

func NewDrawdownTracker(limit int, cooloff time.Duration) *DrawdownTracker {
	return &DrawdownTracker{limit: limit, cooloff: cooloff}
}

func (d *DrawdownTracker) RecordWin() {
	d.mu.Lock()
	d.streak = 0
	d.mu.Unlock()
}

func (d *DrawdownTracker) RecordLoss(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streak++
	if d.limit > 0 && d.streak >= d.limit {
		d.until = now.Add(d.cooloff)
		logger.Warnf("drawdown tracker: %d consecutive losses, suppressing entries until %s",
			d.streak, d.until.Format(time.RFC3339))
	}
}

// Suppressed reports whether entries are blocked at the given instant and,
// if so, when the cooloff lapses.
func (d *DrawdownTracker) Suppressed(now time.Time) (bool, time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.until.IsZero() || now.After(d.until) {
		return false, time.Time{}
	}
	return true, d.until
}
