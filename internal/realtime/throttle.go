package realtime

import (
	"sync"
	"time"
)

// Throttle enforces a minimum interval between continuous sends.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	clock    func() time.Time
}

func NewThrottle(interval time.Duration, clock func() time.Time) *Throttle {
	if clock == nil {
		clock = time.Now
	}
	return &Throttle{interval: interval, clock: clock}
}

// Allow reports whether a send may happen now and records it if so.
// Forced sends always pass and restart the interval.
func (t *Throttle) Allow(force bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	if !force && !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}
