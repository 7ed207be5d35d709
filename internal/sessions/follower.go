package sessions

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval is how often a follower re-reads the session while waiting for a partner.
const DefaultPollInterval = 1500 * time.Millisecond

// PullFunc reads the authoritative session row.
type PullFunc func(ctx context.Context) (Session, error)

// Follower keeps a participant's local copy of the session. Push events and
// periodic pulls both go through Apply, which drops snapshots that change nothing visible.
type Follower struct {
	mu       sync.Mutex
	current  *Session
	onChange func(Session)
	logger   *zap.Logger
}

func NewFollower(initial *Session, onChange func(Session), logger *zap.Logger) *Follower {
	if logger == nil {
		logger = noOpLogger
	}
	follower := &Follower{onChange: onChange, logger: logger}
	if initial != nil {
		snapshot := *initial
		follower.current = &snapshot
	}
	return follower
}

// Apply installs next when it differs from the current snapshot and reports whether it did.
func (f *Follower) Apply(next Session) bool {
	f.mu.Lock()
	if f.current != nil && f.current.SameObservableState(next) {
		f.mu.Unlock()
		return false
	}
	snapshot := next
	f.current = &snapshot
	onChange := f.onChange
	f.mu.Unlock()

	if onChange != nil {
		onChange(snapshot)
	}
	return true
}

// Current returns the latest applied snapshot.
func (f *Follower) Current() (Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return Session{}, false
	}
	return *f.current, true
}

// NeedsPolling reports whether the pull source should still run: until the
// partner has joined, push events alone are not trusted.
func (f *Follower) NeedsPolling() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return true
	}
	return f.current.CurrentPhase == PhaseWaiting || !f.current.HasPartner()
}

// Run merges the push stream and the pull source until ctx ends. Nothing is
// applied once ctx is done, including results of in-flight pulls.
func (f *Follower) Run(ctx context.Context, push <-chan Session, pull PullFunc, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snapshot, ok := <-push:
			if !ok {
				push = nil
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.Apply(snapshot)
		case <-ticker.C:
			if pull == nil || !f.NeedsPolling() {
				continue
			}
			snapshot, err := pull(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				f.logger.Debug("session poll failed", zap.Error(err))
				continue
			}
			f.Apply(snapshot)
		}
	}
}
