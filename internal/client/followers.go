package client

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/progress"
	"github.com/MarcoPoloResearchLab/datenight/internal/realtime"
	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
	"github.com/MarcoPoloResearchLab/datenight/internal/syncdoc"
	"go.uber.org/zap"
)

const pushBuffer = 16

// SessionFollower keeps the session snapshot current from socket pushes and,
// while the partner has not arrived yet, from polling.
type SessionFollower struct {
	participant *Participant
	follower    *sessions.Follower
	push        chan sessions.Session
	interval    time.Duration
	logger      *zap.Logger
}

// FollowSession starts from the seat's session. A zero interval uses sessions.DefaultPollInterval.
func (p *Participant) FollowSession(onChange func(sessions.Session), interval time.Duration) *SessionFollower {
	initial := p.seat.Session
	logger := p.client.logger.With(zap.String("session_id", p.SessionID()))
	return &SessionFollower{
		participant: p,
		follower:    sessions.NewFollower(&initial, onChange, logger),
		push:        make(chan sessions.Session, pushBuffer),
		interval:    interval,
		logger:      logger,
	}
}

// HandleChange feeds a socket change into the follower. Other tables are ignored.
// When the buffer is full the oldest pending snapshot is discarded.
func (f *SessionFollower) HandleChange(change realtime.Change) {
	if change.Table != realtime.TableSessions {
		return
	}
	var session sessions.Session
	if err := json.Unmarshal(change.New, &session); err != nil {
		f.logger.Debug("discarding undecodable session change", zap.Error(err))
		return
	}
	if session.ID != f.participant.SessionID() {
		return
	}
	for {
		select {
		case f.push <- session:
			return
		default:
		}
		select {
		case <-f.push:
		default:
		}
	}
}

// Run applies pushes and polls until ctx ends.
func (f *SessionFollower) Run(ctx context.Context) error {
	return f.follower.Run(ctx, f.push, f.participant.Session, f.interval)
}

func (f *SessionFollower) Current() sessions.Session {
	session, _ := f.follower.Current()
	return session
}

// ProgressFollower tracks the completed rooms. Replayed or duplicate
// completion rows leave it unchanged.
type ProgressFollower struct {
	participant *Participant
	mu          sync.Mutex
	set         *progress.CompletionSet
	onChange    func([]sessions.Phase)
}

func (p *Participant) FollowProgress(onChange func([]sessions.Phase)) *ProgressFollower {
	return &ProgressFollower{participant: p, set: progress.NewCompletionSet(), onChange: onChange}
}

// Load folds the backend's current completions in.
func (f *ProgressFollower) Load(ctx context.Context) error {
	summary, err := f.participant.Progress(ctx)
	if err != nil {
		return err
	}
	f.apply(func(set *progress.CompletionSet) bool {
		grew := false
		for _, room := range summary.Completed {
			grew = set.Add(room) || grew
		}
		return grew
	})
	return nil
}

func (f *ProgressFollower) HandleChange(change realtime.Change) {
	if change.Table != realtime.TableRoomProgress {
		return
	}
	var entry progress.Entry
	if err := json.Unmarshal(change.New, &entry); err != nil {
		return
	}
	f.apply(func(set *progress.CompletionSet) bool { return set.ApplyRemote(entry) })
}

func (f *ProgressFollower) apply(update func(*progress.CompletionSet) bool) {
	f.mu.Lock()
	grew := update(f.set)
	rooms := f.set.Rooms()
	f.mu.Unlock()
	if grew && f.onChange != nil {
		f.onChange(rooms)
	}
}

func (f *ProgressFollower) Completed() []sessions.Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set.Rooms()
}

// NextRoom returns the room the hallway leads to, or false once everything is complete.
func (f *ProgressFollower) NextRoom() (sessions.Phase, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set.NextUnlocked()
}

// DocumentFollower keeps a local replica of one synchronized document.
// Local edits are written through the backend. Load takes the stored row
// whole; pushed rows only contribute the partner's fields and shared fields.
type DocumentFollower[T any] struct {
	participant *Participant
	name        string
	replica     *syncdoc.Replica[T]
	completed   syncdoc.Once
	loaded      atomic.Bool
}

func FollowDocument[T any](p *Participant, name string, kind syncdoc.Kind[T], onChange func(T)) *DocumentFollower[T] {
	return &DocumentFollower[T]{
		participant: p,
		name:        name,
		replica:     syncdoc.NewReplica(kind, p.Role(), onChange),
	}
}

func (d *DocumentFollower[T]) Doc() T {
	return d.replica.Doc()
}

// Load replaces the replica with the stored document, both roles included.
func (d *DocumentFollower[T]) Load(ctx context.Context) (T, error) {
	document, err := d.participant.ReadDocument(ctx, d.name)
	if err != nil {
		var zero T
		return zero, err
	}
	doc, err := d.replica.ResetRaw(document.Data)
	if err != nil {
		return doc, err
	}
	d.loaded.Store(true)
	if document.Completed {
		d.completed.Fire()
	}
	return doc, nil
}

// Edit applies edit locally, writes the result and folds the merged answer back in.
// A follower that never loaded reads the stored document first so the edit
// starts from the participant's own stored fields.
func (d *DocumentFollower[T]) Edit(ctx context.Context, edit func(doc T) T) (T, error) {
	if !d.loaded.Load() {
		if _, err := d.Load(ctx); err != nil {
			var zero T
			return zero, err
		}
	}
	local := d.replica.Local(edit)
	document, err := d.participant.WriteDocument(ctx, d.name, local)
	if err != nil {
		return local, err
	}
	if document.Completed {
		d.completed.Fire()
	}
	return d.replica.ApplyRemoteRaw(document.Data)
}

// HandleChange folds a room_progress row for this document.
func (d *DocumentFollower[T]) HandleChange(change realtime.Change) {
	if change.Table != realtime.TableRoomProgress {
		return
	}
	var entry progress.Entry
	if err := json.Unmarshal(change.New, &entry); err != nil || entry.RoomName != d.name || len(entry.Data) == 0 {
		return
	}
	if _, err := d.replica.ApplyRemoteRaw(json.RawMessage(entry.Data)); err != nil {
		return
	}
	if entry.Completed {
		d.completed.Fire()
	}
}

// Completed reports whether the backend has marked the document complete.
func (d *DocumentFollower[T]) Completed() bool {
	return d.completed.Fired()
}
