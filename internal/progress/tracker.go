package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/realtime"
	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingSessions = errors.New("sessions service is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opTrackerNew    = "progress.tracker.new"
	opLoadCompleted = "progress.load_completed"
	opCompleteRoom  = "progress.complete_room"
	opSelectRoom    = "progress.select_room"
	opReconcile     = "progress.reconcile"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type TrackerConfig struct {
	Database  *gorm.DB
	Sessions  *sessions.Service
	Publisher realtime.Publisher
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Tracker records room completions and moves the session through the sequence.
type Tracker struct {
	db        *gorm.DB
	sessions  *sessions.Service
	publisher realtime.Publisher
	clock     func() time.Time
	logger    *zap.Logger
}

func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opTrackerNew, "missing_database", errMissingDatabase)
	}
	if cfg.Sessions == nil {
		return nil, newServiceError(opTrackerNew, "missing_sessions", errMissingSessions)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Tracker{
		db:        cfg.Database,
		sessions:  cfg.Sessions,
		publisher: cfg.Publisher,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Summary describes a session's journey through the sequence.
type Summary struct {
	Completed   []sessions.Phase `json:"completed_rooms"`
	Next        sessions.Phase   `json:"next_room,omitempty"`
	AllComplete bool             `json:"all_complete"`
}

// CompletionResult reports the outcome of CompleteRoom.
type CompletionResult struct {
	Session   sessions.Session
	Entry     Entry
	Duplicate bool
	Summary   Summary
}

// LoadCompleted returns the completed rooms of the session in sequence order.
func (t *Tracker) LoadCompleted(ctx context.Context, sessionID string) (*CompletionSet, error) {
	set, err := loadCompleted(t.db.WithContext(ctx), sessionID)
	if err != nil {
		t.logError(opLoadCompleted, "query_failed", err, zap.String("session_id", sessionID))
		return nil, newServiceError(opLoadCompleted, "query_failed", err)
	}
	return set, nil
}

// Progress summarizes the completed rooms and the next unlocked room.
func (t *Tracker) Progress(ctx context.Context, sessionID string) (Summary, error) {
	if _, err := t.sessions.GetSession(ctx, sessionID); err != nil {
		return Summary{}, err
	}
	set, err := t.LoadCompleted(ctx, sessionID)
	if err != nil {
		return Summary{}, err
	}
	return summarize(set), nil
}

// CompleteRoom marks room done for the session and advances the session.
// Completing a room twice leaves the love meter and phase untouched.
func (t *Tracker) CompleteRoom(ctx context.Context, sessionID string, room sessions.Phase) (CompletionResult, error) {
	if indexOf(room) < 0 {
		return CompletionResult{}, newServiceError(opCompleteRoom, "unknown_room", fmt.Errorf("%w: %q", ErrUnknownRoom, room))
	}

	var result CompletionResult
	var eventType realtime.EventType
	txErr := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := t.clock().UTC()

		// Completions of one session serialize on its row, so the last two
		// rooms finishing together still see each other.
		var locked sessions.Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", sessionID).Take(&locked).Error; err != nil {
			return t.sessionLookupError(opCompleteRoom, sessionID, err)
		}

		var existing Entry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ? AND room_name = ?", sessionID, room.String()).
			Take(&existing).Error
		found := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			t.logError(opCompleteRoom, "entry_select_failed", err, zap.String("session_id", sessionID), zap.String("room", room.String()))
			return newServiceError(opCompleteRoom, "entry_select_failed", err)
		}

		if found && existing.Completed {
			set, err := loadCompleted(tx, sessionID)
			if err != nil {
				return newServiceError(opCompleteRoom, "query_failed", err)
			}
			result = CompletionResult{Session: locked, Entry: existing, Duplicate: true, Summary: summarize(set)}
			return nil
		}

		entry := existing
		if !found {
			entry = Entry{SessionID: sessionID, RoomName: room.String(), Data: datatypes.JSON("{}")}
			eventType = realtime.EventInsert
		} else {
			eventType = realtime.EventUpdate
		}
		entry.Completed = true
		entry.CompletedAt = &now
		entry.UpdatedAt = now
		if err := upsertCompletion(tx, entry); err != nil {
			t.logError(opCompleteRoom, "entry_upsert_failed", err, zap.String("session_id", sessionID), zap.String("room", room.String()))
			return newServiceError(opCompleteRoom, "entry_upsert_failed", err)
		}

		set, err := loadCompleted(tx, sessionID)
		if err != nil {
			return newServiceError(opCompleteRoom, "query_failed", err)
		}
		session, err := sessions.ApplyTransition(tx, sessionID, CompletionTransition(room, set), now)
		if err != nil {
			return t.sessionLookupError(opCompleteRoom, sessionID, err)
		}
		result = CompletionResult{Session: session, Entry: entry, Summary: summarize(set)}
		return nil
	})
	if txErr != nil {
		return CompletionResult{}, txErr
	}

	if !result.Duplicate {
		AnnounceEntry(t.publisher, result.Entry, eventType, t.clock(), t.logger)
		t.sessions.Announce(result.Session, realtime.EventUpdate)
	}
	return result, nil
}

// SelectRoom moves the session from the hallway into room. Only the next
// unlocked room may be entered; with nothing left the session goes to the end screen.
func (t *Tracker) SelectRoom(ctx context.Context, sessionID string, room sessions.Phase) (sessions.Session, error) {
	if indexOf(room) < 0 {
		return sessions.Session{}, newServiceError(opSelectRoom, "unknown_room", fmt.Errorf("%w: %q", ErrUnknownRoom, room))
	}
	set, err := t.LoadCompleted(ctx, sessionID)
	if err != nil {
		return sessions.Session{}, err
	}
	next, ok := set.NextUnlocked()
	if !ok {
		return t.sessions.UpdatePhase(ctx, sessionID, sessions.PhaseTheEnd)
	}
	if next != room {
		return sessions.Session{}, newServiceError(opSelectRoom, "room_locked", fmt.Errorf("%w: %s (next is %s)", ErrRoomLocked, room, next))
	}
	return t.sessions.UpdatePhase(ctx, sessionID, room)
}

// Reconcile applies Heal to the stored session and reports whether anything changed.
func (t *Tracker) Reconcile(ctx context.Context, sessionID string) (sessions.Session, bool, error) {
	var healed sessions.Session
	changed := false
	txErr := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session sessions.Session
		if err := tx.Where("id = ?", sessionID).Take(&session).Error; err != nil {
			return t.sessionLookupError(opReconcile, sessionID, err)
		}
		set, err := loadCompleted(tx, sessionID)
		if err != nil {
			return newServiceError(opReconcile, "query_failed", err)
		}
		correction, needed := Heal(session, set)
		if !needed {
			healed = session
			return nil
		}
		updated, err := sessions.ApplyTransition(tx, sessionID, correction, t.clock())
		if err != nil {
			return t.sessionLookupError(opReconcile, sessionID, err)
		}
		t.logger.Info("session state healed",
			zap.String("session_id", sessionID),
			zap.String("from_phase", session.CurrentPhase.String()),
			zap.String("to_phase", updated.CurrentPhase.String()))
		healed = updated
		changed = true
		return nil
	})
	if txErr != nil {
		return sessions.Session{}, false, txErr
	}
	if changed {
		t.sessions.Announce(healed, realtime.EventUpdate)
	}
	return healed, changed, nil
}

func (t *Tracker) sessionLookupError(operation, sessionID string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, sessions.ErrSessionNotFound) {
		return newServiceError(operation, "not_found", sessions.ErrSessionNotFound)
	}
	t.logError(operation, "session_update_failed", err, zap.String("session_id", sessionID))
	return newServiceError(operation, "session_update_failed", err)
}

func loadCompleted(db *gorm.DB, sessionID string) (*CompletionSet, error) {
	var names []string
	if err := db.Model(&Entry{}).
		Where("session_id = ? AND completed = ?", sessionID, true).
		Pluck("room_name", &names).Error; err != nil {
		return nil, err
	}
	set := NewCompletionSet()
	for _, name := range names {
		set.Add(sessions.Phase(name))
	}
	return set, nil
}

func upsertCompletion(tx *gorm.DB, entry Entry) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "room_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"completed", "completed_at", "updated_at"}),
	}).Create(&entry).Error
}

func summarize(set *CompletionSet) Summary {
	summary := Summary{Completed: set.Rooms(), AllComplete: set.AllComplete()}
	if next, ok := set.NextUnlocked(); ok {
		summary.Next = next
	}
	return summary
}

// AnnounceEntry publishes a committed room_progress row on its session topic.
func AnnounceEntry(publisher realtime.Publisher, entry Entry, eventType realtime.EventType, now time.Time, logger *zap.Logger) {
	if publisher == nil {
		return
	}
	change, err := realtime.NewChange(realtime.Topic{Table: realtime.TableRoomProgress, Key: entry.SessionID}, eventType, entry, now)
	if err != nil {
		if logger != nil {
			logger.Error("room progress announce failed", zap.String("session_id", entry.SessionID), zap.Error(err))
		}
		return
	}
	publisher.Publish(change)
}

func (t *Tracker) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	t.logger.Error("progress tracker error", attrs...)
}
