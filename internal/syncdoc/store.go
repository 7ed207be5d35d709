package syncdoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/progress"
	"github.com/MarcoPoloResearchLab/datenight/internal/realtime"
	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingRegistry = errors.New("document registry is required")
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
	opStoreNew = "syncdoc.store.new"
	opRead     = "syncdoc.read"
	opWrite    = "syncdoc.write"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Document is the stored state of one named document within a session.
type Document struct {
	SessionID string          `json:"session_id"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	Completed bool            `json:"completed"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type StoreConfig struct {
	Database  *gorm.DB
	Registry  *Registry
	Publisher realtime.Publisher
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Store persists documents as room_progress rows keyed by (session_id, name).
type Store struct {
	db        *gorm.DB
	registry  *Registry
	publisher realtime.Publisher
	clock     func() time.Time
	logger    *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.Registry == nil {
		return nil, newServiceError(opStoreNew, "missing_registry", errMissingRegistry)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:        cfg.Database,
		registry:  cfg.Registry,
		publisher: cfg.Publisher,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Registry exposes the kinds the store accepts.
func (s *Store) Registry() *Registry {
	return s.registry
}

// Read returns the stored document, or the kind's empty document if none was written yet.
func (s *Store) Read(ctx context.Context, sessionID, name string) (Document, error) {
	if err := s.checkName(name); err != nil {
		return Document{}, newServiceError(opRead, "unknown_document", err)
	}
	var entry progress.Entry
	err := s.db.WithContext(ctx).Where("session_id = ? AND room_name = ?", sessionID, name).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		empty, _ := s.registry.Empty(name)
		return Document{SessionID: sessionID, Name: name, Data: empty}, nil
	}
	if err != nil {
		s.logError(opRead, "select_failed", err, zap.String("session_id", sessionID), zap.String("document", name))
		return Document{}, newServiceError(opRead, "select_failed", err)
	}
	return documentFromEntry(entry), nil
}

// Write merges incoming, written by author, into the stored document.
// Completion is sticky: once a document satisfied its predicate it stays complete.
func (s *Store) Write(ctx context.Context, sessionID, name string, author sessions.Role, incoming json.RawMessage) (Document, error) {
	if err := s.checkName(name); err != nil {
		return Document{}, newServiceError(opWrite, "unknown_document", err)
	}

	var written progress.Entry
	var eventType realtime.EventType
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock().UTC()

		var existing progress.Entry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ? AND room_name = ?", sessionID, name).
			Take(&existing).Error
		found := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opWrite, "select_failed", err, zap.String("session_id", sessionID), zap.String("document", name))
			return newServiceError(opWrite, "select_failed", err)
		}

		var base json.RawMessage
		if found {
			base = json.RawMessage(existing.Data)
		}
		merged, err := s.registry.Merge(name, base, incoming, author)
		if err != nil {
			return newServiceError(opWrite, "invalid_document", err)
		}
		completed, err := s.registry.Completed(name, merged, now)
		if err != nil {
			return newServiceError(opWrite, "invalid_document", err)
		}

		entry := progress.Entry{SessionID: sessionID, RoomName: name}
		if found {
			entry = existing
			eventType = realtime.EventUpdate
		} else {
			eventType = realtime.EventInsert
		}
		entry.Data = datatypes.JSON(merged)
		entry.UpdatedAt = now
		if completed && !entry.Completed {
			entry.Completed = true
			entry.CompletedAt = &now
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "room_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "completed", "completed_at", "updated_at"}),
		}).Create(&entry).Error; err != nil {
			s.logError(opWrite, "upsert_failed", err, zap.String("session_id", sessionID), zap.String("document", name))
			return newServiceError(opWrite, "upsert_failed", err)
		}
		written = entry
		return nil
	})
	if txErr != nil {
		return Document{}, txErr
	}

	progress.AnnounceEntry(s.publisher, written, eventType, s.clock(), s.logger)
	return documentFromEntry(written), nil
}

// checkName rejects unregistered names and names of sequence rooms, whose
// rows carry room completions rather than documents.
func (s *Store) checkName(name string) error {
	if _, err := progress.ParseRoom(name); err == nil {
		return fmt.Errorf("%w: %q is a room", ErrUnknownDocument, name)
	}
	_, err := s.registry.lookup(name)
	return err
}

func documentFromEntry(entry progress.Entry) Document {
	return Document{
		SessionID: entry.SessionID,
		Name:      entry.RoomName,
		Data:      json.RawMessage(entry.Data),
		Completed: entry.Completed,
		UpdatedAt: entry.UpdatedAt,
	}
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("document store error", attrs...)
}
