package sessions

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrSessionNotFound indicates that no session matches the id or room code.
	ErrSessionNotFound = errors.New("sessions: session not found")
	// ErrRoomFull indicates that the second seat is already taken.
	ErrRoomFull = errors.New("sessions: room is full")
	// ErrNameTaken indicates a joiner using the first player's name. Stars and
	// capsules are attributed by name, so the two seats must differ.
	ErrNameTaken = errors.New("sessions: name already taken")
	// ErrCreateFailed indicates that the session row could not be inserted.
	ErrCreateFailed = errors.New("sessions: create failed")
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
	opServiceNew      = "sessions.service.new"
	opCreateSession   = "sessions.create_session"
	opJoinSession     = "sessions.join_session"
	opGetSession      = "sessions.get_session"
	opUpdatePhase     = "sessions.update_phase"
	opAdjustLoveMeter = "sessions.adjust_love_meter"
	opSetLoveMeter    = "sessions.set_love_meter"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	IDProvider    IDProvider
	CodeGenerator CodeGenerator
	Publisher     realtime.Publisher
	Logger        *zap.Logger
}

// Service owns the sessions table. Every committed write is announced on the
// sessions/<id> topic.
type Service struct {
	db            *gorm.DB
	clock         func() time.Time
	idProvider    IDProvider
	codeGenerator CodeGenerator
	publisher     realtime.Publisher
	logger        *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	codeGenerator := cfg.CodeGenerator
	if codeGenerator == nil {
		codeGenerator = RandomRoomCode
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:            cfg.Database,
		clock:         clock,
		idProvider:    cfg.IDProvider,
		codeGenerator: codeGenerator,
		publisher:     cfg.Publisher,
		logger:        logger,
	}, nil
}

// CreateSession inserts a session in the waiting phase owned by playerName.
func (s *Service) CreateSession(ctx context.Context, playerName string) (Session, error) {
	name, err := NewPlayerName(playerName)
	if err != nil {
		return Session{}, newServiceError(opCreateSession, "invalid_name", err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateSession, "id_generation_failed", err)
		return Session{}, newServiceError(opCreateSession, "id_generation_failed", fmt.Errorf("%w: %v", ErrCreateFailed, err))
	}
	code, err := s.codeGenerator()
	if err != nil {
		s.logError(opCreateSession, "code_generation_failed", err)
		return Session{}, newServiceError(opCreateSession, "code_generation_failed", fmt.Errorf("%w: %v", ErrCreateFailed, err))
	}
	roomCode, err := NewRoomCode(code)
	if err != nil {
		s.logError(opCreateSession, "code_generation_failed", err)
		return Session{}, newServiceError(opCreateSession, "code_generation_failed", fmt.Errorf("%w: %v", ErrCreateFailed, err))
	}

	now := s.clock().UTC()
	session := Session{
		ID:           id,
		RoomCode:     roomCode.String(),
		Player1Name:  name.String(),
		CurrentPhase: PhaseWaiting,
		LoveMeter:    0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		s.logError(opCreateSession, "insert_failed", err, zap.String("room_code", session.RoomCode))
		return Session{}, newServiceError(opCreateSession, "insert_failed", fmt.Errorf("%w: %v", ErrCreateFailed, err))
	}

	s.Announce(session, realtime.EventInsert)
	return session, nil
}

// JoinSession claims the second seat of the session identified by code.
// The claim is a conditional update, so two concurrent joiners cannot both win.
func (s *Service) JoinSession(ctx context.Context, code string, playerName string) (Session, error) {
	name, err := NewPlayerName(playerName)
	if err != nil {
		return Session{}, newServiceError(opJoinSession, "invalid_name", err)
	}
	roomCode, err := NewRoomCode(code)
	if err != nil {
		return Session{}, newServiceError(opJoinSession, "not_found", fmt.Errorf("%w: %v", ErrSessionNotFound, err))
	}

	var joined Session
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Session
		if err := tx.Where("room_code = ?", roomCode.String()).Take(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opJoinSession, "not_found", ErrSessionNotFound)
			}
			s.logError(opJoinSession, "select_failed", err, zap.String("room_code", roomCode.String()))
			return newServiceError(opJoinSession, "select_failed", err)
		}
		if existing.HasPartner() {
			return newServiceError(opJoinSession, "room_full", ErrRoomFull)
		}
		if strings.EqualFold(existing.Player1Name, name.String()) {
			return newServiceError(opJoinSession, "name_taken", fmt.Errorf("%w: %q", ErrNameTaken, name.String()))
		}

		result := tx.Model(&Session{}).
			Where("id = ? AND player2_name IS NULL", existing.ID).
			Updates(map[string]any{
				"player2_name":  name.String(),
				"current_phase": PhaseDoor,
				"updated_at":    s.clock().UTC(),
			})
		if result.Error != nil {
			s.logError(opJoinSession, "update_failed", result.Error, zap.String("session_id", existing.ID))
			return newServiceError(opJoinSession, "update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opJoinSession, "room_full", ErrRoomFull)
		}
		if err := tx.Where("id = ?", existing.ID).Take(&joined).Error; err != nil {
			s.logError(opJoinSession, "reload_failed", err, zap.String("session_id", existing.ID))
			return newServiceError(opJoinSession, "reload_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Session{}, txErr
	}

	s.Announce(joined, realtime.EventUpdate)
	return joined, nil
}

// GetSession loads a session by id.
func (s *Service) GetSession(ctx context.Context, id string) (Session, error) {
	var session Session
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Session{}, newServiceError(opGetSession, "not_found", ErrSessionNotFound)
		}
		s.logError(opGetSession, "select_failed", err, zap.String("session_id", id))
		return Session{}, newServiceError(opGetSession, "select_failed", err)
	}
	return session, nil
}

// GetSessionByCode loads a session by its room code, ignoring case.
func (s *Service) GetSessionByCode(ctx context.Context, code string) (Session, error) {
	roomCode, err := NewRoomCode(code)
	if err != nil {
		return Session{}, newServiceError(opGetSession, "not_found", fmt.Errorf("%w: %v", ErrSessionNotFound, err))
	}
	var session Session
	if err := s.db.WithContext(ctx).Where("room_code = ?", roomCode.String()).Take(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Session{}, newServiceError(opGetSession, "not_found", ErrSessionNotFound)
		}
		s.logError(opGetSession, "select_failed", err, zap.String("room_code", roomCode.String()))
		return Session{}, newServiceError(opGetSession, "select_failed", err)
	}
	return session, nil
}

// UpdatePhase moves the session to phase unconditionally. Callers enforce legality.
func (s *Service) UpdatePhase(ctx context.Context, id string, phase Phase) (Session, error) {
	if !phase.Valid() {
		return Session{}, newServiceError(opUpdatePhase, "invalid_phase", fmt.Errorf("%w: %q", ErrInvalidPhase, phase))
	}
	return s.transition(ctx, opUpdatePhase, id, Transition{Phase: &phase})
}

// AdjustLoveMeter adds delta to the love meter in one clamped SQL update.
func (s *Service) AdjustLoveMeter(ctx context.Context, id string, delta int) (Session, error) {
	return s.transition(ctx, opAdjustLoveMeter, id, Transition{LoveDelta: delta})
}

// SetLoveMeter writes the rounded, clamped value. When the stored value is
// already equal nothing is written and changed is false.
func (s *Service) SetLoveMeter(ctx context.Context, id string, value float64) (session Session, changed bool, err error) {
	target := ClampLoveMeter(int(math.Round(value)))
	current, err := s.GetSession(ctx, id)
	if err != nil {
		return Session{}, false, err
	}
	if current.LoveMeter == target {
		return current, false, nil
	}
	updated, err := s.transition(ctx, opSetLoveMeter, id, Transition{LoveValue: &target})
	if err != nil {
		return Session{}, false, err
	}
	return updated, true, nil
}

func (s *Service) transition(ctx context.Context, operation, id string, change Transition) (Session, error) {
	var updated Session
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := ApplyTransition(tx, id, change, s.clock())
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				return newServiceError(operation, "not_found", err)
			}
			s.logError(operation, "update_failed", err, zap.String("session_id", id))
			return newServiceError(operation, "update_failed", err)
		}
		updated = session
		return nil
	})
	if txErr != nil {
		return Session{}, txErr
	}
	s.Announce(updated, realtime.EventUpdate)
	return updated, nil
}

// Announce publishes a committed session row on its topic.
func (s *Service) Announce(session Session, eventType realtime.EventType) {
	if s == nil || s.publisher == nil {
		return
	}
	change, err := realtime.NewChange(realtime.Topic{Table: realtime.TableSessions, Key: session.ID}, eventType, session, s.clock())
	if err != nil {
		s.logError("sessions.announce", "encode_failed", err, zap.String("session_id", session.ID))
		return
	}
	s.publisher.Publish(change)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("sessions service error", attrs...)
}
