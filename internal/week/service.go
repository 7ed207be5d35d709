package week

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/games"
	"github.com/MarcoPoloResearchLab/datenight/internal/realtime"
	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrRoomNotFound indicates that no week room matches the id.
	ErrRoomNotFound = errors.New("week: room not found")
	// ErrInvalidAdvance indicates a move that is not exactly one day forward.
	ErrInvalidAdvance = errors.New("week: invalid advance")
	// ErrDayIncomplete indicates that the day being left has not met its goal.
	ErrDayIncomplete = errors.New("week: day incomplete")
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
	opServiceNew  = "week.service.new"
	opEnsureRoom  = "week.ensure_room"
	opGetRoom     = "week.get_room"
	opAdvance     = "week.advance"
	opAnnounceRow = "week.announce"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// DayChecker evaluates whether a day's document satisfies its goal.
type DayChecker interface {
	DayComplete(ctx context.Context, sessionID string, day int, now time.Time) (bool, error)
}

type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider sessions.IDProvider
	Checker    DayChecker
	Publisher  realtime.Publisher
	Clock      func() time.Time
	Logger     *zap.Logger
}

type Service struct {
	db         *gorm.DB
	idProvider sessions.IDProvider
	checker    DayChecker
	publisher  realtime.Publisher
	clock      func() time.Time
	logger     *zap.Logger
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
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		idProvider: cfg.IDProvider,
		checker:    cfg.Checker,
		publisher:  cfg.Publisher,
		clock:      clock,
		logger:     logger,
	}, nil
}

// EnsureRoom returns the room for roomCode, creating it on day 0 if needed.
func (s *Service) EnsureRoom(ctx context.Context, roomCode string) (Room, error) {
	code, err := sessions.NewRoomCode(roomCode)
	if err != nil {
		return Room{}, newServiceError(opEnsureRoom, "invalid_room_code", err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opEnsureRoom, "id_generation_failed", err)
		return Room{}, newServiceError(opEnsureRoom, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	candidate := Room{ID: id, RoomCode: code.String(), CreatedAt: now, UpdatedAt: now}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_code"}},
		DoNothing: true,
	}).Create(&candidate)
	if result.Error != nil {
		s.logError(opEnsureRoom, "upsert_failed", result.Error, zap.String("room_code", code.String()))
		return Room{}, newServiceError(opEnsureRoom, "upsert_failed", result.Error)
	}

	var room Room
	if err := s.db.WithContext(ctx).Where("room_code = ?", code.String()).Take(&room).Error; err != nil {
		s.logError(opEnsureRoom, "select_failed", err, zap.String("room_code", code.String()))
		return Room{}, newServiceError(opEnsureRoom, "select_failed", err)
	}
	if result.RowsAffected > 0 {
		s.announce(room, realtime.EventInsert)
	}
	return room, nil
}

func (s *Service) GetRoom(ctx context.Context, id string) (Room, error) {
	var room Room
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, newServiceError(opGetRoom, "not_found", ErrRoomNotFound)
	}
	if err != nil {
		s.logError(opGetRoom, "select_failed", err, zap.String("room_id", id))
		return Room{}, newServiceError(opGetRoom, "select_failed", err)
	}
	return room, nil
}

type AdvanceRequest struct {
	RoomID    string
	SessionID string
	From      int
	To        int
}

type AdvanceResult struct {
	Room Room
	// Advanced is false when the partner already moved the room past From.
	Advanced bool
}

// Advance moves the room from one day to the next with a compare-and-swap on
// current_day. Losing the race is not an error: both partners aim for the same
// target, so the loser just receives the current room.
func (s *Service) Advance(ctx context.Context, request AdvanceRequest) (AdvanceResult, error) {
	if !games.ValidDay(request.From) || request.To != request.From+1 || !games.ValidDay(request.To) {
		return AdvanceResult{}, newServiceError(opAdvance, "invalid_days", fmt.Errorf("%w: %d -> %d", ErrInvalidAdvance, request.From, request.To))
	}

	now := s.clock().UTC()
	if s.checker != nil {
		complete, err := s.checker.DayComplete(ctx, request.SessionID, request.From, now)
		if err != nil {
			s.logError(opAdvance, "check_failed", err, zap.String("room_id", request.RoomID), zap.Int("day", request.From))
			return AdvanceResult{}, newServiceError(opAdvance, "check_failed", err)
		}
		if !complete {
			return AdvanceResult{}, newServiceError(opAdvance, "day_incomplete", fmt.Errorf("%w: day %d", ErrDayIncomplete, request.From))
		}
	}

	result := s.db.WithContext(ctx).Model(&Room{}).
		Where("id = ? AND current_day = ?", request.RoomID, request.From).
		Updates(map[string]any{
			"current_day":   request.To,
			"current_stage": request.To,
			"updated_at":    now,
		})
	if result.Error != nil {
		s.logError(opAdvance, "update_failed", result.Error, zap.String("room_id", request.RoomID))
		return AdvanceResult{}, newServiceError(opAdvance, "update_failed", result.Error)
	}

	room, err := s.GetRoom(ctx, request.RoomID)
	if err != nil {
		return AdvanceResult{}, err
	}
	if result.RowsAffected == 0 {
		s.logger.Debug("week advance lost race",
			zap.String("room_id", request.RoomID),
			zap.Int("from", request.From),
			zap.Int("current_day", room.CurrentDay))
		return AdvanceResult{Room: room, Advanced: false}, nil
	}

	s.announce(room, realtime.EventUpdate)
	return AdvanceResult{Room: room, Advanced: true}, nil
}

func (s *Service) announce(room Room, eventType realtime.EventType) {
	if s.publisher == nil {
		return
	}
	change, err := realtime.NewChange(realtime.Topic{Table: realtime.TableRooms, Key: room.ID}, eventType, room, s.clock())
	if err != nil {
		s.logError(opAnnounceRow, "encode_failed", err, zap.String("room_id", room.ID))
		return
	}
	s.publisher.Publish(change)
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
	s.logger.Error("week service error", attrs...)
}
