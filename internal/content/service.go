package content

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/datenight/internal/catalog"
	"github.com/MarcoPoloResearchLab/datenight/internal/realtime"
	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxContentLength = 4000
	maxLabelLength   = 120
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingCatalog    = errors.New("catalog is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrInvalidInput indicates an empty or oversized name, text or label.
	ErrInvalidInput = errors.New("content: invalid input")
	// ErrPromptsExhausted indicates that every catalog prompt was already sent.
	ErrPromptsExhausted = errors.New("content: prompts exhausted")
	// ErrAnswersPending indicates that the previous prompt is not answered yet.
	ErrAnswersPending = errors.New("content: answers pending")
	// ErrUnknownCapsuleType indicates a capsule type missing from the catalog.
	ErrUnknownCapsuleType = errors.New("content: unknown capsule type")
	// ErrNotFound indicates a star or capsule outside the session.
	ErrNotFound = errors.New("content: not found")
	// ErrNotPartner indicates an author trying to open their own capsule.
	ErrNotPartner = errors.New("content: only the partner may unlock")
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
	opServiceNew    = "content.service.new"
	opListMessages  = "content.list_messages"
	opSendPrompt    = "content.send_prompt"
	opSendAnswer    = "content.send_answer"
	opListStars     = "content.list_stars"
	opPlaceStar     = "content.place_star"
	opLabelStar     = "content.label_star"
	opListCapsules  = "content.list_capsules"
	opPlantCapsule  = "content.plant_capsule"
	opUnlockCapsule = "content.unlock_capsule"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Catalog    *catalog.Catalog
	IDProvider sessions.IDProvider
	Publisher  realtime.Publisher
	Clock      func() time.Time
	Logger     *zap.Logger
}

type Service struct {
	db         *gorm.DB
	catalog    *catalog.Catalog
	idProvider sessions.IDProvider
	publisher  realtime.Publisher
	clock      func() time.Time
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Catalog == nil {
		return nil, newServiceError(opServiceNew, "missing_catalog", errMissingCatalog)
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
		catalog:    cfg.Catalog,
		idProvider: cfg.IDProvider,
		publisher:  cfg.Publisher,
		clock:      clock,
		logger:     logger,
	}, nil
}

func (s *Service) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	var messages []Message
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("created_at ASC, id ASC").Find(&messages).Error; err != nil {
		s.logError(opListMessages, "select_failed", err, zap.String("session_id", sessionID))
		return nil, newServiceError(opListMessages, "select_failed", err)
	}
	return messages, nil
}

// SendPrompt posts the next catalog prompt once the previous one has enough answers.
func (s *Service) SendPrompt(ctx context.Context, sessionID string) (Message, error) {
	var message Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var messages []Message
		if err := tx.Where("session_id = ?", sessionID).Order("created_at ASC, id ASC").Find(&messages).Error; err != nil {
			s.logError(opSendPrompt, "select_failed", err, zap.String("session_id", sessionID))
			return newServiceError(opSendPrompt, "select_failed", err)
		}
		answers, prompts := AnswersSinceLastPrompt(messages)
		if prompts >= len(s.catalog.Library.Prompts) {
			return newServiceError(opSendPrompt, "exhausted", ErrPromptsExhausted)
		}
		if prompts > 0 && answers < s.catalog.Library.AnswersPerPrompt {
			return newServiceError(opSendPrompt, "answers_pending", fmt.Errorf("%w: %d of %d", ErrAnswersPending, answers, s.catalog.Library.AnswersPerPrompt))
		}

		created, err := s.newMessage(sessionID, LibrarySender, s.catalog.Library.Prompts[prompts], true)
		if err != nil {
			return newServiceError(opSendPrompt, "id_generation_failed", err)
		}
		if err := tx.Create(&created).Error; err != nil {
			s.logError(opSendPrompt, "insert_failed", err, zap.String("session_id", sessionID))
			return newServiceError(opSendPrompt, "insert_failed", err)
		}
		message = created
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	s.announce(realtime.TableMessages, sessionID, realtime.EventInsert, message)
	return message, nil
}

func (s *Service) SendAnswer(ctx context.Context, sessionID, sender, text string) (Message, error) {
	sender, err := requireText(sender, 80)
	if err != nil {
		return Message{}, newServiceError(opSendAnswer, "invalid_sender", err)
	}
	text, err = requireText(text, maxContentLength)
	if err != nil {
		return Message{}, newServiceError(opSendAnswer, "invalid_content", err)
	}
	message, err := s.newMessage(sessionID, sender, text, false)
	if err != nil {
		return Message{}, newServiceError(opSendAnswer, "id_generation_failed", err)
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logError(opSendAnswer, "insert_failed", err, zap.String("session_id", sessionID))
		return Message{}, newServiceError(opSendAnswer, "insert_failed", err)
	}
	s.announce(realtime.TableMessages, sessionID, realtime.EventInsert, message)
	return message, nil
}

// AddMessage accepts either message shape. Prompts always come from the catalog,
// so a prompt-shaped input only triggers SendPrompt.
func (s *Service) AddMessage(ctx context.Context, sessionID string, input MessageInput) (Message, error) {
	normalized := input.Normalize()
	if normalized.IsPrompt {
		return s.SendPrompt(ctx, sessionID)
	}
	return s.SendAnswer(ctx, sessionID, normalized.SenderName, normalized.Content)
}

func (s *Service) ListStars(ctx context.Context, sessionID string) ([]Star, error) {
	var stars []Star
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("created_at ASC, id ASC").Find(&stars).Error; err != nil {
		s.logError(opListStars, "select_failed", err, zap.String("session_id", sessionID))
		return nil, newServiceError(opListStars, "select_failed", err)
	}
	return stars, nil
}

// PlaceStar adds a star; coordinates are clamped into the sky.
func (s *Service) PlaceStar(ctx context.Context, sessionID, placedBy string, x, y float64) (Star, error) {
	placedBy, err := requireText(placedBy, 80)
	if err != nil {
		return Star{}, newServiceError(opPlaceStar, "invalid_player", err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Star{}, newServiceError(opPlaceStar, "id_generation_failed", err)
	}
	star := Star{
		ID:        id,
		SessionID: sessionID,
		PlacedBy:  placedBy,
		X:         clampCoordinate(x),
		Y:         clampCoordinate(y),
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&star).Error; err != nil {
		s.logError(opPlaceStar, "insert_failed", err, zap.String("session_id", sessionID))
		return Star{}, newServiceError(opPlaceStar, "insert_failed", err)
	}
	s.announce(realtime.TableStars, sessionID, realtime.EventInsert, star)
	return star, nil
}

func (s *Service) LabelStar(ctx context.Context, sessionID, starID, label string) (Star, error) {
	label, err := requireText(label, maxLabelLength)
	if err != nil {
		return Star{}, newServiceError(opLabelStar, "invalid_label", err)
	}
	result := s.db.WithContext(ctx).Model(&Star{}).
		Where("id = ? AND session_id = ?", starID, sessionID).
		Update("label", label)
	if result.Error != nil {
		s.logError(opLabelStar, "update_failed", result.Error, zap.String("star_id", starID))
		return Star{}, newServiceError(opLabelStar, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Star{}, newServiceError(opLabelStar, "not_found", ErrNotFound)
	}
	var star Star
	if err := s.db.WithContext(ctx).Where("id = ?", starID).Take(&star).Error; err != nil {
		s.logError(opLabelStar, "reload_failed", err, zap.String("star_id", starID))
		return Star{}, newServiceError(opLabelStar, "reload_failed", err)
	}
	s.announce(realtime.TableStars, sessionID, realtime.EventUpdate, star)
	return star, nil
}

func (s *Service) ListCapsules(ctx context.Context, sessionID string) ([]Capsule, error) {
	var capsules []Capsule
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("created_at ASC, id ASC").Find(&capsules).Error; err != nil {
		s.logError(opListCapsules, "select_failed", err, zap.String("session_id", sessionID))
		return nil, newServiceError(opListCapsules, "select_failed", err)
	}
	return capsules, nil
}

// PlantCapsule stores a sealed capsule. Capsules are always planted sealed,
// whatever the input claims.
func (s *Service) PlantCapsule(ctx context.Context, sessionID string, input CapsuleInput) (Capsule, error) {
	normalized := input.Normalize()
	author, err := requireText(normalized.AuthorName, 80)
	if err != nil {
		return Capsule{}, newServiceError(opPlantCapsule, "invalid_author", err)
	}
	text, err := requireText(normalized.Content, maxContentLength)
	if err != nil {
		return Capsule{}, newServiceError(opPlantCapsule, "invalid_content", err)
	}
	if _, ok := s.catalog.CapsuleType(normalized.CapsuleType); !ok {
		return Capsule{}, newServiceError(opPlantCapsule, "unknown_type", fmt.Errorf("%w: %q", ErrUnknownCapsuleType, normalized.CapsuleType))
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Capsule{}, newServiceError(opPlantCapsule, "id_generation_failed", err)
	}
	capsule := Capsule{
		ID:          id,
		SessionID:   sessionID,
		AuthorName:  author,
		Content:     text,
		CapsuleType: normalized.CapsuleType,
		CreatedAt:   s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&capsule).Error; err != nil {
		s.logError(opPlantCapsule, "insert_failed", err, zap.String("session_id", sessionID))
		return Capsule{}, newServiceError(opPlantCapsule, "insert_failed", err)
	}
	s.announce(realtime.TableCapsules, sessionID, realtime.EventInsert, capsule)
	return capsule, nil
}

// UnlockCapsule opens a capsule for the partner of its author. Opening an
// already open capsule returns it unchanged.
func (s *Service) UnlockCapsule(ctx context.Context, sessionID, capsuleID, requester string) (Capsule, error) {
	var capsule Capsule
	err := s.db.WithContext(ctx).Where("id = ? AND session_id = ?", capsuleID, sessionID).Take(&capsule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Capsule{}, newServiceError(opUnlockCapsule, "not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opUnlockCapsule, "select_failed", err, zap.String("capsule_id", capsuleID))
		return Capsule{}, newServiceError(opUnlockCapsule, "select_failed", err)
	}
	if capsule.AuthorName == strings.TrimSpace(requester) {
		return Capsule{}, newServiceError(opUnlockCapsule, "not_partner", ErrNotPartner)
	}
	if capsule.Unlocked {
		return capsule, nil
	}

	result := s.db.WithContext(ctx).Model(&Capsule{}).
		Where("id = ? AND unlocked = ?", capsuleID, false).
		Update("unlocked", true)
	if result.Error != nil {
		s.logError(opUnlockCapsule, "update_failed", result.Error, zap.String("capsule_id", capsuleID))
		return Capsule{}, newServiceError(opUnlockCapsule, "update_failed", result.Error)
	}
	capsule.Unlocked = true
	if result.RowsAffected > 0 {
		s.announce(realtime.TableCapsules, sessionID, realtime.EventUpdate, capsule)
	}
	return capsule, nil
}

// Completion reports which content rooms have met their goal.
type Completion struct {
	Library       bool `json:"library"`
	Constellation bool `json:"constellation"`
	Garden        bool `json:"garden"`
}

func (s *Service) Completion(ctx context.Context, session sessions.Session) (Completion, error) {
	messages, err := s.ListMessages(ctx, session.ID)
	if err != nil {
		return Completion{}, err
	}
	stars, err := s.ListStars(ctx, session.ID)
	if err != nil {
		return Completion{}, err
	}
	capsules, err := s.ListCapsules(ctx, session.ID)
	if err != nil {
		return Completion{}, err
	}
	if !session.HasPartner() {
		return Completion{Library: LibraryComplete(messages, s.catalog.Library.CompletionThreshold())}, nil
	}
	player2 := *session.Player2Name
	return Completion{
		Library:       LibraryComplete(messages, s.catalog.Library.CompletionThreshold()),
		Constellation: ConstellationComplete(stars, session.Player1Name, player2, s.catalog.Constellation.StarsPerPartner),
		Garden:        GardenComplete(capsules, session.Player1Name, player2),
	}, nil
}

func (s *Service) newMessage(sessionID, sender, text string, isPrompt bool) (Message, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSendAnswer, "id_generation_failed", err)
		return Message{}, err
	}
	return Message{
		ID:         id,
		SessionID:  sessionID,
		SenderName: sender,
		Content:    text,
		IsPrompt:   isPrompt,
		CreatedAt:  s.clock().UTC(),
	}, nil
}

func (s *Service) announce(table, sessionID string, eventType realtime.EventType, row any) {
	if s.publisher == nil {
		return
	}
	change, err := realtime.NewChange(realtime.Topic{Table: table, Key: sessionID}, eventType, row, s.clock())
	if err != nil {
		s.logError("content.announce", "encode_failed", err, zap.String("table", table))
		return
	}
	s.publisher.Publish(change)
}

func requireText(value string, limit int) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidInput)
	}
	if utf8.RuneCountInString(trimmed) > limit {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidInput, limit)
	}
	return trimmed, nil
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
	s.logger.Error("content service error", attrs...)
}
