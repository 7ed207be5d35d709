package sessions

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Phase is the screen both participants are on.
type Phase string

const (
	PhaseLobby         Phase = "lobby"
	PhaseWaiting       Phase = "waiting"
	PhaseDoor          Phase = "door"
	PhaseLibrary       Phase = "library"
	PhaseConstellation Phase = "constellation"
	PhaseKintsugi      Phase = "kintsugi"
	PhaseWords         Phase = "words"
	PhaseTheEnd        Phase = "the_end"
	PhaseCelebration   Phase = "celebration"
)

const (
	maxPlayerNameLength = 80
	roomCodeLength      = 6
	// LoveMeterMax is the ceiling of the shared love meter.
	LoveMeterMax = 100
)

var (
	// ErrInvalidPhase indicates a phase outside the known set.
	ErrInvalidPhase = errors.New("sessions: invalid phase")
	// ErrInvalidPlayerName indicates an empty or oversized player name.
	ErrInvalidPlayerName = errors.New("sessions: invalid player name")
	// ErrInvalidRoomCode indicates a malformed room code.
	ErrInvalidRoomCode = errors.New("sessions: invalid room code")
)

var knownPhases = map[Phase]struct{}{
	PhaseLobby: {}, PhaseWaiting: {}, PhaseDoor: {}, PhaseLibrary: {}, PhaseConstellation: {},
	PhaseKintsugi: {}, PhaseWords: {}, PhaseTheEnd: {}, PhaseCelebration: {},
}

// ParsePhase validates raw input and returns a Phase.
func ParsePhase(raw string) (Phase, error) {
	phase := Phase(strings.ToLower(strings.TrimSpace(raw)))
	if !phase.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhase, raw)
	}
	return phase, nil
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := knownPhases[p]
	return ok
}

// Terminal reports whether p is one of the closing screens.
func (p Phase) Terminal() bool {
	return p == PhaseTheEnd || p == PhaseCelebration
}

func (p Phase) String() string {
	return string(p)
}

// PlayerName is a trimmed, bounded display name.
type PlayerName string

// NewPlayerName validates raw input and returns a PlayerName.
func NewPlayerName(raw string) (PlayerName, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPlayerName)
	}
	if len([]rune(trimmed)) > maxPlayerNameLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPlayerName, maxPlayerNameLength)
	}
	return PlayerName(trimmed), nil
}

func (n PlayerName) String() string {
	return string(n)
}

// RoomCode is the upper-case share code of a session.
type RoomCode string

// NewRoomCode normalizes user input to the stored upper-case form.
func NewRoomCode(raw string) (RoomCode, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) != roomCodeLength {
		return "", fmt.Errorf("%w: expected %d characters", ErrInvalidRoomCode, roomCodeLength)
	}
	for _, r := range code {
		if !isCodeRune(r) {
			return "", fmt.Errorf("%w: unexpected character %q", ErrInvalidRoomCode, r)
		}
	}
	return RoomCode(code), nil
}

// ValidRoomCode reports whether raw would be accepted by NewRoomCode.
func ValidRoomCode(raw string) bool {
	_, err := NewRoomCode(raw)
	return err == nil
}

func (c RoomCode) String() string {
	return string(c)
}

func isCodeRune(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// Session is the shared record for one pair of participants.
type Session struct {
	ID           string    `gorm:"column:id;primaryKey;size:36" json:"id"`
	RoomCode     string    `gorm:"column:room_code;size:6;uniqueIndex;not null" json:"room_code"`
	Player1Name  string    `gorm:"column:player1_name;size:80;not null" json:"player1_name"`
	Player2Name  *string   `gorm:"column:player2_name;size:80" json:"player2_name"`
	CurrentPhase Phase     `gorm:"column:current_phase;size:32;not null" json:"current_phase"`
	LoveMeter    int       `gorm:"column:love_meter;not null;default:0" json:"love_meter"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
}

func (Session) TableName() string {
	return "sessions"
}

// HasPartner reports whether the second participant has joined.
func (s Session) HasPartner() bool {
	return s.Player2Name != nil && *s.Player2Name != ""
}

// PlayerName returns the display name bound to role.
func (s Session) PlayerName(role Role) string {
	if role == PartnerB {
		if s.Player2Name == nil {
			return ""
		}
		return *s.Player2Name
	}
	return s.Player1Name
}

// SameObservableState reports whether two snapshots differ in nothing a
// participant can see. Followers skip snapshots for which this holds.
func (s Session) SameObservableState(other Session) bool {
	return s.ID == other.ID &&
		s.CurrentPhase == other.CurrentPhase &&
		optionalEqual(s.Player2Name, other.Player2Name) &&
		s.UpdatedAt.Equal(other.UpdatedAt) &&
		s.LoveMeter == other.LoveMeter
}

func optionalEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ClampLoveMeter bounds value to [0, LoveMeterMax].
func ClampLoveMeter(value int) int {
	if value < 0 {
		return 0
	}
	if value > LoveMeterMax {
		return LoveMeterMax
	}
	return value
}
