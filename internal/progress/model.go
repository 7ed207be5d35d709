package progress

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
	"gorm.io/datatypes"
)

var (
	// ErrUnknownRoom indicates a room name outside the fixed sequence.
	ErrUnknownRoom = errors.New("progress: unknown room")
	// ErrRoomLocked indicates an attempt to enter a room other than the next unlocked one.
	ErrRoomLocked = errors.New("progress: room is locked")
)

// Sequence is the fixed order in which rooms unlock.
var Sequence = []sessions.Phase{
	sessions.PhaseLibrary,
	sessions.PhaseConstellation,
	sessions.PhaseKintsugi,
	sessions.PhaseWords,
}

// LoveStep is the love meter increment for one newly completed room.
func LoveStep() int {
	return int(math.Ceil(float64(sessions.LoveMeterMax) / float64(len(Sequence))))
}

// ParseRoom validates that raw names a room of the sequence.
func ParseRoom(raw string) (sessions.Phase, error) {
	phase, err := sessions.ParsePhase(raw)
	if err != nil || indexOf(phase) < 0 {
		return "", fmt.Errorf("%w: %q", ErrUnknownRoom, raw)
	}
	return phase, nil
}

func indexOf(room sessions.Phase) int {
	for index, candidate := range Sequence {
		if candidate == room {
			return index
		}
	}
	return -1
}

// Entry is one room_progress row, keyed by (session_id, room_name). Room
// completions and synchronized documents share the table.
type Entry struct {
	SessionID   string         `gorm:"column:session_id;primaryKey;size:36" json:"session_id"`
	RoomName    string         `gorm:"column:room_name;primaryKey;size:64" json:"room_name"`
	Completed   bool           `gorm:"column:completed;not null;default:false" json:"completed"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completed_at"`
	Data        datatypes.JSON `gorm:"column:data" json:"data"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
}

func (Entry) TableName() string {
	return "room_progress"
}

// CompletionSet is the set of completed rooms as seen by one participant.
// Adding the same room twice is a no-op, so replays of completion events are harmless.
type CompletionSet struct {
	rooms map[sessions.Phase]struct{}
}

func NewCompletionSet(rooms ...sessions.Phase) *CompletionSet {
	set := &CompletionSet{rooms: make(map[sessions.Phase]struct{}, len(Sequence))}
	for _, room := range rooms {
		set.Add(room)
	}
	return set
}

// Add inserts room when it belongs to the sequence and reports whether the set grew.
func (c *CompletionSet) Add(room sessions.Phase) bool {
	if indexOf(room) < 0 {
		return false
	}
	if _, ok := c.rooms[room]; ok {
		return false
	}
	c.rooms[room] = struct{}{}
	return true
}

// ApplyRemote folds a room_progress row received from the change feed.
func (c *CompletionSet) ApplyRemote(entry Entry) bool {
	if !entry.Completed {
		return false
	}
	return c.Add(sessions.Phase(entry.RoomName))
}

func (c *CompletionSet) Has(room sessions.Phase) bool {
	_, ok := c.rooms[room]
	return ok
}

// Rooms lists the completed rooms in sequence order.
func (c *CompletionSet) Rooms() []sessions.Phase {
	rooms := make([]sessions.Phase, 0, len(c.rooms))
	for _, room := range Sequence {
		if c.Has(room) {
			rooms = append(rooms, room)
		}
	}
	return rooms
}

func (c *CompletionSet) Len() int {
	return len(c.rooms)
}

// AllComplete reports whether every room of the sequence is done.
func (c *CompletionSet) AllComplete() bool {
	return len(c.rooms) == len(Sequence)
}

// NextUnlocked returns the first room of the sequence that is not complete.
func (c *CompletionSet) NextUnlocked() (sessions.Phase, bool) {
	for _, room := range Sequence {
		if !c.Has(room) {
			return room, true
		}
	}
	return "", false
}

// CompletionTransition is the session change caused by newly completing room,
// given the set that already includes it.
func CompletionTransition(room sessions.Phase, completed *CompletionSet) sessions.Transition {
	if completed.AllComplete() {
		phase := sessions.PhaseTheEnd
		love := sessions.LoveMeterMax
		return sessions.Transition{Phase: &phase, LoveValue: &love}
	}
	phase := sessions.PhaseLobby
	if index := indexOf(room); index >= 0 && index+1 < len(Sequence) {
		phase = Sequence[index+1]
	}
	return sessions.Transition{Phase: &phase, LoveDelta: LoveStep()}
}

// Heal returns the correction for a session whose stored state drifted:
// unknown phases fall back to the lobby, and a finished journey is forced to the end screen.
func Heal(session sessions.Session, completed *CompletionSet) (sessions.Transition, bool) {
	if !session.CurrentPhase.Valid() {
		phase := sessions.PhaseLobby
		return sessions.Transition{Phase: &phase}, true
	}
	if session.CurrentPhase.Terminal() {
		return sessions.Transition{}, false
	}
	if completed.AllComplete() || session.LoveMeter >= sessions.LoveMeterMax {
		phase := sessions.PhaseTheEnd
		love := sessions.LoveMeterMax
		return sessions.Transition{Phase: &phase, LoveValue: &love}, true
	}
	return sessions.Transition{}, false
}
