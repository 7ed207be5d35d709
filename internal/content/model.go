// Package content stores the append-mostly rows of the library,
// constellation and capsule garden rooms.
package content

import (
	"time"
)

// LibrarySender is the sender name of catalog prompts.
const LibrarySender = "The Library"

// StarCoordinateMax bounds star coordinates, which are percentages of the sky.
const StarCoordinateMax = 100.0

type Message struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	SessionID  string    `gorm:"size:36;not null;index:idx_messages_session_created,priority:1" json:"session_id"`
	SenderName string    `gorm:"size:80;not null" json:"sender_name"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	IsPrompt   bool      `gorm:"not null;default:false" json:"is_prompt"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime:false;index:idx_messages_session_created,priority:2" json:"created_at"`
}

func (Message) TableName() string {
	return "messages"
}

type Star struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	SessionID string    `gorm:"size:36;not null;index" json:"session_id"`
	PlacedBy  string    `gorm:"size:80;not null" json:"placed_by"`
	X         float64   `gorm:"not null" json:"x"`
	Y         float64   `gorm:"not null" json:"y"`
	Label     *string   `gorm:"size:120" json:"label"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime:false" json:"created_at"`
}

func (Star) TableName() string {
	return "stars"
}

type Capsule struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	SessionID   string    `gorm:"size:36;not null;index" json:"session_id"`
	AuthorName  string    `gorm:"size:80;not null" json:"author_name"`
	Content     string    `gorm:"type:text;not null" json:"content"`
	CapsuleType string    `gorm:"size:64;not null" json:"capsule_type"`
	Unlocked    bool      `gorm:"not null;default:false" json:"unlocked"`
	CreatedAt   time.Time `gorm:"not null;autoCreateTime:false" json:"created_at"`
}

func (Capsule) TableName() string {
	return "capsules"
}

func clampCoordinate(value float64) float64 {
	return min(StarCoordinateMax, max(0, value))
}

// LibraryComplete reports whether enough answers were exchanged.
func LibraryComplete(messages []Message, threshold int) bool {
	answers := 0
	for _, message := range messages {
		if !message.IsPrompt {
			answers++
		}
	}
	return answers >= threshold
}

// AnswersSinceLastPrompt counts answers after the most recent prompt, and
// reports how many prompts were sent.
func AnswersSinceLastPrompt(messages []Message) (answers int, prompts int) {
	for _, message := range messages {
		if message.IsPrompt {
			prompts++
			answers = 0
			continue
		}
		answers++
	}
	return answers, prompts
}

// ConstellationComplete reports whether both players placed their stars.
func ConstellationComplete(stars []Star, player1, player2 string, perPartner int) bool {
	counts := make(map[string]int, 2)
	for _, star := range stars {
		counts[star.PlacedBy]++
	}
	return counts[player1] >= perPartner && counts[player2] >= perPartner
}

// GardenComplete reports whether both players planted and every capsule was opened.
func GardenComplete(capsules []Capsule, player1, player2 string) bool {
	planted := make(map[string]bool, 2)
	for _, capsule := range capsules {
		if !capsule.Unlocked {
			return false
		}
		planted[capsule.AuthorName] = true
	}
	return len(capsules) >= 2 && planted[player1] && planted[player2]
}
