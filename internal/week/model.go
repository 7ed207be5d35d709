// Package week owns the multi-day arc container: which day of the week both
// partners are looking at, and the guarded move to the next one.
package week

import (
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/games"
)

// Room is the week container linked to a session by its room code.
type Room struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	RoomCode     string    `gorm:"size:16;uniqueIndex;not null" json:"room_code"`
	CurrentDay   int       `gorm:"not null;default:0" json:"current_day"`
	CurrentStage int       `gorm:"not null;default:0" json:"current_stage"`
	LoveMeter    int       `gorm:"not null;default:0" json:"love_meter"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null;autoUpdateTime:false" json:"updated_at"`
}

func (Room) TableName() string {
	return "rooms"
}

// Day is the current day clamped to the week; rows written by older clients
// may carry the day only in current_stage.
func (r Room) Day() int {
	day := r.CurrentDay
	if day == 0 && r.CurrentStage != 0 {
		day = r.CurrentStage
	}
	return clampDay(day)
}

func clampDay(day int) int {
	return min(games.LastDay, max(games.FirstDay, day))
}
