package sessions

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Transition describes a change to a session row. Nil and zero fields are left alone.
type Transition struct {
	Phase     *Phase
	LoveDelta int
	LoveValue *int
}

// ApplyTransition writes change inside tx and returns the reloaded row.
// Love meter arithmetic happens in SQL so concurrent increments do not lose updates.
func ApplyTransition(tx *gorm.DB, sessionID string, change Transition, now time.Time) (Session, error) {
	updates := map[string]any{
		"updated_at": now.UTC(),
	}
	if change.Phase != nil {
		updates["current_phase"] = *change.Phase
	}
	switch {
	case change.LoveValue != nil:
		updates["love_meter"] = ClampLoveMeter(*change.LoveValue)
	case change.LoveDelta != 0:
		updates["love_meter"] = gorm.Expr(
			"CASE WHEN love_meter + ? > ? THEN ? WHEN love_meter + ? < 0 THEN 0 ELSE love_meter + ? END",
			change.LoveDelta, LoveMeterMax, LoveMeterMax, change.LoveDelta, change.LoveDelta,
		)
	}

	result := tx.Model(&Session{}).Where("id = ?", sessionID).Updates(updates)
	if result.Error != nil {
		return Session{}, result.Error
	}
	if result.RowsAffected == 0 {
		return Session{}, ErrSessionNotFound
	}

	var session Session
	if err := tx.Where("id = ?", sessionID).Take(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, err
	}
	return session, nil
}
