package database

import (
	"errors"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/progress"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	migrationCollapseRoomProgress = "2026-02-10_collapse_room_progress_duplicates"

	roomProgressTable       = "room_progress"
	legacyRoomProgressTable = "room_progress_legacy"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationCollapseRoomProgress, apply: collapseRoomProgress},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// legacyRoomProgress is the append-only shape of room_progress, where every
// completion inserted a new row with its own id.
type legacyRoomProgress struct {
	ID          string         `gorm:"column:id"`
	SessionID   string         `gorm:"column:session_id"`
	RoomName    string         `gorm:"column:room_name"`
	Completed   bool           `gorm:"column:completed"`
	CompletedAt *time.Time     `gorm:"column:completed_at"`
	Data        datatypes.JSON `gorm:"column:data"`
	UpdatedAt   *time.Time     `gorm:"column:updated_at"`
}

func (legacyRoomProgress) TableName() string {
	return legacyRoomProgressTable
}

// setAsideLegacyRoomProgress renames an append-only room_progress table so the
// keyed table can be created in its place.
func setAsideLegacyRoomProgress(db *gorm.DB, logger *zap.Logger) error {
	migrator := db.Migrator()
	if !migrator.HasTable(roomProgressTable) || !migrator.HasColumn(roomProgressTable, "id") {
		return nil
	}
	if migrator.HasTable(legacyRoomProgressTable) {
		return errors.New("both room_progress and room_progress_legacy hold legacy rows")
	}
	if err := migrator.RenameTable(roomProgressTable, legacyRoomProgressTable); err != nil {
		return err
	}
	if logger != nil {
		logger.Warn("legacy room_progress table set aside", zap.String("table", legacyRoomProgressTable))
	}
	return nil
}

// collapseRoomProgress folds legacy rows into one row per (session, room):
// completed if any row was, earliest completion time, latest document.
func collapseRoomProgress(db *gorm.DB) error {
	if !db.Migrator().HasTable(legacyRoomProgressTable) {
		return nil
	}

	var rows []legacyRoomProgress
	if err := db.Find(&rows).Error; err != nil {
		return err
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return timeOrZero(rows[i].UpdatedAt).Before(timeOrZero(rows[j].UpdatedAt))
	})

	type key struct{ session, room string }
	collapsed := make(map[key]*progress.Entry)
	order := make([]key, 0)
	for _, row := range rows {
		k := key{session: row.SessionID, room: row.RoomName}
		entry, ok := collapsed[k]
		if !ok {
			entry = &progress.Entry{SessionID: row.SessionID, RoomName: row.RoomName}
			collapsed[k] = entry
			order = append(order, k)
		}
		if row.Completed {
			entry.Completed = true
			if row.CompletedAt != nil && (entry.CompletedAt == nil || row.CompletedAt.Before(*entry.CompletedAt)) {
				completedAt := *row.CompletedAt
				entry.CompletedAt = &completedAt
			}
		}
		if len(row.Data) > 0 && string(row.Data) != "null" {
			entry.Data = row.Data
		}
		if updated := timeOrZero(row.UpdatedAt); updated.After(entry.UpdatedAt) {
			entry.UpdatedAt = updated
		}
	}

	return db.Transaction(func(tx *gorm.DB) error {
		for _, k := range order {
			entry := collapsed[k]
			if entry.Completed && entry.CompletedAt == nil {
				completedAt := entry.UpdatedAt
				entry.CompletedAt = &completedAt
			}
			if err := tx.Create(entry).Error; err != nil {
				return err
			}
		}
		return tx.Migrator().DropTable(legacyRoomProgressTable)
	})
}

func timeOrZero(value *time.Time) time.Time {
	if value == nil {
		return time.Time{}
	}
	return *value
}
