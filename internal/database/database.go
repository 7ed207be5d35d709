package database

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/datenight/internal/content"
	"github.com/MarcoPoloResearchLab/datenight/internal/progress"
	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
	"github.com/MarcoPoloResearchLab/datenight/internal/week"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var errUnsupportedDriver = errors.New("unsupported database driver")

// Options selects and locates the store.
type Options struct {
	Driver string
	Path   string
	URL    string
	Logger *zap.Logger
}

// Open connects to the configured store and brings the schema up to date.
func Open(options Options) (*gorm.DB, error) {
	switch options.Driver {
	case DriverSQLite, "":
		return OpenSQLite(options.Path, options.Logger)
	case DriverPostgres:
		return OpenPostgres(options.URL, options.Logger)
	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedDriver, options.Driver)
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("database initialized", zap.String("driver", DriverSQLite), zap.String("path", path))
	}
	return db, nil
}

// OpenPostgres establishes a PostgreSQL connection and performs schema migrations.
func OpenPostgres(url string, logger *zap.Logger) (*gorm.DB, error) {
	if url == "" {
		return nil, fmt.Errorf("database url is required")
	}

	db, err := gorm.Open(postgres.Open(url), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("database initialized", zap.String("driver", DriverPostgres))
	}
	return db, nil
}

// Migrate creates the tables and applies pending data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := setAsideLegacyRoomProgress(db, logger); err != nil {
		return err
	}
	if err := db.AutoMigrate(
		&sessions.Session{},
		&progress.Entry{},
		&week.Room{},
		&content.Message{},
		&content.Star{},
		&content.Capsule{},
		&migrationRecord{},
	); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
