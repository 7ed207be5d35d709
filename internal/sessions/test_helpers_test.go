package sessions

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/realtime"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	mu      sync.Mutex
	changes []realtime.Change
}

func (p *recordingPublisher) Publish(change realtime.Change) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.changes)
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "sessions.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Session{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, codes ...string) (*Service, *recordingPublisher, *fixedClock) {
	t.Helper()
	publisher := &recordingPublisher{}
	clock := &fixedClock{now: time.Date(2026, 2, 14, 19, 0, 0, 0, time.UTC)}
	cfg := ServiceConfig{
		Database:   openTestDatabase(t),
		Clock:      clock.Now,
		IDProvider: NewUUIDProvider(),
		Publisher:  publisher,
		Logger:     zap.NewNop(),
	}
	if len(codes) > 0 {
		var mu sync.Mutex
		index := 0
		cfg.CodeGenerator = func() (string, error) {
			mu.Lock()
			defer mu.Unlock()
			code := codes[index%len(codes)]
			index++
			return code, nil
		}
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, publisher, clock
}

func mustCreate(t *testing.T, service *Service, name string) Session {
	t.Helper()
	session, err := service.CreateSession(t.Context(), name)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return session
}
