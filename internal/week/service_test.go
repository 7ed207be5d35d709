package week

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/catalog"
	"github.com/MarcoPoloResearchLab/datenight/internal/games"
	"github.com/MarcoPoloResearchLab/datenight/internal/progress"
	"github.com/MarcoPoloResearchLab/datenight/internal/realtime"
	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
	"github.com/MarcoPoloResearchLab/datenight/internal/syncdoc"
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

func (p *recordingPublisher) count(table string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, change := range p.changes {
		if change.Table == table {
			total++
		}
	}
	return total
}

type weekFixture struct {
	service   *Service
	store     *syncdoc.Store
	publisher *recordingPublisher
	now       *time.Time
}

func newWeekFixture(t *testing.T) weekFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "week.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Room{}, &progress.Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	now := time.Date(2026, 2, 7, 20, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	registry, err := games.NewRegistry(catalog.MustDefault())
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	publisher := &recordingPublisher{}
	store, err := syncdoc.NewStore(syncdoc.StoreConfig{Database: db, Registry: registry, Publisher: publisher, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		IDProvider: sessions.NewUUIDProvider(),
		Checker:    DocumentChecker{Store: store},
		Publisher:  publisher,
		Clock:      func() time.Time { return now },
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return weekFixture{service: service, store: store, publisher: publisher, now: &now}
}

func (f weekFixture) write(t *testing.T, day int, author sessions.Role, doc any) {
	t.Helper()
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("encode day %d: %v", day, err)
	}
	if _, err := f.store.Write(t.Context(), "session-1", games.BedroomDay(day), author, raw); err != nil {
		t.Fatalf("write day %d: %v", day, err)
	}
}

func TestEnsureRoomIsIdempotent(t *testing.T) {
	fixture := newWeekFixture(t)
	first, err := fixture.service.EnsureRoom(t.Context(), "abc123")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := fixture.service.EnsureRoom(t.Context(), "ABC123")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if first.ID != second.ID || first.RoomCode != "ABC123" || first.Day() != 0 {
		t.Fatalf("expected the same day 0 room, got %+v and %+v", first, second)
	}
	if fixture.publisher.count(realtime.TableRooms) != 1 {
		t.Fatalf("expected only the insert to be announced")
	}
	if _, err := fixture.service.EnsureRoom(t.Context(), "bad"); err == nil {
		t.Fatalf("expected invalid room code to be rejected")
	}
}

func TestAdvanceRequiresCompletedDay(t *testing.T) {
	fixture := newWeekFixture(t)
	room, err := fixture.service.EnsureRoom(t.Context(), "ABC123")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	request := AdvanceRequest{RoomID: room.ID, SessionID: "session-1", From: 0, To: 1}

	_, err = fixture.service.Advance(t.Context(), request)
	if !errors.Is(err, ErrDayIncomplete) {
		t.Fatalf("expected ErrDayIncomplete, got %v", err)
	}

	five := []string{"a", "b", "c", "d", "e"}
	fixture.write(t, 0, sessions.PartnerA, games.RosesDoc{Notes: sessions.PairOf(five, []string{})})
	fixture.write(t, 0, sessions.PartnerB, games.RosesDoc{Notes: sessions.PairOf([]string{}, five)})

	result, err := fixture.service.Advance(t.Context(), request)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !result.Advanced || result.Room.CurrentDay != 1 || result.Room.CurrentStage != 1 {
		t.Fatalf("expected room on day 1, got %+v", result)
	}
}

func TestAdvanceLosingRaceIsBenign(t *testing.T) {
	fixture := newWeekFixture(t)
	room, err := fixture.service.EnsureRoom(t.Context(), "ABC123")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	five := []string{"a", "b", "c", "d", "e"}
	fixture.write(t, 0, sessions.PartnerA, games.RosesDoc{Notes: sessions.PairOf(five, []string{})})
	fixture.write(t, 0, sessions.PartnerB, games.RosesDoc{Notes: sessions.PairOf([]string{}, five)})

	request := AdvanceRequest{RoomID: room.ID, SessionID: "session-1", From: 0, To: 1}
	results := make([]AdvanceResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			results[index], errs[index] = fixture.service.Advance(t.Context(), request)
		}(i)
	}
	wg.Wait()

	advanced := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("advance %d: %v", i, errs[i])
		}
		if results[i].Room.CurrentDay != 1 {
			t.Fatalf("both callers should observe day 1, got %d", results[i].Room.CurrentDay)
		}
		if results[i].Advanced {
			advanced++
		}
	}
	if advanced != 1 {
		t.Fatalf("expected exactly one winning advance, got %d", advanced)
	}
}

func TestAdvanceRejectsSkippingDays(t *testing.T) {
	fixture := newWeekFixture(t)
	for _, request := range []AdvanceRequest{{From: 0, To: 2}, {From: 7, To: 8}, {From: 3, To: 3}, {From: -1, To: 0}} {
		if _, err := fixture.service.Advance(t.Context(), request); !errors.Is(err, ErrInvalidAdvance) {
			t.Fatalf("expected ErrInvalidAdvance for %d -> %d, got %v", request.From, request.To, err)
		}
	}
}

func TestHugDayWaitsForDuration(t *testing.T) {
	fixture := newWeekFixture(t)
	shown := *fixture.now
	fixture.write(t, 5, sessions.PartnerA, games.HugDoc{ShownAt: &shown, Done: true})

	checker := DocumentChecker{Store: fixture.store}
	complete, err := checker.DayComplete(t.Context(), "session-1", 5, shown.Add(5*time.Second))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if complete {
		t.Fatalf("hug must not be complete after five seconds")
	}
	complete, err = checker.DayComplete(t.Context(), "session-1", 5, shown.Add(10*time.Second))
	if err != nil || !complete {
		t.Fatalf("hug should be complete after ten seconds, got %v (%v)", complete, err)
	}
}

func TestRoomDayClamps(t *testing.T) {
	if (Room{CurrentDay: 12}).Day() != 7 {
		t.Fatalf("day should clamp to 7")
	}
	if (Room{CurrentDay: -3}).Day() != 0 {
		t.Fatalf("day should clamp to 0")
	}
	if (Room{CurrentStage: 4}).Day() != 4 {
		t.Fatalf("stage should back-fill a missing day")
	}
}
