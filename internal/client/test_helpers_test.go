package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/auth"
	"github.com/MarcoPoloResearchLab/datenight/internal/catalog"
	"github.com/MarcoPoloResearchLab/datenight/internal/content"
	"github.com/MarcoPoloResearchLab/datenight/internal/database"
	"github.com/MarcoPoloResearchLab/datenight/internal/games"
	"github.com/MarcoPoloResearchLab/datenight/internal/progress"
	"github.com/MarcoPoloResearchLab/datenight/internal/realtime"
	"github.com/MarcoPoloResearchLab/datenight/internal/server"
	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
	"github.com/MarcoPoloResearchLab/datenight/internal/syncdoc"
	"github.com/MarcoPoloResearchLab/datenight/internal/week"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const waitTimeout = 5 * time.Second

// newBackend serves the full backend over httptest and returns a client for it.
func newBackend(t *testing.T) (*Client, *catalog.Catalog) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "client.db"), logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	cat := catalog.MustDefault()
	feed := realtime.NewFeed(nil)
	presence, err := realtime.NewPresence(realtime.PresenceConfig{Registry: realtime.NewMemoryRegistry()})
	if err != nil {
		t.Fatalf("failed to build presence: %v", err)
	}
	ids := sessions.NewUUIDProvider()
	sessionService, err := sessions.NewService(sessions.ServiceConfig{Database: db, IDProvider: ids, Publisher: feed})
	if err != nil {
		t.Fatalf("failed to build sessions service: %v", err)
	}
	tracker, err := progress.NewTracker(progress.TrackerConfig{Database: db, Sessions: sessionService, Publisher: feed})
	if err != nil {
		t.Fatalf("failed to build tracker: %v", err)
	}
	registry, err := games.NewRegistry(cat)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	store, err := syncdoc.NewStore(syncdoc.StoreConfig{Database: db, Registry: registry, Publisher: feed})
	if err != nil {
		t.Fatalf("failed to build document store: %v", err)
	}
	contentService, err := content.NewService(content.ServiceConfig{Database: db, Catalog: cat, IDProvider: ids, Publisher: feed})
	if err != nil {
		t.Fatalf("failed to build content service: %v", err)
	}
	weekService, err := week.NewService(week.ServiceConfig{
		Database:   db,
		IDProvider: ids,
		Checker:    week.DocumentChecker{Store: store},
		Publisher:  feed,
	})
	if err != nil {
		t.Fatalf("failed to build week service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("client-test-secret"),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:          sessionService,
		Progress:          tracker,
		Documents:         store,
		Content:           contentService,
		Week:              weekService,
		Feed:              feed,
		Broadcaster:       realtime.NewBroadcaster(nil),
		Presence:          presence,
		Tokens:            issuer,
		ShareBaseURL:      "https://datenight.test/join",
		HeartbeatInterval: time.Second,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	backend := httptest.NewServer(handler)
	t.Cleanup(backend.Close)

	c, err := New(backend.URL, WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return c, cat
}

// pair seats Ada and Grace in a fresh session.
func pair(t *testing.T, c *Client) (*Participant, *Participant) {
	t.Helper()
	ctx := context.Background()
	hostSeat, err := c.CreateSession(ctx, "Ada")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	guestSeat, err := c.JoinSession(ctx, hostSeat.Session.RoomCode, "Grace")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	return c.Participant(hostSeat), c.Participant(guestSeat)
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case value := <-ch:
		return value
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}
