package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/auth"
	"github.com/MarcoPoloResearchLab/datenight/internal/catalog"
	"github.com/MarcoPoloResearchLab/datenight/internal/content"
	"github.com/MarcoPoloResearchLab/datenight/internal/database"
	"github.com/MarcoPoloResearchLab/datenight/internal/games"
	"github.com/MarcoPoloResearchLab/datenight/internal/metrics"
	"github.com/MarcoPoloResearchLab/datenight/internal/progress"
	"github.com/MarcoPoloResearchLab/datenight/internal/realtime"
	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
	"github.com/MarcoPoloResearchLab/datenight/internal/syncdoc"
	"github.com/MarcoPoloResearchLab/datenight/internal/week"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const testShareBaseURL = "https://datenight.test/join"

type testServer struct {
	server  *httptest.Server
	deps    Dependencies
	catalog *catalog.Catalog
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	cat := catalog.MustDefault()
	collectors := metrics.New()
	feed := realtime.NewFeed(collectors)
	broadcaster := realtime.NewBroadcaster(collectors)
	presence, err := realtime.NewPresence(realtime.PresenceConfig{
		Registry: realtime.NewMemoryRegistry(),
		Observer: collectors,
	})
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
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	deps := Dependencies{
		Sessions:          sessionService,
		Progress:          tracker,
		Documents:         store,
		Content:           contentService,
		Week:              weekService,
		Feed:              feed,
		Broadcaster:       broadcaster,
		Presence:          presence,
		Tokens:            issuer,
		Metrics:           collectors,
		ShareBaseURL:      testShareBaseURL,
		HeartbeatInterval: 50 * time.Millisecond,
		Logger:            logger,
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testServer{server: server, deps: deps, catalog: cat}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return response.StatusCode, payload
}

func decode[T any](t *testing.T, payload []byte) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(payload, &value); err != nil {
		t.Fatalf("failed to decode %s: %v", payload, err)
	}
	return value
}

type seat struct {
	Session     sessions.Session `json:"session"`
	Role        sessions.Role    `json:"role"`
	AccessToken string           `json:"access_token"`
}

// pair creates a session and joins it, returning both seats.
func (s *testServer) pair(t *testing.T) (seat, seat) {
	t.Helper()
	status, payload := s.do(t, http.MethodPost, "/sessions", "", gin.H{"name": "Ada"})
	if status != http.StatusCreated {
		t.Fatalf("create returned %d: %s", status, payload)
	}
	host := decode[seat](t, payload)
	status, payload = s.do(t, http.MethodPost, "/sessions/join", "", gin.H{"code": host.Session.RoomCode, "name": "Grace"})
	if status != http.StatusOK {
		t.Fatalf("join returned %d: %s", status, payload)
	}
	guest := decode[seat](t, payload)
	return host, guest
}
