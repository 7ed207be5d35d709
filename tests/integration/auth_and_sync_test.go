package integration_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/auth"
	"github.com/MarcoPoloResearchLab/datenight/internal/catalog"
	"github.com/MarcoPoloResearchLab/datenight/internal/client"
	"github.com/MarcoPoloResearchLab/datenight/internal/content"
	"github.com/MarcoPoloResearchLab/datenight/internal/database"
	"github.com/MarcoPoloResearchLab/datenight/internal/games"
	"github.com/MarcoPoloResearchLab/datenight/internal/metrics"
	"github.com/MarcoPoloResearchLab/datenight/internal/progress"
	"github.com/MarcoPoloResearchLab/datenight/internal/realtime"
	"github.com/MarcoPoloResearchLab/datenight/internal/server"
	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
	"github.com/MarcoPoloResearchLab/datenight/internal/syncdoc"
	"github.com/MarcoPoloResearchLab/datenight/internal/week"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	signingSecret = "integration-secret"
	waitTimeout   = 5 * time.Second
)

func startBackend(testContext *testing.T) (*client.Client, *catalog.Catalog) {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	db, err := database.Open(database.Options{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(testContext.TempDir(), "integration.db"),
		Logger: logger,
	})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	cat := catalog.MustDefault()
	collectors := metrics.New()
	feed := realtime.NewFeed(collectors)
	presence, err := realtime.NewPresence(realtime.PresenceConfig{Registry: realtime.NewMemoryRegistry(), Observer: collectors})
	if err != nil {
		testContext.Fatalf("failed to build presence: %v", err)
	}
	ids := sessions.NewUUIDProvider()
	sessionService, err := sessions.NewService(sessions.ServiceConfig{Database: db, IDProvider: ids, Publisher: feed, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build sessions service: %v", err)
	}
	tracker, err := progress.NewTracker(progress.TrackerConfig{Database: db, Sessions: sessionService, Publisher: feed, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build tracker: %v", err)
	}
	kinds, err := games.NewRegistry(cat)
	if err != nil {
		testContext.Fatalf("failed to build document kinds: %v", err)
	}
	store, err := syncdoc.NewStore(syncdoc.StoreConfig{Database: db, Registry: kinds, Publisher: feed, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build document store: %v", err)
	}
	contentService, err := content.NewService(content.ServiceConfig{Database: db, Catalog: cat, IDProvider: ids, Publisher: feed, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build content service: %v", err)
	}
	weekService, err := week.NewService(week.ServiceConfig{
		Database:   db,
		IDProvider: ids,
		Checker:    week.DocumentChecker{Store: store},
		Publisher:  feed,
		Logger:     logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build week service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:     sessionService,
		Progress:     tracker,
		Documents:    store,
		Content:      contentService,
		Week:         weekService,
		Feed:         feed,
		Broadcaster:  realtime.NewBroadcaster(collectors),
		Presence:     presence,
		Tokens:       issuer,
		Metrics:      collectors,
		ShareBaseURL: "https://datenight.test/join",
		Logger:       logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	testServer := httptest.NewServer(handler)
	testContext.Cleanup(testServer.Close)

	sdk, err := client.New(testServer.URL)
	if err != nil {
		testContext.Fatalf("failed to build client: %v", err)
	}
	return sdk, cat
}

func mintToken(testContext *testing.T, sessionID string, role sessions.Role, expiresAt time.Time) string {
	testContext.Helper()
	claims := auth.ParticipantClaims{
		SessionID: sessionID,
		Role:      role,
		Name:      "Mallory",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    auth.DefaultIssuer,
			Audience:  jwt.ClaimStrings{auth.DefaultAudience},
			IssuedAt:  jwt.NewNumericDate(expiresAt.Add(-time.Hour)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingSecret))
	if err != nil {
		testContext.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

// participantView is everything one participant's SDK observes.
type participantView struct {
	participant *client.Participant
	session     *client.SessionFollower
	progress    *client.ProgressFollower
	socket      *client.Socket
	phases      chan sessions.Phase
	synced      chan struct{}
}

func follow(testContext *testing.T, participant *client.Participant) *participantView {
	testContext.Helper()
	view := &participantView{
		participant: participant,
		phases:      make(chan sessions.Phase, 32),
		synced:      make(chan struct{}, 4),
	}
	view.session = participant.FollowSession(func(session sessions.Session) {
		select {
		case view.phases <- session.CurrentPhase:
		default:
		}
	}, 50*time.Millisecond)
	view.progress = participant.FollowProgress(nil)
	view.socket = participant.Socket("room", client.Handlers{
		OnChange: func(change realtime.Change) {
			view.session.HandleChange(change)
			view.progress.HandleChange(change)
		},
		OnPresence: func(frame client.Frame) {
			if frame.Type == client.FramePresenceSync {
				select {
				case view.synced <- struct{}{}:
				default:
				}
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	go func() {
		_ = view.session.Run(ctx)
		done <- struct{}{}
	}()
	go func() {
		_ = view.socket.Run(ctx)
		done <- struct{}{}
	}()
	testContext.Cleanup(func() {
		cancel()
		<-done
		<-done
	})

	select {
	case <-view.synced:
	case <-time.After(waitTimeout):
		testContext.Fatalf("socket never delivered its presence snapshot")
	}
	return view
}

func (v *participantView) waitPhase(testContext *testing.T, phase sessions.Phase) {
	testContext.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case observed := <-v.phases:
			if observed == phase {
				return
			}
		case <-deadline:
			testContext.Fatalf("timed out waiting for phase %s, current %s", phase, v.session.Current().CurrentPhase)
		}
	}
}

func TestTwoParticipantJourney(testContext *testing.T) {
	sdk, cat := startBackend(testContext)
	ctx := context.Background()

	hostSeat, err := sdk.CreateSession(ctx, "Ada")
	if err != nil {
		testContext.Fatalf("create failed: %v", err)
	}
	host := follow(testContext, sdk.Participant(hostSeat))

	guestSeat, err := sdk.JoinSession(ctx, hostSeat.Session.RoomCode, "Grace")
	if err != nil {
		testContext.Fatalf("join failed: %v", err)
	}
	guest := follow(testContext, sdk.Participant(guestSeat))

	host.waitPhase(testContext, sessions.PhaseDoor)
	if !host.session.Current().HasPartner() {
		testContext.Fatalf("host never saw the partner arrive")
	}

	for _, view := range []*participantView{host, guest} {
		door := client.FollowDocument(view.participant, games.DocDoor, games.DoorKind(cat.Door.Key), nil)
		if _, err := door.Edit(ctx, func(doc games.DoorDoc) games.DoorDoc {
			doc.Inputs.Set(view.participant.Role(), cat.Door.Key)
			return doc
		}); err != nil {
			testContext.Fatalf("door edit failed: %v", err)
		}
	}
	if _, err := host.participant.UpdatePhase(ctx, sessions.PhaseLobby); err != nil {
		testContext.Fatalf("phase update failed: %v", err)
	}
	guest.waitPhase(testContext, sessions.PhaseLobby)

	for _, room := range progress.Sequence {
		if _, err := guest.participant.SelectRoom(ctx, room); err != nil {
			testContext.Fatalf("select %s failed: %v", room, err)
		}
		if _, err := host.participant.CompleteRoom(ctx, room); err != nil {
			testContext.Fatalf("complete %s failed: %v", room, err)
		}
	}

	guest.waitPhase(testContext, sessions.PhaseTheEnd)
	if love := guest.session.Current().LoveMeter; love != sessions.LoveMeterMax {
		testContext.Fatalf("expected a full love meter, got %d", love)
	}
	deadline := time.Now().Add(waitTimeout)
	for len(guest.progress.Completed()) != len(progress.Sequence) {
		if time.Now().After(deadline) {
			testContext.Fatalf("guest saw only %v completed", guest.progress.Completed())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := guest.progress.NextRoom(); ok {
		testContext.Fatalf("expected nothing left to unlock")
	}
}

func TestForeignAndExpiredTokensAreRejected(testContext *testing.T) {
	sdk, _ := startBackend(testContext)
	ctx := context.Background()

	first, err := sdk.CreateSession(ctx, "Ada")
	if err != nil {
		testContext.Fatalf("create failed: %v", err)
	}
	second, err := sdk.CreateSession(ctx, "Grace")
	if err != nil {
		testContext.Fatalf("second create failed: %v", err)
	}

	foreign := sdk.Participant(client.Seat{
		Session:     first.Session,
		Role:        sessions.PartnerB,
		AccessToken: second.AccessToken,
	})
	if _, err := foreign.Session(ctx); !client.IsLabel(err, "forbidden") {
		testContext.Fatalf("expected forbidden for a token of another session, got %v", err)
	}

	expired := sdk.Participant(client.Seat{
		Session:     first.Session,
		Role:        sessions.PartnerA,
		AccessToken: mintToken(testContext, first.Session.ID, sessions.PartnerA, time.Now().Add(-time.Minute)),
	})
	if _, err := expired.Session(ctx); !client.IsLabel(err, "unauthorized") {
		testContext.Fatalf("expected unauthorized for an expired token, got %v", err)
	}

	minted := sdk.Participant(client.Seat{
		Session:     first.Session,
		Role:        sessions.PartnerA,
		AccessToken: mintToken(testContext, first.Session.ID, sessions.PartnerA, time.Now().Add(time.Hour)),
	})
	session, err := minted.Session(ctx)
	if err != nil {
		testContext.Fatalf("expected a freshly minted token to pass, got %v", err)
	}
	if session.ID != first.Session.ID {
		testContext.Fatalf("unexpected session %s", session.ID)
	}
}
