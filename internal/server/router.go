package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/auth"
	"github.com/MarcoPoloResearchLab/datenight/internal/content"
	"github.com/MarcoPoloResearchLab/datenight/internal/metrics"
	"github.com/MarcoPoloResearchLab/datenight/internal/progress"
	"github.com/MarcoPoloResearchLab/datenight/internal/realtime"
	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
	"github.com/MarcoPoloResearchLab/datenight/internal/syncdoc"
	"github.com/MarcoPoloResearchLab/datenight/internal/week"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	participantContextKey    = "datenight_participant"
	defaultHeartbeatInterval = 15 * time.Second
	defaultBroadcastInterval = 45 * time.Millisecond
)

var (
	errMissingSessions    = errors.New("sessions service dependency required")
	errMissingProgress    = errors.New("progress tracker dependency required")
	errMissingDocuments   = errors.New("document store dependency required")
	errMissingContent     = errors.New("content service dependency required")
	errMissingWeek        = errors.New("week service dependency required")
	errMissingFeed        = errors.New("change feed dependency required")
	errMissingBroadcaster = errors.New("broadcaster dependency required")
	errMissingPresence    = errors.New("presence dependency required")
	errMissingTokenIssuer = errors.New("token issuer dependency required")
)

type Dependencies struct {
	Sessions    *sessions.Service
	Progress    *progress.Tracker
	Documents   *syncdoc.Store
	Content     *content.Service
	Week        *week.Service
	Feed        *realtime.Feed
	Broadcaster *realtime.Broadcaster
	Presence    *realtime.Presence
	Tokens      *auth.TokenIssuer
	Metrics     *metrics.Collectors

	ShareBaseURL      string
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	// PollInterval and BroadcastInterval are handed to clients on /settings.
	PollInterval      time.Duration
	BroadcastInterval time.Duration
	Logger            *zap.Logger
}

func (d Dependencies) validate() error {
	switch {
	case d.Sessions == nil:
		return errMissingSessions
	case d.Progress == nil:
		return errMissingProgress
	case d.Documents == nil:
		return errMissingDocuments
	case d.Content == nil:
		return errMissingContent
	case d.Week == nil:
		return errMissingWeek
	case d.Feed == nil:
		return errMissingFeed
	case d.Broadcaster == nil:
		return errMissingBroadcaster
	case d.Presence == nil:
		return errMissingPresence
	case d.Tokens == nil:
		return errMissingTokenIssuer
	}
	return nil
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if err := registerValidators(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if deps.Metrics != nil {
		router.Use(deps.Metrics.Middleware())
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:     deps.Sessions,
		progress:     deps.Progress,
		documents:    deps.Documents,
		content:      deps.Content,
		week:         deps.Week,
		feed:         deps.Feed,
		broadcaster:  deps.Broadcaster,
		presence:     deps.Presence,
		tokens:       deps.Tokens,
		validator:    deps.Tokens.Validator(),
		shareBaseURL: strings.TrimSpace(deps.ShareBaseURL),
		origins:      origins,
		heartbeat:    heartbeat,
		settings:     newClientSettings(deps.PollInterval, deps.BroadcastInterval),
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	router.GET("/settings", handler.handleSettings)
	router.GET("/share/:code/qr.png", handler.handleShareQR)

	router.POST("/sessions", handler.handleCreateSession)
	router.POST("/sessions/join", handler.handleJoinSession)

	protected := router.Group("/sessions/:id")
	protected.Use(handler.authorizeParticipant)
	protected.GET("", handler.handleGetSession)
	protected.POST("/phase", handler.handleUpdatePhase)
	protected.POST("/love", handler.handleLoveMeter)
	protected.GET("/progress", handler.handleProgress)
	protected.POST("/rooms/:room/complete", handler.handleCompleteRoom)
	protected.POST("/rooms/:room/select", handler.handleSelectRoom)
	protected.POST("/reconcile", handler.handleReconcile)

	protected.GET("/documents/:doc", handler.handleReadDocument)
	protected.PUT("/documents/:doc", handler.handleWriteDocument)

	protected.GET("/messages", handler.handleListMessages)
	protected.POST("/messages", handler.handleAddMessage)
	protected.POST("/messages/prompt", handler.handleSendPrompt)
	protected.GET("/stars", handler.handleListStars)
	protected.POST("/stars", handler.handlePlaceStar)
	protected.POST("/stars/:star/label", handler.handleLabelStar)
	protected.GET("/capsules", handler.handleListCapsules)
	protected.POST("/capsules", handler.handlePlantCapsule)
	protected.POST("/capsules/:capsule/unlock", handler.handleUnlockCapsule)

	protected.POST("/week", handler.handleEnsureWeek)
	protected.POST("/week/advance", handler.handleAdvanceWeek)

	protected.GET("/stream", handler.handleStream)
	protected.GET("/socket", handler.handleSocket)

	return router, nil
}

type httpHandler struct {
	sessions     *sessions.Service
	progress     *progress.Tracker
	documents    *syncdoc.Store
	content      *content.Service
	week         *week.Service
	feed         *realtime.Feed
	broadcaster  *realtime.Broadcaster
	presence     *realtime.Presence
	tokens       *auth.TokenIssuer
	validator    *auth.ParticipantValidator
	shareBaseURL string
	origins      []string
	heartbeat    time.Duration
	settings     clientSettings
	logger       *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// clientSettings are the convergence timings participants should use.
type clientSettings struct {
	PollIntervalMillis      int64 `json:"poll_interval_ms"`
	BroadcastIntervalMillis int64 `json:"broadcast_interval_ms"`
}

func newClientSettings(poll, broadcast time.Duration) clientSettings {
	if poll <= 0 {
		poll = sessions.DefaultPollInterval
	}
	if broadcast <= 0 {
		broadcast = defaultBroadcastInterval
	}
	return clientSettings{
		PollIntervalMillis:      poll.Milliseconds(),
		BroadcastIntervalMillis: broadcast.Milliseconds(),
	}
}

func (h *httpHandler) handleSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.settings)
}

// authorizeParticipant admits requests whose token was issued for the session in the path.
func (h *httpHandler) authorizeParticipant(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Debug("participant token rejected", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if claims.SessionID != c.Param("id") {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Set(participantContextKey, claims.Participant())
	c.Next()
}

func participantFrom(c *gin.Context) auth.Participant {
	value, ok := c.Get(participantContextKey)
	if !ok {
		return auth.Participant{}
	}
	participant, _ := value.(auth.Participant)
	return participant
}

func badRequest(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
}
