package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/auth"
	"github.com/MarcoPoloResearchLab/datenight/internal/catalog"
	"github.com/MarcoPoloResearchLab/datenight/internal/config"
	"github.com/MarcoPoloResearchLab/datenight/internal/content"
	"github.com/MarcoPoloResearchLab/datenight/internal/games"
	"github.com/MarcoPoloResearchLab/datenight/internal/metrics"
	"github.com/MarcoPoloResearchLab/datenight/internal/progress"
	"github.com/MarcoPoloResearchLab/datenight/internal/realtime"
	"github.com/MarcoPoloResearchLab/datenight/internal/server"
	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
	"github.com/MarcoPoloResearchLab/datenight/internal/syncdoc"
	"github.com/MarcoPoloResearchLab/datenight/internal/week"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const redisPingTimeout = 5 * time.Second

// app is the wired backend.
type app struct {
	Handler http.Handler
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func buildApp(ctx context.Context, cfg config.AppConfig, db *gorm.DB, logger *zap.Logger) (*app, error) {
	built := &app{}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}

	collectors := metrics.New()
	feed := realtime.NewFeed(collectors)
	broadcaster := realtime.NewBroadcaster(collectors)

	registry, heartbeat, closeRegistry, err := buildPresenceRegistry(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if closeRegistry != nil {
		built.closers = append(built.closers, closeRegistry)
	}
	presence, err := realtime.NewPresence(realtime.PresenceConfig{
		Registry:  registry,
		Heartbeat: heartbeat,
		Observer:  collectors,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	ids := sessions.NewUUIDProvider()
	sessionService, err := sessions.NewService(sessions.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ids,
		Publisher:  feed,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	tracker, err := progress.NewTracker(progress.TrackerConfig{
		Database:  db,
		Sessions:  sessionService,
		Publisher: feed,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	kinds, err := games.NewRegistry(cat)
	if err != nil {
		return nil, err
	}
	store, err := syncdoc.NewStore(syncdoc.StoreConfig{
		Database:  db,
		Registry:  kinds,
		Publisher: feed,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	contentService, err := content.NewService(content.ServiceConfig{
		Database:   db,
		Catalog:    cat,
		IDProvider: ids,
		Publisher:  feed,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	weekService, err := week.NewService(week.ServiceConfig{
		Database:   db,
		IDProvider: ids,
		Checker:    week.DocumentChecker{Store: store},
		Publisher:  feed,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.SigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      cfg.TokenTTL,
	})
	if err != nil {
		return nil, err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
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
		ShareBaseURL:      cfg.ShareBaseURL,
		AllowedOrigins:    cfg.AllowedOrigins,
		PollInterval:      cfg.PollInterval,
		BroadcastInterval: cfg.BroadcastInterval,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	built.Handler = handler
	return built, nil
}

// buildPresenceRegistry picks the Redis registry when an address is configured
// and the in-memory one otherwise. The Redis client is pinged up front so a
// bad address fails at startup instead of on the first track.
func buildPresenceRegistry(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (realtime.Registry, time.Duration, func() error, error) {
	if cfg.RedisAddress == "" {
		return realtime.NewMemoryRegistry(), 0, nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, 0, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddress, err)
	}
	registry, err := realtime.NewRedisRegistry(rdb, cfg.PresenceTTL, nil)
	if err != nil {
		_ = rdb.Close()
		return nil, 0, nil, err
	}
	logger.Info("presence backed by redis", zap.String("address", cfg.RedisAddress), zap.Duration("ttl", cfg.PresenceTTL))
	return registry, registry.HeartbeatInterval(), rdb.Close, nil
}
