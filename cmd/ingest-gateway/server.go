package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/ingest-gateway/internal/config"
	"github.com/ehr/ingest-gateway/internal/domain/callback"
	"github.com/ehr/ingest-gateway/internal/domain/ingest"
	"github.com/ehr/ingest-gateway/internal/platform/auth"
	"github.com/ehr/ingest-gateway/internal/platform/db"
	"github.com/ehr/ingest-gateway/internal/platform/events"
	"github.com/ehr/ingest-gateway/internal/platform/middleware"
	"github.com/ehr/ingest-gateway/internal/platform/problem"
	"github.com/ehr/ingest-gateway/internal/platform/telemetry"
	"github.com/ehr/ingest-gateway/internal/platform/webhook"
)

// server is the wired gateway. relay is nil unless RELAY_ENABLED is set.
type server struct {
	echo    *echo.Echo
	relay   *callback.Relay
	closers []func()
}

func (s *server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	srv := &server{}
	var healthChecks []db.Check

	// Stores
	var (
		pool    *pgxpool.Pool
		records ingest.Collection
		evts    callback.EventCollection
	)
	if cfg.UsesMemoryStore() {
		records = ingest.NewMemoryCollection()
		evts = callback.NewMemoryCollection()
		healthChecks = append(healthChecks, db.Check{Name: "store", Critical: true, Probe: func(context.Context) error { return nil }})
		logger.Warn().Msg("DATABASE_URL not set: using in-memory stores")
	} else {
		p, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		pool = p
		srv.closers = append(srv.closers, pool.Close)
		records = ingest.NewPGCollection(pool)
		evts = callback.NewPGCollection(pool)
		healthChecks = append(healthChecks, db.PoolCheck(pool))
		logger.Info().Msg("connected to database")
	}

	// Nonce cache
	var nonces auth.NonceCache = auth.NewMemoryNonceCache()
	if cfg.RedisURL != "" {
		client, err := auth.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			srv.Close()
			return nil, err
		}
		srv.closers = append(srv.closers, func() { client.Close() })
		redisNonces := auth.NewRedisNonceCache(client, "ingest-gateway:nonce:")
		nonces = redisNonces
		healthChecks = append(healthChecks, db.Check{Name: "redis", Probe: redisNonces.Ping})
		logger.Info().Msg("nonce cache backed by redis")
	}

	// Events
	var publisher events.Publisher = events.NopPublisher{}
	if brokers := events.ParseBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		kp := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:     brokers,
			IngestTopic: cfg.KafkaIngestTopic,
			StatusTopic: cfg.KafkaStatusTopic,
		}, logger)
		srv.closers = append(srv.closers, func() {
			if err := kp.Close(); err != nil {
				logger.Error().Err(err).Msg("close kafka publisher")
			}
		})
		publisher = kp
		logger.Info().Strs("brokers", brokers).Msg("publishing integration events to kafka")
	}

	// Domain
	ingestStore := ingest.NewStore(records)
	ingestSvc := ingest.NewService(ingestStore, publisher, logger)
	callbackSvc := callback.NewService(callback.NewStore(evts), ingestStore, publisher, logger)

	hmacCfg := cfg.HMAC()
	if cfg.RelayEnabled {
		srv.relay = callback.NewRelay(evts, webhook.NewSender(hmacCfg), callback.RelayConfig{
			Interval:    cfg.RelayInterval,
			BatchSize:   cfg.RelayBatchSize,
			MaxAttempts: cfg.RelayMaxAttempts,
			Timeout:     cfg.RelayTimeout,
		}, logger)
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = problem.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Metrics())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{
			"Authorization", "Content-Type", middleware.RequestIDHeader,
			hmacCfg.SignatureHeader, hmacCfg.TimestampHeader, hmacCfg.NonceHeader,
			callback.HeaderResourceType, callback.HeaderResourceID, callback.HeaderCorrelationID,
		},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	// Auth middleware
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		e.Use(auth.DevAuthMiddleware(cfg.DevClientID))
	} else {
		jwtCfg, err := auth.ResolveJWKS(ctx, auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSignKey),
			Skipper:    auth.AuthSkipper,
		})
		if err != nil {
			srv.Close()
			return nil, err
		}
		logger.Info().Str("issuer", jwtCfg.Issuer).Str("jwks_url", jwtCfg.JWKSURL).Msg("bearer token validation configured")
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	// Public endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool, healthChecks...))
	e.GET("/metrics", telemetry.Handler())

	// API
	hmacCfg.Skipper = auth.AuthSkipper
	apiV1 := e.Group("/api/v1",
		middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		}),
		auth.HMACMiddleware(hmacCfg, nonces, logger),
	)
	ingest.NewHandler(ingestSvc).RegisterRoutes(apiV1)
	callback.NewHandler(callbackSvc).RegisterRoutes(apiV1)

	srv.echo = e
	return srv, nil
}
