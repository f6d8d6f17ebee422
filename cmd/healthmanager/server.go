package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ohm/healthmanager/internal/account"
	"github.com/ohm/healthmanager/internal/bootstrap"
	"github.com/ohm/healthmanager/internal/config"
	"github.com/ohm/healthmanager/internal/platform/db"
	"github.com/ohm/healthmanager/internal/platform/fhirstore"
	"github.com/ohm/healthmanager/internal/platform/middleware"
	"github.com/ohm/healthmanager/internal/platform/restful"
)

const version = "0.1.0"

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// resources are the external connections a server holds.
type resources struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

func (r *resources) Close() {
	if r.redis != nil {
		r.redis.Close()
	}
	if r.pool != nil {
		r.pool.Close()
	}
}

func openResources(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*resources, error) {
	res := &resources{}
	if cfg.Store == config.StorePostgres {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		res.pool = pool
		logger.Info().Msg("connected to database")
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			res.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			res.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		res.redis = client
		logger.Info().Str("addr", opt.Addr).Msg("connected to redis")
	}
	return res, nil
}

// newServer assembles the HTTP server for cfg on the given connections. A
// nil pool selects the in-memory store.
func newServer(ctx context.Context, cfg *config.Config, res *resources, logger zerolog.Logger) (*echo.Echo, error) {
	key, err := cfg.SigningKey()
	if err != nil {
		return nil, err
	}
	signer, err := account.NewTokenSigner(key, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}

	var backend fhirstore.Backend = fhirstore.NewMemoryBackend()
	if res.pool != nil {
		backend = fhirstore.NewPostgresBackend(res.pool)
	}
	registry := fhirstore.NewRegistry(backend)
	processor := fhirstore.NewProcessor(registry, logger)

	var cache account.Cache = account.NewMemoryCache(cfg.AccountCacheTTL)
	if res.redis != nil {
		cache = account.NewRedisCache(res.redis, cfg.AccountCacheTTL)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = restful.JSONSerializer{}
	e.HTTPErrorHandler = restful.HTTPErrorHandler(logger)

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader, account.SourceHeader, "If-Match", "If-None-Match", "Prefer"},
	}))

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}

	server := restful.NewServer(e, registry, processor, restful.Options{
		BasePath:      "/fhir",
		ServerAddress: cfg.ServerAddress,
		Logger:        logger,
		Middleware: []echo.MiddlewareFunc{
			middleware.RateLimit(rateLimitCfg),
			middleware.BodyLimit(cfg.BodyLimit, cfg.BundleBodyLimit, "/fhir"),
		},
	})

	boot, err := bootstrap.New(server, bootstrap.Dependencies{
		Patients:       registry.Patients(),
		Bundles:        registry.Bundles(),
		MessageHeaders: registry.MessageHeaders(),
		Processor:      processor,
		DAOs:           registry,
		Signer:         signer,
		Cache:          cache,
		ServerAddress:  cfg.ServerAddress,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	if err := boot.Initialize(ctx); err != nil {
		return nil, err
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"store":   cfg.Store,
			"version": version,
		})
	})
	if res.pool != nil {
		e.GET("/health/db", db.HealthHandler(res.pool, logger))
	}
	return e, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		l := newLogger(nil)
		l.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	res, err := openResources(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open connections")
	}
	defer res.Close()

	e, err := newServer(ctx, cfg, res, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize server")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.Store).Str("base", cfg.ServerAddress).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
