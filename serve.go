package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tasklist-api/api"
	"tasklist-api/config"
	"tasklist-api/order"
	"tasklist-api/storage"
	"tasklist-api/telemetry"
)

const shutdownTimeout = 10 * time.Second

func runServe(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Options{
		Enabled:     cfg.TelemetryEnabled,
		Stdout:      cfg.TelemetryStdout,
		ServiceName: serviceName,
		Version:     version,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.WithError(err).Warn("telemetry shutdown")
		}
	}()

	store, err := openStore(ctx, cfg, logger, cfg.AutoMigrate)
	if err != nil {
		return err
	}
	defer store.Close()

	deps := api.Deps{Tasks: store, Health: store}
	opts := []order.Option{order.WithLogger(logger)}

	if cfg.RedisURL != "" {
		rc, err := newRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rc.Close()

		cache := storage.NewCache(store, rc, cfg.CacheTTL)
		deps.Tasks = cache
		deps.Deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
		opts = append(opts, order.WithOnChange(cache.Evict))
		if cfg.LockMode == config.LockRedis {
			opts = append(opts, order.WithLocker(storage.NewRedisLocker(rc, cfg.LockTTL)))
		}
		logger.WithField("lock", cfg.LockMode).Info("redis enabled")
	}

	deps.Orders = order.New(store, opts...)
	e := newServer(cfg, deps, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("listening")
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func newServer(cfg config.Config, deps api.Deps, logger *log.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = api.Serializer{}
	e.HTTPErrorHandler = api.ErrorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(api.AccessLog(logger))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderContentEncoding, api.HeaderIdempotencyKey},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
	}))
	e.Use(api.GzipRequestMiddleware())
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.ContextTimeoutWithConfig(middleware.ContextTimeoutConfig{
			Timeout: cfg.RequestTimeout,
		}))
	}

	api.Register(e, deps, logger)
	return e
}

func newRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rc := redis.NewClient(opts)
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rc, nil
}
