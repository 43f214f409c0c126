package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tendant/simple-variant/pkg/simplevariant/api"
	"github.com/tendant/simple-variant/pkg/simplevariant/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("configuration error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := cfg.NewLogger()

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			logger.Error("sentry init failed", "error", err)
			os.Exit(1)
		}
		// Flush buffered events before the process terminates.
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := cfg.BuildRuntime(ctx)
	if err != nil {
		logger.Error("failed to wire backends", "error", err)
		sentry.CaptureException(err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Warn("backend shutdown incomplete", "error", err)
		}
	}()

	svc, err := cfg.BuildService(rt, logger)
	if err != nil {
		logger.Error("failed to build service", "error", err)
		os.Exit(1)
	}

	router := api.NewRouter(svc, api.Options{
		Origins:           cfg.HTTP.Origins(),
		RateLimitMax:      cfg.HTTP.RateLimitMax,
		RateLimitDuration: cfg.HTTP.RateLimitDuration,
		ForbiddenPrefix:   cfg.HTTP.ResizedImagePath,
		Checks: []api.HealthCheck{
			{Name: "metadata", Pinger: rt.Repository},
			{Name: "broker", Pinger: rt.Queue},
		},
		Logger: logger,
	})

	httpServer := &http.Server{
		Addr:    net.JoinHostPort("", cfg.AppPort),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("image variant server starting",
			"port", cfg.AppPort,
			"environment", cfg.Environment,
			"database", cfg.Database.Type,
			"bucket", cfg.S3.Bucket)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Optionally run the resize worker inside the server process.
	workerErr := make(chan error, 1)
	if cfg.Worker.Embedded {
		wrk, err := cfg.BuildWorker(rt, logger)
		if err != nil {
			logger.Error("failed to build embedded worker", "error", err)
			os.Exit(1)
		}
		go func() {
			logger.Info("embedded resize worker starting", "concurrency", cfg.Worker.Concurrency)
			if err := wrk.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				workerErr <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
		sentry.CaptureException(err)
		stop()
	case err := <-workerErr:
		logger.Error("embedded worker error", "error", err)
		sentry.CaptureException(err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server exiting")
}
