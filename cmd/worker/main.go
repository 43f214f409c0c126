package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tendant/simple-variant/pkg/simplevariant"
	"github.com/tendant/simple-variant/pkg/simplevariant/config"
	"github.com/tendant/simple-variant/pkg/simplevariant/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("configuration error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := cfg.NewLogger()

	useSentry := cfg.SentryDSN != ""
	if useSentry {
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

	wrk, err := cfg.BuildWorker(rt, logger)
	if err != nil {
		logger.Error("failed to build worker", "error", err)
		os.Exit(1)
	}

	monitor := worker.NewMonitor(rt.Queue, logger)
	go monitor.Run(ctx)

	// Terminal job failures additionally go to Sentry; the worker's own
	// hook still runs the requeue policy.
	opts := wrk.ConsumeOptions()
	if useSentry {
		innerFailed := opts.Hooks.OnFailed
		opts.Hooks.OnFailed = func(ctx context.Context, job *simplevariant.Job, jobErr error) {
			sentry.CaptureException(jobErr)
			if innerFailed != nil {
				innerFailed(ctx, job, jobErr)
			}
		}
	}

	logger.Info("resize worker starting",
		"environment", cfg.Environment,
		"concurrency", cfg.Worker.Concurrency,
		"max_requeues", cfg.Worker.MaxRequeues)

	if err := rt.Queue.Consume(ctx, opts, wrk.Handle); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		sentry.CaptureException(err)
		os.Exit(1)
	}

	logger.Info("worker exiting")
}
