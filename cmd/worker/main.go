package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/maneesh/pkgrepo/internal/app"
	"github.com/maneesh/pkgrepo/internal/apperr"
	"github.com/maneesh/pkgrepo/internal/config"
	"github.com/maneesh/pkgrepo/internal/logging"
	"github.com/maneesh/pkgrepo/internal/sweeper"
	"github.com/maneesh/pkgrepo/internal/tracing"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(2)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	if err := run(log, cfg); err != nil {
		log.Error("worker failed", zap.Error(err))
		if apperr.Configuration.Has(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(log *zap.Logger, cfg *config.Config) error {
	log.Info("starting pkgrepo worker", zap.Int("concurrency", cfg.WorkerConcurrency), zap.Duration("sweep_interval", cfg.SweepInterval))

	shutdownTracer, err := tracing.InitTracer(log, tracing.Config{
		Enabled:     cfg.TracingEnabled,
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTelEndpoint,
		Component:   "worker",
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Warn("error shutting down tracer", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("error closing connections", zap.Error(err))
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return a.Worker().Run(groupCtx) })
	group.Go(func() error { return sweeper.New(log, a.Jobs()...).Run(groupCtx) })

	err = group.Wait()
	log.Info("worker exited")
	if ctx.Err() != nil {
		// interrupted
		return nil
	}
	return err
}
