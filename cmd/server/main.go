package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/maneesh/pkgrepo/internal/app"
	"github.com/maneesh/pkgrepo/internal/apperr"
	"github.com/maneesh/pkgrepo/internal/config"
	"github.com/maneesh/pkgrepo/internal/logging"
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
		log.Error("server failed", zap.Error(err))
		if apperr.Configuration.Has(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(log *zap.Logger, cfg *config.Config) error {
	log.Info("starting pkgrepo api", zap.String("service", cfg.ServiceName), zap.String("port", cfg.ServicePort))

	shutdownTracer, err := tracing.InitTracer(log, tracing.Config{
		Enabled:     cfg.TracingEnabled,
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTelEndpoint,
		Component:   "api",
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := app.New(ctx, log, cfg)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("error closing connections", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:         ":" + cfg.ServicePort,
		Handler:      a.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return err
	}

	log.Info("shutting down server")
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("server forced to shutdown", zap.Error(err))
	}
	log.Info("server exited")
	return nil
}
