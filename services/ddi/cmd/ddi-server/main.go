package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"otad/pkg/telemetry"
	"otad/services/ddi"
)

func main() {
	if err := run("otad"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// .env is optional; real deployments use the environment directly.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := ddi.Load(ctx)
	if err != nil {
		return err
	}

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName, telemetry.Options{
		Endpoint: cfg.OTLPEndpoint,
		Level:    cfg.LogLevel,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()

	app, err := ddi.Build(ctx, cfg, logger, ddi.BuildOptions{
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
		Middleware: []func(http.Handler) http.Handler{middleware},
	})
	if err != nil {
		return err
	}
	defer app.Close()

	workers := make(chan error, 1)
	go func() { workers <- app.Run(ctx) }()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		select {
		case <-ctx.Done():
		case err := <-workers:
			if err != nil {
				logger.Error().Err(err).Msg("background worker failed")
			}
			stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Info().Str("addr", server.Addr).Str("version", ddi.Version).Msg("listening")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server failed")
		return err
	}
	return nil
}
