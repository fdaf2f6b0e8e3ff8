package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"otad/pkg/telemetry"
	"otad/services/agents/device"
)

func main() {
	configPath := flag.String("config", device.ConfigPath, "path to agent configuration file")
	level := flag.String("log-level", os.Getenv("LOG_LEVEL"), "log level")
	flag.Parse()

	logger, err := telemetry.NewLogger("device-agent", *level, os.Stdout)
	if err != nil {
		panic(err)
	}

	svc, err := device.NewService(*configPath, device.WithLogger(logger))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize agent")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("agent exited with error")
	}
}
