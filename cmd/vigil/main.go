package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"vigil/internal/config"
	"vigil/internal/logger"
	"vigil/internal/processor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger.Init(cfg.LogLevel)
	log := logger.WithComponent("main")

	// wait for termination signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := processor.New(cfg).Run(ctx); err != nil {
		log.Error().Err(err).Msg("processor exited")
		stop()
		os.Exit(1)
	}
	log.Info().Msg("exited")
}
