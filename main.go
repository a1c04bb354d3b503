package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"floatingspheres/broker/internal/config"
	"floatingspheres/broker/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "spheres:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := newService(cfg, logger, time.Now)
	if err != nil {
		logger.Error("service construction failed", logging.Error(err))
		return err
	}
	if err := svc.Run(ctx); err != nil {
		logger.Error("service stopped with error", logging.Error(err))
		return err
	}
	logger.Info("service stopped")
	return nil
}
