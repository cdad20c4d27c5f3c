// Command fixengine runs the crisis fix-lifecycle engine: the proposer,
// autonomy router, approval gate, fix actuator/verifier, the C8 defense
// sub-chain, and the audit mirror, all wired against one bus backend and one
// Postgres-backed event store (§6 Configuration), grounded in the teacher's
// cmd/appserver/main.go lifecycle (load config, build Application, Start,
// wait on a signal, Stop with a bounded shutdown timeout).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Rayyan0080/crisisgrid/internal/app"
	"github.com/Rayyan0080/crisisgrid/internal/config"
	"github.com/Rayyan0080/crisisgrid/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fixengine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New("fixengine", cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()
	application, err := app.New(ctx, &cfg, log)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start application: %w", err)
	}
	log.WithFields(map[string]interface{}{
		"bus_backend": cfg.BusBackend,
		"http_addr":   cfg.HTTPAddr,
	}).Info("fixengine: running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("fixengine: shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("fixengine: stopped cleanly")
	return nil
}
