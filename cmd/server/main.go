// Command server runs the clinic sync daemon: the shell cache, the dual
// backend data plane, the cross-context event bus and the notification
// pipeline behind one HTTP surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/clinicware/syncd/internal/infrastructure/config"
	"github.com/clinicware/syncd/internal/infrastructure/logging"
	"github.com/clinicware/syncd/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.LoadOrDefault()

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync()

	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.InstallShell(ctx); err != nil {
		logger.Warn("shell install failed; serving network-first until retried", zap.Error(err))
	}

	return srv.Run(ctx)
}
