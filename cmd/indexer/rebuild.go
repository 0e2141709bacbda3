package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fluxGarden/internal/aggregate"
	"fluxGarden/internal/config"
)

func runRebuild(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadMaintenance(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	engine := aggregate.NewEngine(aggregate.Config{LockDuration: cfg.LockDuration}, store, logger, nil)
	stats, err := engine.Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}

	logger.Info("rebuild done",
		zap.Int("events", stats.Events),
		zap.Int("users", stats.Users),
		zap.Int("warnings", stats.Warnings),
	)
	return nil
}
