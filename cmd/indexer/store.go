package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"fluxGarden/internal/config"
	"fluxGarden/internal/storage"
	"fluxGarden/internal/storage/leveldb"
	"fluxGarden/internal/storage/postgres"
)

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendLevelDB:
		logger.Info("open store", zap.String("backend", cfg.Backend), zap.String("path", cfg.DBPath))
		store, err := leveldb.Open(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendPostgres:
		logger.Info("open store", zap.String("backend", cfg.Backend), zap.String("pg_dsn", redactDSN(cfg.PGDSN)))
		store, err := postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendMemory:
		logger.Warn("open store: state is lost on exit", zap.String("backend", cfg.Backend))
		store, err := leveldb.OpenMemory()
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %q", cfg.Backend)
	}
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return dsn
	}
	return "***"
}
