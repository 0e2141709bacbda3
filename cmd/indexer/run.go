package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fluxGarden/internal/aggregate"
	"fluxGarden/internal/chain"
	"fluxGarden/internal/config"
	"fluxGarden/internal/indexer"
	"fluxGarden/internal/metrics"
	"fluxGarden/internal/query"
	"fluxGarden/internal/staking"
)

func runIndexer(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadRun(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return err
	}

	stakingContract, err := indexer.ParseAddress(cfg.StakingContract)
	if err != nil {
		return err
	}
	topic0Map, err := indexer.ParseTopic0Map(cfg.Topic0Map)
	if err != nil {
		return fmt.Errorf("topic0-map: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	tokenContract := cfg.TokenContract
	if tokenContract == "" {
		token, err := staking.FetchStakingToken(ctx, chainClient, stakingContract)
		if err != nil {
			logger.Warn("staking token lookup failed, token events disabled", zap.Error(err))
		} else {
			tokenContract = strings.ToLower(token.Hex())
		}
	}

	decoder, err := staking.NewDecoder(staking.DecoderConfig{
		StakingContract: cfg.StakingContract,
		TokenContract:   tokenContract,
		Topic0Map:       topic0Map,
	})
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	registry, m := metrics.NewRegistry()
	engine := aggregate.NewEngine(aggregate.Config{
		LockDuration: cfg.LockDuration,
		StakingToken: tokenContract,
	}, store, logger, m)

	runner := indexer.NewRunner(indexer.RunConfig{
		FromBlock:     cfg.FromBlock,
		ToBlock:       cfg.ToBlock,
		Addresses:     decoder.Addresses(),
		Topic0:        decoder.Topics(),
		BatchSize:     cfg.BatchSize,
		Confirmations: cfg.Confirmations,
		PollInterval:  cfg.PollInterval,
		MaxReorgDepth: cfg.MaxReorgDepth,
		MaxRetries:    cfg.MaxRetries,
		RetryBackoff:  cfg.RetryBackoff,
	}, chainClient, decoder, engine, logger, m)

	logger.Info("indexer start",
		zap.String("rpc", cfg.RPCURL),
		zap.String("staking_contract", cfg.StakingContract),
		zap.String("token_contract", tokenContract),
		zap.Uint64("from", cfg.FromBlock),
		zap.Uint64("to", cfg.ToBlock),
		zap.Uint64("batch_size", cfg.BatchSize),
		zap.Uint64("confirmations", cfg.Confirmations),
		zap.String("store", cfg.Store.Backend),
		zap.String("http_addr", cfg.HTTPAddr),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	indexCtx, stopIndexing := context.WithCancel(groupCtx)
	defer stopIndexing()

	group.Go(func() error {
		defer stopIndexing()
		err := runner.Run(indexCtx)
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			logger.Info("indexer stopped")
			return nil
		}
		return err
	})
	if cfg.HTTPAddr != "" {
		handler := query.NewServer(query.NewService(store), registry, logger).Handler()
		group.Go(func() error {
			return serveHTTP(indexCtx, cfg.HTTPAddr, handler, logger)
		})
	}
	return group.Wait()
}
