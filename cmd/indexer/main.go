package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "indexer",
		Short:        "Flux garden staking indexer",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Index staking events and maintain derived state",
		RunE:  runIndexer,
	}

	runCmd.Flags().String("rpc", "", "chain RPC URL")
	runCmd.Flags().String("staking-contract", "", "staking contract address")
	runCmd.Flags().String("token-contract", "", "staking token address, read from stakingToken() when empty")
	runCmd.Flags().Uint64("from", 0, "start block (inclusive)")
	runCmd.Flags().Uint64("to", 0, "end block (inclusive), 0 follows the chain head")
	runCmd.Flags().Uint64("batch-size", 2000, "blocks per batch")
	runCmd.Flags().Uint64("confirmations", 12, "blocks to wait before indexing")
	runCmd.Flags().Duration("poll-interval", 12*time.Second, "wait between polls in follow mode")
	runCmd.Flags().Int("max-reorg-depth", 64, "deepest reorg handled before giving up")
	runCmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	runCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	runCmd.Flags().Uint64("lock-duration", 86400, "seconds a new stake stays locked")
	runCmd.Flags().String("topic0-map", "", "extra topic0->event mappings (comma-separated key=value)")
	runCmd.Flags().String("http-addr", "", "serve the query API on this address while indexing")
	addStoreFlags(runCmd)
	runCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the query API from an existing store",
		RunE:  runServe,
	}

	serveCmd.Flags().String("http-addr", ":8080", "listen address")
	addStoreFlags(serveCmd)
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(serveCmd)

	rebuildCmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute users and protocol totals from the event journal",
		RunE:  runRebuild,
	}

	rebuildCmd.Flags().Uint64("lock-duration", 86400, "seconds a new stake stays locked")
	addStoreFlags(rebuildCmd)
	rebuildCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(rebuildCmd)

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write the event journal as JSONL",
		RunE:  runExport,
	}

	exportCmd.Flags().String("out", "./data/journal.jsonl", "output JSONL path")
	addStoreFlags(exportCmd)
	exportCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(exportCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().String("store", "leveldb", "store backend (leveldb, postgres, memory)")
	cmd.Flags().String("db-path", "./data/flux-garden", "leveldb directory")
	cmd.Flags().String("pg-dsn", "", "Postgres DSN")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
