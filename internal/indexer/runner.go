package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"fluxGarden/internal/aggregate"
	"fluxGarden/internal/chain"
	"fluxGarden/internal/metrics"
	"fluxGarden/internal/model"
	"fluxGarden/internal/storage"
)

// errChainMoved means a fetched log belongs to a block that is no longer canonical.
var errChainMoved = errors.New("chain moved during fetch")

// RunConfig holds runtime settings for the indexer. A zero ToBlock follows
// the chain head until the context is cancelled.
type RunConfig struct {
	FromBlock     uint64
	ToBlock       uint64
	Addresses     []common.Address
	Topic0        []common.Hash
	BatchSize     uint64
	Confirmations uint64
	PollInterval  time.Duration
	MaxReorgDepth int
	MaxRetries    int
	RetryBackoff  time.Duration
}

// LogSource is the chain access the runner needs. *chain.Client implements it.
type LogSource interface {
	GetChainID(ctx context.Context) (*big.Int, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
	Block(ctx context.Context, number uint64) (chain.BlockInfo, error)
	ForgetFrom(number uint64)
}

// Decoder turns normalized logs into typed events.
type Decoder interface {
	CanDecode(topic0 string) bool
	Decode(log model.LogRecord) (*model.ContractEvent, error)
}

// Sink receives events in chain order. *aggregate.Engine implements it.
type Sink interface {
	Apply(ctx context.Context, ev *model.ContractEvent) (bool, error)
	Seal(ctx context.Context, ref model.BlockRef) error
	Cursor(ctx context.Context) (model.Cursor, bool, error)
	RecentBlocks(ctx context.Context, block uint64, limit int) ([]model.BlockRef, error)
	Rollback(ctx context.Context, fromBlock uint64) (aggregate.RebuildStats, error)
}

// Runner streams logs from the chain, decodes them and hands them to the sink.
type Runner struct {
	cfg     RunConfig
	chain   LogSource
	decoder Decoder
	sink    Sink
	logger  *zap.Logger
	metrics *metrics.Indexer
}

// NewRunner builds a Runner with its dependencies.
func NewRunner(cfg RunConfig, source LogSource, decoder Decoder, sink Sink, logger *zap.Logger, m *metrics.Indexer) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxReorgDepth <= 0 {
		cfg.MaxReorgDepth = 64
	}
	return &Runner{
		cfg:     cfg,
		chain:   source,
		decoder: decoder,
		sink:    sink,
		logger:  logger,
		metrics: m,
	}
}

// Run executes the indexing loop. With ToBlock set it returns once that block
// is sealed; otherwise it polls until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if r.chain == nil {
		return fmt.Errorf("chain client is nil")
	}
	if r.decoder == nil || r.sink == nil {
		return fmt.Errorf("decoder and sink are required")
	}
	if r.cfg.BatchSize == 0 {
		return fmt.Errorf("batch size must be greater than zero")
	}
	if len(r.cfg.Addresses) == 0 {
		return fmt.Errorf("at least one address is required")
	}
	if r.cfg.ToBlock != 0 && r.cfg.ToBlock < r.cfg.FromBlock {
		return fmt.Errorf("to block must be >= from block")
	}

	var chainID *big.Int
	err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		chainID, err = r.chain.GetChainID(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("get chain id: %w", err)
	}
	if !chainID.IsUint64() {
		return fmt.Errorf("chain id does not fit in uint64: %s", chainID)
	}

	for {
		done, err := r.poll(ctx, chainID.Uint64())
		switch {
		case errors.Is(err, errChainMoved):
			r.logger.Warn("chain moved while fetching, restarting poll", zap.Error(err))
		case err != nil:
			return err
		case done:
			return nil
		}

		if err := sleep(ctx, r.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// poll syncs everything between the cursor and the confirmed head once.
func (r *Runner) poll(ctx context.Context, chainID uint64) (bool, error) {
	if err := r.checkReorg(ctx); err != nil {
		return false, err
	}

	head, err := r.latestWithRetry(ctx)
	if err != nil {
		return false, fmt.Errorf("get latest block: %w", err)
	}
	r.metrics.SetHeadBlock(head)

	cursor, ok, err := r.sink.Cursor(ctx)
	if err != nil {
		return false, fmt.Errorf("load cursor: %w", err)
	}
	from := r.cfg.FromBlock
	if ok && cursor.NextBlock() > from {
		from = cursor.NextBlock()
	}
	if r.cfg.ToBlock != 0 && from > r.cfg.ToBlock {
		r.logger.Info("nothing to sync", zap.Uint64("from", from), zap.Uint64("to", r.cfg.ToBlock))
		return true, nil
	}

	confirmed, ok := ConfirmedHead(head, r.cfg.Confirmations)
	if !ok {
		return false, nil
	}
	to := Target(confirmed, r.cfg.ToBlock)
	if from > to {
		r.logger.Debug("waiting for blocks", zap.Uint64("from", from), zap.Uint64("confirmed_head", confirmed))
		return false, nil
	}

	ranges, err := SplitRange(from, to, r.cfg.BatchSize)
	if err != nil {
		return false, err
	}
	for _, blockRange := range ranges {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}
		if err := r.syncRange(ctx, chainID, blockRange); err != nil {
			return false, err
		}
	}

	return r.cfg.ToBlock != 0 && to == r.cfg.ToBlock, nil
}

func (r *Runner) syncRange(ctx context.Context, chainID uint64, blockRange BlockRange) error {
	r.logger.Info("fetch logs", zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))

	logs, err := r.filterLogsWithRetry(ctx, blockRange.From, blockRange.To)
	if err != nil {
		return fmt.Errorf("filter logs: %w", err)
	}

	var applied, skipped, failed int
	seen := make(map[uint64]string)
	for _, log := range sortLogs(logs) {
		block, err := r.blockWithRetry(ctx, log.BlockNumber)
		if err != nil {
			return fmt.Errorf("block %d: %w", log.BlockNumber, err)
		}
		if !strings.EqualFold(block.Hash, log.BlockHash.Hex()) {
			r.chain.ForgetFrom(log.BlockNumber)
			return fmt.Errorf("%w: log in block %d has hash %s, canonical is %s",
				errChainMoved, log.BlockNumber, log.BlockHash.Hex(), block.Hash)
		}
		seen[log.BlockNumber] = block.Hash

		record := buildLogRecord(chainID, log, block.Timestamp)
		if !r.decoder.CanDecode(record.Topic0()) {
			skipped++
			continue
		}
		ev, err := r.decoder.Decode(record)
		if err != nil {
			failed++
			r.metrics.DecodeError(strings.ToLower(record.Address))
			decodeErr := model.NewDecodeError(record, err)
			r.logger.Warn("decode log failed",
				zap.Stringer("position", record.Position()),
				zap.Uint64("block_number", decodeErr.BlockNumber),
				zap.String("tx_hash", decodeErr.TxHash),
				zap.Uint64("log_index", decodeErr.LogIndex),
				zap.String("address", decodeErr.Address),
				zap.String("topic0", decodeErr.Topic0),
				zap.String("error", decodeErr.Error),
			)
			continue
		}

		ok, err := r.applyWithRetry(ctx, ev)
		if err != nil {
			return fmt.Errorf("apply %s at %s: %w", ev.ID(), ev.Position(), err)
		}
		if ok {
			applied++
		} else {
			skipped++
		}
	}

	// Headers are re-read so the sealed hash and the applied blocks come from the same chain.
	r.chain.ForgetFrom(blockRange.From)
	end, err := r.blockWithRetry(ctx, blockRange.To)
	if err != nil {
		return fmt.Errorf("block %d: %w", blockRange.To, err)
	}
	if err := r.verifyBlocks(ctx, seen); err != nil {
		return err
	}
	err = withRetryIf(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, storage.IsStorageError, func(ctx context.Context) error {
		return r.sink.Seal(ctx, model.BlockRef{Number: end.Number, Hash: end.Hash})
	})
	if err != nil {
		return fmt.Errorf("seal block %d: %w", blockRange.To, err)
	}

	r.logger.Info("batch complete",
		zap.Int("logs", len(logs)),
		zap.Int("applied", applied),
		zap.Int("skipped", skipped),
		zap.Int("failed", failed),
		zap.Uint64("from", blockRange.From),
		zap.Uint64("to", blockRange.To),
	)
	return nil
}

// verifyBlocks checks that every block whose logs were applied is still canonical.
func (r *Runner) verifyBlocks(ctx context.Context, seen map[uint64]string) error {
	for number, hash := range seen {
		current, err := r.blockWithRetry(ctx, number)
		if err != nil {
			return fmt.Errorf("block %d: %w", number, err)
		}
		if !strings.EqualFold(current.Hash, hash) {
			r.chain.ForgetFrom(number)
			return fmt.Errorf("%w: block %d replaced before seal, was %s, canonical is %s",
				errChainMoved, number, hash, current.Hash)
		}
	}
	return nil
}

// checkReorg compares every recorded block inside the reorg window with the
// chain and rolls back past the oldest one that was replaced.
func (r *Runner) checkReorg(ctx context.Context) error {
	cursor, ok, err := r.sink.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if !ok {
		return nil
	}
	tip := cursor.Position.Block

	refs, err := r.sink.RecentBlocks(ctx, tip, r.cfg.MaxReorgDepth)
	if err != nil {
		return fmt.Errorf("load recent blocks: %w", err)
	}
	if len(refs) == 0 {
		return nil
	}
	r.chain.ForgetFrom(refs[len(refs)-1].Number)

	from, replaced, err := r.forkPoint(ctx, tip, refs)
	if err != nil || replaced == nil {
		return err
	}

	r.logger.Warn("chain reorganization detected",
		zap.Uint64("cursor_block", tip),
		zap.String("cursor_hash", cursor.BlockHash),
		zap.Uint64("replaced_block", replaced.Number),
		zap.String("replaced_hash", replaced.Hash),
		zap.Uint64("rollback_from", from),
	)
	var stats aggregate.RebuildStats
	err = withRetryIf(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, storage.IsStorageError, func(ctx context.Context) error {
		var err error
		stats, err = r.sink.Rollback(ctx, from)
		return err
	})
	if err != nil {
		return fmt.Errorf("rollback from %d: %w", from, err)
	}
	r.chain.ForgetFrom(from)
	r.metrics.Reorg(tip - from + 1)
	r.logger.Info("rollback complete", zap.Uint64("from", from), zap.Int("events_kept", stats.Events))
	return nil
}

// forkPoint compares refs, newest first, with the chain. It returns the oldest
// replaced ref, or nil when every ref in the window is canonical, and the first
// block to roll back: one past the newest canonical ref below the replaced one.
// When no such ref exists and the whole history fits in the reorg window,
// everything since FromBlock is discarded.
func (r *Runner) forkPoint(ctx context.Context, tip uint64, refs []model.BlockRef) (uint64, *model.BlockRef, error) {
	window := uint64(r.cfg.MaxReorgDepth)
	truncated := len(refs) >= r.cfg.MaxReorgDepth
	var replaced, canonical *model.BlockRef
	for i := range refs {
		ref := refs[i]
		if tip-ref.Number > window {
			truncated = true
			break
		}
		current, err := r.blockWithRetry(ctx, ref.Number)
		if err != nil {
			return 0, nil, fmt.Errorf("block %d: %w", ref.Number, err)
		}
		if strings.EqualFold(current.Hash, ref.Hash) {
			if canonical == nil {
				canonical = &refs[i]
			}
			continue
		}
		replaced = &refs[i]
		canonical = nil
	}

	switch {
	case replaced == nil:
		return 0, nil, nil
	case canonical != nil:
		return canonical.Number + 1, replaced, nil
	case !truncated && r.cfg.FromBlock <= replaced.Number && tip-r.cfg.FromBlock <= window:
		return r.cfg.FromBlock, replaced, nil
	}
	return 0, nil, fmt.Errorf("reorg at block %d deeper than %d blocks", replaced.Number, r.cfg.MaxReorgDepth)
}

func (r *Runner) applyWithRetry(ctx context.Context, ev *model.ContractEvent) (bool, error) {
	var applied bool
	err := withRetryIf(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, storage.IsStorageError, func(ctx context.Context) error {
		var err error
		applied, err = r.sink.Apply(ctx, ev)
		if err != nil && storage.IsStorageError(err) {
			r.metrics.Retry("apply")
			r.logger.Warn("apply event failed", zap.Error(err), zap.String("id", ev.ID()))
		}
		return err
	})
	return applied, err
}

func (r *Runner) latestWithRetry(ctx context.Context) (uint64, error) {
	var head uint64
	err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		head, err = r.chain.LatestBlockNumber(ctx)
		if err != nil {
			r.metrics.Retry("latest_block")
			r.logger.Warn("latest block fetch failed", zap.Error(err))
		}
		return err
	})
	return head, err
}

func (r *Runner) filterLogsWithRetry(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	var logs []types.Log
	err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		logs, err = r.chain.FilterLogs(ctx, fromBlock, toBlock, r.cfg.Addresses, r.cfg.Topic0)
		if err != nil {
			r.metrics.Retry("filter_logs")
			r.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", fromBlock), zap.Uint64("to", toBlock))
		}
		return err
	})
	return logs, err
}

func (r *Runner) blockWithRetry(ctx context.Context, blockNumber uint64) (chain.BlockInfo, error) {
	var info chain.BlockInfo
	err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		info, err = r.chain.Block(ctx, blockNumber)
		if err != nil {
			r.metrics.Retry("block_header")
			r.logger.Warn("block header fetch failed", zap.Error(err), zap.Uint64("block_number", blockNumber))
		}
		return err
	})
	return info, err
}
