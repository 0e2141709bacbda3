package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fluxGarden/internal/metrics"
	"fluxGarden/internal/model"
	"fluxGarden/internal/storage"
)

// ErrOutOfOrder is returned for an event at or behind the cursor that was never applied.
var ErrOutOfOrder = errors.New("event out of order")

// Config controls how events are folded.
type Config struct {
	LockDuration uint64
	StakingToken string
}

// Engine applies decoded contract events to the entity store.
type Engine struct {
	cfg     Config
	store   storage.Store
	logger  *zap.Logger
	metrics *metrics.Indexer
	now     func() time.Time
}

func NewEngine(cfg Config, store storage.Store, logger *zap.Logger, m *metrics.Indexer) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LockDuration == 0 {
		cfg.LockDuration = DefaultLockDuration
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Apply folds ev into the store. It returns false when the event was already applied.
// All writes of one event, cursor included, commit together.
func (e *Engine) Apply(ctx context.Context, ev *model.ContractEvent) (bool, error) {
	if ev == nil || ev.Payload == nil {
		return false, fmt.Errorf("event has no payload")
	}
	record := model.NewEventRecord(ev)
	pos := ev.Position()

	var (
		applied  bool
		warnings []Warning
	)
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		applied = false
		warnings = nil

		exists, err := tx.HasEvent(ctx, record.ID)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}

		cursor, err := tx.Cursor(ctx)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return err
		case pos.Compare(cursor.Position) <= 0:
			return fmt.Errorf("%w: %s at %s is not after cursor %s", ErrOutOfOrder, record.ID, pos, cursor.Position)
		}

		txWarning, err := e.recordTransaction(ctx, tx, ev)
		if err != nil {
			return err
		}

		state, err := e.seed(ctx, tx, record.Accounts)
		if err != nil {
			return err
		}
		if err := state.Apply(ev); err != nil {
			return err
		}
		if err := persist(ctx, tx, state); err != nil {
			return err
		}
		if err := tx.PutEvent(ctx, record); err != nil {
			return err
		}
		if err := tx.PutBlockHash(ctx, model.BlockRef{Number: ev.BlockNumber, Hash: ev.BlockHash}); err != nil {
			return err
		}
		if err := tx.PutCursor(ctx, &model.Cursor{
			Position:  pos,
			BlockHash: ev.BlockHash,
			UpdatedAt: e.now().UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}

		applied = true
		warnings = state.Warnings()
		if txWarning != nil {
			warnings = append(warnings, *txWarning)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	kind := string(record.Kind)
	if !applied {
		e.metrics.EventDuplicate(kind)
		e.logger.Debug("skip duplicate event", zap.String("id", record.ID), zap.String("kind", kind))
		return false, nil
	}
	e.metrics.EventApplied(kind)
	e.metrics.SetCursorBlock(pos.Block)
	e.report(warnings)
	return true, nil
}

// recordTransaction creates the ledger entry for ev's transaction. The first
// write wins; a differing block context is reported but never overwritten.
func (e *Engine) recordTransaction(ctx context.Context, tx storage.Tx, ev *model.ContractEvent) (*Warning, error) {
	hash := model.NormalizeAddress(ev.TxHash)
	existing, err := tx.Transaction(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, tx.PutTransaction(ctx, &model.Transaction{
			Hash:           hash,
			BlockNumber:    ev.BlockNumber,
			BlockTimestamp: ev.BlockTimestamp,
		})
	}
	if err != nil {
		return nil, err
	}
	if existing.BlockNumber != ev.BlockNumber || existing.BlockTimestamp != ev.BlockTimestamp {
		return &Warning{
			Type:    WarnTransactionMismatch,
			EventID: ev.ID(),
			Detail: fmt.Sprintf("transaction %s recorded at block %d ts %d, event reports block %d ts %d",
				hash, existing.BlockNumber, existing.BlockTimestamp, ev.BlockNumber, ev.BlockTimestamp),
		}, nil
	}
	return nil, nil
}

func (e *Engine) seed(ctx context.Context, tx storage.Tx, accounts []string) (*State, error) {
	state := NewState(e.cfg.LockDuration, e.cfg.StakingToken)
	protocol, err := tx.Protocol(ctx, model.ProtocolID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	users := make([]*model.User, 0, len(accounts))
	for _, account := range accounts {
		user, err := tx.User(ctx, account)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	state.Seed(protocol, users...)
	return state, nil
}

func persist(ctx context.Context, tx storage.Tx, state *State) error {
	for _, user := range state.Users() {
		if err := tx.PutUser(ctx, user); err != nil {
			return err
		}
	}
	if protocol := state.Protocol(); protocol != nil {
		return tx.PutProtocol(ctx, protocol)
	}
	return nil
}

func (e *Engine) report(warnings []Warning) {
	for _, w := range warnings {
		e.metrics.Warning(w.Type)
		e.logger.Warn("consistency warning",
			zap.String("type", w.Type),
			zap.String("event", w.EventID),
			zap.String("account", w.Account),
			zap.String("detail", w.Detail),
		)
	}
}

// Seal marks every event of ref's block as applied. Sealing a block behind
// the cursor is a no-op.
func (e *Engine) Seal(ctx context.Context, ref model.BlockRef) error {
	sealed := model.SealedPosition(ref.Number)
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		cursor, err := tx.Cursor(ctx)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if cursor != nil && cursor.Position.Compare(sealed) >= 0 {
			return nil
		}
		if err := tx.PutBlockHash(ctx, ref); err != nil {
			return err
		}
		return tx.PutCursor(ctx, &model.Cursor{
			Position:  sealed,
			BlockHash: ref.Hash,
			UpdatedAt: e.now().UTC().Format(time.RFC3339),
		})
	})
	if err != nil {
		return err
	}
	e.metrics.SetCursorBlock(ref.Number)
	return nil
}

// Cursor returns the committed cursor. ok is false before the first write.
func (e *Engine) Cursor(ctx context.Context) (cursor model.Cursor, ok bool, err error) {
	err = e.store.View(ctx, func(tx storage.Tx) error {
		c, err := tx.Cursor(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		cursor, ok = *c, true
		return nil
	})
	return cursor, ok, err
}

// RecentBlocks returns up to limit recorded block hashes at or below block, newest first.
func (e *Engine) RecentBlocks(ctx context.Context, block uint64, limit int) ([]model.BlockRef, error) {
	var refs []model.BlockRef
	err := e.store.View(ctx, func(tx storage.Tx) error {
		var err error
		refs, err = tx.BlockHashes(ctx, block, limit)
		return err
	})
	return refs, err
}

// RebuildStats summarizes a snapshot rebuild.
type RebuildStats struct {
	Events   int
	Users    int
	Warnings int
}

// Rollback discards everything derived from fromBlock onwards and rebuilds
// User and Protocol snapshots from the remaining journal.
func (e *Engine) Rollback(ctx context.Context, fromBlock uint64) (RebuildStats, error) {
	var stats RebuildStats
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		if err := tx.DeleteFrom(ctx, fromBlock); err != nil {
			return err
		}
		var err error
		if stats, err = e.refold(ctx, tx); err != nil {
			return err
		}
		return tx.PutCursor(ctx, e.rewoundCursor(ctx, tx, fromBlock))
	})
	if err != nil {
		return stats, err
	}
	e.logger.Info("rolled back",
		zap.Uint64("from_block", fromBlock),
		zap.Int("events_kept", stats.Events),
		zap.Int("users", stats.Users),
	)
	return stats, nil
}

// rewoundCursor points at the end of the block before fromBlock.
func (e *Engine) rewoundCursor(ctx context.Context, tx storage.Tx, fromBlock uint64) *model.Cursor {
	cursor := &model.Cursor{UpdatedAt: e.now().UTC().Format(time.RFC3339)}
	if fromBlock == 0 {
		return cursor
	}
	cursor.Position = model.SealedPosition(fromBlock - 1)
	refs, err := tx.BlockHashes(ctx, fromBlock-1, 1)
	if err == nil && len(refs) == 1 && refs[0].Number == fromBlock-1 {
		cursor.BlockHash = refs[0].Hash
	}
	return cursor
}

// Rebuild recomputes User and Protocol snapshots from the journal.
func (e *Engine) Rebuild(ctx context.Context) (RebuildStats, error) {
	var stats RebuildStats
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		stats, err = e.refold(ctx, tx)
		return err
	})
	if err != nil {
		return stats, err
	}
	e.logger.Info("rebuild complete",
		zap.Int("events", stats.Events),
		zap.Int("users", stats.Users),
		zap.Int("warnings", stats.Warnings),
	)
	return stats, nil
}

func (e *Engine) refold(ctx context.Context, tx storage.Tx) (RebuildStats, error) {
	var stats RebuildStats
	token := e.cfg.StakingToken
	if token == "" {
		current, err := tx.Protocol(ctx, model.ProtocolID)
		switch {
		case err == nil:
			token = current.StakingTokenAddress
		case !errors.Is(err, storage.ErrNotFound):
			return stats, err
		}
	}
	state := NewState(e.cfg.LockDuration, token)
	err := tx.Events(ctx, func(record *model.EventRecord) error {
		stats.Events++
		return state.Apply(record.Event())
	})
	if err != nil {
		return stats, err
	}
	if err := tx.ResetSnapshots(ctx); err != nil {
		return stats, err
	}
	if err := persist(ctx, tx, state); err != nil {
		return stats, err
	}
	stats.Users = len(state.Users())
	stats.Warnings = len(state.Warnings())
	return stats, nil
}
