package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fluxGarden/internal/model"
	"fluxGarden/internal/storage"
)

const cursorName = "staking"

// Store provides Postgres persistence for derived staking state.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// NewStore connects to dsn and applies the schema.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Update runs fn in one SQL transaction.
func (s *Store) Update(ctx context.Context, fn func(storage.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{}, true, fn)
}

// View runs fn in a read-only repeatable-read transaction.
func (s *Store) View(ctx context.Context, fn func(storage.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, false, fn)
}

func (s *Store) run(ctx context.Context, opts pgx.TxOptions, writable bool, fn func(storage.Tx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return storage.Wrap("begin", err)
	}
	defer func() {
		_ = pgTx.Rollback(context.Background())
	}()

	if err := fn(&tx{tx: pgTx, writable: writable}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return storage.Wrap("commit", err)
	}
	return nil
}

type tx struct {
	tx       pgx.Tx
	writable bool
}

func (t *tx) exec(ctx context.Context, op, sql string, args ...interface{}) error {
	if !t.writable {
		return fmt.Errorf("%s: %w", op, storage.ErrReadOnly)
	}
	_, err := t.tx.Exec(ctx, sql, args...)
	return storage.Wrap(op, err)
}

func notFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	return storage.Wrap(op, err)
}

func parseAmount(op, value string) (*uint256.Int, error) {
	amount, err := uint256.FromDecimal(value)
	if err != nil {
		return nil, fmt.Errorf("%s: parse amount %q: %w", op, value, err)
	}
	return amount, nil
}

func decimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// clampBlock keeps block comparisons inside the BIGINT range.
func clampBlock(block uint64) int64 {
	if block > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(block)
}

func (t *tx) User(ctx context.Context, address string) (*model.User, error) {
	user := model.User{ID: model.NormalizeAddress(address)}
	var (
		staked, pending          string
		lastStake, unlock, count int64
	)
	row := t.tx.QueryRow(ctx, `
		SELECT staked_amount::text, pending_rewards::text, last_stake_timestamp,
			can_withdraw, time_until_unlock, transaction_count
		FROM staking_users WHERE id=$1
	`, user.ID)
	if err := row.Scan(&staked, &pending, &lastStake, &user.CanWithdraw, &unlock, &count); err != nil {
		return nil, notFound("get user", err)
	}
	var err error
	if user.StakedAmount, err = parseAmount("get user", staked); err != nil {
		return nil, err
	}
	if user.PendingRewards, err = parseAmount("get user", pending); err != nil {
		return nil, err
	}
	user.LastStakeTimestamp = uint64(lastStake)
	user.TimeUntilUnlock = uint64(unlock)
	user.TransactionCount = uint64(count)
	return &user, nil
}

func (t *tx) PutUser(ctx context.Context, user *model.User) error {
	return t.exec(ctx, "put user", `
		INSERT INTO staking_users (
			id, staked_amount, pending_rewards, last_stake_timestamp, can_withdraw, time_until_unlock, transaction_count
		) VALUES ($1, $2::numeric, $3::numeric, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			staked_amount = EXCLUDED.staked_amount,
			pending_rewards = EXCLUDED.pending_rewards,
			last_stake_timestamp = EXCLUDED.last_stake_timestamp,
			can_withdraw = EXCLUDED.can_withdraw,
			time_until_unlock = EXCLUDED.time_until_unlock,
			transaction_count = EXCLUDED.transaction_count
	`,
		user.ID,
		decimal(user.StakedAmount),
		decimal(user.PendingRewards),
		int64(user.LastStakeTimestamp),
		user.CanWithdraw,
		int64(user.TimeUntilUnlock),
		int64(user.TransactionCount),
	)
}

func (t *tx) Protocol(ctx context.Context, id string) (*model.Protocol, error) {
	protocol := model.Protocol{ID: id}
	var (
		staked, rewards, rate  string
		userCount, lastUpdated int64
	)
	row := t.tx.QueryRow(ctx, `
		SELECT total_staked::text, total_rewards::text, current_reward_rate::text,
			staking_token_address, user_count, last_updated_timestamp
		FROM staking_protocol WHERE id=$1
	`, id)
	if err := row.Scan(&staked, &rewards, &rate, &protocol.StakingTokenAddress, &userCount, &lastUpdated); err != nil {
		return nil, notFound("get protocol", err)
	}
	var err error
	if protocol.TotalStaked, err = parseAmount("get protocol", staked); err != nil {
		return nil, err
	}
	if protocol.TotalRewards, err = parseAmount("get protocol", rewards); err != nil {
		return nil, err
	}
	if protocol.CurrentRewardRate, err = parseAmount("get protocol", rate); err != nil {
		return nil, err
	}
	protocol.UserCount = uint64(userCount)
	protocol.LastUpdatedTimestamp = uint64(lastUpdated)
	return &protocol, nil
}

func (t *tx) PutProtocol(ctx context.Context, protocol *model.Protocol) error {
	return t.exec(ctx, "put protocol", `
		INSERT INTO staking_protocol (
			id, total_staked, total_rewards, current_reward_rate, staking_token_address, user_count, last_updated_timestamp
		) VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			total_staked = EXCLUDED.total_staked,
			total_rewards = EXCLUDED.total_rewards,
			current_reward_rate = EXCLUDED.current_reward_rate,
			staking_token_address = EXCLUDED.staking_token_address,
			user_count = EXCLUDED.user_count,
			last_updated_timestamp = EXCLUDED.last_updated_timestamp
	`,
		protocol.ID,
		decimal(protocol.TotalStaked),
		decimal(protocol.TotalRewards),
		decimal(protocol.CurrentRewardRate),
		protocol.StakingTokenAddress,
		int64(protocol.UserCount),
		int64(protocol.LastUpdatedTimestamp),
	)
}

func (t *tx) Transaction(ctx context.Context, hash string) (*model.Transaction, error) {
	var number, ts int64
	row := t.tx.QueryRow(ctx, `SELECT block_number, block_timestamp FROM staking_transactions WHERE hash=$1`, hash)
	if err := row.Scan(&number, &ts); err != nil {
		return nil, notFound("get transaction", err)
	}
	return &model.Transaction{Hash: hash, BlockNumber: uint64(number), BlockTimestamp: uint64(ts)}, nil
}

func (t *tx) PutTransaction(ctx context.Context, record *model.Transaction) error {
	return t.exec(ctx, "put transaction", `
		INSERT INTO staking_transactions (hash, block_number, block_timestamp)
		VALUES ($1, $2, $3)
		ON CONFLICT (hash) DO NOTHING
	`, record.Hash, int64(record.BlockNumber), int64(record.BlockTimestamp))
}

func (t *tx) HasEvent(ctx context.Context, id string) (bool, error) {
	var exists bool
	row := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM staking_events WHERE id=$1)`, id)
	if err := row.Scan(&exists); err != nil {
		return false, storage.Wrap("has event", err)
	}
	return exists, nil
}

func (t *tx) PutEvent(ctx context.Context, record *model.EventRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("put event: encode: %w", err)
	}
	return t.exec(ctx, "put event", `
		INSERT INTO staking_events (id, kind, block_number, tx_index, log_index, accounts, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		ON CONFLICT (id) DO NOTHING
	`,
		record.ID,
		string(record.Kind),
		int64(record.Meta.BlockNumber),
		int64(record.Meta.TxIndex),
		int64(record.Meta.LogIndex),
		record.Accounts,
		string(data),
	)
}

func (t *tx) queryEvents(ctx context.Context, op, sql string, args ...interface{}) ([]*model.EventRecord, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, storage.Wrap(op, err)
	}
	defer rows.Close()

	var out []*model.EventRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, storage.Wrap(op, err)
		}
		var record model.EventRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("%s: decode: %w", op, err)
		}
		out = append(out, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap(op, err)
	}
	return out, nil
}

// Events loads the journal before visiting it so fn may use the transaction.
func (t *tx) Events(ctx context.Context, fn func(*model.EventRecord) error) error {
	records, err := t.queryEvents(ctx, "scan journal", `
		SELECT record FROM staking_events ORDER BY block_number, tx_index, log_index
	`)
	if err != nil {
		return err
	}
	for _, record := range records {
		if err := fn(record); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) EventsByAccount(ctx context.Context, page storage.EventPage) ([]*model.EventRecord, error) {
	if page.Kind == "" {
		return nil, fmt.Errorf("event kind is required")
	}
	if page.Limit <= 0 {
		return nil, nil
	}
	account := model.NormalizeAddress(page.Account)
	if page.Before == nil {
		return t.queryEvents(ctx, "scan account events", `
			SELECT record FROM staking_events
			WHERE kind=$1 AND $2 = ANY(accounts)
			ORDER BY block_number DESC, tx_index DESC, log_index DESC
			LIMIT $3
		`, string(page.Kind), account, page.Limit)
	}
	return t.queryEvents(ctx, "scan account events", `
		SELECT record FROM staking_events
		WHERE kind=$1 AND $2 = ANY(accounts)
			AND (block_number, tx_index, log_index) < ($3, $4, $5)
		ORDER BY block_number DESC, tx_index DESC, log_index DESC
		LIMIT $6
	`, string(page.Kind), account,
		clampBlock(page.Before.Block), clampBlock(page.Before.TxIndex), clampBlock(page.Before.LogIndex),
		page.Limit)
}

func (t *tx) EventsByKind(ctx context.Context, page storage.EventPage) ([]*model.EventRecord, error) {
	if page.Kind == "" {
		return nil, fmt.Errorf("event kind is required")
	}
	if page.Limit <= 0 {
		return nil, nil
	}
	if page.Before == nil {
		return t.queryEvents(ctx, "scan kind events", `
			SELECT record FROM staking_events
			WHERE kind=$1
			ORDER BY block_number DESC, tx_index DESC, log_index DESC
			LIMIT $2
		`, string(page.Kind), page.Limit)
	}
	return t.queryEvents(ctx, "scan kind events", `
		SELECT record FROM staking_events
		WHERE kind=$1 AND (block_number, tx_index, log_index) < ($2, $3, $4)
		ORDER BY block_number DESC, tx_index DESC, log_index DESC
		LIMIT $5
	`, string(page.Kind),
		clampBlock(page.Before.Block), clampBlock(page.Before.TxIndex), clampBlock(page.Before.LogIndex),
		page.Limit)
}

func (t *tx) Cursor(ctx context.Context) (*model.Cursor, error) {
	var (
		block, txIndex, logIndex int64
		cursor                   model.Cursor
		updated                  time.Time
	)
	row := t.tx.QueryRow(ctx, `
		SELECT block_number, tx_index, log_index, block_hash, updated_at
		FROM indexer_cursor WHERE name=$1
	`, cursorName)
	if err := row.Scan(&block, &txIndex, &logIndex, &cursor.BlockHash, &updated); err != nil {
		return nil, notFound("get cursor", err)
	}
	cursor.Position = model.Position{Block: uint64(block), TxIndex: uint64(txIndex), LogIndex: uint64(logIndex)}
	cursor.UpdatedAt = updated.UTC().Format(time.RFC3339)
	return &cursor, nil
}

func (t *tx) PutCursor(ctx context.Context, cursor *model.Cursor) error {
	return t.exec(ctx, "put cursor", `
		INSERT INTO indexer_cursor (name, block_number, tx_index, log_index, block_hash, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (name) DO UPDATE SET
			block_number = EXCLUDED.block_number,
			tx_index = EXCLUDED.tx_index,
			log_index = EXCLUDED.log_index,
			block_hash = EXCLUDED.block_hash,
			updated_at = now()
	`,
		cursorName,
		int64(cursor.Position.Block),
		int64(cursor.Position.TxIndex),
		int64(cursor.Position.LogIndex),
		cursor.BlockHash,
	)
}

func (t *tx) PutBlockHash(ctx context.Context, ref model.BlockRef) error {
	return t.exec(ctx, "put block hash", `
		INSERT INTO indexer_blocks (block_number, block_hash) VALUES ($1, $2)
		ON CONFLICT (block_number) DO UPDATE SET block_hash = EXCLUDED.block_hash
	`, int64(ref.Number), ref.Hash)
}

func (t *tx) BlockHashes(ctx context.Context, block uint64, limit int) ([]model.BlockRef, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := t.tx.Query(ctx, `
		SELECT block_number, block_hash FROM indexer_blocks
		WHERE block_number <= $1
		ORDER BY block_number DESC
		LIMIT $2
	`, clampBlock(block), limit)
	if err != nil {
		return nil, storage.Wrap("scan block hashes", err)
	}
	defer rows.Close()

	out := make([]model.BlockRef, 0, limit)
	for rows.Next() {
		var (
			number int64
			ref    model.BlockRef
		)
		if err := rows.Scan(&number, &ref.Hash); err != nil {
			return nil, storage.Wrap("scan block hashes", err)
		}
		ref.Number = uint64(number)
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("scan block hashes", err)
	}
	return out, nil
}

func (t *tx) batch(ctx context.Context, op string, batch *pgx.Batch) error {
	if !t.writable {
		return fmt.Errorf("%s: %w", op, storage.ErrReadOnly)
	}
	br := t.tx.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return storage.Wrap(op, err)
		}
	}
	return nil
}

func (t *tx) DeleteFrom(ctx context.Context, block uint64) error {
	from := clampBlock(block)
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM staking_events WHERE block_number >= $1`, from)
	batch.Queue(`DELETE FROM staking_transactions WHERE block_number >= $1`, from)
	batch.Queue(`DELETE FROM indexer_blocks WHERE block_number >= $1`, from)
	return t.batch(ctx, "delete from block", batch)
}

func (t *tx) ResetSnapshots(ctx context.Context) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM staking_users`)
	batch.Queue(`DELETE FROM staking_protocol`)
	return t.batch(ctx, "reset snapshots", batch)
}
