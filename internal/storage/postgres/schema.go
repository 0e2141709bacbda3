package postgres

import (
	"context"

	"fluxGarden/internal/storage"
)

// Amounts are uint256 values and need 78 decimal digits.
// Positions are stored as int64 bit patterns so sealed cursors survive a round trip.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS staking_users (
		id TEXT PRIMARY KEY,
		staked_amount NUMERIC(78,0) NOT NULL DEFAULT 0,
		pending_rewards NUMERIC(78,0) NOT NULL DEFAULT 0,
		last_stake_timestamp BIGINT NOT NULL DEFAULT 0,
		can_withdraw BOOLEAN NOT NULL DEFAULT FALSE,
		time_until_unlock BIGINT NOT NULL DEFAULT 0,
		transaction_count BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS staking_protocol (
		id TEXT PRIMARY KEY,
		total_staked NUMERIC(78,0) NOT NULL DEFAULT 0,
		total_rewards NUMERIC(78,0) NOT NULL DEFAULT 0,
		current_reward_rate NUMERIC(78,0) NOT NULL DEFAULT 0,
		staking_token_address TEXT NOT NULL,
		user_count BIGINT NOT NULL DEFAULT 0,
		last_updated_timestamp BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS staking_transactions (
		hash TEXT PRIMARY KEY,
		block_number BIGINT NOT NULL,
		block_timestamp BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS staking_transactions_block_idx ON staking_transactions (block_number)`,
	`CREATE TABLE IF NOT EXISTS staking_events (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		block_number BIGINT NOT NULL,
		tx_index BIGINT NOT NULL,
		log_index BIGINT NOT NULL,
		accounts TEXT[] NOT NULL,
		record JSONB NOT NULL,
		UNIQUE (block_number, tx_index, log_index)
	)`,
	`CREATE INDEX IF NOT EXISTS staking_events_accounts_idx ON staking_events USING GIN (accounts)`,
	`CREATE INDEX IF NOT EXISTS staking_events_kind_idx ON staking_events (kind, block_number DESC, tx_index DESC, log_index DESC)`,
	`CREATE TABLE IF NOT EXISTS indexer_cursor (
		name TEXT PRIMARY KEY,
		block_number BIGINT NOT NULL,
		tx_index BIGINT NOT NULL,
		log_index BIGINT NOT NULL,
		block_hash TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS indexer_blocks (
		block_number BIGINT PRIMARY KEY,
		block_hash TEXT NOT NULL
	)`,
}

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return storage.Wrap("migrate", err)
		}
	}
	return nil
}
