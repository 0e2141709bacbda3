package leveldb

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluxGarden/internal/model"
	"fluxGarden/internal/storage"
)

const alice = "0xaaaa000000000000000000000000000000000001"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func stakedRecord(block, logIndex uint64, amount uint64) *model.EventRecord {
	return model.NewEventRecord(&model.ContractEvent{
		EventMeta: model.EventMeta{
			BlockNumber:    block,
			BlockHash:      fmt.Sprintf("0xb%d", block),
			BlockTimestamp: 1000 + block,
			TxHash:         fmt.Sprintf("0x%064x", block),
			LogIndex:       logIndex,
		},
		Payload: &model.Staked{
			User:           alice,
			Amount:         uint256.NewInt(amount),
			Timestamp:      1000 + block,
			NewTotalStaked: uint256.NewInt(amount),
		},
	})
}

func TestMissingEntitiesReturnNotFound(t *testing.T) {
	store := newTestStore(t)
	err := store.View(context.Background(), func(tx storage.Tx) error {
		_, err := tx.User(context.Background(), alice)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = tx.Protocol(context.Background(), model.ProtocolID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = tx.Cursor(context.Background())
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateIsAtomic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.Update(ctx, func(tx storage.Tx) error {
		require.NoError(t, tx.PutUser(ctx, model.NewUser(alice)))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = store.View(ctx, func(tx storage.Tx) error {
		_, err := tx.User(ctx, alice)
		return err
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestViewRejectsWrites(t *testing.T) {
	store := newTestStore(t)
	err := store.View(context.Background(), func(tx storage.Tx) error {
		return tx.PutUser(context.Background(), model.NewUser(alice))
	})
	assert.ErrorIs(t, err, storage.ErrReadOnly)
}

func TestUserRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := model.NewUser("0xAAAA000000000000000000000000000000000001")
	user.StakedAmount = uint256.MustFromDecimal("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	user.TransactionCount = 3

	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error { return tx.PutUser(ctx, user) }))

	var got *model.User
	require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
		var err error
		got, err = tx.User(ctx, alice)
		return err
	}))
	assert.Equal(t, user.StakedAmount.Dec(), got.StakedAmount.Dec())
	assert.Equal(t, uint64(3), got.TransactionCount)
}

func TestEventsByAccountNewestFirstWithPaging(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		for block := uint64(1); block <= 4; block++ {
			if err := tx.PutEvent(ctx, stakedRecord(block, 0, block)); err != nil {
				return err
			}
		}
		return nil
	}))

	var first, second []*model.EventRecord
	require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
		var err error
		first, err = tx.EventsByAccount(ctx, storage.EventPage{Kind: model.KindStaked, Account: alice, Limit: 2})
		if err != nil {
			return err
		}
		before := first[len(first)-1].Meta.Position()
		second, err = tx.EventsByAccount(ctx, storage.EventPage{Kind: model.KindStaked, Account: alice, Before: &before, Limit: 5})
		return err
	}))

	require.Len(t, first, 2)
	assert.Equal(t, uint64(4), first[0].Meta.BlockNumber)
	assert.Equal(t, uint64(3), first[1].Meta.BlockNumber)
	require.Len(t, second, 2)
	assert.Equal(t, uint64(2), second[0].Meta.BlockNumber)
	assert.Equal(t, uint64(1), second[1].Meta.BlockNumber)
}

func TestEventsByKindSpansAccounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		for block := uint64(1); block <= 3; block++ {
			record := stakedRecord(block, 0, block)
			if block == 2 {
				record.Accounts = []string{"0xbbbb000000000000000000000000000000000002"}
			}
			if err := tx.PutEvent(ctx, record); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
		all, err := tx.EventsByKind(ctx, storage.EventPage{Kind: model.KindStaked, Limit: 10})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, uint64(3), all[0].Meta.BlockNumber)
		assert.Equal(t, uint64(1), all[2].Meta.BlockNumber)

		before := all[0].Meta.Position()
		older, err := tx.EventsByKind(ctx, storage.EventPage{Kind: model.KindStaked, Before: &before, Limit: 1})
		require.NoError(t, err)
		require.Len(t, older, 1)
		assert.Equal(t, uint64(2), older[0].Meta.BlockNumber)

		none, err := tx.EventsByKind(ctx, storage.EventPage{Kind: model.KindRewardRateUpdated, Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, none)
		return nil
	}))
}

func TestPutEventIsWriteOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	record := stakedRecord(1, 0, 10)
	changed := stakedRecord(1, 0, 99)

	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		if err := tx.PutEvent(ctx, record); err != nil {
			return err
		}
		return tx.PutEvent(ctx, changed)
	}))

	var count int
	require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
		return tx.Events(ctx, func(r *model.EventRecord) error {
			count++
			assert.Equal(t, "10", r.Payload.(*model.Staked).Amount.Dec())
			return nil
		})
	}))
	assert.Equal(t, 1, count)
}

func TestDeleteFromRemovesTail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		for block := uint64(1); block <= 3; block++ {
			record := stakedRecord(block, 0, block)
			if err := tx.PutEvent(ctx, record); err != nil {
				return err
			}
			if err := tx.PutTransaction(ctx, &model.Transaction{Hash: record.Meta.TxHash, BlockNumber: block}); err != nil {
				return err
			}
			if err := tx.PutBlockHash(ctx, model.BlockRef{Number: block, Hash: record.Meta.BlockHash}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error { return tx.DeleteFrom(ctx, 2) }))

	require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
		var blocks []uint64
		require.NoError(t, tx.Events(ctx, func(r *model.EventRecord) error {
			blocks = append(blocks, r.Meta.BlockNumber)
			return nil
		}))
		assert.Equal(t, []uint64{1}, blocks)

		recent, err := tx.EventsByAccount(ctx, storage.EventPage{Kind: model.KindStaked, Account: alice, Limit: 10})
		require.NoError(t, err)
		assert.Len(t, recent, 1)
		byKind, err := tx.EventsByKind(ctx, storage.EventPage{Kind: model.KindStaked, Limit: 10})
		require.NoError(t, err)
		assert.Len(t, byKind, 1)

		_, err = tx.Transaction(ctx, fmt.Sprintf("0x%064x", 2))
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = tx.Transaction(ctx, fmt.Sprintf("0x%064x", 1))
		assert.NoError(t, err)

		hashes, err := tx.BlockHashes(ctx, 10, 10)
		require.NoError(t, err)
		assert.Equal(t, []model.BlockRef{{Number: 1, Hash: "0xb1"}}, hashes)
		return nil
	}))
}

func TestBlockHashesNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		for block := uint64(1); block <= 5; block++ {
			if err := tx.PutBlockHash(ctx, model.BlockRef{Number: block, Hash: fmt.Sprintf("0x%d", block)}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
		hashes, err := tx.BlockHashes(ctx, 4, 2)
		require.NoError(t, err)
		assert.Equal(t, []model.BlockRef{{Number: 4, Hash: "0x4"}, {Number: 3, Hash: "0x3"}}, hashes)
		return nil
	}))
}

func TestResetSnapshotsKeepsJournal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		if err := tx.PutUser(ctx, model.NewUser(alice)); err != nil {
			return err
		}
		if err := tx.PutProtocol(ctx, model.NewProtocol("")); err != nil {
			return err
		}
		return tx.PutEvent(ctx, stakedRecord(1, 0, 1))
	}))
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error { return tx.ResetSnapshots(ctx) }))

	require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
		_, err := tx.User(ctx, alice)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = tx.Protocol(ctx, model.ProtocolID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		ok, err := tx.HasEvent(ctx, stakedRecord(1, 0, 1).ID)
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	}))
}
