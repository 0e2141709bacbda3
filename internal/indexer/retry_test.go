package indexer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluxGarden/internal/storage"
)

func TestWithRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryIfStopsOnPermanentErrors(t *testing.T) {
	permanent := errors.New("event out of order")
	calls := 0
	err := withRetryIf(context.Background(), 5, time.Millisecond, storage.IsStorageError, func(ctx context.Context) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestWithRetryIfRetriesStorageErrors(t *testing.T) {
	calls := 0
	err := withRetryIf(context.Background(), 5, time.Millisecond, storage.IsStorageError, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return storage.Wrap("put user", errors.New("disk busy"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := withRetry(ctx, 10, time.Hour, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("temporary")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
