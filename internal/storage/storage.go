package storage

import (
	"context"
	"errors"
	"fmt"

	"fluxGarden/internal/model"
)

// ErrNotFound is returned when an entity has never been written.
var ErrNotFound = errors.New("not found")

// ErrReadOnly is returned by writes attempted inside View.
var ErrReadOnly = errors.New("read-only transaction")

// Error wraps a backend failure. Callers must retry the whole unit of work;
// dropping it would leave derived state behind the event log.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap marks err as a backend failure of op. nil and ErrNotFound pass through.
func Wrap(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// IsStorageError reports whether err came from the backing store.
func IsStorageError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

// EventPage selects journal records of one kind, newest first. Account is
// ignored by EventsByKind. Before excludes records at or after that position.
type EventPage struct {
	Kind    model.EventKind
	Account string
	Before  *model.Position
	Limit   int
}

// Tx is one atomic unit of reads and writes.
type Tx interface {
	User(ctx context.Context, address string) (*model.User, error)
	PutUser(ctx context.Context, user *model.User) error
	Protocol(ctx context.Context, id string) (*model.Protocol, error)
	PutProtocol(ctx context.Context, protocol *model.Protocol) error

	Transaction(ctx context.Context, hash string) (*model.Transaction, error)
	PutTransaction(ctx context.Context, tx *model.Transaction) error

	HasEvent(ctx context.Context, id string) (bool, error)
	// PutEvent stores a journal record. Records are write-once.
	PutEvent(ctx context.Context, record *model.EventRecord) error
	// Events visits every record in journal order.
	Events(ctx context.Context, fn func(*model.EventRecord) error) error
	EventsByAccount(ctx context.Context, page EventPage) ([]*model.EventRecord, error)
	EventsByKind(ctx context.Context, page EventPage) ([]*model.EventRecord, error)

	Cursor(ctx context.Context) (*model.Cursor, error)
	PutCursor(ctx context.Context, cursor *model.Cursor) error
	PutBlockHash(ctx context.Context, ref model.BlockRef) error
	// BlockHashes returns up to limit recorded blocks at or below block, newest first.
	BlockHashes(ctx context.Context, block uint64, limit int) ([]model.BlockRef, error)

	// DeleteFrom removes records, transactions and block hashes at or above block.
	DeleteFrom(ctx context.Context, block uint64) error
	// ResetSnapshots removes every User and the Protocol.
	ResetSnapshots(ctx context.Context) error
}

// Store persists derived entities.
type Store interface {
	// Update runs fn atomically: readers observe all of its writes or none.
	Update(ctx context.Context, fn func(Tx) error) error
	// View runs fn against a consistent read-only snapshot.
	View(ctx context.Context, fn func(Tx) error) error
	Close() error
}
