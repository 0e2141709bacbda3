package leveldb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	ldb "github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	ldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"fluxGarden/internal/model"
	"fluxGarden/internal/storage"
)

// Store keeps derived entities in an embedded LevelDB. Values are JSON.
type Store struct {
	db *ldb.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) a database directory.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path is required")
	}
	db, err := ldb.OpenFile(path, nil)
	if err != nil {
		return nil, storage.Wrap("open", err)
	}
	return &Store{db: db}, nil
}

// OpenMemory returns a store backed by memory only.
func OpenMemory() (*Store, error) {
	db, err := ldb.Open(ldbstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, storage.Wrap("open", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Update runs fn inside a LevelDB transaction. Writes become visible on commit only.
func (s *Store) Update(ctx context.Context, fn func(storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tr, err := s.db.OpenTransaction()
	if err != nil {
		return storage.Wrap("open transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			tr.Discard()
		}
	}()

	if err := fn(&tx{r: tr, w: tr}); err != nil {
		return err
	}
	if err := tr.Commit(); err != nil {
		return storage.Wrap("commit", err)
	}
	committed = true
	return nil
}

// View runs fn against a point-in-time snapshot.
func (s *Store) View(ctx context.Context, fn func(storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return storage.Wrap("snapshot", err)
	}
	defer snap.Release()
	return fn(&tx{r: snap})
}

type reader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	Has(key []byte, ro *opt.ReadOptions) (bool, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

type writer interface {
	Put(key, value []byte, wo *opt.WriteOptions) error
	Delete(key []byte, wo *opt.WriteOptions) error
}

type tx struct {
	r reader
	w writer
}

func (t *tx) get(op string, key []byte, v interface{}) error {
	data, err := t.r.Get(key, nil)
	if err != nil {
		if errors.Is(err, ldb.ErrNotFound) {
			return storage.ErrNotFound
		}
		return storage.Wrap(op, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

func (t *tx) put(op string, key []byte, v interface{}) error {
	if t.w == nil {
		return readOnly(op)
	}
	var data []byte
	switch value := v.(type) {
	case []byte:
		data = value
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
	}
	return storage.Wrap(op, t.w.Put(key, data, nil))
}

func (t *tx) delete(op string, keys [][]byte) error {
	if t.w == nil {
		return readOnly(op)
	}
	for _, key := range keys {
		if err := t.w.Delete(key, nil); err != nil {
			return storage.Wrap(op, err)
		}
	}
	return nil
}

// readOnly annotates storage.ErrReadOnly with the attempted operation.
func readOnly(op string) error {
	return fmt.Errorf("%s: %w", op, storage.ErrReadOnly)
}

// keys collects the keys of rng so they can be deleted after the iterator is released.
func (t *tx) keys(op string, rng *util.Range) ([][]byte, [][]byte, error) {
	iter := t.r.NewIterator(rng, nil)
	defer iter.Release()

	var keys, values [][]byte
	for iter.Next() {
		keys = append(keys, append([]byte(nil), iter.Key()...))
		values = append(values, append([]byte(nil), iter.Value()...))
	}
	if err := iter.Error(); err != nil {
		return nil, nil, storage.Wrap(op, err)
	}
	return keys, values, nil
}

func (t *tx) User(ctx context.Context, address string) (*model.User, error) {
	var user model.User
	if err := t.get("get user", userKey(model.NormalizeAddress(address)), &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (t *tx) PutUser(ctx context.Context, user *model.User) error {
	return t.put("put user", userKey(user.ID), user)
}

func (t *tx) Protocol(ctx context.Context, id string) (*model.Protocol, error) {
	var protocol model.Protocol
	if err := t.get("get protocol", protocolKey(id), &protocol); err != nil {
		return nil, err
	}
	return &protocol, nil
}

func (t *tx) PutProtocol(ctx context.Context, protocol *model.Protocol) error {
	return t.put("put protocol", protocolKey(protocol.ID), protocol)
}

func (t *tx) Transaction(ctx context.Context, hash string) (*model.Transaction, error) {
	var record model.Transaction
	if err := t.get("get transaction", transactionKey(hash), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (t *tx) PutTransaction(ctx context.Context, record *model.Transaction) error {
	if err := t.put("put transaction", transactionKey(record.Hash), record); err != nil {
		return err
	}
	return t.put("put transaction", txByBlockKey(record.BlockNumber, record.Hash), []byte{})
}

func (t *tx) HasEvent(ctx context.Context, id string) (bool, error) {
	ok, err := t.r.Has(eventKey(id), nil)
	if err != nil {
		return false, storage.Wrap("has event", err)
	}
	return ok, nil
}

// PutEvent stores record with its journal and account index entries.
// An existing record is left untouched.
func (t *tx) PutEvent(ctx context.Context, record *model.EventRecord) error {
	exists, err := t.HasEvent(ctx, record.ID)
	if err != nil || exists {
		return err
	}
	if err := t.put("put event", eventKey(record.ID), record); err != nil {
		return err
	}
	pos := record.Meta.Position()
	if err := t.put("put event", journalKey(pos), []byte(record.ID)); err != nil {
		return err
	}
	if err := t.put("put event", kindKey(record.Kind, pos), []byte(record.ID)); err != nil {
		return err
	}
	for _, account := range record.Accounts {
		if err := t.put("put event", accountKey(record.Kind, account, pos), []byte(record.ID)); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) event(id string) (*model.EventRecord, error) {
	var record model.EventRecord
	if err := t.get("get event", eventKey(id), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (t *tx) Events(ctx context.Context, fn func(*model.EventRecord) error) error {
	_, ids, err := t.keys("scan journal", util.BytesPrefix(prefixJournal))
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		record, err := t.event(string(id))
		if err != nil {
			return err
		}
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
	return t.newestFirst("scan account events", accountPrefix(page.Kind, model.NormalizeAddress(page.Account)), page)
}

func (t *tx) EventsByKind(ctx context.Context, page storage.EventPage) ([]*model.EventRecord, error) {
	if page.Kind == "" {
		return nil, fmt.Errorf("event kind is required")
	}
	return t.newestFirst("scan kind events", kindPrefix(page.Kind), page)
}

// newestFirst walks an index of position-suffixed keys backwards from page.Before.
func (t *tx) newestFirst(op string, prefix []byte, page storage.EventPage) ([]*model.EventRecord, error) {
	if page.Limit <= 0 {
		return nil, nil
	}
	rng := util.BytesPrefix(prefix)
	if page.Before != nil {
		rng.Limit = concat(prefix, encodePosition(*page.Before))
	}

	iter := t.r.NewIterator(rng, nil)
	ids := make([]string, 0, page.Limit)
	for ok := iter.Last(); ok && len(ids) < page.Limit; ok = iter.Prev() {
		ids = append(ids, string(iter.Value()))
	}
	err := iter.Error()
	iter.Release()
	if err != nil {
		return nil, storage.Wrap(op, err)
	}

	out := make([]*model.EventRecord, 0, len(ids))
	for _, id := range ids {
		record, err := t.event(id)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func (t *tx) Cursor(ctx context.Context) (*model.Cursor, error) {
	var cursor model.Cursor
	if err := t.get("get cursor", keyCursor, &cursor); err != nil {
		return nil, err
	}
	return &cursor, nil
}

func (t *tx) PutCursor(ctx context.Context, cursor *model.Cursor) error {
	return t.put("put cursor", keyCursor, cursor)
}

func (t *tx) PutBlockHash(ctx context.Context, ref model.BlockRef) error {
	return t.put("put block hash", blockHashKey(ref.Number), []byte(ref.Hash))
}

func (t *tx) BlockHashes(ctx context.Context, block uint64, limit int) ([]model.BlockRef, error) {
	if limit <= 0 {
		return nil, nil
	}
	rng := util.BytesPrefix(prefixBlockHash)
	if block < ^uint64(0) {
		rng.Limit = blockHashKey(block + 1)
	}

	iter := t.r.NewIterator(rng, nil)
	defer iter.Release()

	out := make([]model.BlockRef, 0, limit)
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		key := iter.Key()
		number := decodeBE64(key[len(prefixBlockHash):])
		out = append(out, model.BlockRef{Number: number, Hash: string(iter.Value())})
	}
	if err := iter.Error(); err != nil {
		return nil, storage.Wrap("scan block hashes", err)
	}
	return out, nil
}

func (t *tx) DeleteFrom(ctx context.Context, block uint64) error {
	_, ids, err := t.keys("scan journal", fromRange(prefixJournal, encodePosition(model.Position{Block: block})))
	if err != nil {
		return err
	}
	var doomed [][]byte
	for _, id := range ids {
		record, err := t.event(string(id))
		if err != nil {
			return err
		}
		pos := record.Meta.Position()
		doomed = append(doomed, eventKey(record.ID), journalKey(pos), kindKey(record.Kind, pos))
		for _, account := range record.Accounts {
			doomed = append(doomed, accountKey(record.Kind, account, pos))
		}
	}

	txKeys, _, err := t.keys("scan transactions", fromRange(prefixTxByBlock, be64(block)))
	if err != nil {
		return err
	}
	for _, key := range txKeys {
		hash := string(key[len(prefixTxByBlock)+8:])
		doomed = append(doomed, key, transactionKey(hash))
	}

	hashKeys, _, err := t.keys("scan block hashes", fromRange(prefixBlockHash, be64(block)))
	if err != nil {
		return err
	}
	doomed = append(doomed, hashKeys...)

	return t.delete("delete from block", doomed)
}

func (t *tx) ResetSnapshots(ctx context.Context) error {
	users, _, err := t.keys("scan users", util.BytesPrefix(prefixUser))
	if err != nil {
		return err
	}
	protocols, _, err := t.keys("scan protocol", util.BytesPrefix(prefixProtocol))
	if err != nil {
		return err
	}
	return t.delete("reset snapshots", append(users, protocols...))
}
