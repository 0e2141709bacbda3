package leveldb

import (
	"encoding/binary"

	"github.com/syndtr/goleveldb/leveldb/util"

	"fluxGarden/internal/model"
)

var (
	prefixUser        = []byte("u/")
	prefixProtocol    = []byte("p/")
	prefixTransaction = []byte("t/")
	prefixTxByBlock   = []byte("tb/")
	prefixEvent       = []byte("e/")
	prefixJournal     = []byte("j/")
	prefixAccount     = []byte("a/")
	prefixKind        = []byte("k/")
	prefixBlockHash   = []byte("b/")
	keyCursor         = []byte("c/cursor")
)

func concat(parts ...[]byte) []byte {
	size := 0
	for _, p := range parts {
		size += len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func be64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

func encodePosition(p model.Position) []byte {
	return concat(be64(p.Block), be64(p.TxIndex), be64(p.LogIndex))
}

func userKey(address string) []byte {
	return concat(prefixUser, []byte(address))
}

func protocolKey(id string) []byte {
	return concat(prefixProtocol, []byte(id))
}

func transactionKey(hash string) []byte {
	return concat(prefixTransaction, []byte(hash))
}

func txByBlockKey(block uint64, hash string) []byte {
	return concat(prefixTxByBlock, be64(block), []byte(hash))
}

func eventKey(id string) []byte {
	return concat(prefixEvent, []byte(id))
}

func journalKey(p model.Position) []byte {
	return concat(prefixJournal, encodePosition(p))
}

func accountPrefix(kind model.EventKind, account string) []byte {
	return concat(prefixAccount, []byte(kind), []byte("/"), []byte(account), []byte("/"))
}

func accountKey(kind model.EventKind, account string, p model.Position) []byte {
	return concat(accountPrefix(kind, account), encodePosition(p))
}

func kindPrefix(kind model.EventKind) []byte {
	return concat(prefixKind, []byte(kind), []byte("/"))
}

func kindKey(kind model.EventKind, p model.Position) []byte {
	return concat(kindPrefix(kind), encodePosition(p))
}

func blockHashKey(block uint64) []byte {
	return concat(prefixBlockHash, be64(block))
}

// fromRange covers every key of prefix whose suffix sorts at or after start.
func fromRange(prefix, start []byte) *util.Range {
	return &util.Range{Start: concat(prefix, start), Limit: util.BytesPrefix(prefix).Limit}
}

func decodeBE64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b[:8])
}
