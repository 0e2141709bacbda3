package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Position orders events by block, then transaction index, then log index.
type Position struct {
	Block    uint64 `json:"block"`
	TxIndex  uint64 `json:"txIndex"`
	LogIndex uint64 `json:"logIndex"`
}

// SealedPosition is the position after every event of block.
func SealedPosition(block uint64) Position {
	return Position{Block: block, TxIndex: math.MaxUint64, LogIndex: math.MaxUint64}
}

// Compare returns -1, 0 or 1.
func (p Position) Compare(o Position) int {
	switch {
	case p.Block != o.Block:
		return cmpUint(p.Block, o.Block)
	case p.TxIndex != o.TxIndex:
		return cmpUint(p.TxIndex, o.TxIndex)
	default:
		return cmpUint(p.LogIndex, o.LogIndex)
	}
}

// Sealed reports whether p marks a fully processed block.
func (p Position) Sealed() bool {
	return p.TxIndex == math.MaxUint64 && p.LogIndex == math.MaxUint64
}

// String renders p as block:tx:log, the format accepted by ParsePosition.
func (p Position) String() string {
	return fmt.Sprintf("%d:%d:%d", p.Block, p.TxIndex, p.LogIndex)
}

// ParsePosition parses the output of Position.String.
func ParsePosition(input string) (Position, error) {
	parts := strings.Split(input, ":")
	if len(parts) != 3 {
		return Position{}, fmt.Errorf("invalid position: %q", input)
	}
	var values [3]uint64
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return Position{}, fmt.Errorf("invalid position: %q", input)
		}
		values[i] = v
	}
	return Position{Block: values[0], TxIndex: values[1], LogIndex: values[2]}, nil
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Cursor is the last position whose writes were committed.
type Cursor struct {
	Position  Position `json:"position"`
	BlockHash string   `json:"blockHash"`
	UpdatedAt string   `json:"updatedAt"`
}

// NextBlock is the first block the reader still has to fetch.
func (c Cursor) NextBlock() uint64 {
	if c.Position.Sealed() {
		return c.Position.Block + 1
	}
	return c.Position.Block
}

// BlockRef pairs a block number with the hash the indexer saw for it.
type BlockRef struct {
	Number uint64 `json:"number"`
	Hash   string `json:"hash"`
}
