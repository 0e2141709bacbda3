package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionCompare(t *testing.T) {
	a := Position{Block: 10, TxIndex: 1, LogIndex: 4}

	assert.Equal(t, 0, a.Compare(a))
	assert.Equal(t, -1, a.Compare(Position{Block: 11}))
	assert.Equal(t, 1, a.Compare(Position{Block: 10, TxIndex: 0, LogIndex: 9}))
	assert.Equal(t, -1, a.Compare(Position{Block: 10, TxIndex: 1, LogIndex: 5}))
	assert.Equal(t, -1, a.Compare(SealedPosition(10)))
	assert.Equal(t, 1, SealedPosition(10).Compare(a))
}

func TestCursorNextBlock(t *testing.T) {
	assert.Equal(t, uint64(11), Cursor{Position: SealedPosition(10)}.NextBlock())
	assert.Equal(t, uint64(10), Cursor{Position: Position{Block: 10, TxIndex: 2}}.NextBlock())
}

func TestParsePosition(t *testing.T) {
	p := Position{Block: 42, TxIndex: 3, LogIndex: 9}
	parsed, err := ParsePosition(p.String())
	require.NoError(t, err)
	assert.Equal(t, p, parsed)

	_, err = ParsePosition("42:x:9")
	assert.Error(t, err)
	_, err = ParsePosition("42")
	assert.Error(t, err)
}
