package model

// LogRecord is the normalized representation of a chain log before decoding.
type LogRecord struct {
	ChainID     uint64   `json:"chain_id"`
	BlockNumber uint64   `json:"block_number"`
	BlockHash   string   `json:"block_hash"`
	TxHash      string   `json:"tx_hash"`
	TxIndex     uint64   `json:"tx_index"`
	LogIndex    uint64   `json:"log_index"`
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	Removed     bool     `json:"removed"`
	Timestamp   uint64   `json:"timestamp"`
}

// Position returns the canonical ordering key of the log.
func (lr LogRecord) Position() Position {
	return Position{Block: lr.BlockNumber, TxIndex: lr.TxIndex, LogIndex: lr.LogIndex}
}

// Topic0 returns the event signature topic, or "" for anonymous logs.
func (lr LogRecord) Topic0() string {
	if len(lr.Topics) == 0 {
		return ""
	}
	return lr.Topics[0]
}

// Meta returns the event coordinates carried by the log.
func (lr LogRecord) Meta() EventMeta {
	return EventMeta{
		Contract:       NormalizeAddress(lr.Address),
		BlockNumber:    lr.BlockNumber,
		BlockHash:      lr.BlockHash,
		BlockTimestamp: lr.Timestamp,
		TxHash:         lr.TxHash,
		TxIndex:        lr.TxIndex,
		LogIndex:       lr.LogIndex,
	}
}
