package model

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// EventMeta locates a contract event in the chain.
type EventMeta struct {
	Contract       string `json:"contract"`
	BlockNumber    uint64 `json:"blockNumber"`
	BlockHash      string `json:"blockHash"`
	BlockTimestamp uint64 `json:"timestamp"`
	TxHash         string `json:"transaction"`
	TxIndex        uint64 `json:"transactionIndex"`
	LogIndex       uint64 `json:"logIndex"`
}

// Position returns the canonical ordering key of the event.
func (m EventMeta) Position() Position {
	return Position{Block: m.BlockNumber, TxIndex: m.TxIndex, LogIndex: m.LogIndex}
}

// ID returns the journal key of the event.
func (m EventMeta) ID() string {
	return EventID(m.TxHash, m.LogIndex)
}

// ContractEvent is a decoded event as delivered by the log reader.
type ContractEvent struct {
	EventMeta
	Payload Payload
}

// EventID builds the record key: transaction hash bytes followed by the
// log index as a little-endian int32, hex encoded.
func EventID(txHash string, logIndex uint64) string {
	var suffix [4]byte
	binary.LittleEndian.PutUint32(suffix[:], uint32(logIndex))
	return strings.ToLower(txHash) + hex.EncodeToString(suffix[:])
}

// EventRecord is an immutable journal entry derived from one contract event.
type EventRecord struct {
	ID       string
	Kind     EventKind
	Meta     EventMeta
	Accounts []string
	Payload  Payload
}

// NewEventRecord builds the journal entry for ev.
func NewEventRecord(ev *ContractEvent) *EventRecord {
	accounts := make([]string, 0, 2)
	seen := make(map[string]struct{}, 2)
	for _, account := range ev.Payload.Accounts() {
		account = NormalizeAddress(account)
		if _, ok := seen[account]; ok {
			continue
		}
		seen[account] = struct{}{}
		accounts = append(accounts, account)
	}
	return &EventRecord{
		ID:       ev.ID(),
		Kind:     ev.Payload.Kind(),
		Meta:     ev.EventMeta,
		Accounts: accounts,
		Payload:  ev.Payload,
	}
}

// Event returns the contract event the record was derived from.
func (r *EventRecord) Event() *ContractEvent {
	return &ContractEvent{EventMeta: r.Meta, Payload: r.Payload}
}

type eventRecordJSON struct {
	ID       string          `json:"id"`
	Kind     EventKind       `json:"kind"`
	Meta     EventMeta       `json:"meta"`
	Accounts []string        `json:"accounts"`
	Payload  json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the record with a kind discriminator.
func (r EventRecord) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", r.Kind, err)
	}
	return json.Marshal(eventRecordJSON{
		ID:       r.ID,
		Kind:     r.Kind,
		Meta:     r.Meta,
		Accounts: r.Accounts,
		Payload:  payload,
	})
}

// UnmarshalJSON decodes a record, resolving the payload type from its kind.
func (r *EventRecord) UnmarshalJSON(data []byte) error {
	var raw eventRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, ok := NewPayload(raw.Kind)
	if !ok {
		return fmt.Errorf("unknown event kind: %q", raw.Kind)
	}
	if err := json.Unmarshal(raw.Payload, payload); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", raw.Kind, err)
	}
	*r = EventRecord{
		ID:       raw.ID,
		Kind:     raw.Kind,
		Meta:     raw.Meta,
		Accounts: raw.Accounts,
		Payload:  payload,
	}
	return nil
}
