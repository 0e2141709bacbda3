package model

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestLogRecordJSONRoundTrip(t *testing.T) {
	original := LogRecord{
		ChainID:     11155111,
		BlockNumber: 6000000,
		BlockHash:   "0xabc123",
		TxHash:      "0xdef456",
		TxIndex:     7,
		LogIndex:    12,
		Address:     "0x1111111111111111111111111111111111111111",
		Topics:      []string{"0xaaa", "0xbbb"},
		Data:        "0xdeadbeef",
		Timestamp:   1700000000,
	}

	b, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded LogRecord
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if !reflect.DeepEqual(original, decoded) {
		t.Fatalf("round-trip mismatch: %+v != %+v", original, decoded)
	}
}

func TestLogRecordMeta(t *testing.T) {
	record := LogRecord{
		BlockNumber: 10,
		BlockHash:   "0xb10",
		TxHash:      "0xt1",
		TxIndex:     2,
		LogIndex:    5,
		Address:     "0xAbCdEf0000000000000000000000000000000001",
		Timestamp:   1000,
	}

	meta := record.Meta()
	if meta.Contract != "0xabcdef0000000000000000000000000000000001" {
		t.Fatalf("contract not normalized: %s", meta.Contract)
	}
	if meta.Position() != record.Position() {
		t.Fatalf("position mismatch: %v != %v", meta.Position(), record.Position())
	}
	if record.Topic0() != "" {
		t.Fatalf("expected empty topic0")
	}
}
