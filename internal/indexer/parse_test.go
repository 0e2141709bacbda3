package indexer

import "testing"

func TestParseAddress(t *testing.T) {
	got, err := ParseAddress(" 0x1111111111111111111111111111111111111111 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Hex() != "0x1111111111111111111111111111111111111111" {
		t.Fatalf("address mismatch: %s", got.Hex())
	}

	if _, err := ParseAddress("0x1234"); err == nil {
		t.Fatalf("expected error for short address")
	}
}

func TestParseTopic0Map(t *testing.T) {
	topic := "0x9E71BC8EEA02A63969F509818F2DAFB9254532904319F9DBDA79B67BD34A5F3D"
	got, err := ParseTopic0Map(map[string]string{topic: " Staked "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	name, ok := got["0x9e71bc8eea02a63969f509818f2dafb9254532904319f9dbda79b67bd34a5f3d"]
	if !ok || name != "Staked" {
		t.Fatalf("topic map mismatch: %v", got)
	}

	if _, err := ParseTopic0Map(map[string]string{"0xabcd": "Staked"}); err == nil {
		t.Fatalf("expected error for short topic")
	}
	if _, err := ParseTopic0Map(map[string]string{"staked": "Staked"}); err == nil {
		t.Fatalf("expected error for non-hex topic")
	}
}
