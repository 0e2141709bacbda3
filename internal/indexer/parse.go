package indexer

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ParseAddress validates a contract address given on the command line or in config.
func ParseAddress(input string) (common.Address, error) {
	input = strings.TrimSpace(input)
	if !common.IsHexAddress(input) {
		return common.Address{}, fmt.Errorf("invalid address: %q", input)
	}
	return common.HexToAddress(input), nil
}

// ParseTopic0Map validates the keys of a topic0 -> event name override map and
// returns it keyed by lowercased topic hex.
func ParseTopic0Map(input map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(input))
	for topic, name := range input {
		hash, err := parseTopic0(topic)
		if err != nil {
			return nil, err
		}
		out[strings.ToLower(hash.Hex())] = strings.TrimSpace(name)
	}
	return out, nil
}

func parseTopic0(input string) (common.Hash, error) {
	input = strings.TrimSpace(input)
	data, err := hexutil.Decode(input)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid topic0: %s", input)
	}
	if len(data) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid topic0 length: %s", input)
	}
	return common.BytesToHash(data), nil
}
