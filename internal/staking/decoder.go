package staking

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"fluxGarden/internal/model"
)

// DecoderConfig configures decoder behavior. TokenContract enables Approval
// and Transfer decoding when set.
type DecoderConfig struct {
	StakingContract string
	TokenContract   string
	Topic0Map       map[string]string
}

// Decoder turns staking contract and token logs into typed contract events.
type Decoder struct {
	stakingABI  abi.ABI
	tokenABI    abi.ABI
	staking     common.Address
	token       common.Address
	hasToken    bool
	topicToName map[string]model.EventKind
}

// NewDecoder builds a decoder for the configured contracts.
func NewDecoder(cfg DecoderConfig) (*Decoder, error) {
	if !common.IsHexAddress(cfg.StakingContract) {
		return nil, fmt.Errorf("invalid staking contract address: %q", cfg.StakingContract)
	}
	stakingABI, err := StakingABI()
	if err != nil {
		return nil, fmt.Errorf("parse staking abi: %w", err)
	}
	tokenABI, err := TokenABI()
	if err != nil {
		return nil, fmt.Errorf("parse token abi: %w", err)
	}

	d := &Decoder{
		stakingABI:  stakingABI,
		tokenABI:    tokenABI,
		staking:     common.HexToAddress(cfg.StakingContract),
		topicToName: make(map[string]model.EventKind),
	}
	for _, kind := range stakingKinds {
		d.topicToName[strings.ToLower(stakingABI.Events[string(kind)].ID.Hex())] = kind
	}

	if cfg.TokenContract != "" {
		if !common.IsHexAddress(cfg.TokenContract) {
			return nil, fmt.Errorf("invalid token contract address: %q", cfg.TokenContract)
		}
		d.token = common.HexToAddress(cfg.TokenContract)
		d.hasToken = true
		for _, kind := range tokenKinds {
			d.topicToName[strings.ToLower(tokenABI.Events[string(kind)].ID.Hex())] = kind
		}
	}

	for topic0, name := range cfg.Topic0Map {
		kind, ok := model.ParseEventKind(strings.TrimSpace(name))
		if !ok {
			return nil, fmt.Errorf("unsupported event name in topic0 map: %s", name)
		}
		if topic0 == "" {
			continue
		}
		d.topicToName[strings.ToLower(topic0)] = kind
	}
	return d, nil
}

var (
	stakingKinds = []model.EventKind{
		model.KindStaked,
		model.KindWithdrawn,
		model.KindEmergencyWithdrawn,
		model.KindRewardsClaimed,
		model.KindRewardRateUpdated,
	}
	tokenKinds = []model.EventKind{model.KindApproval, model.KindTransfer}
)

func isTokenKind(kind model.EventKind) bool {
	return kind == model.KindApproval || kind == model.KindTransfer
}

// Addresses returns the contracts whose logs should be fetched.
func (d *Decoder) Addresses() []common.Address {
	if d.hasToken {
		return []common.Address{d.staking, d.token}
	}
	return []common.Address{d.staking}
}

// Topics returns the topic0 filter matching every decodable event.
func (d *Decoder) Topics() []common.Hash {
	out := make([]common.Hash, 0, len(d.topicToName))
	for topic := range d.topicToName {
		out = append(out, common.HexToHash(topic))
	}
	return out
}

// CanDecode checks if the topic0 is supported.
func (d *Decoder) CanDecode(topic0 string) bool {
	if topic0 == "" {
		return false
	}
	_, ok := d.topicToName[strings.ToLower(topic0)]
	return ok
}

// Decode converts a LogRecord into a ContractEvent. A missing or malformed
// field is an error; nothing is defaulted to zero.
func (d *Decoder) Decode(log model.LogRecord) (*model.ContractEvent, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("missing topics")
	}
	kind, ok := d.topicToName[strings.ToLower(log.Topics[0])]
	if !ok {
		return nil, fmt.Errorf("unsupported topic0: %s", log.Topics[0])
	}
	if !common.IsHexAddress(log.Address) {
		return nil, fmt.Errorf("invalid contract address: %s", log.Address)
	}
	address := common.HexToAddress(log.Address)

	var (
		payload model.Payload
		err     error
	)
	if isTokenKind(kind) {
		if !d.hasToken || address != d.token {
			return nil, fmt.Errorf("%s from unexpected contract %s", kind, log.Address)
		}
		payload, err = d.decodeToken(kind, log)
	} else {
		if address != d.staking {
			return nil, fmt.Errorf("%s from unexpected contract %s", kind, log.Address)
		}
		payload, err = d.decodeStaking(kind, log)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return &model.ContractEvent{EventMeta: log.Meta(), Payload: payload}, nil
}

func (d *Decoder) decodeToken(kind model.EventKind, log model.LogRecord) (model.Payload, error) {
	event := d.tokenABI.Events[string(kind)]
	var indexed struct {
		Owner   common.Address
		Spender common.Address
		From    common.Address
		To      common.Address
	}
	values, err := unpackEvent(event, log, &indexed)
	if err != nil {
		return nil, err
	}
	amounts, err := asAmounts(values, 1)
	if err != nil {
		return nil, err
	}

	switch kind {
	case model.KindApproval:
		return &model.Approval{
			Owner:   hexAddress(indexed.Owner),
			Spender: hexAddress(indexed.Spender),
			Value:   amounts[0],
		}, nil
	default:
		return &model.Transfer{
			From:  hexAddress(indexed.From),
			To:    hexAddress(indexed.To),
			Value: amounts[0],
		}, nil
	}
}

func (d *Decoder) decodeStaking(kind model.EventKind, log model.LogRecord) (model.Payload, error) {
	event := d.stakingABI.Events[string(kind)]
	var indexed struct {
		User common.Address
	}
	values, err := unpackEvent(event, log, &indexed)
	if err != nil {
		return nil, err
	}
	user := hexAddress(indexed.User)

	switch kind {
	case model.KindStaked:
		v, err := asAmounts(values, 3)
		if err != nil {
			return nil, err
		}
		ts, err := asTimestamp(v[1])
		if err != nil {
			return nil, err
		}
		return &model.Staked{User: user, Amount: v[0], Timestamp: ts, NewTotalStaked: v[2]}, nil
	case model.KindWithdrawn:
		v, err := asAmounts(values, 5)
		if err != nil {
			return nil, err
		}
		ts, err := asTimestamp(v[1])
		if err != nil {
			return nil, err
		}
		return &model.Withdrawn{
			User:              user,
			Amount:            v[0],
			Timestamp:         ts,
			NewTotalStaked:    v[2],
			RewardsAccrued:    v[3],
			CurrentRewardRate: v[4],
		}, nil
	case model.KindEmergencyWithdrawn:
		v, err := asAmounts(values, 4)
		if err != nil {
			return nil, err
		}
		ts, err := asTimestamp(v[2])
		if err != nil {
			return nil, err
		}
		return &model.EmergencyWithdrawn{
			User:           user,
			Amount:         v[0],
			Penalty:        v[1],
			Timestamp:      ts,
			NewTotalStaked: v[3],
		}, nil
	case model.KindRewardsClaimed:
		v, err := asAmounts(values, 4)
		if err != nil {
			return nil, err
		}
		ts, err := asTimestamp(v[1])
		if err != nil {
			return nil, err
		}
		return &model.RewardsClaimed{
			User:              user,
			Amount:            v[0],
			Timestamp:         ts,
			NewPendingRewards: v[2],
			TotalStaked:       v[3],
		}, nil
	case model.KindRewardRateUpdated:
		v, err := asAmounts(values, 4)
		if err != nil {
			return nil, err
		}
		ts, err := asTimestamp(v[2])
		if err != nil {
			return nil, err
		}
		return &model.RewardRateUpdated{OldRate: v[0], NewRate: v[1], Timestamp: ts, TotalStaked: v[3]}, nil
	default:
		return nil, fmt.Errorf("unsupported event name: %s", kind)
	}
}

func hexAddress(address common.Address) string {
	return model.NormalizeAddress(address.Hex())
}

// unpackEvent parses indexed topics into indexed and returns the non-indexed values.
func unpackEvent(event abi.Event, log model.LogRecord, indexed interface{}) ([]interface{}, error) {
	indexedArgs := indexedArguments(event.Inputs)
	if len(log.Topics) != len(indexedArgs)+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", len(indexedArgs)+1, len(log.Topics))
	}
	if len(indexedArgs) > 0 {
		topics, err := parseTopicHashes(log.Topics[1:])
		if err != nil {
			return nil, err
		}
		if err := abi.ParseTopics(indexed, indexedArgs, topics); err != nil {
			return nil, fmt.Errorf("parse topics: %w", err)
		}
	}

	data, err := hexutil.Decode(log.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid data: %w", err)
	}
	values, err := event.Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	return values, nil
}

func parseTopicHashes(topics []string) ([]common.Hash, error) {
	out := make([]common.Hash, 0, len(topics))
	for _, topic := range topics {
		data, err := hexutil.Decode(topic)
		if err != nil {
			return nil, fmt.Errorf("invalid topic: %w", err)
		}
		if len(data) > 32 {
			return nil, fmt.Errorf("topic length %d", len(data))
		}
		out = append(out, common.BytesToHash(data))
	}
	return out, nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

func asAmounts(values []interface{}, want int) ([]*uint256.Int, error) {
	if len(values) != want {
		return nil, fmt.Errorf("expected %d values, got %d", want, len(values))
	}
	out := make([]*uint256.Int, 0, want)
	for i, value := range values {
		amount, err := asAmount(value)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		out = append(out, amount)
	}
	return out, nil
}

func asAmount(value interface{}) (*uint256.Int, error) {
	v, ok := value.(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("unsupported uint256 type %T", value)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %s", v)
	}
	amount, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("amount overflows uint256: %s", v)
	}
	return amount, nil
}

func asTimestamp(value *uint256.Int) (uint64, error) {
	if !value.IsUint64() {
		return 0, fmt.Errorf("timestamp overflows uint64: %s", value.Dec())
	}
	return value.Uint64(), nil
}

func asAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		return *v, nil
	default:
		return common.Address{}, fmt.Errorf("unsupported address type %T", value)
	}
}
