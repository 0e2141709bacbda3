package staking

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// Caller is the subset of the chain client needed for eth_call.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// FetchStakingToken reads the token address from the staking contract's stakingToken() view.
func FetchStakingToken(ctx context.Context, caller Caller, stakingContract common.Address) (common.Address, error) {
	if caller == nil {
		return common.Address{}, fmt.Errorf("chain client is nil")
	}
	parsed, err := StakingABI()
	if err != nil {
		return common.Address{}, fmt.Errorf("parse staking abi: %w", err)
	}
	data, err := parsed.Pack("stakingToken")
	if err != nil {
		return common.Address{}, fmt.Errorf("pack stakingToken: %w", err)
	}
	resp, err := caller.CallContract(ctx, ethereum.CallMsg{To: &stakingContract, Data: data}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("call stakingToken: %w", err)
	}
	values, err := parsed.Unpack("stakingToken", resp)
	if err != nil {
		return common.Address{}, fmt.Errorf("unpack stakingToken: %w", err)
	}
	if len(values) != 1 {
		return common.Address{}, fmt.Errorf("unexpected stakingToken values: %d", len(values))
	}
	return asAddress(values[0])
}
