package model

import (
	"strings"

	"github.com/holiman/uint256"
)

const (
	// ProtocolID keys the singleton Protocol entity.
	ProtocolID = "flux-garden"

	// ZeroAddress is the staking token address until the contract reports one.
	ZeroAddress = "0x0000000000000000000000000000000000000000"
)

// Transaction anchors derived records to their block context. Write-once.
type Transaction struct {
	Hash           string `json:"id"`
	BlockNumber    uint64 `json:"blockNumber"`
	BlockTimestamp uint64 `json:"blockTimestamp"`
}

// User is the per-account stake position.
type User struct {
	ID                 string       `json:"id"`
	StakedAmount       *uint256.Int `json:"stakedAmount"`
	PendingRewards     *uint256.Int `json:"pendingRewards"`
	LastStakeTimestamp uint64       `json:"lastStakeTimestamp"`
	CanWithdraw        bool         `json:"canWithdraw"`
	TimeUntilUnlock    uint64       `json:"timeUntilUnlock"`
	TransactionCount   uint64       `json:"transactionCount"`
}

// NewUser returns the zeroed record created on first reference to address.
func NewUser(address string) *User {
	return &User{
		ID:             NormalizeAddress(address),
		StakedAmount:   new(uint256.Int),
		PendingRewards: new(uint256.Int),
	}
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	out.StakedAmount = cloneAmount(u.StakedAmount)
	out.PendingRewards = cloneAmount(u.PendingRewards)
	return &out
}

// Protocol holds protocol-wide totals.
type Protocol struct {
	ID                   string       `json:"id"`
	TotalStaked          *uint256.Int `json:"totalStaked"`
	TotalRewards         *uint256.Int `json:"totalRewards"`
	CurrentRewardRate    *uint256.Int `json:"currentRewardRate"`
	StakingTokenAddress  string       `json:"stakingTokenAddress"`
	UserCount            uint64       `json:"userCount"`
	LastUpdatedTimestamp uint64       `json:"lastUpdatedTimestamp"`
}

// NewProtocol returns the zeroed singleton.
func NewProtocol(stakingToken string) *Protocol {
	if stakingToken == "" {
		stakingToken = ZeroAddress
	}
	return &Protocol{
		ID:                  ProtocolID,
		TotalStaked:         new(uint256.Int),
		TotalRewards:        new(uint256.Int),
		CurrentRewardRate:   new(uint256.Int),
		StakingTokenAddress: NormalizeAddress(stakingToken),
	}
}

// Clone returns a deep copy.
func (p *Protocol) Clone() *Protocol {
	if p == nil {
		return nil
	}
	out := *p
	out.TotalStaked = cloneAmount(p.TotalStaked)
	out.TotalRewards = cloneAmount(p.TotalRewards)
	out.CurrentRewardRate = cloneAmount(p.CurrentRewardRate)
	return &out
}

// NormalizeAddress lower-cases a hex address so it can be used as an entity ID.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}
