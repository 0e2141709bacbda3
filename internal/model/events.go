package model

import "github.com/holiman/uint256"

// EventKind names a contract event handled by the engine.
type EventKind string

const (
	KindApproval           EventKind = "Approval"
	KindTransfer           EventKind = "Transfer"
	KindStaked             EventKind = "Staked"
	KindWithdrawn          EventKind = "Withdrawn"
	KindEmergencyWithdrawn EventKind = "EmergencyWithdrawn"
	KindRewardsClaimed     EventKind = "RewardsClaimed"
	KindRewardRateUpdated  EventKind = "RewardRateUpdated"
)

// AllKinds lists every event kind in a stable order.
var AllKinds = []EventKind{
	KindApproval,
	KindTransfer,
	KindStaked,
	KindWithdrawn,
	KindEmergencyWithdrawn,
	KindRewardsClaimed,
	KindRewardRateUpdated,
}

// ParseEventKind resolves a kind name; ok is false for unknown names.
func ParseEventKind(name string) (EventKind, bool) {
	for _, kind := range AllKinds {
		if string(kind) == name {
			return kind, true
		}
	}
	return "", false
}

// Payload is the closed set of decoded event bodies.
type Payload interface {
	Kind() EventKind
	// Accounts returns the user addresses the event references.
	Accounts() []string
	Accept(v PayloadVisitor) error
}

// PayloadVisitor has one method per event kind. Implementations are
// checked at compile time, so adding a kind forces every handler to cover it.
type PayloadVisitor interface {
	VisitApproval(*Approval) error
	VisitTransfer(*Transfer) error
	VisitStaked(*Staked) error
	VisitWithdrawn(*Withdrawn) error
	VisitEmergencyWithdrawn(*EmergencyWithdrawn) error
	VisitRewardsClaimed(*RewardsClaimed) error
	VisitRewardRateUpdated(*RewardRateUpdated) error
}

// Approval is the token's Approval(owner, spender, value).
type Approval struct {
	Owner   string       `json:"owner"`
	Spender string       `json:"spender"`
	Value   *uint256.Int `json:"value"`
}

func (e *Approval) Kind() EventKind               { return KindApproval }
func (e *Approval) Accounts() []string            { return []string{e.Owner, e.Spender} }
func (e *Approval) Accept(v PayloadVisitor) error { return v.VisitApproval(e) }

// Transfer is the token's Transfer(from, to, value).
type Transfer struct {
	From  string       `json:"from"`
	To    string       `json:"to"`
	Value *uint256.Int `json:"value"`
}

func (e *Transfer) Kind() EventKind               { return KindTransfer }
func (e *Transfer) Accounts() []string            { return []string{e.From, e.To} }
func (e *Transfer) Accept(v PayloadVisitor) error { return v.VisitTransfer(e) }

// Staked is Staked(user, amount, timestamp, newTotalStaked).
type Staked struct {
	User           string       `json:"user"`
	Amount         *uint256.Int `json:"amount"`
	Timestamp      uint64       `json:"timestamp"`
	NewTotalStaked *uint256.Int `json:"newTotalStaked"`
}

func (e *Staked) Kind() EventKind               { return KindStaked }
func (e *Staked) Accounts() []string            { return []string{e.User} }
func (e *Staked) Accept(v PayloadVisitor) error { return v.VisitStaked(e) }

// Withdrawn is Withdrawn(user, amount, timestamp, newTotalStaked, rewardsAccrued, currentRewardRate).
type Withdrawn struct {
	User              string       `json:"user"`
	Amount            *uint256.Int `json:"amount"`
	Timestamp         uint64       `json:"timestamp"`
	NewTotalStaked    *uint256.Int `json:"newTotalStaked"`
	RewardsAccrued    *uint256.Int `json:"rewardsAccrued"`
	CurrentRewardRate *uint256.Int `json:"currentRewardRate"`
}

func (e *Withdrawn) Kind() EventKind               { return KindWithdrawn }
func (e *Withdrawn) Accounts() []string            { return []string{e.User} }
func (e *Withdrawn) Accept(v PayloadVisitor) error { return v.VisitWithdrawn(e) }

// EmergencyWithdrawn is EmergencyWithdrawn(user, amount, penalty, timestamp, newTotalStaked).
type EmergencyWithdrawn struct {
	User           string       `json:"user"`
	Amount         *uint256.Int `json:"amount"`
	Penalty        *uint256.Int `json:"penalty"`
	Timestamp      uint64       `json:"timestamp"`
	NewTotalStaked *uint256.Int `json:"newTotalStaked"`
}

func (e *EmergencyWithdrawn) Kind() EventKind               { return KindEmergencyWithdrawn }
func (e *EmergencyWithdrawn) Accounts() []string            { return []string{e.User} }
func (e *EmergencyWithdrawn) Accept(v PayloadVisitor) error { return v.VisitEmergencyWithdrawn(e) }

// RewardsClaimed is RewardsClaimed(user, amount, timestamp, newPendingRewards, totalStaked).
type RewardsClaimed struct {
	User              string       `json:"user"`
	Amount            *uint256.Int `json:"amount"`
	Timestamp         uint64       `json:"timestamp"`
	NewPendingRewards *uint256.Int `json:"newPendingRewards"`
	TotalStaked       *uint256.Int `json:"totalStaked"`
}

func (e *RewardsClaimed) Kind() EventKind               { return KindRewardsClaimed }
func (e *RewardsClaimed) Accounts() []string            { return []string{e.User} }
func (e *RewardsClaimed) Accept(v PayloadVisitor) error { return v.VisitRewardsClaimed(e) }

// RewardRateUpdated is RewardRateUpdated(oldRate, newRate, timestamp, totalStaked).
type RewardRateUpdated struct {
	OldRate     *uint256.Int `json:"oldRewardRate"`
	NewRate     *uint256.Int `json:"newRewardRate"`
	Timestamp   uint64       `json:"timestamp"`
	TotalStaked *uint256.Int `json:"totalStaked"`
}

func (e *RewardRateUpdated) Kind() EventKind               { return KindRewardRateUpdated }
func (e *RewardRateUpdated) Accounts() []string            { return nil }
func (e *RewardRateUpdated) Accept(v PayloadVisitor) error { return v.VisitRewardRateUpdated(e) }

// NewPayload returns an empty payload for kind, used when decoding stored records.
func NewPayload(kind EventKind) (Payload, bool) {
	switch kind {
	case KindApproval:
		return &Approval{}, true
	case KindTransfer:
		return &Transfer{}, true
	case KindStaked:
		return &Staked{}, true
	case KindWithdrawn:
		return &Withdrawn{}, true
	case KindEmergencyWithdrawn:
		return &EmergencyWithdrawn{}, true
	case KindRewardsClaimed:
		return &RewardsClaimed{}, true
	case KindRewardRateUpdated:
		return &RewardRateUpdated{}, true
	default:
		return nil, false
	}
}
