package aggregate

import (
	"github.com/holiman/uint256"

	"fluxGarden/internal/model"
)

// handler folds one payload into State. Adding an event kind to
// model.PayloadVisitor breaks this assertion until a handler exists.
type handler struct {
	state   *State
	eventID string
}

var _ model.PayloadVisitor = (*handler)(nil)

func clone(v *uint256.Int) *uint256.Int {
	return amount(v).Clone()
}

func (h *handler) debit(user *model.User, value *uint256.Int) {
	next, clamped := sub(user.StakedAmount, value)
	if clamped {
		h.state.warn(WarnUserStakeUnderflow, h.eventID, user.ID,
			"withdraw %s exceeds staked %s", amount(value).Dec(), amount(user.StakedAmount).Dec())
	}
	user.StakedAmount = next
}

func (h *handler) VisitApproval(e *model.Approval) error {
	owner := h.state.getUser(e.Owner)
	h.state.getUser(e.Spender)
	owner.TransactionCount++
	return nil
}

func (h *handler) VisitTransfer(e *model.Transfer) error {
	from := h.state.getUser(e.From)
	h.state.getUser(e.To)
	from.TransactionCount++
	return nil
}

func (h *handler) VisitStaked(e *model.Staked) error {
	user := h.state.getUser(e.User)
	user.StakedAmount = add(user.StakedAmount, e.Amount)
	user.LastStakeTimestamp = e.Timestamp
	user.CanWithdraw = false
	user.TimeUntilUnlock = h.state.lockDuration
	user.TransactionCount++

	protocol := h.state.getProtocol()
	protocol.TotalStaked = clone(e.NewTotalStaked)
	protocol.LastUpdatedTimestamp = e.Timestamp
	return nil
}

func (h *handler) VisitWithdrawn(e *model.Withdrawn) error {
	user := h.state.getUser(e.User)
	h.debit(user, e.Amount)
	user.CanWithdraw = true
	user.TimeUntilUnlock = 0
	user.TransactionCount++

	protocol := h.state.getProtocol()
	protocol.TotalStaked = clone(e.NewTotalStaked)
	protocol.TotalRewards = add(protocol.TotalRewards, e.RewardsAccrued)
	protocol.LastUpdatedTimestamp = e.Timestamp
	return nil
}

// Emergency exits leave the lock state untouched and move the protocol
// total by the withdrawn amount rather than the reported total.
func (h *handler) VisitEmergencyWithdrawn(e *model.EmergencyWithdrawn) error {
	user := h.state.getUser(e.User)
	h.debit(user, e.Amount)
	user.TransactionCount++

	protocol := h.state.getProtocol()
	total, clamped := sub(protocol.TotalStaked, e.Amount)
	if clamped {
		h.state.warn(WarnProtocolStakeUnderflow, h.eventID, user.ID,
			"emergency withdraw %s exceeds protocol total %s", amount(e.Amount).Dec(), amount(protocol.TotalStaked).Dec())
	}
	protocol.TotalStaked = total
	protocol.LastUpdatedTimestamp = e.Timestamp
	return nil
}

func (h *handler) VisitRewardsClaimed(e *model.RewardsClaimed) error {
	user := h.state.getUser(e.User)
	user.PendingRewards = clone(e.NewPendingRewards)
	user.TransactionCount++

	protocol := h.state.getProtocol()
	protocol.TotalRewards = add(protocol.TotalRewards, e.Amount)
	protocol.LastUpdatedTimestamp = e.Timestamp
	return nil
}

func (h *handler) VisitRewardRateUpdated(e *model.RewardRateUpdated) error {
	protocol := h.state.getProtocol()
	protocol.CurrentRewardRate = clone(e.NewRate)
	protocol.LastUpdatedTimestamp = e.Timestamp
	return nil
}
