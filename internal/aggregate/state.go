package aggregate

import (
	"fmt"

	"github.com/holiman/uint256"

	"fluxGarden/internal/model"
)

// DefaultLockDuration approximates the contract lock after a stake, in seconds.
const DefaultLockDuration uint64 = 86400

const (
	WarnUserStakeUnderflow     = "user_stake_underflow"
	WarnProtocolStakeUnderflow = "protocol_stake_underflow"
	WarnTransactionMismatch    = "transaction_mismatch"
)

// Warning is a data-consistency problem found while folding an event.
type Warning struct {
	Type    string
	EventID string
	Account string
	Detail  string
}

// State is the in-memory snapshot the event handlers fold into. It does no I/O:
// the engine seeds it from the store and persists what changed.
type State struct {
	lockDuration uint64
	stakingToken string

	protocol *model.Protocol
	users    map[string]*model.User
	order    []string
	touched  map[string]struct{}
	warnings []Warning
}

func NewState(lockDuration uint64, stakingToken string) *State {
	return &State{
		lockDuration: lockDuration,
		stakingToken: model.NormalizeAddress(stakingToken),
		users:        make(map[string]*model.User),
		touched:      make(map[string]struct{}),
	}
}

// Seed loads existing snapshots. Seeded users are not counted as new.
func (s *State) Seed(protocol *model.Protocol, users ...*model.User) {
	if protocol != nil {
		s.protocol = protocol.Clone()
	}
	for _, user := range users {
		if user == nil {
			continue
		}
		s.users[user.ID] = user.Clone()
	}
}

// Apply folds one event into the state.
func (s *State) Apply(ev *model.ContractEvent) error {
	if ev == nil || ev.Payload == nil {
		return fmt.Errorf("event has no payload")
	}
	return ev.Payload.Accept(&handler{state: s, eventID: ev.ID()})
}

// Protocol returns the protocol snapshot, nil if no event created it yet.
func (s *State) Protocol() *model.Protocol {
	return s.protocol
}

// Users returns the users touched by applied events in first-touch order.
func (s *State) Users() []*model.User {
	out := make([]*model.User, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.users[id])
	}
	return out
}

// User returns a user snapshot known to the state.
func (s *State) User(address string) (*model.User, bool) {
	user, ok := s.users[model.NormalizeAddress(address)]
	return user, ok
}

func (s *State) Warnings() []Warning {
	return s.warnings
}

func (s *State) getProtocol() *model.Protocol {
	if s.protocol == nil {
		s.protocol = model.NewProtocol(s.stakingToken)
	}
	if s.protocol.StakingTokenAddress == model.ZeroAddress && s.stakingToken != "" {
		s.protocol.StakingTokenAddress = s.stakingToken
	}
	return s.protocol
}

// getUser returns the user for address, creating it and bumping the protocol
// user count on first reference.
func (s *State) getUser(address string) *model.User {
	id := model.NormalizeAddress(address)
	protocol := s.getProtocol()
	user, ok := s.users[id]
	if !ok {
		user = model.NewUser(id)
		s.users[id] = user
		protocol.UserCount++
	}
	if _, ok := s.touched[id]; !ok {
		s.touched[id] = struct{}{}
		s.order = append(s.order, id)
	}
	return user
}

func (s *State) warn(kind, eventID, account, format string, args ...interface{}) {
	s.warnings = append(s.warnings, Warning{
		Type:    kind,
		EventID: eventID,
		Account: account,
		Detail:  fmt.Sprintf(format, args...),
	})
}

func amount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

// add returns a+b, saturating at the maximum value.
func add(a, b *uint256.Int) *uint256.Int {
	out, overflow := new(uint256.Int).AddOverflow(amount(a), amount(b))
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return out
}

// sub returns a-b and whether the result had to be clamped to zero.
func sub(a, b *uint256.Int) (*uint256.Int, bool) {
	out, underflow := new(uint256.Int).SubOverflow(amount(a), amount(b))
	if underflow {
		return new(uint256.Int), true
	}
	return out, false
}
