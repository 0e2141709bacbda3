package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"fluxGarden/internal/model"
	"fluxGarden/internal/storage"
)

const (
	DefaultPageSize = 5
	MaxPageSize     = 100
)

var (
	// ErrNotFound means the entity was never created. A user that exists with
	// zero stake is returned normally.
	ErrNotFound = storage.ErrNotFound

	ErrInvalidArgument = errors.New("invalid argument")
)

// overviewKinds are the histories shown next to a user position.
var overviewKinds = []model.EventKind{
	model.KindStaked,
	model.KindWithdrawn,
	model.KindRewardsClaimed,
}

// Service answers read queries against a consistent store snapshot.
type Service struct {
	store storage.Store
}

func NewService(store storage.Store) *Service {
	return &Service{store: store}
}

// GetUser returns the stake position of address.
func (s *Service) GetUser(ctx context.Context, address string) (*model.User, error) {
	id, err := normalize(address)
	if err != nil {
		return nil, err
	}
	var user *model.User
	err = s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		user, err = tx.User(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetProtocol returns the protocol totals. ErrNotFound until the first event is applied.
func (s *Service) GetProtocol(ctx context.Context) (*model.Protocol, error) {
	var protocol *model.Protocol
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		protocol, err = tx.Protocol(ctx, model.ProtocolID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return protocol, nil
}

// Cursor returns the last committed position, or nil before the first write.
func (s *Service) Cursor(ctx context.Context) (*model.Cursor, error) {
	var cursor *model.Cursor
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		cursor, err = tx.Cursor(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	})
	return cursor, err
}

// ListRequest selects one page of a user's history for one event kind.
// Before is the page token returned with the previous page.
type ListRequest struct {
	Kind    string
	Account string
	Limit   int
	Before  string
}

// EventList is one page of records, newest first. Next is empty on the last page.
type EventList struct {
	Records []*model.EventRecord `json:"records"`
	Next    string               `json:"next,omitempty"`
}

// ListEvents pages through the records of req.Kind that reference req.Account.
func (s *Service) ListEvents(ctx context.Context, req ListRequest) (EventList, error) {
	account, err := normalize(req.Account)
	if err != nil {
		return EventList{}, err
	}
	page, err := newEventPage(req)
	if err != nil {
		return EventList{}, err
	}
	page.Account = account
	return s.list(ctx, page, func(tx storage.Tx) ([]*model.EventRecord, error) {
		return tx.EventsByAccount(ctx, page)
	})
}

// ListProtocolEvents pages through every record of req.Kind. req.Account is ignored.
func (s *Service) ListProtocolEvents(ctx context.Context, req ListRequest) (EventList, error) {
	page, err := newEventPage(req)
	if err != nil {
		return EventList{}, err
	}
	return s.list(ctx, page, func(tx storage.Tx) ([]*model.EventRecord, error) {
		return tx.EventsByKind(ctx, page)
	})
}

func (s *Service) list(ctx context.Context, page storage.EventPage, scan func(storage.Tx) ([]*model.EventRecord, error)) (EventList, error) {
	var records []*model.EventRecord
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		records, err = scan(tx)
		return err
	})
	if err != nil {
		return EventList{}, err
	}
	return newEventList(records, page.Limit), nil
}

// Overview is a user position with its most recent stakes, withdrawals and claims.
type Overview struct {
	User        *model.User          `json:"user"`
	Stakes      []*model.EventRecord `json:"stakes"`
	Withdrawals []*model.EventRecord `json:"withdrawals"`
	Claims      []*model.EventRecord `json:"claims"`
}

// UserOverview reads the user and the recent history from a single snapshot.
func (s *Service) UserOverview(ctx context.Context, address string) (*Overview, error) {
	id, err := normalize(address)
	if err != nil {
		return nil, err
	}
	overview := &Overview{}
	err = s.store.View(ctx, func(tx storage.Tx) error {
		user, err := tx.User(ctx, id)
		if err != nil {
			return err
		}
		overview.User = user

		lists := []*[]*model.EventRecord{&overview.Stakes, &overview.Withdrawals, &overview.Claims}
		for i, kind := range overviewKinds {
			records, err := tx.EventsByAccount(ctx, storage.EventPage{Kind: kind, Account: id, Limit: DefaultPageSize})
			if err != nil {
				return err
			}
			if records == nil {
				records = []*model.EventRecord{}
			}
			*lists[i] = records
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return overview, nil
}

func newEventList(records []*model.EventRecord, limit int) EventList {
	if records == nil {
		records = []*model.EventRecord{}
	}
	list := EventList{Records: records}
	if len(records) == limit {
		list.Next = records[len(records)-1].Meta.Position().String()
	}
	return list
}

func newEventPage(req ListRequest) (storage.EventPage, error) {
	kind, ok := model.ParseEventKind(req.Kind)
	if !ok {
		return storage.EventPage{}, fmt.Errorf("%w: unknown event kind %q", ErrInvalidArgument, req.Kind)
	}
	limit, err := pageSize(req.Limit)
	if err != nil {
		return storage.EventPage{}, err
	}
	page := storage.EventPage{Kind: kind, Limit: limit}
	if req.Before != "" {
		before, err := model.ParsePosition(req.Before)
		if err != nil {
			return storage.EventPage{}, fmt.Errorf("%w: bad page token", ErrInvalidArgument)
		}
		page.Before = &before
	}
	return page, nil
}

func normalize(address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("%w: invalid address %q", ErrInvalidArgument, address)
	}
	return strings.ToLower(common.HexToAddress(address).Hex()), nil
}

func pageSize(limit int) (int, error) {
	switch {
	case limit == 0:
		return DefaultPageSize, nil
	case limit < 0 || limit > MaxPageSize:
		return 0, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidArgument, MaxPageSize)
	default:
		return limit, nil
	}
}
