// Package memory is an in-memory seat.Store test double: it lets
// ledger-core tests exercise the Seats API without a real seat-ownership
// database.
package memory

import (
	"context"
	"sync"

	"github.com/nimbuscredit/ledger/seat"
)

var _ seat.Store = (*Store)(nil)

// Store is an in-memory seat.Store, one row per user.
type Store struct {
	mu    sync.RWMutex
	seats map[string]*seat.Seat // userID -> seat
}

// New creates an empty in-memory seat store.
func New() *Store {
	return &Store{seats: make(map[string]*seat.Seat)}
}

func (s *Store) GetSeat(_ context.Context, userID string) (*seat.Seat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.seats[userID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (s *Store) CreateSeat(_ context.Context, row *seat.Seat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *row
	s.seats[row.UserID] = &cp
	return nil
}

func (s *Store) DeleteSeat(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seats, userID)
	return nil
}

func (s *Store) ListSeatsBySubscription(_ context.Context, subscriptionID string) ([]*seat.Seat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*seat.Seat
	for _, row := range s.seats {
		if row.SubscriptionID == subscriptionID {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}
