// Package memory is an in-memory replica.Store test double: it lets
// ledger-core tests seed customers, subscriptions, and prices without a
// real Stripe replica database.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/nimbuscredit/ledger/replica"
)

var _ replica.Store = (*Store)(nil)

// Store is an in-memory replica.Store.
type Store struct {
	mu            sync.RWMutex
	customers     map[string]*replica.Customer
	subscriptions map[string]*replica.Subscription
	prices        map[string]*replica.Price
	userMap       map[string]string // customerID -> userID
}

// New creates an empty in-memory replica store.
func New() *Store {
	return &Store{
		customers:     make(map[string]*replica.Customer),
		subscriptions: make(map[string]*replica.Subscription),
		prices:        make(map[string]*replica.Price),
		userMap:       make(map[string]string),
	}
}

// SeedCustomer inserts or replaces a customer row.
func (s *Store) SeedCustomer(c *replica.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[c.ID] = c
}

// SeedSubscription inserts or replaces a subscription row.
func (s *Store) SeedSubscription(sub *replica.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.ID] = sub
}

// SeedPrice inserts or replaces a price row.
func (s *Store) SeedPrice(p *replica.Price) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[p.ID] = p
}

func (s *Store) GetCustomer(_ context.Context, customerID string) (*replica.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[customerID]
	if !ok {
		return nil, nil //nolint:nilnil // no matching replicated row is a valid result, not an error
	}
	return c, nil
}

func (s *Store) GetSubscription(_ context.Context, subscriptionID string) (*replica.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return nil, nil //nolint:nilnil
	}
	return sub, nil
}

func (s *Store) GetActiveSubscriptionByCustomer(_ context.Context, customerID string) (*replica.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *replica.Subscription
	for _, sub := range s.subscriptions {
		if sub.CustomerID != customerID || !sub.IsActive() {
			continue
		}
		if best == nil || sub.CurrentPeriodEnd.After(best.CurrentPeriodEnd) {
			best = sub
		}
	}
	return best, nil
}

func (s *Store) ListSubscriptionsByCustomer(_ context.Context, customerID string) ([]*replica.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*replica.Subscription
	for _, sub := range s.subscriptions {
		if sub.CustomerID == customerID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CurrentPeriodEnd.After(out[j].CurrentPeriodEnd)
	})
	return out, nil
}

func (s *Store) GetPrice(_ context.Context, priceID string) (*replica.Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[priceID]
	if !ok {
		return nil, nil //nolint:nilnil
	}
	return p, nil
}

func (s *Store) ResolveUserID(_ context.Context, customerID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if userID, ok := s.userMap[customerID]; ok {
		return userID, true, nil
	}
	if c, ok := s.customers[customerID]; ok {
		if userID, ok := c.Metadata["user_id"]; ok && userID != "" {
			return userID, true, nil
		}
	}
	return "", false, nil
}

func (s *Store) ResolveCustomerID(_ context.Context, userID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for customerID, mappedUserID := range s.userMap {
		if mappedUserID == userID {
			return customerID, true, nil
		}
	}
	for _, c := range s.customers {
		if c.Metadata["user_id"] == userID {
			return c.ID, true, nil
		}
	}
	return "", false, nil
}

func (s *Store) SetUserMapping(_ context.Context, userID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userMap[customerID] = userID
	return nil
}
