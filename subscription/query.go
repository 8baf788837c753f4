package subscription

import (
	"context"
	"sort"

	"github.com/nimbuscredit/ledger/catalog"
	"github.com/nimbuscredit/ledger/replica"
)

// Resolved pairs a replicated subscription with its Config Resolver plan
// match. Plan is nil when no plan configuration resolves for the
// subscription's price.
type Resolved struct {
	Subscription *replica.Subscription
	Plan         *catalog.Plan
}

// Query is the Subscriptions Query (component H, support): userId-keyed
// reads over the Stripe replica's subscription table, each resolved
// against the Config Resolver's price catalog.
type Query struct {
	replica replica.Store
	catalog *catalog.Resolver
}

// NewQuery builds a Subscriptions Query.
func NewQuery(replicaStore replica.Store, resolver *catalog.Resolver) *Query {
	return &Query{replica: replicaStore, catalog: resolver}
}

func (q *Query) listRaw(ctx context.Context, userID string) ([]*replica.Subscription, error) {
	customerID, ok, err := q.replica.ResolveCustomerID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return q.replica.ListSubscriptionsByCustomer(ctx, customerID)
}

func (q *Query) resolve(s *replica.Subscription) *Resolved {
	if s == nil {
		return nil
	}
	r := &Resolved{Subscription: s}
	if match, ok := q.catalog.ResolvePlanByPriceID(s.PriceID()); ok {
		r.Plan = match.Plan
	}
	return r
}

// IsActive reports whether userID has a subscription with status active
// or trialing. A user with no customer mapping or no subscriptions at
// all is false, not an error.
func (q *Query) IsActive(ctx context.Context, userID string) (bool, error) {
	subs, err := q.listRaw(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, s := range subs {
		if s.IsActive() {
			return true, nil
		}
	}
	return false, nil
}

// Get returns userID's best subscription: the active/trialing one (ties
// broken by latest current_period_end), else the most recently canceled
// one, else nil. Its price is resolved to a plan via the Config
// Resolver; Resolved.Plan is nil when no configuration matches.
func (q *Query) Get(ctx context.Context, userID string) (*Resolved, error) {
	subs, err := q.listRaw(ctx, userID)
	if err != nil || len(subs) == 0 {
		return nil, err
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].CurrentPeriodEnd.After(subs[j].CurrentPeriodEnd)
	})

	var best *replica.Subscription
	for _, s := range subs {
		if s.IsActive() {
			best = s
			break
		}
	}
	if best == nil {
		for _, s := range subs {
			if s.Status == replica.StatusCanceled {
				best = s
				break
			}
		}
	}
	return q.resolve(best), nil
}

// List returns every subscription for userID, most recent
// current_period_end first, each resolved to its plan.
func (q *Query) List(ctx context.Context, userID string) ([]*Resolved, error) {
	subs, err := q.listRaw(ctx, userID)
	if err != nil {
		return nil, err
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].CurrentPeriodEnd.After(subs[j].CurrentPeriodEnd)
	})
	out := make([]*Resolved, 0, len(subs))
	for _, s := range subs {
		out = append(out, q.resolve(s))
	}
	return out, nil
}
