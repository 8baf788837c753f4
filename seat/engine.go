package seat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	ledger "github.com/nimbuscredit/ledger"
	"github.com/nimbuscredit/ledger/catalog"
	"github.com/nimbuscredit/ledger/credit"
	"github.com/nimbuscredit/ledger/id"
	"github.com/nimbuscredit/ledger/provider"
	"github.com/nimbuscredit/ledger/replica"
)

const sourceSeatGrant = "seat_grant"

// Engine is the Seats API (component G): per-seat membership bookkeeping
// layered on the Credits API, the Config Resolver's grantTo policy, and
// (for perSeat plans) the payment processor's subscription-item quantity.
type Engine struct {
	store   Store
	credits *credit.Service
	catalog *catalog.Resolver
	replica replica.Store
	client  provider.Client
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for best-effort diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates a Seats API engine.
func New(store Store, credits *credit.Service, resolver *catalog.Resolver, replicaStore replica.Store, client provider.Client, opts ...Option) *Engine {
	e := &Engine{store: store, credits: credits, catalog: resolver, replica: replicaStore, client: client, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ListActiveSeatUsers implements lifecycle.SeatUserLister, letting the
// Lifecycle Applier enumerate grantTo=seat-users targets from real seat
// ownership data.
func (e *Engine) ListActiveSeatUsers(ctx context.Context, subscriptionID string) ([]string, error) {
	seats, err := e.store.ListSeatsBySubscription(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("seat: list seats for %s: %w", subscriptionID, err)
	}
	userIDs := make([]string, 0, len(seats))
	for _, s := range seats {
		userIDs = append(userIDs, s.UserID)
	}
	return userIDs, nil
}

func (e *Engine) resolveSubscription(ctx context.Context, orgID string) (catalog.Match, *replica.Subscription, error) {
	customerID, ok, err := e.replica.ResolveCustomerID(ctx, orgID)
	if err != nil {
		return catalog.Match{}, nil, fmt.Errorf("seat: resolve customer for org %s: %w", orgID, err)
	}
	if !ok {
		return catalog.Match{}, nil, fmt.Errorf("seat: org %s has no Stripe customer: %w", orgID, ledger.ErrUserNotFound)
	}

	sub, err := e.replica.GetActiveSubscriptionByCustomer(ctx, customerID)
	if err != nil {
		return catalog.Match{}, nil, fmt.Errorf("seat: get active subscription for %s: %w", customerID, err)
	}
	if sub == nil {
		return catalog.Match{}, nil, fmt.Errorf("seat: org %s has no active subscription: %w", orgID, ledger.ErrNoSubscription)
	}

	match, ok := e.catalog.ResolvePlanByPriceID(sub.PriceID())
	if !ok {
		return catalog.Match{}, nil, fmt.Errorf("seat: no plan configuration resolves for subscription %s: %w", sub.ID, ledger.ErrPlanNotFound)
	}
	return match, sub, nil
}

// Add enrolls userID as a seat under orgID's active subscription, granting
// credits under the plan's grantTo policy and, for a perSeat plan,
// incrementing the subscription's billed quantity.
func (e *Engine) Add(ctx context.Context, params AddParams) (*AddResult, error) {
	match, sub, err := e.resolveSubscription(ctx, params.OrgID)
	if err != nil {
		return nil, err
	}
	plan := match.Plan
	interval := catalog.IntervalOneTime
	if match.PricePoint != nil {
		interval = match.PricePoint.Interval
	}

	existing, err := e.store.GetSeat(ctx, params.UserID)
	if err != nil {
		return nil, fmt.Errorf("seat: get existing seat for %s: %w", params.UserID, err)
	}
	if existing != nil {
		if existing.SubscriptionID == sub.ID {
			// Already a seat of this subscription: idempotent success, no
			// re-grant.
			return &AddResult{Success: true}, nil
		}
		return nil, fmt.Errorf("seat: %s is already a seat of subscription %s: %w", params.UserID, existing.SubscriptionID, ledger.ErrAlreadyExists)
	}

	granted := make(map[string]int64)
	switch plan.EffectiveGrantTo() {
	case catalog.GrantToManual:
		// No credits on seat add.
	case catalog.GrantToSeatUsers:
		for key, feature := range plan.Features {
			if feature.Credits == nil {
				continue
			}
			amount := catalog.IntervalMultiplier(feature.Credits.Allocation, interval)
			idemKey := fmt.Sprintf("seat_add:%s:%s:%s", sub.ID, params.UserID, key)
			if _, err := e.credits.Grant(ctx, params.UserID, key, amount, credit.Meta{
				Source:         sourceSeatGrant,
				SourceID:       sub.ID,
				IdempotencyKey: idemKey,
			}); err != nil && !errors.Is(err, ledger.ErrIdempotencyConflict) {
				return nil, fmt.Errorf("seat: grant %s to %s: %w", key, params.UserID, err)
			}
			granted[key] = amount
		}
	default: // subscriber: the shared pool lives on the org's mapped user, topped up on each seat add
		orgUserID, ok, err := e.replica.ResolveUserID(ctx, sub.CustomerID)
		if err != nil {
			return nil, fmt.Errorf("seat: resolve org user for %s: %w", sub.CustomerID, err)
		}
		if ok {
			for key, feature := range plan.Features {
				if feature.Credits == nil {
					continue
				}
				amount := catalog.IntervalMultiplier(feature.Credits.Allocation, interval)
				idemKey := fmt.Sprintf("seat_add:%s:%s:%s:%s", sub.ID, orgUserID, params.UserID, key)
				if _, err := e.credits.Grant(ctx, orgUserID, key, amount, credit.Meta{
					Source:         sourceSeatGrant,
					SourceID:       sub.ID,
					IdempotencyKey: idemKey,
				}); err != nil && !errors.Is(err, ledger.ErrIdempotencyConflict) {
					return nil, fmt.Errorf("seat: grant %s to org user %s: %w", key, orgUserID, err)
				}
			}
		}
	}

	s := &Seat{ID: id.NewSeatID(), UserID: params.UserID, SubscriptionID: sub.ID, GrantedKeys: granted}
	if err := e.store.CreateSeat(ctx, s); err != nil {
		return nil, fmt.Errorf("seat: create seat row for %s: %w", params.UserID, err)
	}

	if plan.PerSeat {
		if err := e.adjustSeatQuantity(ctx, sub, 1); err != nil {
			e.logger.Error("seat: failed to increment subscription item quantity", "error", err, "subscription_id", sub.ID)
		}
	}

	return &AddResult{Success: true, CreditsGranted: granted}, nil
}

// Remove revokes the credits this subscription granted to userID (leaving
// top-ups and other sources untouched), deletes the seat row, and for a
// perSeat plan decrements the billed quantity, never below 1.
func (e *Engine) Remove(ctx context.Context, params RemoveParams) error {
	s, err := e.store.GetSeat(ctx, params.UserID)
	if err != nil {
		return fmt.Errorf("seat: get seat for %s: %w", params.UserID, err)
	}
	if s == nil {
		return fmt.Errorf("seat: %s has no seat: %w", params.UserID, ledger.ErrNotFound)
	}

	for key, grantedAmount := range s.GrantedKeys {
		balance, err := e.credits.GetBalance(ctx, params.UserID, key)
		if err != nil {
			return fmt.Errorf("seat: get balance for %s/%s: %w", params.UserID, key, err)
		}
		revokeAmount := grantedAmount
		if balance < revokeAmount {
			revokeAmount = balance
		}
		if revokeAmount <= 0 {
			continue
		}
		if _, err := e.credits.Revoke(ctx, params.UserID, key, revokeAmount, credit.Meta{
			Source:   sourceSeatGrant,
			SourceID: s.SubscriptionID,
		}); err != nil {
			return fmt.Errorf("seat: revoke %s from %s: %w", key, params.UserID, err)
		}
	}

	if err := e.store.DeleteSeat(ctx, params.UserID); err != nil {
		return fmt.Errorf("seat: delete seat row for %s: %w", params.UserID, err)
	}

	sub, err := e.replica.GetSubscription(ctx, s.SubscriptionID)
	if err != nil {
		return fmt.Errorf("seat: get subscription %s: %w", s.SubscriptionID, err)
	}
	if sub == nil {
		return nil
	}
	match, ok := e.catalog.ResolvePlanByPriceID(sub.PriceID())
	if ok && match.Plan.PerSeat {
		if err := e.adjustSeatQuantity(ctx, sub, -1); err != nil {
			e.logger.Error("seat: failed to decrement subscription item quantity", "error", err, "subscription_id", sub.ID)
		}
	}
	return nil
}

// adjustSeatQuantity sets the subscription's first item quantity to
// delta more than its current value (delta may be negative), floored at
// 1 when the subscription exposes an item to update.
func (e *Engine) adjustSeatQuantity(ctx context.Context, sub *replica.Subscription, delta int64) error {
	if len(sub.Items) == 0 {
		return nil
	}
	item := sub.Items[0]
	next := item.Quantity + delta
	if next < 1 {
		next = 1
	}
	return e.client.SubscriptionItems().UpdateQuantity(ctx, item.ID, next)
}
