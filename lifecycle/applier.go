package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	ledger "github.com/nimbuscredit/ledger"
	"github.com/nimbuscredit/ledger/catalog"
	"github.com/nimbuscredit/ledger/credit"
	"github.com/nimbuscredit/ledger/plugin"
	"github.com/nimbuscredit/ledger/replica"
)

// SeatUserLister is the subset of the Seats API the Lifecycle Applier
// needs in grantTo=seat-users mode, to enumerate the users credits should
// land on or be revoked from.
type SeatUserLister interface {
	ListActiveSeatUsers(ctx context.Context, subscriptionID string) ([]string, error)
}

// Applier is the Lifecycle Applier (component E): it maps subscription
// events to Credits API (credit.Service) calls under a grantTo policy
// resolved from the Config Resolver.
type Applier struct {
	credits *credit.Service
	catalog *catalog.Resolver
	replica replica.Store
	seats   SeatUserLister
	logger  *slog.Logger
	cb      Callbacks
	plugins *plugin.Registry
}

// Option configures an Applier.
type Option func(*Applier)

// WithLogger sets the logger used for callback-failure diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(a *Applier) { a.logger = l }
}

// WithCallbacks installs the optional grant/revoke/reset hooks.
func WithCallbacks(cb Callbacks) Option {
	return func(a *Applier) { a.cb = cb }
}

// WithPlugins wires a plugin registry so successful subscription
// transitions emit OnSubscriptionCreated/OnSubscriptionChanged/
// OnSubscriptionCanceled to registered plugins (audit trails, metrics
// exporters). Nil by default: hook emission is opt-in.
func WithPlugins(reg *plugin.Registry) Option {
	return func(a *Applier) { a.plugins = reg }
}

// New creates a Lifecycle Applier.
func New(credits *credit.Service, resolver *catalog.Resolver, replicaStore replica.Store, seats SeatUserLister, opts ...Option) *Applier {
	a := &Applier{credits: credits, catalog: resolver, replica: replicaStore, seats: seats, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// resolveTargets resolves the customer's mapped user and, under the
// plan's grantTo policy, the set of users a grant/revoke operation should
// apply to. Returns an empty slice (not an error) when the policy yields
// no eligible target, e.g. grantTo=manual, or grantTo=seat-users with no
// first_seat_user_id on a created event.
func (a *Applier) resolveTargets(ctx context.Context, plan *catalog.Plan, ev Event) ([]string, error) {
	switch plan.EffectiveGrantTo() {
	case catalog.GrantToManual:
		return nil, nil
	case catalog.GrantToSeatUsers:
		if firstSeatUserID, ok := ev.Metadata[MetaFirstSeatUserID]; ok && firstSeatUserID != "" {
			return []string{firstSeatUserID}, nil
		}
		if a.seats != nil {
			return a.seats.ListActiveSeatUsers(ctx, ev.SubscriptionID)
		}
		return nil, nil
	default: // subscriber
		userID, ok, err := a.replica.ResolveUserID(ctx, ev.CustomerID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return []string{userID}, nil
	}
}

// sortedFeatureKeys returns plan.Features' keys sorted, so operations
// iterating a plan's features proceed in a deterministic order (load-
// bearing for the renewal idempotency short-circuit, see
// OnSubscriptionRenewed).
func sortedFeatureKeys(plan *catalog.Plan) []string {
	keys := make([]string, 0, len(plan.Features))
	for k := range plan.Features {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (a *Applier) fireGranted(ev CreditEvent) {
	if a.cb.OnCreditsGranted == nil {
		return
	}
	if err := a.cb.OnCreditsGranted(ev); err != nil {
		a.logger.Error("lifecycle: onCreditsGranted callback failed", "error", err, "user_id", ev.UserID, "key", ev.Key)
	}
}

func (a *Applier) fireRevoked(ev CreditEvent) {
	if a.cb.OnCreditsRevoked == nil {
		return
	}
	if err := a.cb.OnCreditsRevoked(ev); err != nil {
		a.logger.Error("lifecycle: onCreditsRevoked callback failed", "error", err, "user_id", ev.UserID, "key", ev.Key)
	}
}

func (a *Applier) fireReset(ev BalanceResetEvent) {
	if a.cb.OnBalanceReset == nil {
		return
	}
	if err := a.cb.OnBalanceReset(ev); err != nil {
		a.logger.Error("lifecycle: onBalanceReset callback failed", "error", err, "user_id", ev.UserID, "key", ev.Key)
	}
}

// grant grants one feature's interval-scaled allocation to target,
// firing OnCreditsGranted on success. An idempotency conflict is
// returned to the caller unwrapped so callers can special-case it (e.g.
// the renewal short-circuit); any other grant error is returned wrapped.
func (a *Applier) grant(ctx context.Context, target, key string, amount int64, source, sourceID, idempotencyKey string) error {
	_, err := a.credits.Grant(ctx, target, key, amount, credit.Meta{
		Source:         source,
		SourceID:       sourceID,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrIdempotencyConflict) {
			return err
		}
		return fmt.Errorf("lifecycle: grant %s/%s: %w", target, key, err)
	}
	a.fireGranted(CreditEvent{UserID: target, Key: key, Amount: amount, Source: source, SourceID: sourceID})
	return nil
}

func (a *Applier) revokeAll(ctx context.Context, target, key, source, sourceID string) error {
	res, err := a.credits.RevokeAll(ctx, target, key, credit.Meta{Source: source, SourceID: sourceID})
	if err != nil {
		return fmt.Errorf("lifecycle: revokeAll %s/%s: %w", target, key, err)
	}
	if res.AmountRevoked > 0 {
		a.fireRevoked(CreditEvent{UserID: target, Key: key, Amount: res.AmountRevoked, Source: source, SourceID: sourceID})
	}
	return nil
}

// OnSubscriptionCreated grants each feature's interval-scaled allocation
// to the grantTo policy's target(s). Unknown customer or plan is a
// silent no-op, since webhooks may arrive for objects this config or
// replica doesn't know about. A duplicate delivery surfaces as
// ledger.ErrAlreadyProcessed.
func (a *Applier) OnSubscriptionCreated(ctx context.Context, ev Event) error {
	match, ok := a.catalog.ResolvePlanByPriceID(ev.PriceID)
	if !ok {
		return nil
	}
	targets, err := a.resolveTargets(ctx, match.Plan, ev)
	if err != nil {
		return err
	}

	for _, key := range sortedFeatureKeys(match.Plan) {
		feature := match.Plan.Features[key]
		if feature.Credits == nil {
			continue
		}
		allocation := catalog.IntervalMultiplier(feature.Credits.Allocation, ev.Interval)
		for _, target := range targets {
			idemKey := fmt.Sprintf("sub_created:%s:%s", ev.SubscriptionID, key)
			if err := a.grant(ctx, target, key, allocation, "subscription", ev.SubscriptionID, idemKey); err != nil {
				if errors.Is(err, ledger.ErrIdempotencyConflict) {
					return fmt.Errorf("lifecycle: subscription %s already processed: %w", ev.SubscriptionID, ledger.ErrAlreadyProcessed)
				}
				return err
			}
		}
	}
	if a.plugins != nil {
		a.plugins.EmitSubscriptionCreated(ctx, ev)
	}
	return nil
}

// OnSubscriptionPlanChanged classifies the price transition from
// previousPriceID to ev.PriceID and applies the matching credit
// mutation: a deferred downgrade is a no-op now, a free→paid upgrade
// revokes the old plan's balances before granting the new plan in full,
// a paid→paid upgrade adds the new plan's allocations on top of existing
// balances, and an unchanged price is a no-op.
func (a *Applier) OnSubscriptionPlanChanged(ctx context.Context, ev Event, previousPriceID string) error {
	newMatch, ok := a.catalog.ResolvePlanByPriceID(ev.PriceID)
	if !ok {
		return nil
	}
	targets, err := a.resolveTargets(ctx, newMatch.Plan, ev)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return nil
	}

	switch {
	case ev.Metadata[MetaPendingCreditDowngrade] == "true":
		return nil

	case ev.Metadata[MetaUpgradeFromPriceAmount] == "0":
		oldMatch, hadOld := a.catalog.ResolvePlanByPriceID(previousPriceID)
		for _, target := range targets {
			if hadOld {
				for _, key := range sortedFeatureKeys(oldMatch.Plan) {
					if oldMatch.Plan.Features[key].Credits == nil {
						continue
					}
					if err := a.revokeAll(ctx, target, key, "subscription", ev.SubscriptionID); err != nil {
						return err
					}
				}
			}
			if err := a.grantPlanAllocations(ctx, target, newMatch.Plan, ev, "plan_changed"); err != nil {
				return err
			}
		}
		a.emitChanged(ctx, ev, previousPriceID)
		return nil

	case ev.PriceID == previousPriceID:
		return nil

	default: // paid->paid upgrade: add new allocations, keep existing balances
		for _, target := range targets {
			if err := a.grantPlanAllocations(ctx, target, newMatch.Plan, ev, "plan_changed"); err != nil {
				return err
			}
		}
		a.emitChanged(ctx, ev, previousPriceID)
		return nil
	}
}

// emitChanged notifies plugins that a plan change was applied. Never
// called for the true no-op branches (deferred downgrade, unchanged
// price) since nothing actually changed in those cases.
func (a *Applier) emitChanged(ctx context.Context, ev Event, previousPriceID string) {
	if a.plugins != nil {
		a.plugins.EmitSubscriptionChanged(ctx, ev, previousPriceID)
	}
}

// grantPlanAllocations grants every credit-bearing feature of plan to
// target at ev.Interval scaling, tagged with the given source for the
// ledger entry.
func (a *Applier) grantPlanAllocations(ctx context.Context, target string, plan *catalog.Plan, ev Event, source string) error {
	for _, key := range sortedFeatureKeys(plan) {
		feature := plan.Features[key]
		if feature.Credits == nil {
			continue
		}
		allocation := catalog.IntervalMultiplier(feature.Credits.Allocation, ev.Interval)
		idemKey := fmt.Sprintf("%s:%s:%s:%s", source, ev.SubscriptionID, key, ev.PriceID)
		if err := a.grant(ctx, target, key, allocation, source, ev.SubscriptionID, idemKey); err != nil {
			if errors.Is(err, ledger.ErrIdempotencyConflict) {
				continue // this exact transition's grant already landed
			}
			return err
		}
	}
	return nil
}

// OnDowngradeApplied is invoked when a previously-deferred downgrade
// takes effect at period start. ev.PriceID is the plan now in effect;
// previousPriceID is the plan the subscription is downgrading from.
func (a *Applier) OnDowngradeApplied(ctx context.Context, ev Event, previousPriceID string) error {
	newMatch, ok := a.catalog.ResolvePlanByPriceID(ev.PriceID)
	if !ok {
		return nil
	}
	oldMatch, hadOld := a.catalog.ResolvePlanByPriceID(previousPriceID)

	targets, err := a.resolveTargets(ctx, newMatch.Plan, ev)
	if err != nil {
		return err
	}

	for _, target := range targets {
		for _, key := range sortedFeatureKeys(newMatch.Plan) {
			feature := newMatch.Plan.Features[key]
			if feature.Credits == nil {
				continue
			}
			allocation := catalog.IntervalMultiplier(feature.Credits.Allocation, ev.Interval)
			idemKey := fmt.Sprintf("downgrade_applied:%s:%s:%s", ev.SubscriptionID, key, target)

			if feature.Credits.OnRenewal == catalog.OnRenewalAdd {
				if err := a.grant(ctx, target, key, allocation, "subscription", ev.SubscriptionID, idemKey); err != nil {
					if errors.Is(err, ledger.ErrIdempotencyConflict) {
						continue
					}
					return err
				}
				continue
			}

			res, err := a.credits.AtomicBalanceReset(ctx, target, key, allocation, credit.ResetMeta{
				Source:           "subscription",
				SourceID:         ev.SubscriptionID,
				GrantDescription: "downgrade applied",
				IdempotencyKey:   idemKey,
			})
			if err != nil {
				if errors.Is(err, ledger.ErrIdempotencyConflict) {
					continue
				}
				return fmt.Errorf("lifecycle: downgrade reset %s/%s: %w", target, key, err)
			}
			a.fireReset(BalanceResetEvent{UserID: target, Key: key, Expired: res.Expired, Forgiven: res.Forgiven, NewBalance: res.NewBalance, Source: "subscription", SourceID: ev.SubscriptionID})
		}

		if hadOld {
			for _, key := range sortedFeatureKeys(oldMatch.Plan) {
				if oldMatch.Plan.Features[key].Credits == nil {
					continue
				}
				if _, stillPresent := newMatch.Plan.Features[key]; stillPresent {
					continue
				}
				if err := a.revokeAll(ctx, target, key, "subscription", ev.SubscriptionID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// OnSubscriptionRenewed applies the renewal allocation (reset or add, per
// each feature's OnRenewal) for invoiceID. Each feature key's write carries
// its own idempotency key, renewal:{subscriptionID}:{invoiceID}:{key}
// (suffixed with :{target} in seat-users mode); the first idempotency
// conflict met treats the whole renewal as already applied, and the method
// returns success without granting further keys. Features are visited in a
// fixed order (sortedFeatureKeys), so a replayed event re-hits the same
// first key.
func (a *Applier) OnSubscriptionRenewed(ctx context.Context, ev Event, invoiceID string) error {
	match, ok := a.catalog.ResolvePlanByPriceID(ev.PriceID)
	if !ok {
		return nil
	}
	targets, err := a.resolveTargets(ctx, match.Plan, ev)
	if err != nil {
		return err
	}

	seatMode := match.Plan.EffectiveGrantTo() == catalog.GrantToSeatUsers

	for _, target := range targets {
		for _, key := range sortedFeatureKeys(match.Plan) {
			feature := match.Plan.Features[key]
			if feature.Credits == nil {
				continue
			}
			allocation := catalog.IntervalMultiplier(feature.Credits.Allocation, ev.Interval)
			idemKey := fmt.Sprintf("renewal:%s:%s:%s", ev.SubscriptionID, invoiceID, key)
			if seatMode {
				idemKey = fmt.Sprintf("%s:%s", idemKey, target)
			}

			if feature.Credits.OnRenewal == catalog.OnRenewalAdd {
				if err := a.grant(ctx, target, key, allocation, "renewal", invoiceID, idemKey); err != nil {
					if errors.Is(err, ledger.ErrIdempotencyConflict) {
						return nil // whole renewal already applied
					}
					return err
				}
				continue
			}

			res, err := a.credits.AtomicBalanceReset(ctx, target, key, allocation, credit.ResetMeta{
				Source:           "renewal",
				SourceID:         invoiceID,
				GrantDescription: "renewal",
				IdempotencyKey:   idemKey,
			})
			if err != nil {
				if errors.Is(err, ledger.ErrIdempotencyConflict) {
					return nil // whole renewal already applied
				}
				return fmt.Errorf("lifecycle: renewal reset %s/%s: %w", target, key, err)
			}
			a.fireReset(BalanceResetEvent{UserID: target, Key: key, Expired: res.Expired, Forgiven: res.Forgiven, NewBalance: res.NewBalance, Source: "renewal", SourceID: invoiceID})
		}
	}
	return nil
}

// OnSubscriptionCancelled revokes every credit-bearing feature balance
// this subscription's grantTo target(s) carry. Per product decision this
// revokes the full current balance of each key the plan funds, including
// top-ups layered on top — loss of service revokes all credits of the
// plan's keys, not just the portion this subscription itself granted.
func (a *Applier) OnSubscriptionCancelled(ctx context.Context, ev Event) error {
	match, ok := a.catalog.ResolvePlanByPriceID(ev.PriceID)
	if !ok {
		return nil
	}
	targets, err := a.resolveTargets(ctx, match.Plan, ev)
	if err != nil {
		return err
	}

	for _, target := range targets {
		for _, key := range sortedFeatureKeys(match.Plan) {
			if match.Plan.Features[key].Credits == nil {
				continue
			}
			if err := a.revokeAll(ctx, target, key, "cancellation", ev.SubscriptionID); err != nil {
				return err
			}
		}
	}
	if a.plugins != nil {
		a.plugins.EmitSubscriptionCanceled(ctx, ev)
	}
	return nil
}
