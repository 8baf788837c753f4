// Package plugin provides an extensible plugin system for the credit
// ledger. Plugins can hook into lifecycle events to extend functionality
// (audit trails, metrics exporters) without the core depending on any
// concrete backend.
package plugin

import (
	"context"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Extension lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called once when the Forge extension starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, ext interface{}) error
}

// OnShutdown is called when the Forge extension stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated is called after the Lifecycle Applier has granted
// a new subscription's allocations. sub is the lifecycle.Event that was
// applied.
type OnSubscriptionCreated interface {
	Plugin
	OnSubscriptionCreated(ctx context.Context, sub interface{}) error
}

// OnSubscriptionChanged is called after the Lifecycle Applier has applied
// a free-to-paid or paid-to-paid plan change. Deferred downgrades,
// unchanged-price changes and OnDowngradeApplied do not call it.
type OnSubscriptionChanged interface {
	Plugin
	OnSubscriptionChanged(ctx context.Context, sub interface{}, previousPriceID string) error
}

// OnSubscriptionCanceled is called after the Lifecycle Applier has revoked
// a canceled subscription's balances.
type OnSubscriptionCanceled interface {
	Plugin
	OnSubscriptionCanceled(ctx context.Context, sub interface{}) error
}

// ──────────────────────────────────────────────────
// Credit ledger hooks
// ──────────────────────────────────────────────────

// OnCreditGranted is called when credits are granted to a user/key balance,
// by the Credits API directly or via the Lifecycle Applier, Top-Up Engine,
// or Seats API.
type OnCreditGranted interface {
	Plugin
	OnCreditGranted(ctx context.Context, userID, key string, amount int64, source string) error
}

// OnCreditRevoked is called when credits are revoked from a user/key
// balance.
type OnCreditRevoked interface {
	Plugin
	OnCreditRevoked(ctx context.Context, userID, key string, amount int64, source string) error
}
