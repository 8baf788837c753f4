// Package lifecycle implements the Lifecycle Applier: a single-threaded-
// per-subscription state machine mapping subscription events to Credits
// API operations under a catalog plan's grant-target policy.
package lifecycle

import (
	"time"

	"github.com/nimbuscredit/ledger/catalog"
)

// Event carries the subset of a subscription's state the Lifecycle
// Applier needs to react to a transition. Callers construct Event from
// whatever carries the actual webhook payload (commonly a replica.
// Subscription plus the processor event's own metadata).
type Event struct {
	SubscriptionID string
	CustomerID     string
	PriceID        string
	Interval       catalog.Interval
	Metadata       map[string]string
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// Metadata keys the Lifecycle Applier consults on subscription events.
const (
	MetaFirstSeatUserID         = "first_seat_user_id"
	MetaPendingCreditDowngrade  = "pending_credit_downgrade"
	MetaUpgradeFromPriceID      = "upgrade_from_price_id"
	MetaUpgradeFromPriceAmount  = "upgrade_from_price_amount"
)

// CreditEvent is passed to the OnCreditsGranted/OnCreditsRevoked
// callbacks.
type CreditEvent struct {
	UserID   string
	Key      string
	Amount   int64
	Source   string
	SourceID string
}

// BalanceResetEvent is passed to the OnBalanceReset callback.
type BalanceResetEvent struct {
	UserID     string
	Key        string
	Expired    int64
	Forgiven   int64
	NewBalance int64
	Source     string
	SourceID   string
}

// Callbacks are optional hooks fired on successful grants/revokes/resets.
// They must never affect ledger outcomes: a callback's own returned error
// is logged, never propagated to the caller of the triggering Applier
// method.
type Callbacks struct {
	OnCreditsGranted func(CreditEvent) error
	OnCreditsRevoked func(CreditEvent) error
	OnBalanceReset   func(BalanceResetEvent) error
}
