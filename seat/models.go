// Package seat implements the Seats API (component G): a two-table
// conceptual model (seat ownership, one row per user-in-a-subscription,
// plus the replica's user/customer map) layered on the Credits API and the
// Config Resolver's grantTo policy.
package seat

import (
	"context"
	"time"

	"github.com/nimbuscredit/ledger/id"
)

// Seat is one user's membership in a subscription's seat pool.
type Seat struct {
	ID             id.SeatID
	UserID         string
	SubscriptionID string
	GrantedKeys    map[string]int64 // feature key -> amount this subscription granted to this user, for Remove's "only revoke our own grant" accounting
	CreatedAt      time.Time
}

// Store is the seat-ownership persistence interface.
type Store interface {
	GetSeat(ctx context.Context, userID string) (*Seat, error)
	CreateSeat(ctx context.Context, s *Seat) error
	DeleteSeat(ctx context.Context, userID string) error
	ListSeatsBySubscription(ctx context.Context, subscriptionID string) ([]*Seat, error)
}

// AddParams is the input to Add.
type AddParams struct {
	UserID string
	OrgID  string
}

// AddResult is the outcome of a successful Add.
type AddResult struct {
	Success        bool
	CreditsGranted map[string]int64
}

// RemoveParams is the input to Remove.
type RemoveParams struct {
	UserID string
	OrgID  string
}

