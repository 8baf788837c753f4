package replica

import "context"

// Store is the read-only view over the Stripe replica's data pool, plus
// the user_map table the core owns (written through SetUserMapping; no
// component in this module calls it).
type Store interface {
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	// GetActiveSubscriptionByCustomer returns the customer's current active
	// or trialing subscription, or nil if it has none.
	GetActiveSubscriptionByCustomer(ctx context.Context, customerID string) (*Subscription, error)
	// ListSubscriptionsByCustomer returns every subscription for a
	// customer, most recent current_period_end first.
	ListSubscriptionsByCustomer(ctx context.Context, customerID string) ([]*Subscription, error)
	GetPrice(ctx context.Context, priceID string) (*Price, error)

	// ResolveUserID maps a Stripe customer to the ledger's opaque user ID,
	// consulting user_map first and falling back to the customer's
	// metadata.user_id. Returns "", false if neither source resolves it.
	ResolveUserID(ctx context.Context, customerID string) (string, bool, error)
	// ResolveCustomerID is ResolveUserID's inverse: maps the ledger's
	// opaque user ID to its Stripe customer, for callers (the Top-Up
	// Engine, the Seats API) that only carry a user ID.
	ResolveCustomerID(ctx context.Context, userID string) (string, bool, error)
	// SetUserMapping records or overwrites the user_map row for userID.
	SetUserMapping(ctx context.Context, userID, customerID string) error
}
