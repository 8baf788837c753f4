// Package replica defines the read-only data contracts the ledger core
// consumes from the Stripe replica: customers, subscriptions, prices, and
// the user/customer map. These tables are populated by an external
// Stripe-events-to-Postgres replication engine; the core never writes to
// customers/subscriptions/prices, only reads.
package replica

import "time"

// Subscription status values as mirrored from Stripe.
const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
	StatusUnpaid   = "unpaid"
)

// activeStatuses is the set of statuses the ledger core treats as
// "currently entitled".
var activeStatuses = map[string]bool{
	StatusActive:   true,
	StatusTrialing: true,
}

// InvoiceSettings is the subset of a customer's invoice settings the core
// consults.
type InvoiceSettings struct {
	DefaultPaymentMethod string
}

// Customer mirrors a replicated Stripe customer row.
type Customer struct {
	ID              string
	Metadata        map[string]string
	Deleted         bool
	InvoiceSettings InvoiceSettings
}

// HasPaymentMethod reports whether a default payment method is on file.
func (c *Customer) HasPaymentMethod() bool {
	return c.InvoiceSettings.DefaultPaymentMethod != ""
}

// SubscriptionItem mirrors one line item of a replicated subscription.
type SubscriptionItem struct {
	ID       string
	PriceID  string
	Quantity int64
}

// Subscription mirrors a replicated Stripe subscription row.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	Items              []SubscriptionItem
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	Metadata           map[string]string
}

// IsActive reports whether the subscription currently entitles its
// customer to plan benefits (status active or trialing).
func (s *Subscription) IsActive() bool {
	return activeStatuses[s.Status]
}

// PriceID returns the price ID of the subscription's first (and, for the
// non-multi-item flows this core targets, only meaningful) item.
func (s *Subscription) PriceID() string {
	if len(s.Items) == 0 {
		return ""
	}
	return s.Items[0].PriceID
}

// Recurring describes a recurring price's billing cadence.
type Recurring struct {
	Interval      string
	IntervalCount int
}

// Price mirrors a replicated Stripe price row.
type Price struct {
	ID         string
	Product    string
	UnitAmount int64
	Currency   string
	Recurring  *Recurring
}
