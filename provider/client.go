// Package provider declares the payment-processor capabilities the
// Top-Up Engine consumes: payment intents, invoices, invoice items,
// checkout sessions, and customer lookups. The ledger core never imports
// a concrete payment-processor SDK; callers wire a Client implementation
// (e.g. a thin Stripe adapter) at the application's edge.
package provider

import "context"

// PaymentIntentStatus mirrors the processor's payment intent lifecycle.
type PaymentIntentStatus string

const (
	PaymentIntentSucceeded              PaymentIntentStatus = "succeeded"
	PaymentIntentProcessing             PaymentIntentStatus = "processing"
	PaymentIntentRequiresAction         PaymentIntentStatus = "requires_action"
	PaymentIntentRequiresPaymentMethod  PaymentIntentStatus = "requires_payment_method"
)

// PaymentIntent is the processor's payment intent object, trimmed to the
// fields the Top-Up Engine reads.
type PaymentIntent struct {
	ID         string
	Status     PaymentIntentStatus
	Amount     int64
	Currency   string
	CustomerID string
	Metadata   map[string]string
}

// PaymentIntentParams creates a payment intent.
type PaymentIntentParams struct {
	Amount          int64
	Currency        string
	CustomerID      string
	PaymentMethodID string
	Confirm         bool
	OffSession      bool
	Metadata        map[string]string
	IdempotencyKey  string
}

// ErrorType classifies a processor-returned error.
type ErrorType string

const (
	ErrorTypeCard           ErrorType = "card_error"
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
)

// Error is a processor-raised error, distinguished by ErrorType so the
// Top-Up Engine can map it to the right caller-facing failure code.
type Error struct {
	Type    ErrorType
	Message string
}

func (e *Error) Error() string { return e.Message }

// PaymentIntents is the payment-intent subset of the processor API.
type PaymentIntents interface {
	Create(ctx context.Context, params PaymentIntentParams) (*PaymentIntent, error)
	Retrieve(ctx context.Context, id string) (*PaymentIntent, error)
	Confirm(ctx context.Context, id string, paymentMethodID string) (*PaymentIntent, error)
}

// Invoice is the processor's invoice object, trimmed to the fields the
// Top-Up Engine reads.
type Invoice struct {
	ID         string
	CustomerID string
	Status     string
	HostedURL  string
	Metadata   map[string]string
}

// InvoiceParams creates a draft invoice.
type InvoiceParams struct {
	CustomerID     string
	Metadata       map[string]string
	IdempotencyKey string
}

// Invoices is the invoice subset of the processor API.
type Invoices interface {
	Create(ctx context.Context, params InvoiceParams) (*Invoice, error)
	Pay(ctx context.Context, id string) (*Invoice, error)
	VoidInvoice(ctx context.Context, id string) error
	FinalizeInvoice(ctx context.Context, id string) (*Invoice, error)
}

// InvoiceItemParams attaches a single line item to a draft invoice.
type InvoiceItemParams struct {
	InvoiceID   string
	CustomerID  string
	Amount      int64
	Currency    string
	Description string
}

// InvoiceItems is the invoice-item subset of the processor API.
type InvoiceItems interface {
	Create(ctx context.Context, params InvoiceItemParams) error
}

// CheckoutSession is the processor's checkout session object.
type CheckoutSession struct {
	ID            string
	URL           string
	PaymentStatus string
	Metadata      map[string]string
}

// CheckoutSessionParams creates a hosted checkout session.
type CheckoutSessionParams struct {
	CustomerID string
	Mode       string // "payment" | "subscription"
	Metadata   map[string]string
	SuccessURL string
	CancelURL  string
}

// CheckoutSessions is the checkout-session subset of the processor API.
type CheckoutSessions interface {
	Create(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)
	Retrieve(ctx context.Context, id string) (*CheckoutSession, error)
}

// Customer is the processor's customer object, trimmed to the fields the
// Top-Up Engine reads directly from the processor (as opposed to the
// replicated copy in the replica package).
type Customer struct {
	ID                   string
	Deleted              bool
	DefaultPaymentMethod string
	TaxExempt            bool
	HasTaxConfig         bool
}

// Customers is the customer subset of the processor API.
type Customers interface {
	Retrieve(ctx context.Context, id string) (*Customer, error)
}

// SubscriptionItems is the subscription-item subset of the processor API
// the Seats API uses to keep a per-seat plan's billed quantity in sync
// with its seat count.
type SubscriptionItems interface {
	UpdateQuantity(ctx context.Context, itemID string, quantity int64) error
}

// Client is the abstract payment-processor client the Top-Up Engine and
// the Seats API depend on. The only capabilities referenced are payment
// intents, invoices, invoice items, checkout sessions, customer
// retrieval, and subscription-item quantity updates.
type Client interface {
	PaymentIntents() PaymentIntents
	Invoices() Invoices
	InvoiceItems() InvoiceItems
	CheckoutSessions() CheckoutSessions
	Customers() Customers
	SubscriptionItems() SubscriptionItems
}
