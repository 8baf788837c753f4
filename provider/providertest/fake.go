// Package providertest is a scriptable fake of provider.Client for use in
// Top-Up Engine tests, standing in for a real payment-processor adapter.
package providertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nimbuscredit/ledger/provider"
)

var _ provider.Client = (*Fake)(nil)

// Fake is an in-memory, scriptable provider.Client.
type Fake struct {
	mu sync.Mutex

	seq int64

	// NextPaymentIntentStatus is consumed (and reset to "") by the next
	// PaymentIntents().Create call; defaults to succeeded when empty.
	NextPaymentIntentStatus provider.PaymentIntentStatus
	// NextPaymentIntentError, if set, is returned (and reset to nil) by
	// the next PaymentIntents().Create call instead of creating anything.
	NextPaymentIntentError error

	// NextInvoicePayFails, if true, makes the next Invoices().Pay call
	// fail (and resets to false).
	NextInvoicePayFails bool

	Customers_ map[string]*provider.Customer

	// SubscriptionItemQuantities_ tracks the last quantity set per item ID,
	// for tests to assert on after a seat add/remove.
	SubscriptionItemQuantities_ map[string]int64

	paymentIntents map[string]*provider.PaymentIntent
	invoices       map[string]*provider.Invoice
	checkouts      map[string]*provider.CheckoutSession

	pi   *fakePaymentIntents
	inv  *fakeInvoices
	item *fakeInvoiceItems
	cs   *fakeCheckoutSessions
	cust *fakeCustomers
	subi *fakeSubscriptionItems
}

// New creates an empty Fake client.
func New() *Fake {
	f := &Fake{
		Customers_:                  make(map[string]*provider.Customer),
		SubscriptionItemQuantities_: make(map[string]int64),
		paymentIntents:              make(map[string]*provider.PaymentIntent),
		invoices:                    make(map[string]*provider.Invoice),
		checkouts:                   make(map[string]*provider.CheckoutSession),
	}
	f.pi = &fakePaymentIntents{f: f}
	f.inv = &fakeInvoices{f: f}
	f.item = &fakeInvoiceItems{f: f}
	f.cs = &fakeCheckoutSessions{f: f}
	f.cust = &fakeCustomers{f: f}
	f.subi = &fakeSubscriptionItems{f: f}
	return f
}

func (f *Fake) nextID(prefix string) string {
	n := atomic.AddInt64(&f.seq, 1)
	return fmt.Sprintf("%s_fake_%d", prefix, n)
}

func (f *Fake) PaymentIntents() provider.PaymentIntents     { return f.pi }
func (f *Fake) Invoices() provider.Invoices                 { return f.inv }
func (f *Fake) InvoiceItems() provider.InvoiceItems         { return f.item }
func (f *Fake) CheckoutSessions() provider.CheckoutSessions { return f.cs }
func (f *Fake) Customers() provider.Customers               { return f.cust }
func (f *Fake) SubscriptionItems() provider.SubscriptionItems { return f.subi }

type fakePaymentIntents struct{ f *Fake }

func (p *fakePaymentIntents) Create(_ context.Context, params provider.PaymentIntentParams) (*provider.PaymentIntent, error) {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()

	if p.f.NextPaymentIntentError != nil {
		err := p.f.NextPaymentIntentError
		p.f.NextPaymentIntentError = nil
		return nil, err
	}

	status := p.f.NextPaymentIntentStatus
	p.f.NextPaymentIntentStatus = ""
	if status == "" {
		status = provider.PaymentIntentSucceeded
	}

	pi := &provider.PaymentIntent{
		ID:         p.f.nextID("pi"),
		Status:     status,
		Amount:     params.Amount,
		Currency:   params.Currency,
		CustomerID: params.CustomerID,
		Metadata:   params.Metadata,
	}
	p.f.paymentIntents[pi.ID] = pi
	return pi, nil
}

func (p *fakePaymentIntents) Retrieve(_ context.Context, id string) (*provider.PaymentIntent, error) {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()
	pi, ok := p.f.paymentIntents[id]
	if !ok {
		return nil, fmt.Errorf("providertest: no such payment intent %q", id)
	}
	return pi, nil
}

func (p *fakePaymentIntents) Confirm(_ context.Context, id string, _ string) (*provider.PaymentIntent, error) {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()
	pi, ok := p.f.paymentIntents[id]
	if !ok {
		return nil, fmt.Errorf("providertest: no such payment intent %q", id)
	}
	pi.Status = provider.PaymentIntentSucceeded
	return pi, nil
}

type fakeInvoices struct{ f *Fake }

func (i *fakeInvoices) Create(_ context.Context, params provider.InvoiceParams) (*provider.Invoice, error) {
	i.f.mu.Lock()
	defer i.f.mu.Unlock()
	inv := &provider.Invoice{
		ID:         i.f.nextID("in"),
		CustomerID: params.CustomerID,
		Status:     "draft",
		Metadata:   params.Metadata,
	}
	i.f.invoices[inv.ID] = inv
	return inv, nil
}

func (i *fakeInvoices) Pay(_ context.Context, id string) (*provider.Invoice, error) {
	i.f.mu.Lock()
	defer i.f.mu.Unlock()
	inv, ok := i.f.invoices[id]
	if !ok {
		return nil, fmt.Errorf("providertest: no such invoice %q", id)
	}
	if i.f.NextInvoicePayFails {
		i.f.NextInvoicePayFails = false
		return nil, fmt.Errorf("providertest: simulated invoice payment failure")
	}
	inv.Status = "paid"
	return inv, nil
}

func (i *fakeInvoices) VoidInvoice(_ context.Context, id string) error {
	i.f.mu.Lock()
	defer i.f.mu.Unlock()
	inv, ok := i.f.invoices[id]
	if !ok {
		return fmt.Errorf("providertest: no such invoice %q", id)
	}
	inv.Status = "void"
	return nil
}

func (i *fakeInvoices) FinalizeInvoice(_ context.Context, id string) (*provider.Invoice, error) {
	i.f.mu.Lock()
	defer i.f.mu.Unlock()
	inv, ok := i.f.invoices[id]
	if !ok {
		return nil, fmt.Errorf("providertest: no such invoice %q", id)
	}
	inv.Status = "open"
	return inv, nil
}

type fakeInvoiceItems struct{ f *Fake }

func (*fakeInvoiceItems) Create(_ context.Context, _ provider.InvoiceItemParams) error {
	return nil
}

type fakeCheckoutSessions struct{ f *Fake }

func (c *fakeCheckoutSessions) Create(_ context.Context, params provider.CheckoutSessionParams) (*provider.CheckoutSession, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	id := c.f.nextID("cs")
	session := &provider.CheckoutSession{
		ID:            id,
		URL:           "https://checkout.stripe.com/" + id,
		PaymentStatus: "unpaid",
		Metadata:      params.Metadata,
	}
	c.f.checkouts[id] = session
	return session, nil
}

func (c *fakeCheckoutSessions) Retrieve(_ context.Context, id string) (*provider.CheckoutSession, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	session, ok := c.f.checkouts[id]
	if !ok {
		return nil, fmt.Errorf("providertest: no such checkout session %q", id)
	}
	return session, nil
}

type fakeCustomers struct{ f *Fake }

func (c *fakeCustomers) Retrieve(_ context.Context, id string) (*provider.Customer, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	cust, ok := c.f.Customers_[id]
	if !ok {
		return nil, fmt.Errorf("providertest: no such customer %q", id)
	}
	return cust, nil
}

type fakeSubscriptionItems struct{ f *Fake }

func (s *fakeSubscriptionItems) UpdateQuantity(_ context.Context, itemID string, quantity int64) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.f.SubscriptionItemQuantities_[itemID] = quantity
	return nil
}
