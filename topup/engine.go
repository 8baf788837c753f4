package topup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	ledger "github.com/nimbuscredit/ledger"
	"github.com/nimbuscredit/ledger/catalog"
	"github.com/nimbuscredit/ledger/credit"
	"github.com/nimbuscredit/ledger/provider"
	"github.com/nimbuscredit/ledger/replica"
)

// minProcessorChargeCents is the payment processor's minimum chargeable
// amount, expressed in USD-equivalent cents.
const minProcessorChargeCents = 60

// Engine is the Top-Up Engine (component F): on-demand credit purchases,
// webhook-confirmed deferred grants, and automatic top-up.
type Engine struct {
	credits  *credit.Service
	catalog  *catalog.Resolver
	replica  replica.Store
	client   provider.Client
	logger   *slog.Logger
	cb       Callbacks
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for callback-failure diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithCallbacks installs the optional grant/completion/failure hooks.
func WithCallbacks(cb Callbacks) Option {
	return func(e *Engine) { e.cb = cb }
}

// New creates a Top-Up Engine.
func New(credits *credit.Service, resolver *catalog.Resolver, replicaStore replica.Store, client provider.Client, opts ...Option) *Engine {
	e := &Engine{credits: credits, catalog: resolver, replica: replicaStore, client: client, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) fireGranted(ev CreditEvent) {
	if e.cb.OnCreditsGranted == nil {
		return
	}
	if err := e.cb.OnCreditsGranted(ev); err != nil {
		e.logger.Error("topup: onCreditsGranted callback failed", "error", err, "user_id", ev.UserID, "key", ev.Key)
	}
}

func (e *Engine) fireCompleted(ev CompletedEvent) {
	if e.cb.OnTopUpCompleted == nil {
		return
	}
	if err := e.cb.OnTopUpCompleted(ev); err != nil {
		e.logger.Error("topup: onTopUpCompleted callback failed", "error", err, "user_id", ev.UserID, "key", ev.Key)
	}
}

func (e *Engine) fireAutoFailed(ev AutoFailedEvent) {
	if e.cb.OnAutoTopUpFailed == nil {
		return
	}
	if err := e.cb.OnAutoTopUpFailed(ev); err != nil {
		e.logger.Error("topup: onAutoTopUpFailed callback failed", "error", err, "user_id", ev.UserID, "key", ev.Key)
	}
}

// grant performs the ledger grant and fires OnCreditsGranted/
// OnTopUpCompleted on first success; a duplicate delivery (idempotency
// conflict) is treated as an already-completed top-up, not an error.
func (e *Engine) grant(ctx context.Context, userID, key string, amount int64, source, sourceID, idemKey string) (alreadyGranted bool, err error) {
	_, err = e.credits.Grant(ctx, userID, key, amount, credit.Meta{
		Source:         source,
		SourceID:       sourceID,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrIdempotencyConflict) {
			return true, nil
		}
		return false, fmt.Errorf("topup: grant %s/%s: %w", userID, key, err)
	}
	e.fireGranted(CreditEvent{UserID: userID, Key: key, Amount: amount, Source: source, SourceID: sourceID})
	e.fireCompleted(CompletedEvent{UserID: userID, Key: key, Amount: amount, Source: source, SourceID: sourceID})
	return false, nil
}

// resolution bundles together the customer/subscription/plan/feature
// context a top-up operation needs, or the TopUpError explaining why it
// could not be assembled.
type resolution struct {
	customerID string
	customer   *replica.Customer
	plan       *catalog.Plan
	price      *catalog.PricePoint
	feature    catalog.Feature
}

func (e *Engine) resolve(ctx context.Context, userID, key string) (*resolution, *TopUpError) {
	customerID, ok, err := e.replica.ResolveCustomerID(ctx, userID)
	if err != nil || !ok {
		return nil, &TopUpError{Code: ErrorUserNotFound, Message: "no Stripe customer is mapped to this user"}
	}

	customer, err := e.replica.GetCustomer(ctx, customerID)
	if err != nil || customer == nil || customer.Deleted {
		return nil, &TopUpError{Code: ErrorUserNotFound, Message: "Stripe customer not found or deleted"}
	}

	sub, err := e.replica.GetActiveSubscriptionByCustomer(ctx, customerID)
	if err != nil || sub == nil {
		return nil, &TopUpError{Code: ErrorNoSubscription, Message: "user has no active subscription"}
	}

	match, ok := e.catalog.ResolvePlanByPriceID(sub.PriceID())
	if !ok {
		return nil, &TopUpError{Code: ErrorTopUpNotConfigured, Message: "no plan configuration resolves for this subscription"}
	}

	feature, ok := match.Plan.Features[key]
	if !ok || feature.PricePerCredit <= 0 {
		return nil, &TopUpError{Code: ErrorTopUpNotConfigured, Message: fmt.Sprintf("top-up is not configured for %q", key)}
	}

	return &resolution{customerID: customerID, customer: customer, plan: match.Plan, price: match.PricePoint, feature: feature}, nil
}

func (e *Engine) validateAmount(feature catalog.Feature, amount int64) *TopUpError {
	minPerPurchase := feature.MinPerPurchase
	if minPerPurchase <= 0 {
		minPerPurchase = 1
	}
	maxPerPurchase := feature.MaxPerPurchase
	if maxPerPurchase <= 0 {
		maxPerPurchase = math.MaxInt64
	}
	if amount < minPerPurchase || amount > maxPerPurchase {
		msg := fmt.Sprintf("amount must be at least %d credits", minPerPurchase)
		if feature.MaxPerPurchase > 0 {
			msg = fmt.Sprintf("amount must be between %d and %d credits", minPerPurchase, feature.MaxPerPurchase)
		}
		return &TopUpError{Code: ErrorInvalidAmount, Message: msg}
	}
	total := amount * feature.PricePerCredit
	if total < minProcessorChargeCents {
		return &TopUpError{
			Code:    ErrorInvalidAmount,
			Message: "total charge must be at least 60 cents",
		}
	}
	return nil
}

// recoveryURL creates the hosted URL the caller should send the user to
// when no default payment method is on file: a checkout session for a
// consumer (B2C) customer, a hosted invoice for a business (B2B, tax
// config enabled) customer.
func (e *Engine) recoveryURL(ctx context.Context, customerID string, isB2B bool, amount int64, key, userID string) (string, error) {
	metadata := map[string]string{
		MetaTopUpCreditType: key,
		MetaTopUpAmount:     fmt.Sprintf("%d", amount),
		MetaUserID:          userID,
	}
	if isB2B {
		inv, err := e.client.Invoices().Create(ctx, provider.InvoiceParams{CustomerID: customerID, Metadata: metadata})
		if err != nil {
			return "", err
		}
		finalized, err := e.client.Invoices().FinalizeInvoice(ctx, inv.ID)
		if err != nil {
			return "", err
		}
		return finalized.HostedURL, nil
	}

	session, err := e.client.CheckoutSessions().Create(ctx, provider.CheckoutSessionParams{
		CustomerID: customerID,
		Mode:       "payment",
		Metadata:   metadata,
	})
	if err != nil {
		return "", err
	}
	return session.URL, nil
}

// isB2B reports whether a customer should be charged via the B2B
// (hosted-invoice) path rather than the B2C (payment-intent) path.
func (e *Engine) isB2B(ctx context.Context, customerID string) (bool, error) {
	processorCustomer, err := e.client.Customers().Retrieve(ctx, customerID)
	if err != nil {
		return false, err
	}
	return processorCustomer.HasTaxConfig, nil
}

// TopUp executes an on-demand credit purchase per params.
func (e *Engine) TopUp(ctx context.Context, params TopUpParams) (*TopUpResult, error) {
	res, topUpErr := e.resolve(ctx, params.UserID, params.Key)
	if topUpErr != nil {
		return &TopUpResult{Error: topUpErr}, nil
	}
	if err := e.validateAmount(res.feature, params.Amount); err != nil {
		return &TopUpResult{Error: err}, nil
	}

	b2b, err := e.isB2B(ctx, res.customerID)
	if err != nil {
		return nil, fmt.Errorf("topup: determine B2B/B2C path: %w", err)
	}

	if !res.customer.HasPaymentMethod() {
		url, err := e.recoveryURL(ctx, res.customerID, b2b, params.Amount, params.Key, params.UserID)
		if err != nil {
			return nil, fmt.Errorf("topup: create recovery URL: %w", err)
		}
		return &TopUpResult{Error: &TopUpError{Code: ErrorNoPaymentMethod, Message: "no default payment method on file", RecoveryURL: url}}, nil
	}

	totalCents := params.Amount * res.feature.PricePerCredit
	metadata := map[string]string{
		MetaTopUpCreditType: params.Key,
		MetaTopUpAmount:     fmt.Sprintf("%d", params.Amount),
		MetaUserID:          params.UserID,
	}

	if b2b {
		return e.chargeB2B(ctx, res, params, totalCents, metadata, "topup")
	}
	return e.chargeB2C(ctx, res, params, totalCents, metadata, "topup", params.IdempotencyKey)
}

func (e *Engine) chargeB2C(ctx context.Context, res *resolution, params TopUpParams, totalCents int64, metadata map[string]string, source, idemKey string) (*TopUpResult, error) {
	pi, err := e.client.PaymentIntents().Create(ctx, provider.PaymentIntentParams{
		Amount:          totalCents,
		Currency:        res.price.Currency,
		CustomerID:      res.customerID,
		PaymentMethodID: res.customer.InvoiceSettings.DefaultPaymentMethod,
		Confirm:         true,
		OffSession:      true,
		Metadata:        metadata,
		IdempotencyKey:  idemKey,
	})
	if err != nil {
		var perr *provider.Error
		if errors.As(err, &perr) {
			switch perr.Type {
			case provider.ErrorTypeCard:
				return &TopUpResult{Error: &TopUpError{Code: ErrorPaymentFailed, Message: perr.Message}}, nil
			case provider.ErrorTypeInvalidRequest:
				return &TopUpResult{Error: &TopUpError{Code: ErrorInvalidAmount, Message: perr.Message}}, nil
			}
		}
		return nil, fmt.Errorf("topup: create payment intent: %w", err)
	}

	switch pi.Status {
	case provider.PaymentIntentSucceeded:
		key := idemKey
		if key == "" {
			key = fmt.Sprintf("pi_succeeded:%s:%s", pi.ID, params.Key)
		}
		if _, err := e.grant(ctx, params.UserID, params.Key, params.Amount, source, pi.ID, key); err != nil {
			return nil, err
		}
		balance, err := e.credits.GetBalance(ctx, params.UserID, params.Key)
		if err != nil {
			return nil, err
		}
		return &TopUpResult{Success: true, Status: "succeeded", Balance: balance, Charged: &Charge{AmountCents: totalCents, Currency: res.price.Currency}, SourceID: pi.ID}, nil

	case provider.PaymentIntentProcessing:
		return &TopUpResult{Success: true, Status: "pending", Message: "processing", SourceID: pi.ID}, nil

	default: // requires_action | requires_payment_method
		url, urlErr := e.recoveryURL(ctx, res.customerID, false, params.Amount, params.Key, params.UserID)
		if urlErr != nil {
			return nil, fmt.Errorf("topup: create recovery URL: %w", urlErr)
		}
		return &TopUpResult{Error: &TopUpError{Code: ErrorPaymentFailed, Message: "payment requires additional action", RecoveryURL: url}}, nil
	}
}

func (e *Engine) chargeB2B(ctx context.Context, res *resolution, params TopUpParams, totalCents int64, metadata map[string]string, source string) (*TopUpResult, error) {
	inv, err := e.client.Invoices().Create(ctx, provider.InvoiceParams{CustomerID: res.customerID, Metadata: metadata})
	if err != nil {
		return nil, fmt.Errorf("topup: create invoice: %w", err)
	}
	if err := e.client.InvoiceItems().Create(ctx, provider.InvoiceItemParams{
		InvoiceID:   inv.ID,
		CustomerID:  res.customerID,
		Amount:      totalCents,
		Currency:    res.price.Currency,
		Description: fmt.Sprintf("%d credits: %s", params.Amount, params.Key),
	}); err != nil {
		return nil, fmt.Errorf("topup: add invoice item: %w", err)
	}

	paid, err := e.client.Invoices().Pay(ctx, inv.ID)
	if err != nil {
		_ = e.client.Invoices().VoidInvoice(ctx, inv.ID)
		url, urlErr := e.recoveryURL(ctx, res.customerID, true, params.Amount, params.Key, params.UserID)
		if urlErr != nil {
			return nil, fmt.Errorf("topup: create recovery URL: %w", urlErr)
		}
		return &TopUpResult{Error: &TopUpError{Code: ErrorPaymentFailed, Message: "invoice payment failed", RecoveryURL: url}}, nil
	}

	key := fmt.Sprintf("in_paid:%s:%s", paid.ID, params.Key)
	if _, err := e.grant(ctx, params.UserID, params.Key, params.Amount, source, paid.ID, key); err != nil {
		return nil, err
	}
	balance, err := e.credits.GetBalance(ctx, params.UserID, params.Key)
	if err != nil {
		return nil, err
	}
	return &TopUpResult{Success: true, Status: "succeeded", Balance: balance, Charged: &Charge{AmountCents: totalCents, Currency: res.price.Currency}, SourceID: paid.ID}, nil
}
