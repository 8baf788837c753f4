package topup_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nimbuscredit/ledger/catalog"
	"github.com/nimbuscredit/ledger/credit"
	creditmemory "github.com/nimbuscredit/ledger/credit/store/memory"
	"github.com/nimbuscredit/ledger/provider"
	"github.com/nimbuscredit/ledger/provider/providertest"
	"github.com/nimbuscredit/ledger/replica"
	replicamemory "github.com/nimbuscredit/ledger/replica/store/memory"
	"github.com/nimbuscredit/ledger/topup"
)

const topupCatalogYAML = `
test:
  plans:
    - id: plan_pro
      name: Pro
      price:
        - id: price_pro_monthly
          amount: 2900
          currency: usd
          interval: month
      features:
        api_calls:
          pricePerCredit: 10
          minPerPurchase: 10
          maxPerPurchase: 10000
          autoTopUp:
            threshold: 50
            amount: 500
            maxPerMonth: 3
production:
  plans: []
`

type testEnv struct {
	engine  *topup.Engine
	credits *credit.Service
	replica *replicamemory.Store
	client  *providertest.Fake
}

func newTestEnv(t *testing.T, withPaymentMethod bool) *testEnv {
	t.Helper()
	cfg, err := catalog.Load(strings.NewReader(topupCatalogYAML))
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	resolver := catalog.NewResolver(cfg, "test")

	replicaStore := replicamemory.New()
	defaultPM := ""
	if withPaymentMethod {
		defaultPM = "pm_card_visa"
	}
	replicaStore.SeedCustomer(&replica.Customer{
		ID:              "cus_1",
		Metadata:        map[string]string{"user_id": "user_1"},
		InvoiceSettings: replica.InvoiceSettings{DefaultPaymentMethod: defaultPM},
	})
	replicaStore.SeedSubscription(&replica.Subscription{
		ID:               "sub_1",
		CustomerID:       "cus_1",
		Status:           replica.StatusActive,
		Items:            []replica.SubscriptionItem{{ID: "si_1", PriceID: "price_pro_monthly", Quantity: 1}},
		CurrentPeriodEnd: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	})

	client := providertest.New()
	client.Customers_["cus_1"] = &provider.Customer{ID: "cus_1", DefaultPaymentMethod: defaultPM}

	credits := credit.New(creditmemory.New())
	engine := topup.New(credits, resolver, replicaStore, client)
	return &testEnv{engine: engine, credits: credits, replica: replicaStore, client: client}
}

func TestTopUpSucceedsB2C(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)

	result, err := env.engine.TopUp(ctx, topup.TopUpParams{UserID: "user_1", Key: "api_calls", Amount: 100})
	if err != nil {
		t.Fatalf("topUp: %v", err)
	}
	if result.Error != nil {
		t.Fatalf("expected success, got error: %+v", result.Error)
	}
	if !result.Success || result.Status != "succeeded" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Charged == nil || result.Charged.AmountCents != 1000 {
		t.Fatalf("charged = %+v, want 1000 cents (100 credits x 10/credit)", result.Charged)
	}

	balance, err := env.credits.GetBalance(ctx, "user_1", "api_calls")
	if err != nil {
		t.Fatalf("getBalance: %v", err)
	}
	if balance != 100 {
		t.Fatalf("balance = %d, want 100", balance)
	}
}

func TestTopUpNoPaymentMethodReturnsRecoveryURL(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)

	result, err := env.engine.TopUp(ctx, topup.TopUpParams{UserID: "user_1", Key: "api_calls", Amount: 100})
	if err != nil {
		t.Fatalf("topUp: %v", err)
	}
	if result.Error == nil || result.Error.Code != topup.ErrorNoPaymentMethod {
		t.Fatalf("expected NO_PAYMENT_METHOD, got %+v", result)
	}
	if result.Error.RecoveryURL == "" {
		t.Fatal("expected a non-empty recovery URL")
	}
}

func TestTopUpBelowMinimumPurchaseIsInvalidAmount(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)

	result, err := env.engine.TopUp(ctx, topup.TopUpParams{UserID: "user_1", Key: "api_calls", Amount: 1})
	if err != nil {
		t.Fatalf("topUp: %v", err)
	}
	if result.Error == nil || result.Error.Code != topup.ErrorInvalidAmount {
		t.Fatalf("expected INVALID_AMOUNT, got %+v", result)
	}
}

func TestTopUpUnconfiguredKeyFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)

	result, err := env.engine.TopUp(ctx, topup.TopUpParams{UserID: "user_1", Key: "nonexistent_key", Amount: 100})
	if err != nil {
		t.Fatalf("topUp: %v", err)
	}
	if result.Error == nil || result.Error.Code != topup.ErrorTopUpNotConfigured {
		t.Fatalf("expected TOPUP_NOT_CONFIGURED, got %+v", result)
	}
}

func TestTopUpUnknownUserFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)

	result, err := env.engine.TopUp(ctx, topup.TopUpParams{UserID: "ghost", Key: "api_calls", Amount: 100})
	if err != nil {
		t.Fatalf("topUp: %v", err)
	}
	if result.Error == nil || result.Error.Code != topup.ErrorUserNotFound {
		t.Fatalf("expected USER_NOT_FOUND, got %+v", result)
	}
}

func TestTopUpPendingPaymentDefersGrant(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	env.client.NextPaymentIntentStatus = provider.PaymentIntentProcessing

	result, err := env.engine.TopUp(ctx, topup.TopUpParams{UserID: "user_1", Key: "api_calls", Amount: 100})
	if err != nil {
		t.Fatalf("topUp: %v", err)
	}
	if !result.Success || result.Status != "pending" {
		t.Fatalf("expected pending result, got %+v", result)
	}

	balance, err := env.credits.GetBalance(ctx, "user_1", "api_calls")
	if err != nil {
		t.Fatalf("getBalance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("balance = %d, want 0 (grant deferred until webhook)", balance)
	}

	// Webhook confirms later.
	pi, err := env.client.PaymentIntents().Retrieve(ctx, result.SourceID)
	if err != nil {
		t.Fatalf("retrieve payment intent: %v", err)
	}
	pi.Status = provider.PaymentIntentSucceeded
	if err := env.engine.HandlePaymentIntentSucceeded(ctx, pi); err != nil {
		t.Fatalf("handlePaymentIntentSucceeded: %v", err)
	}

	balance, err = env.credits.GetBalance(ctx, "user_1", "api_calls")
	if err != nil {
		t.Fatalf("getBalance: %v", err)
	}
	if balance != 100 {
		t.Fatalf("balance = %d, want 100 after webhook confirmation", balance)
	}
}

func TestHandlePaymentIntentSucceededIgnoresNonTopUpPaymentIntent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)

	pi := &provider.PaymentIntent{ID: "pi_unrelated", Status: provider.PaymentIntentSucceeded, Metadata: nil}
	if err := env.engine.HandlePaymentIntentSucceeded(ctx, pi); err != nil {
		t.Fatalf("expected nil error for non-top-up payment intent, got %v", err)
	}
}

func TestHandlePaymentIntentSucceededDuplicateIsNoOp(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)

	pi := &provider.PaymentIntent{
		ID:     "pi_1",
		Status: provider.PaymentIntentSucceeded,
		Metadata: map[string]string{
			topup.MetaTopUpCreditType: "api_calls",
			topup.MetaTopUpAmount:     "100",
			topup.MetaUserID:         "user_1",
		},
	}
	if err := env.engine.HandlePaymentIntentSucceeded(ctx, pi); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := env.engine.HandlePaymentIntentSucceeded(ctx, pi); err != nil {
		t.Fatalf("duplicate delivery should be a silent no-op, got error: %v", err)
	}

	balance, err := env.credits.GetBalance(ctx, "user_1", "api_calls")
	if err != nil {
		t.Fatalf("getBalance: %v", err)
	}
	if balance != 100 {
		t.Fatalf("balance = %d, want 100 (not double-granted)", balance)
	}
}

func TestTriggerAutoTopUpIfNeededBelowThreshold(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)

	result, err := env.engine.TriggerAutoTopUpIfNeeded(ctx, topup.AutoTopUpParams{UserID: "user_1", Key: "api_calls", CurrentBalance: 100}, time.Now())
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if result.Triggered {
		t.Fatalf("expected not triggered (balance above threshold), got %+v", result)
	}
	if result.Reason != topup.ReasonBalanceAboveThreshold {
		t.Fatalf("reason = %q, want balance_above_threshold", result.Reason)
	}
}

func TestTriggerAutoTopUpIfNeededTriggersAndGrants(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)

	result, err := env.engine.TriggerAutoTopUpIfNeeded(ctx, topup.AutoTopUpParams{UserID: "user_1", Key: "api_calls", CurrentBalance: 10}, time.Now())
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if !result.Triggered {
		t.Fatalf("expected triggered, got %+v", result)
	}

	balance, err := env.credits.GetBalance(ctx, "user_1", "api_calls")
	if err != nil {
		t.Fatalf("getBalance: %v", err)
	}
	if balance != 500 {
		t.Fatalf("balance = %d, want 500 (configured autoTopUp.amount)", balance)
	}
}

func TestTriggerAutoTopUpIfNeededNoPaymentMethod(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)

	result, err := env.engine.TriggerAutoTopUpIfNeeded(ctx, topup.AutoTopUpParams{UserID: "user_1", Key: "api_calls", CurrentBalance: 10}, time.Now())
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if result.Triggered || result.Reason != topup.ReasonNoPaymentMethod {
		t.Fatalf("expected no_payment_method, got %+v", result)
	}
}

func TestTriggerAutoTopUpIfNeededRespectsMonthlyCap(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	now := time.Now()

	for i := 0; i < 3; i++ {
		result, err := env.engine.TriggerAutoTopUpIfNeeded(ctx, topup.AutoTopUpParams{UserID: "user_1", Key: "api_calls", CurrentBalance: 10}, now)
		if err != nil {
			t.Fatalf("trigger %d: %v", i, err)
		}
		if !result.Triggered {
			t.Fatalf("trigger %d: expected triggered, got %+v", i, result)
		}
		if _, err := env.credits.Consume(ctx, "user_1", "api_calls", 495, credit.Meta{Source: "usage"}); err != nil {
			t.Fatalf("consume: %v", err)
		}
	}

	result, err := env.engine.TriggerAutoTopUpIfNeeded(ctx, topup.AutoTopUpParams{UserID: "user_1", Key: "api_calls", CurrentBalance: 10}, now)
	if err != nil {
		t.Fatalf("trigger 4th: %v", err)
	}
	if result.Triggered || result.Reason != topup.ReasonMaxPerMonthReached {
		t.Fatalf("expected max_per_month_reached on the 4th attempt, got %+v", result)
	}
}
