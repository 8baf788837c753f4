package seat_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nimbuscredit/ledger/catalog"
	"github.com/nimbuscredit/ledger/credit"
	creditmemory "github.com/nimbuscredit/ledger/credit/store/memory"
	"github.com/nimbuscredit/ledger/provider/providertest"
	"github.com/nimbuscredit/ledger/replica"
	replicamemory "github.com/nimbuscredit/ledger/replica/store/memory"
	"github.com/nimbuscredit/ledger/seat"
	seatmemory "github.com/nimbuscredit/ledger/seat/store/memory"
)

const seatCatalogYAML = `
test:
  plans:
    - id: plan_team
      name: Team
      perSeat: true
      grantTo: seat-users
      price:
        - id: price_team_monthly
          amount: 1000
          currency: usd
          interval: month
      features:
        api_calls:
          credits:
            allocation: 500
            onRenewal: reset
    - id: plan_pool
      name: Pool
      grantTo: subscriber
      price:
        - id: price_pool_monthly
          amount: 2000
          currency: usd
          interval: month
      features:
        api_calls:
          credits:
            allocation: 1000
            onRenewal: reset
    - id: plan_manual
      name: Manual
      grantTo: manual
      price:
        - id: price_manual_monthly
          amount: 500
          currency: usd
          interval: month
      features: {}
production:
  plans: []
`

type testEnv struct {
	engine   *seat.Engine
	credits  *credit.Service
	replica  *replicamemory.Store
	store    *seatmemory.Store
	client   *providertest.Fake
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg, err := catalog.Load(strings.NewReader(seatCatalogYAML))
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	resolver := catalog.NewResolver(cfg, "test")
	replicaStore := replicamemory.New()
	credits := credit.New(creditmemory.New())
	store := seatmemory.New()
	client := providertest.New()
	engine := seat.New(store, credits, resolver, replicaStore, client)
	return &testEnv{engine: engine, credits: credits, replica: replicaStore, store: store, client: client}
}

func seedOrg(env *testEnv, orgID, customerID, subID, priceID string) {
	env.replica.SeedCustomer(&replica.Customer{ID: customerID, Metadata: map[string]string{"user_id": orgID}})
	sub := &replica.Subscription{
		ID:         subID,
		CustomerID: customerID,
		Status:     replica.StatusActive,
		Items:      []replica.SubscriptionItem{{ID: "si_1", PriceID: priceID, Quantity: 1}},
	}
	env.replica.SeedSubscription(sub)
}

func TestAddGrantsSeatUserCredits(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedOrg(env, "org_1", "cus_1", "sub_1", "price_team_monthly")

	res, err := env.engine.Add(ctx, seat.AddParams{UserID: "user_a", OrgID: "org_1"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success")
	}
	if res.CreditsGranted["api_calls"] != 500 {
		t.Fatalf("creditsGranted[api_calls] = %d, want 500", res.CreditsGranted["api_calls"])
	}
	bal, err := env.credits.GetBalance(ctx, "user_a", "api_calls")
	if err != nil {
		t.Fatalf("getBalance: %v", err)
	}
	if bal != 500 {
		t.Fatalf("balance = %d, want 500", bal)
	}
}

func TestAddIncrementsPerSeatQuantity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedOrg(env, "org_1", "cus_1", "sub_1", "price_team_monthly")

	if _, err := env.engine.Add(ctx, seat.AddParams{UserID: "user_a", OrgID: "org_1"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := env.client.SubscriptionItemQuantities_["si_1"]; got != 2 {
		t.Fatalf("subscription item quantity = %d, want 2", got)
	}
}

func TestAddIsIdempotentForSameSubscription(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedOrg(env, "org_1", "cus_1", "sub_1", "price_team_monthly")

	if _, err := env.engine.Add(ctx, seat.AddParams{UserID: "user_a", OrgID: "org_1"}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	res, err := env.engine.Add(ctx, seat.AddParams{UserID: "user_a", OrgID: "org_1"})
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected idempotent success")
	}
	bal, err := env.credits.GetBalance(ctx, "user_a", "api_calls")
	if err != nil {
		t.Fatalf("getBalance: %v", err)
	}
	if bal != 500 {
		t.Fatalf("balance = %d, want 500 (no double grant)", bal)
	}
	if got := env.client.SubscriptionItemQuantities_["si_1"]; got != 2 {
		t.Fatalf("subscription item quantity = %d, want 2 (no double increment)", got)
	}
}

func TestAddRejectsSeatOfAnotherSubscription(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedOrg(env, "org_1", "cus_1", "sub_1", "price_team_monthly")
	seedOrg(env, "org_2", "cus_2", "sub_2", "price_team_monthly")

	if _, err := env.engine.Add(ctx, seat.AddParams{UserID: "user_a", OrgID: "org_1"}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, err := env.engine.Add(ctx, seat.AddParams{UserID: "user_a", OrgID: "org_2"}); err == nil {
		t.Fatalf("expected an error adding a user who already belongs to another subscription")
	}
}

func TestAddSubscriberModeGrantsSharedPool(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedOrg(env, "org_1", "cus_1", "sub_1", "price_pool_monthly")

	res, err := env.engine.Add(ctx, seat.AddParams{UserID: "user_a", OrgID: "org_1"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success")
	}
	if len(res.CreditsGranted) != 0 {
		t.Fatalf("expected no per-seat-user grant in subscriber mode, got %v", res.CreditsGranted)
	}
	bal, err := env.credits.GetBalance(ctx, "org_1", "api_calls")
	if err != nil {
		t.Fatalf("getBalance: %v", err)
	}
	if bal != 1000 {
		t.Fatalf("org pool balance = %d, want 1000", bal)
	}
}

func TestAddManualModeGrantsNothing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedOrg(env, "org_1", "cus_1", "sub_1", "price_manual_monthly")

	res, err := env.engine.Add(ctx, seat.AddParams{UserID: "user_a", OrgID: "org_1"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(res.CreditsGranted) != 0 {
		t.Fatalf("expected no grant in manual mode, got %v", res.CreditsGranted)
	}
	seated, err := env.store.GetSeat(ctx, "user_a")
	if err != nil || seated == nil {
		t.Fatalf("expected a seat row to exist, err=%v", err)
	}
}

func TestAddNoStripeCustomerFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	if _, err := env.engine.Add(ctx, seat.AddParams{UserID: "user_a", OrgID: "org_missing"}); err == nil {
		t.Fatalf("expected an error when the org has no Stripe customer")
	}
}

func TestAddNoActiveSubscriptionFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.replica.SeedCustomer(&replica.Customer{ID: "cus_1", Metadata: map[string]string{"user_id": "org_1"}})
	if _, err := env.engine.Add(ctx, seat.AddParams{UserID: "user_a", OrgID: "org_1"}); err == nil {
		t.Fatalf("expected an error when the org has no active subscription")
	}
}

func TestRemoveRevokesOnlySeatGrantedCredits(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedOrg(env, "org_1", "cus_1", "sub_1", "price_team_monthly")

	if _, err := env.engine.Add(ctx, seat.AddParams{UserID: "user_a", OrgID: "org_1"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	// A top-up on top of the seat grant, which Remove must not touch.
	if _, err := env.credits.Grant(ctx, "user_a", "api_calls", 200, credit.Meta{Source: "topup", SourceID: "pi_1"}); err != nil {
		t.Fatalf("grant topup: %v", err)
	}

	if err := env.engine.Remove(ctx, seat.RemoveParams{UserID: "user_a", OrgID: "org_1"}); err != nil {
		t.Fatalf("remove: %v", err)
	}

	bal, err := env.credits.GetBalance(ctx, "user_a", "api_calls")
	if err != nil {
		t.Fatalf("getBalance: %v", err)
	}
	if bal != 200 {
		t.Fatalf("balance after remove = %d, want 200 (top-up preserved)", bal)
	}
}

func TestRemoveDecrementsPerSeatQuantityNeverBelowOne(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedOrg(env, "org_1", "cus_1", "sub_1", "price_team_monthly")

	if _, err := env.engine.Add(ctx, seat.AddParams{UserID: "user_a", OrgID: "org_1"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := env.engine.Remove(ctx, seat.RemoveParams{UserID: "user_a", OrgID: "org_1"}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := env.client.SubscriptionItemQuantities_["si_1"]; got != 1 {
		t.Fatalf("subscription item quantity = %d, want floored at 1", got)
	}

	seated, err := env.store.GetSeat(ctx, "user_a")
	if err != nil {
		t.Fatalf("getSeat: %v", err)
	}
	if seated != nil {
		t.Fatalf("expected seat row to be deleted")
	}
}

func TestRemoveMissingSeatFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	err := env.engine.Remove(ctx, seat.RemoveParams{UserID: "user_a", OrgID: "org_1"})
	if err == nil {
		t.Fatalf("expected an error removing a user with no seat")
	}
	if errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected context error")
	}
}

func TestListActiveSeatUsersReflectsSubscription(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedOrg(env, "org_1", "cus_1", "sub_1", "price_team_monthly")

	if _, err := env.engine.Add(ctx, seat.AddParams{UserID: "user_a", OrgID: "org_1"}); err != nil {
		t.Fatalf("add user_a: %v", err)
	}
	if _, err := env.engine.Add(ctx, seat.AddParams{UserID: "user_b", OrgID: "org_1"}); err != nil {
		t.Fatalf("add user_b: %v", err)
	}

	users, err := env.engine.ListActiveSeatUsers(ctx, "sub_1")
	if err != nil {
		t.Fatalf("listActiveSeatUsers: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("len(users) = %d, want 2", len(users))
	}
}
