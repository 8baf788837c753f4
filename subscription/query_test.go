package subscription_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nimbuscredit/ledger/catalog"
	"github.com/nimbuscredit/ledger/replica"
	replicamemory "github.com/nimbuscredit/ledger/replica/store/memory"
	"github.com/nimbuscredit/ledger/subscription"
)

const queryCatalogYAML = `
test:
  plans:
    - id: plan_pro
      name: Pro
      price:
        - id: price_pro_monthly
          amount: 2900
          currency: usd
          interval: month
      features: {}
production:
  plans: []
`

func newTestQuery(t *testing.T) (*subscription.Query, *replicamemory.Store) {
	t.Helper()
	cfg, err := catalog.Load(strings.NewReader(queryCatalogYAML))
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	resolver := catalog.NewResolver(cfg, "test")
	replicaStore := replicamemory.New()
	return subscription.NewQuery(replicaStore, resolver), replicaStore
}

func TestIsActiveFalseWithNoCustomerMapping(t *testing.T) {
	q, _ := newTestQuery(t)
	active, err := q.IsActive(context.Background(), "user_unknown")
	if err != nil {
		t.Fatalf("isActive: %v", err)
	}
	if active {
		t.Fatalf("expected false for an unmapped user")
	}
}

func TestIsActiveTrueForTrialing(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQuery(t)
	store.SeedCustomer(&replica.Customer{ID: "cus_1", Metadata: map[string]string{"user_id": "user_1"}})
	store.SeedSubscription(&replica.Subscription{ID: "sub_1", CustomerID: "cus_1", Status: replica.StatusTrialing})

	active, err := q.IsActive(ctx, "user_1")
	if err != nil {
		t.Fatalf("isActive: %v", err)
	}
	if !active {
		t.Fatalf("expected true for a trialing subscription")
	}
}

func TestGetPrefersActiveOverCanceled(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQuery(t)
	store.SeedCustomer(&replica.Customer{ID: "cus_1", Metadata: map[string]string{"user_id": "user_1"}})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SeedSubscription(&replica.Subscription{
		ID: "sub_old", CustomerID: "cus_1", Status: replica.StatusCanceled,
		CurrentPeriodEnd: now.AddDate(0, 0, -1),
	})
	store.SeedSubscription(&replica.Subscription{
		ID: "sub_active", CustomerID: "cus_1", Status: replica.StatusActive,
		Items:            []replica.SubscriptionItem{{PriceID: "price_pro_monthly"}},
		CurrentPeriodEnd: now,
	})

	res, err := q.Get(ctx, "user_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res == nil || res.Subscription.ID != "sub_active" {
		t.Fatalf("expected sub_active to be preferred, got %+v", res)
	}
	if res.Plan == nil || res.Plan.Name != "Pro" {
		t.Fatalf("expected resolved plan Pro, got %+v", res.Plan)
	}
}

func TestGetFallsBackToMostRecentCanceled(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQuery(t)
	store.SeedCustomer(&replica.Customer{ID: "cus_1", Metadata: map[string]string{"user_id": "user_1"}})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SeedSubscription(&replica.Subscription{ID: "sub_1", CustomerID: "cus_1", Status: replica.StatusCanceled, CurrentPeriodEnd: now.AddDate(0, -1, 0)})
	store.SeedSubscription(&replica.Subscription{ID: "sub_2", CustomerID: "cus_1", Status: replica.StatusCanceled, CurrentPeriodEnd: now})

	res, err := q.Get(ctx, "user_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res == nil || res.Subscription.ID != "sub_2" {
		t.Fatalf("expected the more recently canceled sub_2, got %+v", res)
	}
}

func TestGetNilWhenNoSubscriptions(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQuery(t)
	store.SeedCustomer(&replica.Customer{ID: "cus_1", Metadata: map[string]string{"user_id": "user_1"}})

	res, err := q.Get(ctx, "user_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil, got %+v", res)
	}
}

func TestListOrdersByPeriodEndDescending(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQuery(t)
	store.SeedCustomer(&replica.Customer{ID: "cus_1", Metadata: map[string]string{"user_id": "user_1"}})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SeedSubscription(&replica.Subscription{ID: "sub_old", CustomerID: "cus_1", Status: replica.StatusCanceled, CurrentPeriodEnd: now.AddDate(0, -2, 0)})
	store.SeedSubscription(&replica.Subscription{ID: "sub_new", CustomerID: "cus_1", Status: replica.StatusActive, CurrentPeriodEnd: now})

	list, err := q.List(ctx, "user_1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len(list) = %d, want 2", len(list))
	}
	if list[0].Subscription.ID != "sub_new" || list[1].Subscription.ID != "sub_old" {
		t.Fatalf("unexpected order: %+v", list)
	}
}

func TestListEmptyWithoutCustomerMapping(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQuery(t)
	list, err := q.List(ctx, "user_unknown")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected an empty list, got %+v", list)
	}
}
