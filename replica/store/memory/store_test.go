package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/nimbuscredit/ledger/replica"
	"github.com/nimbuscredit/ledger/replica/store/memory"
)

func TestResolveUserIDFromUserMap(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	if err := s.SetUserMapping(ctx, "user_1", "cus_1"); err != nil {
		t.Fatalf("setUserMapping: %v", err)
	}
	userID, ok, err := s.ResolveUserID(ctx, "cus_1")
	if err != nil {
		t.Fatalf("resolveUserID: %v", err)
	}
	if !ok || userID != "user_1" {
		t.Fatalf("got (%q, %v), want (user_1, true)", userID, ok)
	}
}

func TestResolveUserIDFallsBackToCustomerMetadata(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	s.SeedCustomer(&replica.Customer{ID: "cus_2", Metadata: map[string]string{"user_id": "user_2"}})

	userID, ok, err := s.ResolveUserID(ctx, "cus_2")
	if err != nil {
		t.Fatalf("resolveUserID: %v", err)
	}
	if !ok || userID != "user_2" {
		t.Fatalf("got (%q, %v), want (user_2, true)", userID, ok)
	}
}

func TestResolveUserIDUnknownCustomer(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	_, ok, err := s.ResolveUserID(ctx, "cus_ghost")
	if err != nil {
		t.Fatalf("resolveUserID: %v", err)
	}
	if ok {
		t.Fatal("expected no mapping for unknown customer")
	}
}

func TestGetActiveSubscriptionByCustomerPrefersLatestPeriodEnd(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SeedSubscription(&replica.Subscription{ID: "sub_old", CustomerID: "cus_1", Status: replica.StatusActive, CurrentPeriodEnd: now})
	s.SeedSubscription(&replica.Subscription{ID: "sub_new", CustomerID: "cus_1", Status: replica.StatusActive, CurrentPeriodEnd: now.AddDate(0, 1, 0)})
	s.SeedSubscription(&replica.Subscription{ID: "sub_canceled", CustomerID: "cus_1", Status: replica.StatusCanceled, CurrentPeriodEnd: now.AddDate(0, 2, 0)})

	sub, err := s.GetActiveSubscriptionByCustomer(ctx, "cus_1")
	if err != nil {
		t.Fatalf("getActiveSubscriptionByCustomer: %v", err)
	}
	if sub == nil || sub.ID != "sub_new" {
		t.Fatalf("got %+v, want sub_new", sub)
	}
}
