package catalog_test

import (
	"strings"
	"testing"

	"github.com/nimbuscredit/ledger/catalog"
)

const testYAML = `
test:
  plans:
    - id: plan_pro
      name: Pro
      price:
        - id: price_pro_monthly
          amount: 2900
          currency: usd
          interval: month
        - id: price_pro_yearly
          amount: 29000
          currency: usd
          interval: year
      features:
        api_calls:
          credits:
            allocation: 1000
            onRenewal: reset
          pricePerCredit: 5
          minPerPurchase: 100
          autoTopUp:
            threshold: 100
            amount: 500
            maxPerMonth: 3
production:
  plans:
    - id: plan_pro
      name: Pro
      price:
        - id: price_pro_monthly_live
          amount: 2900
          currency: usd
          interval: month
      features:
        api_calls:
          credits:
            allocation: 1000
            onRenewal: reset
`

func TestLoadAndResolve(t *testing.T) {
	cfg, err := catalog.Load(strings.NewReader(testYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Test.Plans) != 1 {
		t.Fatalf("expected 1 test plan, got %d", len(cfg.Test.Plans))
	}

	r := catalog.NewResolver(cfg, "test")
	match, ok := r.ResolvePlanByPriceID("price_pro_monthly")
	if !ok {
		t.Fatal("expected a match for price_pro_monthly")
	}
	if match.Plan.Name != "Pro" {
		t.Fatalf("plan name = %q, want Pro", match.Plan.Name)
	}
	if match.PricePoint.Interval != catalog.IntervalMonth {
		t.Fatalf("interval = %q, want month", match.PricePoint.Interval)
	}

	feature, ok := match.Plan.Features["api_calls"]
	if !ok {
		t.Fatal("expected api_calls feature")
	}
	if feature.Credits == nil || feature.Credits.Allocation != 1000 {
		t.Fatalf("credits = %+v, want allocation 1000", feature.Credits)
	}
	if feature.PricePerCredit != 5 {
		t.Fatalf("pricePerCredit = %d, want 5", feature.PricePerCredit)
	}
}

func TestResolveUnknownPriceID(t *testing.T) {
	cfg, err := catalog.Load(strings.NewReader(testYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	r := catalog.NewResolver(cfg, "test")
	_, ok := r.ResolvePlanByPriceID("price_does_not_exist")
	if ok {
		t.Fatal("expected no match for unknown price ID")
	}
}

func TestIntervalMultiplier(t *testing.T) {
	cases := []struct {
		allocation int64
		interval   catalog.Interval
		want       int64
	}{
		{1000, catalog.IntervalMonth, 1000},
		{1000, catalog.IntervalYear, 12000},
		{1000, catalog.IntervalOneTime, 1000},
		{1000, catalog.IntervalWeek, 250},
		{1001, catalog.IntervalWeek, 251}, // ceiling, not floor
	}
	for _, c := range cases {
		got := catalog.IntervalMultiplier(c.allocation, c.interval)
		if got != c.want {
			t.Errorf("IntervalMultiplier(%d, %s) = %d, want %d", c.allocation, c.interval, got, c.want)
		}
	}
}

func TestAmbiguousPriceIDPrefersActiveEnv(t *testing.T) {
	const yamlSrc = `
test:
  plans:
    - id: plan_a
      name: Test A
      price:
        - id: shared_price
          amount: 100
          currency: usd
          interval: month
production:
  plans:
    - id: plan_b
      name: Prod B
      price:
        - id: shared_price
          amount: 100
          currency: usd
          interval: month
`
	cfg, err := catalog.Load(strings.NewReader(yamlSrc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	testResolver := catalog.NewResolver(cfg, "test")
	match, ok := testResolver.ResolvePlanByPriceID("shared_price")
	if !ok || match.Plan.Name != "Test A" {
		t.Fatalf("expected test env to win, got %+v", match.Plan)
	}

	prodResolver := catalog.NewResolver(cfg, "production")
	match, ok = prodResolver.ResolvePlanByPriceID("shared_price")
	if !ok || match.Plan.Name != "Prod B" {
		t.Fatalf("expected production env to win, got %+v", match.Plan)
	}
}
