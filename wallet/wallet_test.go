package wallet_test

import (
	"context"
	"testing"

	"github.com/nimbuscredit/ledger/credit"
	"github.com/nimbuscredit/ledger/credit/store/memory"
	"github.com/nimbuscredit/ledger/wallet"
)

func newService() *wallet.Service {
	return wallet.New(credit.New(memory.New()))
}

func TestAddAndGetBalance(t *testing.T) {
	ctx := context.Background()
	w := newService()

	if _, err := w.Add(ctx, "u1", 500, "usd", credit.Meta{}); err != nil {
		t.Fatalf("add: %v", err)
	}

	bal, err := w.GetBalance(ctx, "u1")
	if err != nil {
		t.Fatalf("getBalance: %v", err)
	}
	if bal == nil {
		t.Fatal("expected a balance, got nil")
	}
	if bal.Cents != 500 {
		t.Fatalf("cents = %v, want 500", bal.Cents)
	}
	if bal.Formatted != "$5.00" {
		t.Fatalf("formatted = %q, want $5.00", bal.Formatted)
	}
}

func TestGetBalanceNilWhenUnseen(t *testing.T) {
	ctx := context.Background()
	w := newService()

	bal, err := w.GetBalance(ctx, "ghost")
	if err != nil {
		t.Fatalf("getBalance: %v", err)
	}
	if bal != nil {
		t.Fatalf("expected nil balance for unseen user, got %+v", bal)
	}
}

func TestConsumeDrivesNegative(t *testing.T) {
	ctx := context.Background()
	w := newService()

	if _, err := w.Add(ctx, "u1", 100, "usd", credit.Meta{}); err != nil {
		t.Fatalf("add: %v", err)
	}
	bal, err := w.Consume(ctx, "u1", 150, "usd", credit.Meta{})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if bal.Cents != -50 {
		t.Fatalf("cents = %v, want -50", bal.Cents)
	}
	if bal.Formatted != "−$0.50" {
		t.Fatalf("formatted = %q, want −$0.50", bal.Formatted)
	}
}

func TestHistoryRendersGrantAsAdd(t *testing.T) {
	ctx := context.Background()
	w := newService()

	if _, err := w.Add(ctx, "u1", 200, "usd", credit.Meta{}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := w.Consume(ctx, "u1", 50, "usd", credit.Meta{}); err != nil {
		t.Fatalf("consume: %v", err)
	}

	hist, err := w.GetHistory(ctx, "u1", 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("len(hist) = %d, want 2", len(hist))
	}
	if hist[0].Type != "consume" {
		t.Fatalf("hist[0].Type = %q, want consume", hist[0].Type)
	}
	if hist[1].Type != "add" {
		t.Fatalf("hist[1].Type = %q, want add (grant renders as add)", hist[1].Type)
	}
}

func TestFormatBalanceZeroDecimalCurrency(t *testing.T) {
	got := wallet.FormatBalance(1234, "jpy")
	if got != "¥1234" {
		t.Fatalf("got %q, want ¥1234", got)
	}
}

func TestFormatBalanceSubCentPrecisionPropagates(t *testing.T) {
	got := wallet.FormatBalance(1.5, "usd")
	if got != "$0.015" {
		t.Fatalf("got %q, want $0.015", got)
	}
}

func TestFormatBalanceUnknownCurrency(t *testing.T) {
	got := wallet.FormatBalance(1050, "xau")
	if got != "XAU 10.50" {
		t.Fatalf("got %q, want XAU 10.50", got)
	}
}

func TestFormatBalanceNegativeUnknownCurrency(t *testing.T) {
	got := wallet.FormatBalance(-1050, "xau")
	if got != "−XAU 10.50" {
		t.Fatalf("got %q, want −XAU 10.50", got)
	}
}
