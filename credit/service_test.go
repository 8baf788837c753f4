package credit_test

import (
	"context"
	"errors"
	"testing"

	ledger "github.com/nimbuscredit/ledger"
	"github.com/nimbuscredit/ledger/credit"
	"github.com/nimbuscredit/ledger/credit/store/memory"
	"github.com/nimbuscredit/ledger/plugin"
)

func newService() *credit.Service {
	return credit.New(memory.New())
}

func TestGrantConsumeRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	if _, err := svc.Grant(ctx, "u1", "api_calls", 1000, credit.Meta{Source: "test"}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := svc.Consume(ctx, "u1", "api_calls", 1000, credit.Meta{Source: "test"}); err != nil {
		t.Fatalf("consume: %v", err)
	}

	bal, err := svc.GetBalance(ctx, "u1", "api_calls")
	if err != nil {
		t.Fatalf("getBalance: %v", err)
	}
	if bal != 0 {
		t.Fatalf("balance after grant+consume: got %d, want 0", bal)
	}
}

func TestGrantRejectsNonPositiveAmount(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	for _, amt := range []int64{0, -5} {
		_, err := svc.Grant(ctx, "u1", "api_calls", amt, credit.Meta{})
		if !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Fatalf("grant(%d): got %v, want ErrInvalidAmount", amt, err)
		}
	}
}

func TestConsumeAllowsNegativeBalance(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	res, err := svc.Consume(ctx, "u1", "api_calls", 500, credit.Meta{})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success=true")
	}
	if res.Balance != -500 {
		t.Fatalf("balance: got %d, want -500", res.Balance)
	}
}

func TestRevokeCapsAtCurrentBalance(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	if _, err := svc.Grant(ctx, "u1", "api_calls", 100, credit.Meta{}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	res, err := svc.Revoke(ctx, "u1", "api_calls", 500, credit.Meta{})
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if res.AmountRevoked != 100 {
		t.Fatalf("amountRevoked: got %d, want 100", res.AmountRevoked)
	}
	if res.Balance != 0 {
		t.Fatalf("balance: got %d, want 0", res.Balance)
	}
}

func TestRevokeAllNoOpWhenBalanceNonPositive(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	if _, err := svc.Consume(ctx, "u1", "api_calls", 50, credit.Meta{}); err != nil {
		t.Fatalf("consume: %v", err)
	}

	res, err := svc.RevokeAll(ctx, "u1", "api_calls", credit.Meta{})
	if err != nil {
		t.Fatalf("revokeAll: %v", err)
	}
	if res.AmountRevoked != 0 {
		t.Fatalf("amountRevoked: got %d, want 0", res.AmountRevoked)
	}
	if res.Balance != -50 {
		t.Fatalf("balance should be untouched: got %d, want -50", res.Balance)
	}
}

func TestIdempotencyKeyConsumedOnce(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	meta := credit.Meta{IdempotencyKey: "sub_created:sub_1:api_calls"}
	if _, err := svc.Grant(ctx, "u1", "api_calls", 1000, meta); err != nil {
		t.Fatalf("first grant: %v", err)
	}

	_, err := svc.Grant(ctx, "u1", "api_calls", 1000, meta)
	if !errors.Is(err, ledger.ErrIdempotencyConflict) {
		t.Fatalf("second grant with same key: got %v, want ErrIdempotencyConflict", err)
	}

	bal, _ := svc.GetBalance(ctx, "u1", "api_calls")
	if bal != 1000 {
		t.Fatalf("balance should reflect only the first grant: got %d", bal)
	}
}

func TestCurrencyMismatchRejected(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	if _, err := svc.Grant(ctx, "u1", "wallet", 100, credit.Meta{Currency: "usd"}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	_, err := svc.Grant(ctx, "u1", "wallet", 100, credit.Meta{Currency: "eur"})
	if !errors.Is(err, ledger.ErrCurrencyMismatch) {
		t.Fatalf("got %v, want ErrCurrencyMismatch", err)
	}
}

func TestAtomicBalanceResetFromPositiveBalance(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	if _, err := svc.Grant(ctx, "u1", "api_calls", 1000, credit.Meta{}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := svc.Consume(ctx, "u1", "api_calls", 500, credit.Meta{}); err != nil {
		t.Fatalf("consume: %v", err)
	}

	res, err := svc.AtomicBalanceReset(ctx, "u1", "api_calls", 1000, credit.ResetMeta{})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if res.PreviousBalance != 500 || res.Expired != 500 || res.Forgiven != 0 || res.NewBalance != 1000 {
		t.Fatalf("unexpected reset result: %+v", res)
	}

	history, err := svc.GetHistory(ctx, "u1", credit.HistoryOpts{Key: "api_calls"})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) < 2 {
		t.Fatalf("expected at least 2 history entries, got %d", len(history))
	}
	if history[0].Type != credit.TxGrant || history[0].BalanceAfter != 1000 {
		t.Fatalf("history[0] should be the new grant: %+v", history[0])
	}
	if history[1].Type != credit.TxRevoke || history[1].BalanceAfter != 0 {
		t.Fatalf("history[1] should be the expiry: %+v", history[1])
	}
}

func TestAtomicBalanceResetFromNegativeBalanceForgives(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	if _, err := svc.Consume(ctx, "u1", "api_calls", 300, credit.Meta{}); err != nil {
		t.Fatalf("consume: %v", err)
	}

	res, err := svc.AtomicBalanceReset(ctx, "u1", "api_calls", 0, credit.ResetMeta{})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if res.PreviousBalance != -300 || res.Expired != 0 || res.Forgiven != 300 || res.NewBalance != 0 {
		t.Fatalf("unexpected reset result: %+v", res)
	}
}

func TestGetAllBalancesExcludesWalletKey(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	if _, err := svc.Grant(ctx, "u1", "api_calls", 10, credit.Meta{}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := svc.Grant(ctx, "u1", credit.WalletKey, 10, credit.Meta{Currency: "usd"}); err != nil {
		t.Fatalf("grant wallet: %v", err)
	}

	all, err := svc.GetAllBalances(ctx, "u1")
	if err != nil {
		t.Fatalf("getAllBalances: %v", err)
	}
	if _, ok := all[credit.WalletKey]; ok {
		t.Fatalf("wallet key should be excluded from getAllBalances")
	}
	if all["api_calls"] != 10 {
		t.Fatalf("api_calls balance: got %d, want 10", all["api_calls"])
	}
}

func TestHasCredits(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	if _, err := svc.Grant(ctx, "u1", "api_calls", 100, credit.Meta{}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	ok, err := svc.HasCredits(ctx, "u1", "api_calls", 100)
	if err != nil || !ok {
		t.Fatalf("hasCredits(100): got %v, %v", ok, err)
	}
	ok, err = svc.HasCredits(ctx, "u1", "api_calls", 101)
	if err != nil || ok {
		t.Fatalf("hasCredits(101): got %v, %v", ok, err)
	}
}

func TestSetBalanceNegativeTargetAllowed(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	res, err := svc.SetBalance(ctx, "u1", "api_calls", -42, credit.Meta{})
	if err != nil {
		t.Fatalf("setBalance: %v", err)
	}
	if res.PreviousBalance != 0 || res.Balance != -42 {
		t.Fatalf("unexpected setBalance result: %+v", res)
	}
}

type recordingPlugin struct {
	granted []int64
	revoked []int64
}

func (p *recordingPlugin) Name() string { return "recording" }

func (p *recordingPlugin) OnCreditGranted(_ context.Context, _, _ string, amount int64, _ string) error {
	p.granted = append(p.granted, amount)
	return nil
}

func (p *recordingPlugin) OnCreditRevoked(_ context.Context, _, _ string, amount int64, _ string) error {
	p.revoked = append(p.revoked, amount)
	return nil
}

func TestWithPluginsEmitsCreditGrantedAndRevoked(t *testing.T) {
	ctx := context.Background()
	reg := plugin.NewRegistry()
	rec := &recordingPlugin{}
	if err := reg.Register(rec); err != nil {
		t.Fatalf("register plugin: %v", err)
	}
	svc := credit.New(memory.New(), credit.WithPlugins(reg))

	if _, err := svc.Grant(ctx, "u1", "api_calls", 500, credit.Meta{Source: "test"}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := svc.Revoke(ctx, "u1", "api_calls", 200, credit.Meta{Source: "test"}); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	if len(rec.granted) != 1 || rec.granted[0] != 500 {
		t.Fatalf("granted = %v, want [500]", rec.granted)
	}
	if len(rec.revoked) != 1 || rec.revoked[0] != 200 {
		t.Fatalf("revoked = %v, want [200]", rec.revoked)
	}
}

func TestWithoutPluginsGrantStillSucceeds(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	if _, err := svc.Grant(ctx, "u1", "api_calls", 100, credit.Meta{Source: "test"}); err != nil {
		t.Fatalf("grant without plugins: %v", err)
	}
}
