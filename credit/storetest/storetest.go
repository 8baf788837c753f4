// Package storetest runs the credit ledger's quantified invariants against
// any credit.Store implementation passed to Run. The memory backend's tests
// run it; the postgres and sqlite backends have no test that calls it.
package storetest

import (
	"context"
	"errors"
	"testing"

	ledger "github.com/nimbuscredit/ledger"
	"github.com/nimbuscredit/ledger/credit"
)

// Run executes the conformance suite against a freshly constructed store.
// newStore must return an empty store; Run calls it once per subtest.
func Run(t *testing.T, newStore func() credit.Store) {
	t.Helper()

	t.Run("BalanceEqualsSumOfEntries", func(t *testing.T) {
		ctx := context.Background()
		store := newStore()

		if _, err := store.ApplyDelta(ctx, "u1", "api_calls", 1000, credit.TxGrant, credit.Meta{}); err != nil {
			t.Fatalf("grant: %v", err)
		}
		if _, err := store.ApplyDelta(ctx, "u1", "api_calls", -300, credit.TxConsume, credit.Meta{}); err != nil {
			t.Fatalf("consume: %v", err)
		}

		history, err := store.GetHistory(ctx, "u1", credit.HistoryOpts{Key: "api_calls"})
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		var sum int64
		for _, e := range history {
			sum += e.Amount
		}

		balance, err := store.GetBalance(ctx, "u1", "api_calls")
		if err != nil {
			t.Fatalf("getBalance: %v", err)
		}
		if sum != balance {
			t.Fatalf("sum(entries)=%d != balance=%d", sum, balance)
		}
	})

	t.Run("BalanceAfterMatchesRunningSum", func(t *testing.T) {
		ctx := context.Background()
		store := newStore()

		if _, err := store.ApplyDelta(ctx, "u1", "k", 100, credit.TxGrant, credit.Meta{}); err != nil {
			t.Fatalf("grant 1: %v", err)
		}
		if _, err := store.ApplyDelta(ctx, "u1", "k", 50, credit.TxGrant, credit.Meta{}); err != nil {
			t.Fatalf("grant 2: %v", err)
		}

		history, err := store.GetHistory(ctx, "u1", credit.HistoryOpts{})
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		// history is newest-first; walk backward to recompute the running sum.
		var running int64
		for i := len(history) - 1; i >= 0; i-- {
			running += history[i].Amount
			if history[i].BalanceAfter != running {
				t.Fatalf("entry %d: balance_after=%d, want running sum %d", i, history[i].BalanceAfter, running)
			}
		}
	})

	t.Run("IdempotencyKeyUniqueAcrossOperationTypes", func(t *testing.T) {
		ctx := context.Background()
		store := newStore()

		meta := credit.Meta{IdempotencyKey: "shared-key"}
		if _, err := store.ApplyDelta(ctx, "u1", "k", 10, credit.TxGrant, meta); err != nil {
			t.Fatalf("first op: %v", err)
		}
		_, err := store.ApplyDelta(ctx, "u1", "k", -10, credit.TxConsume, meta)
		if !errors.Is(err, ledger.ErrIdempotencyConflict) {
			t.Fatalf("second op with same key across types: got %v, want ErrIdempotencyConflict", err)
		}
	})

	t.Run("NewBalanceEqualsPreviousPlusDelta", func(t *testing.T) {
		ctx := context.Background()
		store := newStore()

		res, err := store.ApplyDelta(ctx, "u1", "k", 250, credit.TxGrant, credit.Meta{})
		if err != nil {
			t.Fatalf("grant: %v", err)
		}
		if res.NewBalance != res.PreviousBalance+250 {
			t.Fatalf("newBalance=%d, want previousBalance(%d)+250", res.NewBalance, res.PreviousBalance)
		}
	})

	t.Run("HistoryOrderedNewestFirstWithWriteOrderTiebreak", func(t *testing.T) {
		ctx := context.Background()
		store := newStore()

		if _, err := store.ApplyDelta(ctx, "u1", "k", 1000, credit.TxGrant, credit.Meta{}); err != nil {
			t.Fatalf("grant: %v", err)
		}
		if _, err := store.ApplyDelta(ctx, "u1", "k", -500, credit.TxConsume, credit.Meta{}); err != nil {
			t.Fatalf("consume: %v", err)
		}

		history, err := store.GetHistory(ctx, "u1", credit.HistoryOpts{})
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(history) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(history))
		}
		if history[0].Type != credit.TxConsume {
			t.Fatalf("history[0] should be the most recently written entry (consume), got %s", history[0].Type)
		}
		if history[1].Type != credit.TxGrant {
			t.Fatalf("history[1] should be the grant, got %s", history[1].Type)
		}
	})

	t.Run("AtomicBalanceResetMatchesPreviousExpiredForgivenFormula", func(t *testing.T) {
		ctx := context.Background()
		store := newStore()

		if _, err := store.ApplyDelta(ctx, "u1", "k", 700, credit.TxGrant, credit.Meta{}); err != nil {
			t.Fatalf("grant: %v", err)
		}

		res, err := store.AtomicBalanceReset(ctx, "u1", "k", 1000, credit.ResetMeta{})
		if err != nil {
			t.Fatalf("reset: %v", err)
		}
		if res.PreviousBalance != 700 {
			t.Fatalf("previousBalance=%d, want 700", res.PreviousBalance)
		}
		wantExpired := res.PreviousBalance
		if wantExpired < 0 {
			wantExpired = 0
		}
		if res.Expired != wantExpired {
			t.Fatalf("expired=%d, want max(prev,0)=%d", res.Expired, wantExpired)
		}
		wantForgiven := -res.PreviousBalance
		if wantForgiven < 0 {
			wantForgiven = 0
		}
		if res.Forgiven != wantForgiven {
			t.Fatalf("forgiven=%d, want max(-prev,0)=%d", res.Forgiven, wantForgiven)
		}
		if res.NewBalance != 1000 {
			t.Fatalf("newBalance=%d, want 1000", res.NewBalance)
		}
	})

	t.Run("CurrencyMismatchRejected", func(t *testing.T) {
		ctx := context.Background()
		store := newStore()

		if _, err := store.ApplyDelta(ctx, "u1", "wallet", 100, credit.TxGrant, credit.Meta{Currency: "usd"}); err != nil {
			t.Fatalf("grant: %v", err)
		}
		_, err := store.ApplyDelta(ctx, "u1", "wallet", 100, credit.TxGrant, credit.Meta{Currency: "eur"})
		if !errors.Is(err, ledger.ErrCurrencyMismatch) {
			t.Fatalf("got %v, want ErrCurrencyMismatch", err)
		}
	})
}
