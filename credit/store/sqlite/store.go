// Package sqlite implements credit.Store on SQLite via Grove ORM, mirroring
// credit/store/postgres with SQLite's `?` placeholder convention and
// without an explicit row-lock clause: SQLite serializes writers at the
// connection/transaction level, so RunInTx's transaction already gives the
// balance row the exclusivity the postgres FOR UPDATE clause buys.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/migrate"

	ledger "github.com/nimbuscredit/ledger"
	"github.com/nimbuscredit/ledger/credit"
	"github.com/nimbuscredit/ledger/id"
)

var _ credit.Store = (*Store)(nil)

// Store implements credit.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite-backed credit store.
func New(db *grove.DB) *Store {
	return &Store{db: db, sdb: sqlitedriver.Unwrap(db)}
}

// Migrate creates the credit ledger's tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("credit/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("credit/sqlite: migration failed: %w", err)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func (s *Store) ApplyDelta(ctx context.Context, userID, key string, delta int64, txType credit.TxType, meta credit.Meta) (credit.DeltaResult, error) {
	return s.applyWithin(ctx, userID, key, meta, func(int64) (int64, credit.TxType) { return delta, txType })
}

func (s *Store) ApplyCappedDelta(ctx context.Context, userID, key string, meta credit.Meta, compute func(int64) (int64, credit.TxType)) (credit.DeltaResult, error) {
	return s.applyWithin(ctx, userID, key, meta, compute)
}

func (s *Store) applyWithin(ctx context.Context, userID, key string, meta credit.Meta, compute func(int64) (int64, credit.TxType)) (credit.DeltaResult, error) {
	var result credit.DeltaResult

	err := s.sdb.RunInTx(ctx, func(ctx context.Context, tx *sqlitedriver.Tx) error {
		bm := new(balanceModel)
		err := tx.NewSelect(bm).Where("user_id = ?", userID).Where("key = ?", key).Scan(ctx)
		if err != nil && !isNoRows(err) {
			return fmt.Errorf("credit/sqlite: load balance row: %w", err)
		}
		if isNoRows(err) {
			bm = &balanceModel{UserID: userID, Key: key}
			if _, insErr := tx.NewInsert(bm).OnConflict("(user_id, key) DO NOTHING").Exec(ctx); insErr != nil {
				return fmt.Errorf("credit/sqlite: upsert zero balance row: %w", insErr)
			}
		}

		previous := bm.Balance
		delta, txType := compute(previous)
		if delta == 0 {
			result = credit.DeltaResult{PreviousBalance: previous, NewBalance: previous}
			return nil
		}

		if meta.Currency != "" && bm.Currency != nil && *bm.Currency != meta.Currency {
			return fmt.Errorf("credit/sqlite: %s vs %s: %w", meta.Currency, *bm.Currency, ledger.ErrCurrencyMismatch)
		}

		if meta.IdempotencyKey != "" {
			var exists bool
			if chkErr := tx.NewRaw(`SELECT EXISTS(SELECT 1 FROM credit_ledger WHERE idempotency_key = ?)`, meta.IdempotencyKey).
				Scan(ctx, &exists); chkErr != nil {
				return fmt.Errorf("credit/sqlite: idempotency check: %w", chkErr)
			}
			if exists {
				return fmt.Errorf("credit/sqlite: idempotency key %q: %w", meta.IdempotencyKey, ledger.ErrIdempotencyConflict)
			}
		}

		newBalance := previous + delta
		newSeq := bm.Seq + 1
		currency := bm.Currency
		if meta.Currency != "" && currency == nil {
			c := meta.Currency
			currency = &c
		}

		if _, updErr := tx.NewUpdate((*balanceModel)(nil)).
			Set("balance = ?", newBalance).
			Set("currency = ?", currency).
			Set("seq = ?", newSeq).
			Where("user_id = ?", userID).
			Where("key = ?", key).
			Exec(ctx); updErr != nil {
			return fmt.Errorf("credit/sqlite: update balance: %w", updErr)
		}

		entryID := id.NewCreditEntryID()
		lm := &ledgerModel{
			ID:              entryID.String(),
			UserID:          userID,
			Key:             key,
			Amount:          delta,
			BalanceAfter:    newBalance,
			TransactionType: string(txType),
			Source:          meta.Source,
			SourceID:        meta.SourceID,
			Description:     meta.Description,
			Seq:             newSeq,
		}
		if meta.Currency != "" {
			c := meta.Currency
			lm.Currency = &c
		}
		if meta.IdempotencyKey != "" {
			k := meta.IdempotencyKey
			lm.IdempotencyKey = &k
		}
		if _, insErr := tx.NewInsert(lm).Exec(ctx); insErr != nil {
			return fmt.Errorf("credit/sqlite: insert ledger entry: %w", insErr)
		}

		result = credit.DeltaResult{PreviousBalance: previous, NewBalance: newBalance, EntryID: entryID}
		return nil
	})
	if err != nil {
		return credit.DeltaResult{}, err
	}
	return result, nil
}

func (s *Store) AtomicBalanceReset(ctx context.Context, userID, key string, newAllocation int64, meta credit.ResetMeta) (credit.ResetResult, error) {
	var result credit.ResetResult

	err := s.sdb.RunInTx(ctx, func(ctx context.Context, tx *sqlitedriver.Tx) error {
		if meta.IdempotencyKey != "" {
			var exists bool
			if chkErr := tx.NewRaw(`SELECT EXISTS(SELECT 1 FROM credit_ledger WHERE idempotency_key = ?)`, meta.IdempotencyKey).
				Scan(ctx, &exists); chkErr != nil {
				return fmt.Errorf("credit/sqlite: idempotency check: %w", chkErr)
			}
			if exists {
				return fmt.Errorf("credit/sqlite: idempotency key %q: %w", meta.IdempotencyKey, ledger.ErrIdempotencyConflict)
			}
		}

		bm := new(balanceModel)
		err := tx.NewSelect(bm).Where("user_id = ?", userID).Where("key = ?", key).Scan(ctx)
		if err != nil && !isNoRows(err) {
			return fmt.Errorf("credit/sqlite: load balance row: %w", err)
		}
		if isNoRows(err) {
			bm = &balanceModel{UserID: userID, Key: key}
			if _, insErr := tx.NewInsert(bm).OnConflict("(user_id, key) DO NOTHING").Exec(ctx); insErr != nil {
				return fmt.Errorf("credit/sqlite: upsert zero balance row: %w", insErr)
			}
		}

		prev := bm.Balance
		seq := bm.Seq
		balance := prev
		var expired, forgiven int64
		keyBound := false

		writeEntry := func(amount, balanceAfter int64, txType credit.TxType, description string) error {
			seq++
			lm := &ledgerModel{
				ID:              id.NewCreditEntryID().String(),
				UserID:          userID,
				Key:             key,
				Amount:          amount,
				BalanceAfter:    balanceAfter,
				TransactionType: string(txType),
				Source:          meta.Source,
				SourceID:        meta.SourceID,
				Description:     description,
				Seq:             seq,
			}
			// The reset's idempotency key is recorded on its first entry.
			if meta.IdempotencyKey != "" && !keyBound {
				k := meta.IdempotencyKey
				lm.IdempotencyKey = &k
				keyBound = true
			}
			_, err := tx.NewInsert(lm).Exec(ctx)
			return err
		}

		if prev > 0 {
			expired = prev
			balance = 0
			if err := writeEntry(-prev, 0, credit.TxRevoke, meta.ExpireDescription); err != nil {
				return fmt.Errorf("credit/sqlite: write expiry entry: %w", err)
			}
		} else if prev < 0 {
			forgiven = -prev
			balance = 0
			if err := writeEntry(-prev, 0, credit.TxAdjust, meta.ForgivenDescription); err != nil {
				return fmt.Errorf("credit/sqlite: write forgiveness entry: %w", err)
			}
		}

		if newAllocation > 0 {
			balance += newAllocation
			if err := writeEntry(newAllocation, balance, credit.TxGrant, meta.GrantDescription); err != nil {
				return fmt.Errorf("credit/sqlite: write grant entry: %w", err)
			}
		}

		if _, updErr := tx.NewUpdate((*balanceModel)(nil)).
			Set("balance = ?", balance).
			Set("seq = ?", seq).
			Where("user_id = ?", userID).
			Where("key = ?", key).
			Exec(ctx); updErr != nil {
			return fmt.Errorf("credit/sqlite: update balance: %w", updErr)
		}

		result = credit.ResetResult{PreviousBalance: prev, Expired: expired, Forgiven: forgiven, NewBalance: balance}
		return nil
	})
	if err != nil {
		return credit.ResetResult{}, err
	}
	return result, nil
}

func (s *Store) GetBalance(ctx context.Context, userID, key string) (int64, error) {
	bm := new(balanceModel)
	err := s.sdb.NewSelect(bm).Where("user_id = ?", userID).Where("key = ?", key).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("credit/sqlite: get balance: %w", err)
	}
	return bm.Balance, nil
}

func (s *Store) GetBalanceRow(ctx context.Context, userID, key string) (*credit.Balance, error) {
	bm := new(balanceModel)
	err := s.sdb.NewSelect(bm).Where("user_id = ?", userID).Where("key = ?", key).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil //nolint:nilnil // absence of a balance row is a valid "no state yet" result
		}
		return nil, fmt.Errorf("credit/sqlite: get balance row: %w", err)
	}
	return &credit.Balance{UserID: bm.UserID, Key: bm.Key, Balance: bm.Balance, Currency: bm.Currency}, nil
}

func (s *Store) GetAllBalances(ctx context.Context, userID string) (map[string]int64, error) {
	var models []balanceModel
	if err := s.sdb.NewSelect(&models).Where("user_id = ?", userID).Scan(ctx); err != nil {
		return nil, fmt.Errorf("credit/sqlite: get all balances: %w", err)
	}
	result := make(map[string]int64, len(models))
	for _, m := range models {
		result[m.Key] = m.Balance
	}
	return result, nil
}

func (s *Store) GetHistory(ctx context.Context, userID string, opts credit.HistoryOpts) ([]credit.Entry, error) {
	var models []ledgerModel
	q := s.sdb.NewSelect(&models).Where("user_id = ?", userID)

	if opts.Key != "" {
		q = q.Where("key = ?", opts.Key)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC, seq DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("credit/sqlite: get history: %w", err)
	}

	result := make([]credit.Entry, len(models))
	for i := range models {
		result[i] = fromLedgerModel(&models[i])
	}
	return result, nil
}

func (s *Store) CountBySourceInRange(ctx context.Context, userID, key, source string, from, to time.Time) (int, error) {
	var count int
	err := s.sdb.NewRaw(`
		SELECT COUNT(*) FROM credit_ledger
		WHERE user_id = ? AND key = ? AND source = ? AND created_at >= ? AND created_at < ?
	`, userID, key, source, from, to).Scan(ctx, &count)
	if err != nil {
		return 0, fmt.Errorf("credit/sqlite: count by source: %w", err)
	}
	return count, nil
}
