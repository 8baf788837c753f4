package credit

import (
	"context"
	"time"
)

// Store is the Ledger Store: the transactional primitives ApplyDelta,
// ApplyCappedDelta and AtomicBalanceReset, plus the read paths needed by
// the Credits API. Every balance-mutating operation in Service is expressed
// as exactly one ApplyDelta, ApplyCappedDelta or AtomicBalanceReset call so
// that the atomicity and locking guarantees live in one place per backend.
type Store interface {
	// ApplyDelta applies delta to the (userID, key) balance inside one
	// transaction that takes an exclusive lock on the balance row,
	// optionally enforces currency and idempotency-key uniqueness, appends
	// a ledger entry, and updates the materialized balance. It never
	// refuses a delta that would drive the balance negative.
	ApplyDelta(ctx context.Context, userID, key string, delta int64, txType TxType, meta Meta) (DeltaResult, error)

	// ApplyCappedDelta is like ApplyDelta, but the delta depends on the
	// balance observed under the same row lock: compute receives the
	// current balance and returns the delta and transaction type to apply.
	// This is how Revoke/RevokeAll/SetBalance stay atomic with the read
	// they are based on, instead of racing a separate GetBalance call.
	// If compute returns delta == 0, the call is a true no-op: no ledger
	// entry is written and no idempotency/currency checks are performed;
	// the result simply echoes the current balance unchanged.
	ApplyCappedDelta(ctx context.Context, userID, key string, meta Meta, compute func(current int64) (delta int64, txType TxType)) (DeltaResult, error)

	// AtomicBalanceReset performs the expire-or-forgive-then-grant renewal
	// primitive described by the Credits API in one transaction.
	AtomicBalanceReset(ctx context.Context, userID, key string, newAllocation int64, meta ResetMeta) (ResetResult, error)

	// GetBalance returns the current balance for (userID, key), 0 if unseen.
	GetBalance(ctx context.Context, userID, key string) (int64, error)

	// GetBalanceRow returns the full balance row, or nil if unseen.
	GetBalanceRow(ctx context.Context, userID, key string) (*Balance, error)

	// GetAllBalances returns every (key -> balance) pair for userID.
	GetAllBalances(ctx context.Context, userID string) (map[string]int64, error)

	// GetHistory returns ledger entries for userID, newest first, with the
	// intra-transaction tie-break preserved.
	GetHistory(ctx context.Context, userID string, opts HistoryOpts) ([]Entry, error)

	// CountBySourceInRange counts ledger entries for (userID, key) whose
	// source matches and whose CreatedAt falls within [from, to). Used by
	// the Top-Up Engine to enforce per-calendar-month auto top-up caps.
	CountBySourceInRange(ctx context.Context, userID, key, source string, from, to time.Time) (int, error)
}
