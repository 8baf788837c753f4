// Package credit implements the double-entry credit ledger: the append-only
// Ledger Store and the Credits API built on top of it.
package credit

import (
	"time"

	"github.com/nimbuscredit/ledger/id"
)

// TxType classifies a ledger entry.
type TxType string

const (
	TxGrant   TxType = "grant"
	TxConsume TxType = "consume"
	TxRevoke  TxType = "revoke"
	TxAdjust  TxType = "adjust"
)

// WalletKey is the reserved (user_id, key) key under which the Wallet
// Adapter stores monetary balances in micro-cents. GetAllBalances excludes
// it by default since it is not a "credit" in the caller-facing sense.
const WalletKey = "wallet"

// Entry is a single, immutable ledger row.
type Entry struct {
	ID             id.CreditEntryID `json:"id"`
	UserID         string           `json:"user_id"`
	Key            string           `json:"key"`
	Amount         int64            `json:"amount"`
	BalanceAfter   int64            `json:"balance_after"`
	Type           TxType           `json:"transaction_type"`
	Source         string           `json:"source,omitempty"`
	SourceID       string           `json:"source_id,omitempty"`
	Description    string           `json:"description,omitempty"`
	Currency       string           `json:"currency,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	// Seq breaks ties between entries sharing the same wall-clock timestamp
	// within one (user_id, key), so getHistory orders in write order.
	Seq int64 `json:"seq"`
}

// Balance is the materialized row for one (user_id, key) pair.
type Balance struct {
	UserID   string  `json:"user_id"`
	Key      string  `json:"key"`
	Balance  int64   `json:"balance"`
	Currency *string `json:"currency,omitempty"`
}

// Meta carries the optional metadata attached to a ledger write.
type Meta struct {
	Source         string
	SourceID       string
	Description    string
	Currency       string // empty means "no currency constraint"
	IdempotencyKey string
}

// DeltaResult is returned by the Ledger Store's single transactional
// primitive.
type DeltaResult struct {
	PreviousBalance int64
	NewBalance      int64
	EntryID         id.CreditEntryID
}

// ResetMeta carries the descriptions used by AtomicBalanceReset's
// synthetic expire/forgive/grant entries.
type ResetMeta struct {
	Source              string
	SourceID            string
	ExpireDescription   string
	ForgivenDescription string
	GrantDescription    string
	IdempotencyKey      string
}

// ResetResult is returned by AtomicBalanceReset.
type ResetResult struct {
	PreviousBalance int64
	Expired         int64
	Forgiven        int64
	NewBalance      int64
}

// HistoryOpts filters and paginates GetHistory.
type HistoryOpts struct {
	Key    string // empty means "all keys"
	Limit  int
	Offset int
}
