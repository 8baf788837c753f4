package sqlite

import (
	"time"

	"github.com/xraph/grove"

	"github.com/nimbuscredit/ledger/credit"
	"github.com/nimbuscredit/ledger/id"
)

type balanceModel struct {
	grove.BaseModel `grove:"table:credit_balances"`

	UserID   string  `grove:"user_id,pk"`
	Key      string  `grove:"key,pk"`
	Balance  int64   `grove:"balance"`
	Currency *string `grove:"currency"`
	Seq      int64   `grove:"seq"`
}

type ledgerModel struct {
	grove.BaseModel `grove:"table:credit_ledger"`

	ID              string    `grove:"id,pk"`
	UserID          string    `grove:"user_id"`
	Key             string    `grove:"key"`
	Amount          int64     `grove:"amount"`
	BalanceAfter    int64     `grove:"balance_after"`
	TransactionType string    `grove:"transaction_type"`
	Source          string    `grove:"source"`
	SourceID        string    `grove:"source_id"`
	Description     string    `grove:"description"`
	Currency        *string   `grove:"currency"`
	IdempotencyKey  *string   `grove:"idempotency_key"`
	CreatedAt       time.Time `grove:"created_at"`
	Seq             int64     `grove:"seq"`
}

func fromLedgerModel(m *ledgerModel) credit.Entry {
	e := credit.Entry{
		UserID:       m.UserID,
		Key:          m.Key,
		Amount:       m.Amount,
		BalanceAfter: m.BalanceAfter,
		Type:         credit.TxType(m.TransactionType),
		Source:       m.Source,
		SourceID:     m.SourceID,
		Description:  m.Description,
		CreatedAt:    m.CreatedAt,
		Seq:          m.Seq,
	}
	if m.Currency != nil {
		e.Currency = *m.Currency
	}
	if m.IdempotencyKey != nil {
		e.IdempotencyKey = *m.IdempotencyKey
	}
	if parsed, err := id.ParseCreditEntryID(m.ID); err == nil {
		e.ID = parsed
	}
	return e
}
