package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the credit ledger store.
var Migrations = migrate.NewGroup("ledger_credit")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_credit_balances",
			Version: "20240601000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credit_balances (
    user_id   TEXT NOT NULL,
    key       TEXT NOT NULL,
    balance   BIGINT NOT NULL DEFAULT 0,
    currency  TEXT,
    seq       BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (user_id, key)
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS credit_balances`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_credit_ledger",
			Version: "20240601000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credit_ledger (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL,
    key              TEXT NOT NULL,
    amount           BIGINT NOT NULL,
    balance_after    BIGINT NOT NULL,
    transaction_type TEXT NOT NULL,
    source           TEXT NOT NULL DEFAULT '',
    source_id        TEXT NOT NULL DEFAULT '',
    description      TEXT NOT NULL DEFAULT '',
    currency         TEXT,
    idempotency_key  TEXT,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    seq              BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_credit_ledger_user_key ON credit_ledger (user_id, key, created_at DESC, seq DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_ledger_idempotency ON credit_ledger (idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_credit_ledger_source ON credit_ledger (user_id, key, source, created_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS credit_ledger`)
				return err
			},
		},
	)
}
