package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations creates only the user_map table: customers, subscriptions,
// and prices are owned and migrated by the external Stripe replication
// engine this store reads from, not by the ledger core.
var Migrations = migrate.NewGroup("ledger_replica")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_user_map",
			Version: "20240601000010",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS user_map (
    user_id     TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_user_map_customer ON user_map (customer_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS user_map`)
				return err
			},
		},
	)
}
