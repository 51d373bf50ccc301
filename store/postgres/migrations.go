package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Redeem store.
var Migrations = migrate.NewGroup("redeem")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_redeem_instruments",
			Version: "20250101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS redeem_instruments (
    id                   TEXT PRIMARY KEY,
    code                 TEXT NOT NULL DEFAULT '',
    name                 TEXT NOT NULL DEFAULT '',
    currency             TEXT NOT NULL DEFAULT '',
    initial_value_cents  BIGINT NOT NULL DEFAULT 0,
    status               TEXT NOT NULL DEFAULT 'pending',
    reloadable           BOOLEAN NOT NULL DEFAULT FALSE,
    activation_date      TIMESTAMPTZ,
    expiration_date      TIMESTAMPTZ,
    balance_cents        BIGINT NOT NULL DEFAULT 0,
    last_seq             BIGINT NOT NULL DEFAULT 0,
    total_redeemed_cents BIGINT NOT NULL DEFAULT 0,
    client_id            TEXT NOT NULL DEFAULT '',
    metadata             JSONB NOT NULL DEFAULT '{}',
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_redeem_instruments_code ON redeem_instruments (UPPER(code));
CREATE INDEX IF NOT EXISTS idx_redeem_instruments_status ON redeem_instruments (status);
CREATE INDEX IF NOT EXISTS idx_redeem_instruments_client ON redeem_instruments (client_id);
CREATE INDEX IF NOT EXISTS idx_redeem_instruments_expiry ON redeem_instruments (expiration_date) WHERE expiration_date IS NOT NULL;
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS redeem_instruments`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_redeem_ledger_entries",
			Version: "20250101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS redeem_ledger_entries (
    id                     TEXT PRIMARY KEY,
    instrument_id          TEXT NOT NULL,
    seq                    BIGINT NOT NULL,
    kind                   TEXT NOT NULL DEFAULT '',
    currency               TEXT NOT NULL DEFAULT '',
    amount_cents           BIGINT NOT NULL DEFAULT 0,
    balance_before_cents   BIGINT NOT NULL DEFAULT 0,
    balance_after_cents    BIGINT NOT NULL DEFAULT 0,
    timestamp              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    related_transaction_id TEXT NOT NULL DEFAULT '',
    appointment_id         TEXT NOT NULL DEFAULT '',
    created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_redeem_entries_instrument_seq ON redeem_ledger_entries (instrument_id, seq);
CREATE INDEX IF NOT EXISTS idx_redeem_entries_timestamp ON redeem_ledger_entries (timestamp);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS redeem_ledger_entries`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_redeem_promotions",
			Version: "20250101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS redeem_promotions (
    id                     TEXT PRIMARY KEY,
    code                   TEXT NOT NULL DEFAULT '',
    name                   TEXT NOT NULL DEFAULT '',
    active                 BOOLEAN NOT NULL DEFAULT FALSE,
    valid_from             TIMESTAMPTZ,
    valid_until            TIMESTAMPTZ,
    discount_type          TEXT NOT NULL DEFAULT '',
    percentage             BIGINT NOT NULL DEFAULT 0,
    currency               TEXT NOT NULL DEFAULT '',
    amount_cents           BIGINT NOT NULL DEFAULT 0,
    minimum_purchase_cents BIGINT NOT NULL DEFAULT 0,
    maximum_discount_cents BIGINT,
    usage_limit_total      BIGINT NOT NULL DEFAULT 0,
    usage_limit_per_client BIGINT NOT NULL DEFAULT 0,
    applicable_service_ids JSONB NOT NULL DEFAULT '[]',
    audience               TEXT NOT NULL DEFAULT 'all',
    times_used             BIGINT NOT NULL DEFAULT 0,
    metadata               JSONB NOT NULL DEFAULT '{}',
    created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_redeem_promotions_code ON redeem_promotions (UPPER(code));
CREATE INDEX IF NOT EXISTS idx_redeem_promotions_active ON redeem_promotions (active, valid_from, valid_until);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS redeem_promotions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_redeem_promotion_usage",
			Version: "20250101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS redeem_promotion_usage (
    id             TEXT PRIMARY KEY,
    rule_id        TEXT NOT NULL,
    client_id      TEXT NOT NULL DEFAULT '',
    currency       TEXT NOT NULL DEFAULT '',
    discount_cents BIGINT NOT NULL DEFAULT 0,
    original_cents BIGINT NOT NULL DEFAULT 0,
    final_cents    BIGINT NOT NULL DEFAULT 0,
    timestamp      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    appointment_id TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_redeem_usage_rule ON redeem_promotion_usage (rule_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_redeem_usage_rule_client ON redeem_promotion_usage (rule_id, client_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS redeem_promotion_usage`)
				return err
			},
		},
	)
}
