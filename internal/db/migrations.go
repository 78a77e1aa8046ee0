package db

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS vehicle_sessions (
		id                  BIGSERIAL PRIMARY KEY,
		lot_code            TEXT NOT NULL,
		plate_key           TEXT NOT NULL,
		status              TEXT NOT NULL CHECK (status IN ('entered', 'exited', 'exit_only')),
		entry_plate         TEXT,
		entry_time          TIMESTAMPTZ,
		entry_event_ts      TEXT,
		entry_snapshot      TEXT,
		entry_meta          JSONB,
		exit_plate          TEXT,
		exit_time           TIMESTAMPTZ,
		exit_event_ts       TEXT,
		exit_snapshot       TEXT,
		exit_meta           JSONB,
		dwell_seconds       BIGINT,
		billed_minutes      BIGINT,
		fee_cents           BIGINT,
		payment_status      TEXT NOT NULL DEFAULT 'unset' CHECK (payment_status IN ('unset', 'pending', 'paid')),
		payment_url         TEXT,
		gateway_payment_id  TEXT,
		paid_at             TIMESTAMPTZ,
		payment_device_id   TEXT,
		display_device_id   TEXT,
		gate_id             TEXT,
		gate_channel        INT NOT NULL DEFAULT 0,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	// At most one entered and one exit_only session per lot and plate.
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_vehicle_sessions_open
		ON vehicle_sessions(lot_code, plate_key, status)
		WHERE status IN ('entered', 'exit_only');`,
	`CREATE INDEX IF NOT EXISTS idx_vehicle_sessions_lot_plate ON vehicle_sessions(lot_code, plate_key);`,
	`CREATE INDEX IF NOT EXISTS idx_vehicle_sessions_exit_time ON vehicle_sessions(lot_code, exit_time DESC) WHERE status = 'exited';`,
	`CREATE TABLE IF NOT EXISTS payment_intents (
		id                  BIGSERIAL PRIMARY KEY,
		session_id          BIGINT REFERENCES vehicle_sessions(id),
		channel             TEXT NOT NULL,
		status              TEXT NOT NULL,
		amount_cents        BIGINT NOT NULL DEFAULT 0,
		currency            TEXT,
		gateway_payment_id  TEXT,
		order_id            TEXT,
		checkout_id         TEXT,
		reference_id        TEXT,
		payment_link_id     TEXT,
		payment_url         TEXT,
		device_id           TEXT,
		location_id         TEXT,
		receipt_url         TEXT,
		source_type         TEXT,
		entry_method        TEXT,
		raw_snapshot        JSONB,
		version             BIGINT NOT NULL DEFAULT 1,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_payment_intents_gateway_payment_id ON payment_intents(gateway_payment_id) WHERE gateway_payment_id IS NOT NULL;`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_payment_intents_checkout_id ON payment_intents(checkout_id) WHERE checkout_id IS NOT NULL;`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_payment_intents_order_id ON payment_intents(order_id) WHERE order_id IS NOT NULL;`,
	`CREATE INDEX IF NOT EXISTS idx_payment_intents_session_id ON payment_intents(session_id);`,
}

// sqliteTypes maps the postgres-only parts of the schema onto sqlite so tests
// run the same statements.
var sqliteTypes = strings.NewReplacer(
	"BIGSERIAL PRIMARY KEY", "INTEGER PRIMARY KEY AUTOINCREMENT",
	"TIMESTAMPTZ", "DATETIME",
	"JSONB", "JSON",
	"now()", "CURRENT_TIMESTAMP",
)

// Migrate applies the schema. Statements are idempotent.
func Migrate(db *gorm.DB) error {
	sqlite := db.Dialector.Name() == "sqlite"
	for i, stmt := range migrationStatements {
		if sqlite {
			stmt = sqliteTypes.Replace(stmt)
		}
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
