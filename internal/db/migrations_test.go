package db_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parking-service/internal/db"
	"parking-service/internal/db/dbtest"
)

func TestMigrateBuildsSchemaAndIsIdempotent(t *testing.T) {
	gdb := dbtest.Open(t)
	require.NoError(t, db.Migrate(gdb))

	var indexes []string
	require.NoError(t, gdb.Raw(
		`SELECT name FROM sqlite_master WHERE type = 'index' AND name NOT LIKE 'sqlite_%' ORDER BY name`,
	).Scan(&indexes).Error)
	assert.Equal(t, []string{
		"idx_payment_intents_session_id",
		"idx_vehicle_sessions_exit_time",
		"idx_vehicle_sessions_lot_plate",
		"ux_payment_intents_checkout_id",
		"ux_payment_intents_gateway_payment_id",
		"ux_payment_intents_order_id",
		"ux_vehicle_sessions_open",
	}, indexes)
}

func TestOpenSessionIndexIsPartial(t *testing.T) {
	gdb := dbtest.Open(t)

	insert := `INSERT INTO vehicle_sessions (lot_code, plate_key, status) VALUES (?, ?, ?)`
	require.NoError(t, gdb.Exec(insert, "0001", "ABC123", "entered").Error)
	assert.Error(t, gdb.Exec(insert, "0001", "ABC123", "entered").Error)

	require.NoError(t, gdb.Exec(insert, "0001", "ABC123", "exited").Error)
	require.NoError(t, gdb.Exec(insert, "0001", "ABC123", "exited").Error)

	var id int64
	require.NoError(t, gdb.Raw(`SELECT MAX(id) FROM vehicle_sessions`).Scan(&id).Error)
	assert.Equal(t, int64(3), id)
}
