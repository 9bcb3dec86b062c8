package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	testDB := SetupTestDB(t)
	defer testDB.Cleanup(t)

	t.Run("all tables exist", func(t *testing.T) {
		expectedTables := []string{
			"price_snapshots",
			"corporate_actions",
			"funding_rates",
			"risk_windows",
			"risk_factors",
			"risk_recommendations",
		}

		for _, tableName := range expectedTables {
			var exists bool
			err := testDB.GetRawConn().QueryRow(`
				SELECT EXISTS (
					SELECT FROM information_schema.tables
					WHERE table_schema = 'public'
					AND table_name = $1
				)
			`, tableName).Scan(&exists)

			require.NoError(t, err, "failed to check table existence for %s", tableName)
			assert.True(t, exists, "table %s should exist", tableName)
		}
	})

	t.Run("corporate_actions table has correct columns", func(t *testing.T) {
		expectedColumns := map[string]string{
			"id":               "bigint",
			"symbol":           "character varying",
			"action_type":      "character varying",
			"ex_date":          "timestamp with time zone",
			"effective_date":   "timestamp with time zone",
			"effective_day":    "date",
			"split_ratio":      "numeric",
			"dividend_amount":  "numeric",
			"exchange_ratio":   "numeric",
			"verified":         "boolean",
			"reported_by":      "ARRAY",
			"is_deleted":       "boolean",
			"acquiring_symbol": "character varying",
		}

		for colName, expectedType := range expectedColumns {
			var actualType string
			err := testDB.GetRawConn().QueryRow(`
				SELECT data_type
				FROM information_schema.columns
				WHERE table_name = 'corporate_actions' AND column_name = $1
			`, colName).Scan(&actualType)

			require.NoError(t, err, "column %s should exist in corporate_actions table", colName)
			assert.Equal(t, expectedType, actualType, "column %s should have type %s", colName, expectedType)
		}
	})

	t.Run("price_snapshots sources is jsonb", func(t *testing.T) {
		var actualType string
		err := testDB.GetRawConn().QueryRow(`
			SELECT data_type
			FROM information_schema.columns
			WHERE table_name = 'price_snapshots' AND column_name = 'sources'
		`).Scan(&actualType)
		require.NoError(t, err)
		assert.Equal(t, "jsonb", actualType)
	})

	t.Run("indexes exist", func(t *testing.T) {
		expectedIndexes := []struct {
			table string
			index string
		}{
			{"price_snapshots", "idx_price_snapshots_symbol_date"},
			{"corporate_actions", "idx_corporate_actions_symbol_effective"},
			{"funding_rates", "idx_funding_rates_symbol_calculated"},
			{"risk_windows", "idx_risk_windows_symbol_end"},
			{"risk_factors", "idx_risk_factors_window"},
			{"risk_recommendations", "idx_risk_recommendations_symbol_action"},
		}

		for _, idx := range expectedIndexes {
			var exists bool
			err := testDB.GetRawConn().QueryRow(`
				SELECT EXISTS (
					SELECT FROM pg_indexes
					WHERE tablename = $1 AND indexname = $2
				)
			`, idx.table, idx.index).Scan(&exists)

			require.NoError(t, err)
			assert.True(t, exists, "index %s should exist on table %s", idx.index, idx.table)
		}
	})

	t.Run("corporate action key is unique", func(t *testing.T) {
		var exists bool
		err := testDB.GetRawConn().QueryRow(`
			SELECT EXISTS (
				SELECT FROM pg_constraint c
				JOIN pg_class t ON c.conrelid = t.oid
				WHERE t.relname = 'corporate_actions'
				AND c.contype = 'u'
				AND c.conname = 'uq_corporate_actions_key'
			)
		`).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "corporate_actions should be unique on (symbol, action_type, effective_day)")
	})

	t.Run("risk_factors references risk_windows", func(t *testing.T) {
		var exists bool
		err := testDB.GetRawConn().QueryRow(`
			SELECT EXISTS (
				SELECT FROM pg_constraint c
				JOIN pg_class t ON c.conrelid = t.oid
				WHERE t.relname = 'risk_factors'
				AND c.contype = 'f'
			)
		`).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "risk_factors should have foreign key to risk_windows")
	})
}
