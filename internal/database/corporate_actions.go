package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/trogers1052/equity-oracle/internal/apperr"
	"github.com/trogers1052/equity-oracle/internal/models"
)

const corporateActionColumns = `id, symbol, action_type, ex_date, record_date, effective_date,
	split_ratio, dividend_amount, currency, acquiring_symbol, exchange_ratio,
	verified, source, reported_by, is_deleted, created_at, updated_at`

// UpsertCorporateAction inserts an action or widens the stored row sharing its
// (symbol, type, effective day) key. Populated fields are never overwritten;
// the reporter set is unioned and verification only ever turns on.
func (db *DB) UpsertCorporateAction(ctx context.Context, a *models.CorporateAction) error {
	raw := models.RawFromAction(a)
	reportedBy := a.ReportedBy
	if len(reportedBy) == 0 && a.Source != "" {
		reportedBy = []string{a.Source}
	}

	query := `
		INSERT INTO corporate_actions (
			symbol, action_type, ex_date, record_date, effective_date, effective_day,
			split_ratio, dividend_amount, currency, acquiring_symbol, exchange_ratio,
			verified, source, reported_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		ON CONFLICT (symbol, action_type, effective_day) DO UPDATE SET
			record_date = COALESCE(corporate_actions.record_date, EXCLUDED.record_date),
			split_ratio = COALESCE(corporate_actions.split_ratio, EXCLUDED.split_ratio),
			dividend_amount = COALESCE(corporate_actions.dividend_amount, EXCLUDED.dividend_amount),
			currency = COALESCE(corporate_actions.currency, EXCLUDED.currency),
			acquiring_symbol = COALESCE(corporate_actions.acquiring_symbol, EXCLUDED.acquiring_symbol),
			exchange_ratio = COALESCE(corporate_actions.exchange_ratio, EXCLUDED.exchange_ratio),
			reported_by = ARRAY(
				SELECT DISTINCT unnest(corporate_actions.reported_by || EXCLUDED.reported_by) ORDER BY 1
			),
			verified = corporate_actions.verified OR EXCLUDED.verified OR cardinality(ARRAY(
				SELECT DISTINCT unnest(corporate_actions.reported_by || EXCLUDED.reported_by)
			)) >= 2,
			updated_at = EXCLUDED.updated_at
		RETURNING id, verified, reported_by, is_deleted, created_at
	`
	now := time.Now().UTC()
	var stored pq.StringArray
	err := db.conn.QueryRowContext(ctx, query,
		a.Symbol, string(a.Type), a.ExDate, nullTime(a.RecordDate), a.EffectiveDate, models.DayOf(a.EffectiveDate),
		nullDecimal(raw.SplitRatio), nullDecimal(raw.DividendAmount), nullString(raw.Currency),
		nullString(raw.AcquiringSymbol), nullDecimal(raw.ExchangeRatio),
		a.Verified, a.Source, pq.Array(reportedBy), now,
	).Scan(&a.ID, &a.Verified, &stored, &a.Deleted, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert corporate action: %w", err)
	}

	a.ReportedBy = []string(stored)
	a.UpdatedAt = now
	return nil
}

// GetCorporateActionByID retrieves a corporate action, including soft-deleted ones
func (db *DB) GetCorporateActionByID(ctx context.Context, id int64) (*models.CorporateAction, error) {
	query := `SELECT ` + corporateActionColumns + ` FROM corporate_actions WHERE id = $1`
	a, err := scanCorporateAction(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("database.corporate_action", "corporate action not found: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get corporate action: %w", err)
	}
	return a, nil
}

// GetCorporateActionsSince retrieves live actions with effective date on or after since
func (db *DB) GetCorporateActionsSince(ctx context.Context, symbol string, since time.Time) ([]*models.CorporateAction, error) {
	query := `SELECT ` + corporateActionColumns + `
		FROM corporate_actions
		WHERE symbol = $1 AND effective_date >= $2 AND is_deleted = false
		ORDER BY effective_date ASC, id ASC
	`
	return db.queryCorporateActions(ctx, query, symbol, since)
}

// GetCorporateActionsUntil retrieves live actions effective on or before until, oldest first
func (db *DB) GetCorporateActionsUntil(ctx context.Context, symbol string, until time.Time) ([]*models.CorporateAction, error) {
	query := `SELECT ` + corporateActionColumns + `
		FROM corporate_actions
		WHERE symbol = $1 AND effective_date <= $2 AND is_deleted = false
		ORDER BY effective_date ASC, id ASC
	`
	return db.queryCorporateActions(ctx, query, symbol, until)
}

// GetUpcomingCorporateActions retrieves live actions whose ex or effective date falls in [from, to]
func (db *DB) GetUpcomingCorporateActions(ctx context.Context, symbol string, from, to time.Time) ([]*models.CorporateAction, error) {
	query := `SELECT ` + corporateActionColumns + `
		FROM corporate_actions
		WHERE symbol = $1 AND is_deleted = false
		  AND ((effective_date >= $2 AND effective_date <= $3) OR (ex_date >= $2 AND ex_date <= $3))
		ORDER BY effective_date ASC, id ASC
	`
	return db.queryCorporateActions(ctx, query, symbol, from, to)
}

// SoftDeleteCorporateAction flags an action as deleted. Rows are never removed.
func (db *DB) SoftDeleteCorporateAction(ctx context.Context, id int64) error {
	query := `UPDATE corporate_actions SET is_deleted = true, updated_at = $2 WHERE id = $1`
	result, err := db.conn.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to delete corporate action: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return apperr.NotFound("database.corporate_action", "corporate action not found: %d", id)
	}
	return nil
}

func (db *DB) queryCorporateActions(ctx context.Context, query string, args ...interface{}) ([]*models.CorporateAction, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query corporate actions: %w", err)
	}
	defer rows.Close()

	var actions []*models.CorporateAction
	for rows.Next() {
		a, err := scanCorporateAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan corporate action: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate corporate actions: %w", err)
	}

	return actions, nil
}

func scanCorporateAction(row rowScanner) (*models.CorporateAction, error) {
	var raw models.RawCorporateAction
	var actionType string
	var recordDate sql.NullTime
	var splitRatio, dividendAmount, exchangeRatio decimal.NullDecimal
	var currency, acquiringSymbol sql.NullString
	var reportedBy pq.StringArray
	var deleted bool
	var createdAt, updatedAt time.Time

	err := row.Scan(
		&raw.ID, &raw.Symbol, &actionType, &raw.ExDate, &recordDate, &raw.EffectiveDate,
		&splitRatio, &dividendAmount, &currency, &acquiringSymbol, &exchangeRatio,
		&raw.Verified, &raw.Source, &reportedBy, &deleted, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	raw.Type = models.ActionType(actionType)
	raw.ReportedBy = []string(reportedBy)
	if recordDate.Valid {
		raw.RecordDate = recordDate.Time
	}
	if splitRatio.Valid {
		raw.SplitRatio = &splitRatio.Decimal
	}
	if dividendAmount.Valid {
		raw.DividendAmount = &dividendAmount.Decimal
	}
	if exchangeRatio.Valid {
		raw.ExchangeRatio = &exchangeRatio.Decimal
	}
	if currency.Valid {
		raw.Currency = currency.String
	}
	if acquiringSymbol.Valid {
		raw.AcquiringSymbol = acquiringSymbol.String
	}

	a, err := raw.Build()
	if err != nil {
		return nil, fmt.Errorf("stored corporate action %d is invalid: %w", raw.ID, err)
	}
	a.Deleted = deleted
	a.CreatedAt = createdAt
	a.UpdatedAt = updatedAt
	return a, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
