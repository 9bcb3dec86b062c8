package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/trogers1052/equity-oracle/internal/apperr"
	"github.com/trogers1052/equity-oracle/internal/models"
)

const fundingRateColumns = `id, symbol, rate, hourly_rate, mark_price, spot_price, adjusted_spot_price,
	premium, premium_percentage, base_rate, corporate_action_adjustment, liquidity_adjustment,
	volatility_adjustment, liquidity_score, volatility, calculated_at, valid_until, tx_hash`

// CreateFundingRate appends a funding rate record
func (db *DB) CreateFundingRate(ctx context.Context, f *models.FundingRateRecord) error {
	query := `
		INSERT INTO funding_rates (
			symbol, rate, hourly_rate, mark_price, spot_price, adjusted_spot_price,
			premium, premium_percentage, base_rate, corporate_action_adjustment,
			liquidity_adjustment, volatility_adjustment, liquidity_score, volatility,
			calculated_at, valid_until, tx_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id
	`
	err := db.conn.QueryRowContext(ctx, query,
		f.Symbol, f.Rate, f.HourlyRate, f.MarkPrice, f.SpotPrice, f.AdjustedSpotPrice,
		f.Premium, f.PremiumPercentage, f.Components.BaseRate, f.Components.CorporateActionAdjustment,
		f.Components.LiquidityAdjustment, f.Components.VolatilityAdjustment, f.LiquidityScore, f.Volatility,
		f.CalculatedAt, f.ValidUntil, nullString(f.TxHash),
	).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("failed to create funding rate: %w", err)
	}
	return nil
}

// GetCurrentFundingRate retrieves the most recent record still valid at now
func (db *DB) GetCurrentFundingRate(ctx context.Context, symbol string, now time.Time) (*models.FundingRateRecord, error) {
	query := `SELECT ` + fundingRateColumns + `
		FROM funding_rates
		WHERE symbol = $1 AND valid_until > $2
		ORDER BY calculated_at DESC, id DESC
		LIMIT 1
	`
	f, err := scanFundingRate(db.conn.QueryRowContext(ctx, query, symbol, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("database.current_funding_rate", "no current funding rate for %s", symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current funding rate: %w", err)
	}
	return f, nil
}

// GetFundingRateHistory retrieves records calculated within [from, to], newest first
func (db *DB) GetFundingRateHistory(ctx context.Context, symbol string, from, to time.Time) ([]*models.FundingRateRecord, error) {
	query := `SELECT ` + fundingRateColumns + `
		FROM funding_rates
		WHERE symbol = $1 AND calculated_at >= $2 AND calculated_at <= $3
		ORDER BY calculated_at DESC, id DESC
	`
	rows, err := db.conn.QueryContext(ctx, query, symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to get funding rate history: %w", err)
	}
	defer rows.Close()

	var records []*models.FundingRateRecord
	for rows.Next() {
		f, err := scanFundingRate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan funding rate: %w", err)
		}
		records = append(records, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate funding rates: %w", err)
	}

	return records, nil
}

// SetFundingRateTxHash records the on-chain transaction that published a rate.
// A hash that is already set is left alone.
func (db *DB) SetFundingRateTxHash(ctx context.Context, id int64, txHash string) error {
	query := `UPDATE funding_rates SET tx_hash = $2 WHERE id = $1 AND tx_hash IS NULL`
	result, err := db.conn.ExecContext(ctx, query, id, txHash)
	if err != nil {
		return fmt.Errorf("failed to set funding rate tx hash: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return apperr.NotFound("database.funding_rate", "funding rate %d not found or already published", id)
	}
	return nil
}

func scanFundingRate(row rowScanner) (*models.FundingRateRecord, error) {
	var f models.FundingRateRecord
	var txHash sql.NullString

	err := row.Scan(
		&f.ID, &f.Symbol, &f.Rate, &f.HourlyRate, &f.MarkPrice, &f.SpotPrice, &f.AdjustedSpotPrice,
		&f.Premium, &f.PremiumPercentage, &f.Components.BaseRate, &f.Components.CorporateActionAdjustment,
		&f.Components.LiquidityAdjustment, &f.Components.VolatilityAdjustment, &f.LiquidityScore, &f.Volatility,
		&f.CalculatedAt, &f.ValidUntil, &txHash,
	)
	if err != nil {
		return nil, err
	}

	if txHash.Valid {
		f.TxHash = txHash.String
	}
	return &f, nil
}
