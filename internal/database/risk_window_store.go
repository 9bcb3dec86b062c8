package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/trogers1052/equity-oracle/internal/apperr"
	"github.com/trogers1052/equity-oracle/internal/models"
)

// CreateRiskWindow stores a window and its factors in one transaction
func (db *DB) CreateRiskWindow(ctx context.Context, w *models.RiskWindow) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO risk_windows (symbol, level, start_date, end_date, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, w.Symbol, string(w.Level), w.StartDate, w.EndDate, w.CreatedAt).Scan(&w.ID)
	if err != nil {
		return fmt.Errorf("failed to insert risk window: %w", err)
	}

	for i := range w.Factors {
		f := &w.Factors[i]
		var details sql.NullString
		if len(f.Details) > 0 {
			encoded, err := json.Marshal(f.Details)
			if err != nil {
				return fmt.Errorf("failed to marshal risk factor details: %w", err)
			}
			details = sql.NullString{String: string(encoded), Valid: true}
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO risk_factors (
				window_id, position, factor_type, level, description, impact,
				effective_date, start_date, end_date, details
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id
		`, w.ID, i, string(f.Type), string(f.Level), f.Description, f.Impact,
			f.EffectiveDate, f.StartDate, f.EndDate, details,
		).Scan(&f.ID)
		if err != nil {
			return fmt.Errorf("failed to insert risk factor: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetLatestRiskWindow retrieves the most recently created window for a symbol
func (db *DB) GetLatestRiskWindow(ctx context.Context, symbol string) (*models.RiskWindow, error) {
	windows, err := db.queryRiskWindows(ctx, `
		SELECT id, symbol, level, start_date, end_date, created_at
		FROM risk_windows
		WHERE symbol = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, symbol)
	if err != nil {
		return nil, err
	}
	if len(windows) == 0 {
		return nil, apperr.NotFound("database.latest_risk_window", "no risk window for %s", symbol)
	}
	return windows[0], nil
}

// GetActiveRiskWindows retrieves non-Low windows containing at, latest per symbol
func (db *DB) GetActiveRiskWindows(ctx context.Context, at time.Time) ([]*models.RiskWindow, error) {
	return db.queryRiskWindows(ctx, `
		SELECT DISTINCT ON (symbol) id, symbol, level, start_date, end_date, created_at
		FROM risk_windows
		WHERE start_date <= $1 AND end_date >= $1 AND level <> 'LOW'
		ORDER BY symbol, created_at DESC, id DESC
	`, at)
}

// GetRecentlyEndedRiskWindows retrieves non-Low windows whose end date is in [since, now)
func (db *DB) GetRecentlyEndedRiskWindows(ctx context.Context, symbol string, since, now time.Time) ([]*models.RiskWindow, error) {
	return db.queryRiskWindows(ctx, `
		SELECT id, symbol, level, start_date, end_date, created_at
		FROM risk_windows
		WHERE symbol = $1 AND end_date >= $2 AND end_date < $3 AND level <> 'LOW'
		ORDER BY end_date DESC, id DESC
	`, symbol, since, now)
}

func (db *DB) queryRiskWindows(ctx context.Context, query string, args ...interface{}) ([]*models.RiskWindow, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk windows: %w", err)
	}

	var windows []*models.RiskWindow
	for rows.Next() {
		var w models.RiskWindow
		var level string
		if err := rows.Scan(&w.ID, &w.Symbol, &level, &w.StartDate, &w.EndDate, &w.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan risk window: %w", err)
		}
		w.Level = models.RiskLevel(level)
		windows = append(windows, &w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate risk windows: %w", err)
	}

	for _, w := range windows {
		if w.Factors, err = db.getRiskFactors(ctx, w.ID); err != nil {
			return nil, err
		}
	}
	return windows, nil
}

func (db *DB) getRiskFactors(ctx context.Context, windowID int64) ([]models.RiskFactor, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, factor_type, level, description, impact, effective_date, start_date, end_date, details
		FROM risk_factors
		WHERE window_id = $1
		ORDER BY position ASC
	`, windowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk factors: %w", err)
	}
	defer rows.Close()

	factors := []models.RiskFactor{}
	for rows.Next() {
		var f models.RiskFactor
		var factorType, level string
		var details []byte
		err := rows.Scan(&f.ID, &factorType, &level, &f.Description, &f.Impact,
			&f.EffectiveDate, &f.StartDate, &f.EndDate, &details)
		if err != nil {
			return nil, fmt.Errorf("failed to scan risk factor: %w", err)
		}
		f.Type = models.RiskFactorType(factorType)
		f.Level = models.RiskLevel(level)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &f.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal risk factor details: %w", err)
			}
		}
		factors = append(factors, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate risk factors: %w", err)
	}
	return factors, nil
}
