package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/trogers1052/equity-oracle/internal/apperr"
	"github.com/trogers1052/equity-oracle/internal/models"
)

const snapshotColumns = `id, symbol, raw_price, adjusted_price, confidence, price_date, sources, created_at, updated_at`

// CreatePriceSnapshot appends a consensus snapshot. Snapshots are never updated.
func (db *DB) CreatePriceSnapshot(ctx context.Context, s *models.EquityPriceSnapshot) error {
	sources, err := json.Marshal(s.Sources)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot sources: %w", err)
	}

	query := `
		INSERT INTO price_snapshots (symbol, raw_price, adjusted_price, confidence, price_date, sources, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING id
	`
	now := time.Now().UTC()
	err = db.conn.QueryRowContext(ctx, query,
		s.Symbol, s.RawPrice, s.AdjustedPrice, s.Confidence, s.PriceDate, sources, now,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("failed to create price snapshot: %w", err)
	}

	s.CreatedAt = now
	s.UpdatedAt = now
	return nil
}

// GetLatestPriceSnapshot retrieves the most recent snapshot for a symbol
func (db *DB) GetLatestPriceSnapshot(ctx context.Context, symbol string) (*models.EquityPriceSnapshot, error) {
	query := `SELECT ` + snapshotColumns + `
		FROM price_snapshots
		WHERE symbol = $1
		ORDER BY price_date DESC, id DESC
		LIMIT 1
	`
	s, err := scanSnapshot(db.conn.QueryRowContext(ctx, query, symbol))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("database.latest_snapshot", "no price snapshot found for %s", symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest price snapshot: %w", err)
	}
	return s, nil
}

// GetPriceSnapshotForDate retrieves the latest snapshot taken on the UTC day of date
func (db *DB) GetPriceSnapshotForDate(ctx context.Context, symbol string, date time.Time) (*models.EquityPriceSnapshot, error) {
	day := models.DayOf(date)
	query := `SELECT ` + snapshotColumns + `
		FROM price_snapshots
		WHERE symbol = $1 AND price_date >= $2 AND price_date < $3
		ORDER BY price_date DESC, id DESC
		LIMIT 1
	`
	s, err := scanSnapshot(db.conn.QueryRowContext(ctx, query, symbol, day, day.AddDate(0, 0, 1)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("database.snapshot_for_date", "no price snapshot for %s on %s", symbol, day.Format("2006-01-02"))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get price snapshot: %w", err)
	}
	return s, nil
}

// GetPriceSnapshotsRange retrieves snapshots within [from, to], oldest first
func (db *DB) GetPriceSnapshotsRange(ctx context.Context, symbol string, from, to time.Time) ([]*models.EquityPriceSnapshot, error) {
	query := `SELECT ` + snapshotColumns + `
		FROM price_snapshots
		WHERE symbol = $1 AND price_date >= $2 AND price_date <= $3
		ORDER BY price_date ASC, id ASC
	`
	rows, err := db.conn.QueryContext(ctx, query, symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to get price snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*models.EquityPriceSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan price snapshot: %w", err)
		}
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate price snapshots: %w", err)
	}

	return snapshots, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (*models.EquityPriceSnapshot, error) {
	var s models.EquityPriceSnapshot
	var sources []byte

	err := row.Scan(&s.ID, &s.Symbol, &s.RawPrice, &s.AdjustedPrice, &s.Confidence,
		&s.PriceDate, &sources, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &s.Sources); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot sources: %w", err)
		}
	}
	return &s, nil
}
