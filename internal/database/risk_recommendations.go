package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/trogers1052/equity-oracle/internal/apperr"
	"github.com/trogers1052/equity-oracle/internal/models"
)

const recommendationColumns = `id, symbol, position_id, action, current_leverage, target_leverage,
	change_percentage, reason, priority, recommended_at, valid_until,
	acknowledged, acknowledged_at, acknowledged_by`

// CreateRiskRecommendation stores a new recommendation
func (db *DB) CreateRiskRecommendation(ctx context.Context, r *models.RiskRecommendation) error {
	query := `
		INSERT INTO risk_recommendations (
			symbol, position_id, action, current_leverage, target_leverage,
			change_percentage, reason, priority, recommended_at, valid_until
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`
	err := db.conn.QueryRowContext(ctx, query,
		r.Symbol, nullString(r.PositionID), string(r.Action), r.CurrentLeverage, r.TargetLeverage,
		r.ChangePercentage, r.Reason, r.Priority, r.RecommendedAt, nullTimePtr(r.ValidUntil),
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("failed to create risk recommendation: %w", err)
	}
	return nil
}

// HasOpenRecommendation reports whether a recommendation with the same symbol,
// action and position was issued at or after since and is still valid at now,
// acknowledged or not.
func (db *DB) HasOpenRecommendation(ctx context.Context, symbol string, action models.RecommendationAction, positionID string, since, now time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM risk_recommendations
			WHERE symbol = $1 AND action = $2
			  AND COALESCE(position_id, '') = $3
			  AND recommended_at >= $4
			  AND (valid_until IS NULL OR valid_until > $5)
		)
	`
	var exists bool
	if err := db.conn.QueryRowContext(ctx, query, symbol, string(action), positionID, since, now).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check open recommendation: %w", err)
	}
	return exists, nil
}

// GetRiskRecommendation retrieves a recommendation by ID
func (db *DB) GetRiskRecommendation(ctx context.Context, id int64) (*models.RiskRecommendation, error) {
	query := `SELECT ` + recommendationColumns + ` FROM risk_recommendations WHERE id = $1`
	r, err := scanRecommendation(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("database.risk_recommendation", "risk recommendation not found: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk recommendation: %w", err)
	}
	return r, nil
}

// ListRiskRecommendations returns one page of recommendations, newest first
func (db *DB) ListRiskRecommendations(ctx context.Context, filter models.RecommendationFilter) (*models.RecommendationPage, error) {
	var conditions []string
	var args []interface{}
	if filter.Symbol != "" {
		args = append(args, filter.Symbol)
		conditions = append(conditions, fmt.Sprintf("symbol = $%d", len(args)))
	}
	if filter.Unacknowledged {
		conditions = append(conditions, "acknowledged = false")
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM risk_recommendations `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count risk recommendations: %w", err)
	}

	offset := (filter.Page - 1) * filter.PageSize
	pageArgs := append(append([]interface{}{}, args...), filter.PageSize, offset)
	query := fmt.Sprintf(`SELECT %s FROM risk_recommendations %s
		ORDER BY recommended_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, recommendationColumns, where, len(args)+1, len(args)+2)

	rows, err := db.conn.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk recommendations: %w", err)
	}
	defer rows.Close()

	items := []*models.RiskRecommendation{}
	for rows.Next() {
		r, err := scanRecommendation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan risk recommendation: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate risk recommendations: %w", err)
	}

	return &models.RecommendationPage{Items: items, Total: total, Page: filter.Page, PageSize: filter.PageSize}, nil
}

// AcknowledgeRiskRecommendation marks a recommendation acknowledged. Acknowledging
// twice keeps the first acknowledgement.
func (db *DB) AcknowledgeRiskRecommendation(ctx context.Context, id int64, by string, at time.Time) (*models.RiskRecommendation, error) {
	query := `
		UPDATE risk_recommendations
		SET acknowledged = true,
		    acknowledged_at = COALESCE(acknowledged_at, $2),
		    acknowledged_by = COALESCE(acknowledged_by, $3)
		WHERE id = $1
		RETURNING ` + recommendationColumns
	r, err := scanRecommendation(db.conn.QueryRowContext(ctx, query, id, at, nullString(by)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("database.risk_recommendation", "risk recommendation not found: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge risk recommendation: %w", err)
	}
	return r, nil
}

func scanRecommendation(row rowScanner) (*models.RiskRecommendation, error) {
	var r models.RiskRecommendation
	var positionID, acknowledgedBy sql.NullString
	var validUntil, acknowledgedAt sql.NullTime
	var action string

	err := row.Scan(
		&r.ID, &r.Symbol, &positionID, &action, &r.CurrentLeverage, &r.TargetLeverage,
		&r.ChangePercentage, &r.Reason, &r.Priority, &r.RecommendedAt, &validUntil,
		&r.Acknowledged, &acknowledgedAt, &acknowledgedBy,
	)
	if err != nil {
		return nil, err
	}

	r.Action = models.RecommendationAction(action)
	if positionID.Valid {
		r.PositionID = positionID.String
	}
	if validUntil.Valid {
		r.ValidUntil = &validUntil.Time
	}
	if acknowledgedAt.Valid {
		r.AcknowledgedAt = &acknowledgedAt.Time
	}
	if acknowledgedBy.Valid {
		r.AcknowledgedBy = acknowledgedBy.String
	}
	return &r, nil
}
