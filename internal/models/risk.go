package models

import (
	"time"
)

// RiskLevel is the severity of a risk window
type RiskLevel string

// Risk level constants, in increasing severity
const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Rank orders levels: Low=0 .. Critical=3. Unknown levels rank as Low.
func (l RiskLevel) Rank() int {
	switch l {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// Raise returns the more severe of l and other.
func (l RiskLevel) Raise(other RiskLevel) RiskLevel {
	if other.Rank() > l.Rank() {
		return other
	}
	if l == "" {
		return RiskLow
	}
	return l
}

// RiskFactorType identifies what contributed to a risk window
type RiskFactorType string

// Risk factor type constants
const (
	FactorCorporateAction RiskFactorType = "CORPORATE_ACTION"
	FactorHighVolatility  RiskFactorType = "HIGH_VOLATILITY"
	FactorLowLiquidity    RiskFactorType = "LOW_LIQUIDITY"
	FactorLargePosition   RiskFactorType = "LARGE_POSITION"
	FactorMarketEvent     RiskFactorType = "MARKET_EVENT"
)

// RiskFactor is one signal inside a risk window. StartDate/EndDate is the
// range the factor contributes to the window bounds.
type RiskFactor struct {
	ID            int64                  `json:"id,omitempty"`
	Type          RiskFactorType         `json:"type"`
	Level         RiskLevel              `json:"level"`
	Description   string                 `json:"description"`
	Impact        float64                `json:"impact"`
	EffectiveDate time.Time              `json:"effective_date"`
	StartDate     time.Time              `json:"start_date"`
	EndDate       time.Time              `json:"end_date"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// RiskWindow is a time range during which elevated leverage is discouraged
type RiskWindow struct {
	ID        int64        `json:"id"`
	Symbol    string       `json:"symbol"`
	Level     RiskLevel    `json:"level"`
	StartDate time.Time    `json:"start_date"`
	EndDate   time.Time    `json:"end_date"`
	Factors   []RiskFactor `json:"factors"`
	CreatedAt time.Time    `json:"created_at"`
}

// IsActive reports whether at falls inside the window.
func (w *RiskWindow) IsActive(at time.Time) bool {
	return !at.Before(w.StartDate) && !at.After(w.EndDate)
}

// TotalImpact sums the impact of all factors.
func (w *RiskWindow) TotalImpact() float64 {
	var total float64
	for _, f := range w.Factors {
		total += f.Impact
	}
	return total
}

// RecommendationAction is the leverage change a recommendation asks for
type RecommendationAction string

// Recommendation action constants
const (
	ActionDeleverage        RecommendationAction = "DELEVERAGE"
	ActionGradualDeleverage RecommendationAction = "GRADUAL_DELEVERAGE"
	ActionReturnToBaseline  RecommendationAction = "RETURN_TO_BASELINE"
)

// Priority constants
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// RiskRecommendation is a leverage change suggested by the risk engine.
// Only the acknowledgement fields change after creation.
type RiskRecommendation struct {
	ID               int64                `json:"id"`
	Symbol           string               `json:"symbol"`
	PositionID       string               `json:"position_id,omitempty"`
	Action           RecommendationAction `json:"action"`
	CurrentLeverage  float64              `json:"current_leverage"`
	TargetLeverage   float64              `json:"target_leverage"`
	ChangePercentage float64              `json:"change_percentage"`
	Reason           string               `json:"reason"`
	Priority         string               `json:"priority"`
	RecommendedAt    time.Time            `json:"recommended_at"`
	ValidUntil       *time.Time           `json:"valid_until,omitempty"`
	Acknowledged     bool                 `json:"acknowledged"`
	AcknowledgedAt   *time.Time           `json:"acknowledged_at,omitempty"`
	AcknowledgedBy   string               `json:"acknowledged_by,omitempty"`
}

// IsOpen reports whether the recommendation is still valid at now.
func (r *RiskRecommendation) IsOpen(now time.Time) bool {
	return r.ValidUntil == nil || r.ValidUntil.After(now)
}

// Position is the leverage exposure assessed by the risk engine
type Position struct {
	ID       string  `json:"id"`
	Symbol   string  `json:"symbol"`
	Leverage float64 `json:"leverage"`
}

// RiskAssessment is the result of assessing a symbol, optionally for a position
type RiskAssessment struct {
	Symbol              string      `json:"symbol"`
	PositionID          string      `json:"position_id,omitempty"`
	Level               RiskLevel   `json:"level"`
	RiskScore           float64     `json:"risk_score"`
	CurrentLeverage     float64     `json:"current_leverage"`
	RecommendedLeverage float64     `json:"recommended_leverage"`
	BaselineLeverage    float64     `json:"baseline_leverage"`
	Window              *RiskWindow `json:"window"`
	DaysUntilWindow     int         `json:"days_until_window"`
	DaysUntilEvent      int         `json:"days_until_event"`
	AssessedAt          time.Time   `json:"assessed_at"`
}

// RecommendationFilter selects recommendations for paginated reads
type RecommendationFilter struct {
	Symbol         string
	Unacknowledged bool
	Page           int
	PageSize       int
}

// RecommendationPage is one page of recommendations
type RecommendationPage struct {
	Items    []*RiskRecommendation `json:"items"`
	Total    int                   `json:"total"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
}
