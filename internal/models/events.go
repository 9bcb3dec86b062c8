package models

import "time"

// Event type constants
const (
	EventFundingRateCalculated    = "FUNDING_RATE_CALCULATED"
	EventRecommendationIssued     = "RISK_RECOMMENDATION_ISSUED"
	EventCorporateActionAnnounced = "CORPORATE_ACTION_ANNOUNCED"
)

// EventSchemaVersion is stamped on every published event
const EventSchemaVersion = "1.0"

// FundingRateEvent is published after a funding rate is persisted
type FundingRateEvent struct {
	EventID       string             `json:"event_id"`
	EventType     string             `json:"event_type"`
	Source        string             `json:"source"`
	SchemaVersion string             `json:"schema_version"`
	Symbol        string             `json:"symbol"`
	Timestamp     time.Time          `json:"timestamp"`
	Data          *FundingRateRecord `json:"data"`
}

// RecommendationEvent is published for each new risk recommendation
type RecommendationEvent struct {
	EventID       string              `json:"event_id"`
	EventType     string              `json:"event_type"`
	Source        string              `json:"source"`
	SchemaVersion string              `json:"schema_version"`
	Symbol        string              `json:"symbol"`
	Timestamp     time.Time           `json:"timestamp"`
	Data          *RiskRecommendation `json:"data"`
}

// CorporateActionEvent is consumed from the corporate-action announcement feed
type CorporateActionEvent struct {
	EventID       string               `json:"event_id"`
	EventType     string               `json:"event_type"`
	Source        string               `json:"source"`
	SchemaVersion string               `json:"schema_version"`
	Timestamp     time.Time            `json:"timestamp"`
	Data          []RawCorporateAction `json:"data"`
}
