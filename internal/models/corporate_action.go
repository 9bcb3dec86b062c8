package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/equity-oracle/internal/apperr"
)

// ActionType identifies the kind of corporate action
type ActionType string

// Corporate action type constants
const (
	ActionStockSplit      ActionType = "STOCK_SPLIT"
	ActionReverseSplit    ActionType = "REVERSE_SPLIT"
	ActionDividend        ActionType = "DIVIDEND"
	ActionSpecialDividend ActionType = "SPECIAL_DIVIDEND"
	ActionMerger          ActionType = "MERGER"
	ActionAcquisition     ActionType = "ACQUISITION"
)

// IsSplit reports whether the action changes share count by a ratio.
func (t ActionType) IsSplit() bool {
	return t == ActionStockSplit || t == ActionReverseSplit
}

// IsDividend reports whether the action is a cash distribution.
func (t ActionType) IsDividend() bool {
	return t == ActionDividend || t == ActionSpecialDividend
}

// IsMerger reports whether the action converts shares into another issuer's shares.
func (t ActionType) IsMerger() bool {
	return t == ActionMerger || t == ActionAcquisition
}

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	return t.IsSplit() || t.IsDividend() || t.IsMerger()
}

// ActionDetails is the type-specific payload of a corporate action. Exactly one
// of SplitDetails, DividendDetails or MergerDetails.
type ActionDetails interface {
	actionDetails()
}

// SplitDetails applies to StockSplit and ReverseSplit.
type SplitDetails struct {
	Ratio decimal.Decimal
}

// DividendDetails applies to Dividend and SpecialDividend.
type DividendDetails struct {
	Amount   decimal.Decimal
	Currency string
}

// MergerDetails applies to Merger and Acquisition.
type MergerDetails struct {
	AcquiringSymbol string
	ExchangeRatio   decimal.Decimal
}

func (SplitDetails) actionDetails()    {}
func (DividendDetails) actionDetails() {}
func (MergerDetails) actionDetails()   {}

// CorporateAction is a validated corporate action. Details always matches Type.
type CorporateAction struct {
	ID            int64         `json:"id"`
	Symbol        string        `json:"symbol"`
	Type          ActionType    `json:"type"`
	ExDate        time.Time     `json:"ex_date"`
	RecordDate    time.Time     `json:"record_date"`
	EffectiveDate time.Time     `json:"effective_date"`
	Details       ActionDetails `json:"-"`
	Verified      bool          `json:"verified"`
	Source        string        `json:"source"`
	ReportedBy    []string      `json:"reported_by"`
	Deleted       bool          `json:"deleted"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// ActionKey groups reports of the same event: symbol, type and effective day.
type ActionKey struct {
	Symbol string
	Type   ActionType
	Day    time.Time
}

// DayOf truncates t to its UTC calendar day.
func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Key returns the deduplication key of the action.
func (a *CorporateAction) Key() ActionKey {
	return ActionKey{Symbol: strings.ToUpper(a.Symbol), Type: a.Type, Day: DayOf(a.EffectiveDate)}
}

// MarshalJSON flattens Details into optional fields.
func (a CorporateAction) MarshalJSON() ([]byte, error) {
	type plain CorporateAction
	raw := RawFromAction(&a)
	return json.Marshal(struct {
		plain
		SplitRatio      *decimal.Decimal `json:"split_ratio,omitempty"`
		DividendAmount  *decimal.Decimal `json:"dividend_amount,omitempty"`
		Currency        string           `json:"currency,omitempty"`
		AcquiringSymbol string           `json:"acquiring_symbol,omitempty"`
		ExchangeRatio   *decimal.Decimal `json:"exchange_ratio,omitempty"`
	}{
		plain:           plain(a),
		SplitRatio:      raw.SplitRatio,
		DividendAmount:  raw.DividendAmount,
		Currency:        raw.Currency,
		AcquiringSymbol: raw.AcquiringSymbol,
		ExchangeRatio:   raw.ExchangeRatio,
	})
}

// RawCorporateAction is a corporate action as reported by a single source or
// loaded from storage, before per-type validation.
type RawCorporateAction struct {
	ID              int64            `json:"id,omitempty"`
	Symbol          string           `json:"symbol"`
	Type            ActionType       `json:"type"`
	ExDate          time.Time        `json:"ex_date"`
	RecordDate      time.Time        `json:"record_date"`
	EffectiveDate   time.Time        `json:"effective_date"`
	SplitRatio      *decimal.Decimal `json:"split_ratio,omitempty"`
	DividendAmount  *decimal.Decimal `json:"dividend_amount,omitempty"`
	Currency        string           `json:"currency,omitempty"`
	AcquiringSymbol string           `json:"acquiring_symbol,omitempty"`
	ExchangeRatio   *decimal.Decimal `json:"exchange_ratio,omitempty"`
	Source          string           `json:"source"`
	Verified        bool             `json:"verified,omitempty"`
	ReportedBy      []string         `json:"reported_by,omitempty"`
}

// Key returns the deduplication key of the raw record.
func (r *RawCorporateAction) Key() ActionKey {
	return ActionKey{Symbol: strings.ToUpper(r.Symbol), Type: r.Type, Day: DayOf(r.EffectiveDate)}
}

// Build validates the per-type invariants and returns the typed action.
func (r *RawCorporateAction) Build() (*CorporateAction, error) {
	const op = "corporate_action.build"

	if strings.TrimSpace(r.Symbol) == "" {
		return nil, apperr.BadRequest(op, "symbol is required")
	}
	if !r.Type.Valid() {
		return nil, apperr.BadRequest(op, "unknown action type %q for %s", r.Type, r.Symbol)
	}
	if r.EffectiveDate.IsZero() {
		return nil, apperr.BadRequest(op, "%s %s has no effective date", r.Symbol, r.Type)
	}

	var details ActionDetails
	switch {
	case r.Type.IsSplit():
		if r.SplitRatio == nil || !r.SplitRatio.IsPositive() {
			return nil, apperr.BadRequest(op, "%s %s requires a positive split ratio", r.Symbol, r.Type)
		}
		details = SplitDetails{Ratio: *r.SplitRatio}
	case r.Type.IsDividend():
		if r.DividendAmount == nil || !r.DividendAmount.IsPositive() {
			return nil, apperr.BadRequest(op, "%s %s requires a positive dividend amount", r.Symbol, r.Type)
		}
		details = DividendDetails{Amount: *r.DividendAmount, Currency: r.Currency}
	case r.Type.IsMerger():
		if strings.TrimSpace(r.AcquiringSymbol) == "" {
			return nil, apperr.BadRequest(op, "%s %s requires an acquiring symbol", r.Symbol, r.Type)
		}
		if r.ExchangeRatio == nil || !r.ExchangeRatio.IsPositive() {
			return nil, apperr.BadRequest(op, "%s %s requires a positive exchange ratio", r.Symbol, r.Type)
		}
		details = MergerDetails{AcquiringSymbol: strings.ToUpper(r.AcquiringSymbol), ExchangeRatio: *r.ExchangeRatio}
	}

	exDate := r.ExDate
	if exDate.IsZero() {
		exDate = r.EffectiveDate
	}

	return &CorporateAction{
		ID:            r.ID,
		Symbol:        strings.ToUpper(r.Symbol),
		Type:          r.Type,
		ExDate:        exDate,
		RecordDate:    r.RecordDate,
		EffectiveDate: r.EffectiveDate,
		Details:       details,
		Verified:      r.Verified,
		Source:        r.Source,
		ReportedBy:    r.ReportedBy,
	}, nil
}

// RawFromAction flattens a typed action back into its raw form.
func RawFromAction(a *CorporateAction) *RawCorporateAction {
	r := &RawCorporateAction{
		ID:            a.ID,
		Symbol:        a.Symbol,
		Type:          a.Type,
		ExDate:        a.ExDate,
		RecordDate:    a.RecordDate,
		EffectiveDate: a.EffectiveDate,
		Source:        a.Source,
		Verified:      a.Verified,
		ReportedBy:    append([]string(nil), a.ReportedBy...),
	}

	switch d := a.Details.(type) {
	case SplitDetails:
		ratio := d.Ratio
		r.SplitRatio = &ratio
	case DividendDetails:
		amount := d.Amount
		r.DividendAmount = &amount
		r.Currency = d.Currency
	case MergerDetails:
		ratio := d.ExchangeRatio
		r.AcquiringSymbol = d.AcquiringSymbol
		r.ExchangeRatio = &ratio
	}
	return r
}
