package models

import "time"

// ActionType enumerates supported corporate actions.
type ActionType string

const (
	ActionSplit    ActionType = "split"
	ActionDividend ActionType = "dividend"
)

// CorporateAction changes comparability of prices before and after EffectiveAt.
// For a split Value is the share ratio (2 for a 2-for-1); for a dividend it is the cash amount per share.
type CorporateAction struct {
	InstrumentID string     `json:"instrument_id"`
	Type         ActionType `json:"action_type"`
	Value        float64    `json:"ratio_or_amount"`
	EffectiveAt  time.Time  `json:"effective_at"`
	RecordedAt   time.Time  `json:"recorded_at"`
}

// SameKey reports whether two actions share the (instrument, effective_at, type) row key.
func (a CorporateAction) SameKey(b CorporateAction) bool {
	return a.InstrumentID == b.InstrumentID && a.Type == b.Type && a.EffectiveAt.Equal(b.EffectiveAt)
}

// Applies reports whether the action adjusts a candle opened at bucketOpen.
func (a CorporateAction) Applies(bucketOpen time.Time) bool {
	return bucketOpen.Before(a.EffectiveAt)
}
