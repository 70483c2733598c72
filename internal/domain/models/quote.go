package models

import "time"

// Quote is the live top-of-book of one liquidity provider for one instrument.
type Quote struct {
	InstrumentID string    `json:"instrument_id"`
	ProviderID   string    `json:"provider_id"`
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	BidQty       float64   `json:"bid_qty"`
	AskQty       float64   `json:"ask_qty"`
	ObservedAt   time.Time `json:"observed_at"`
}

// QuoteStatus tells a usable aggregate apart from one built on no data.
type QuoteStatus string

const (
	QuoteAvailable   QuoteStatus = "available"
	QuoteOneSided    QuoteStatus = "one_sided"
	QuoteUnavailable QuoteStatus = "unavailable"
)

// AggregatedQuote is the combined top-of-book across providers after spread policy and tick rounding.
// A side without valid quotes has its Has* flag false; its price fields are then meaningless.
type AggregatedQuote struct {
	InstrumentID      string      `json:"instrument_id"`
	Status            QuoteStatus `json:"status"`
	HasBid            bool        `json:"has_bid"`
	HasAsk            bool        `json:"has_ask"`
	BestBid           float64     `json:"best_bid,omitempty"`
	BestAsk           float64     `json:"best_ask,omitempty"`
	TotalBidLiquidity float64     `json:"total_bid_liquidity"`
	TotalAskLiquidity float64     `json:"total_ask_liquidity"`
	Spread            float64     `json:"spread,omitempty"`
	Crossed           bool        `json:"crossed,omitempty"`
	Providers         int         `json:"providers"`
	ComputedAt        time.Time   `json:"computed_at"`
}

// Available reports whether at least one side carries a price.
func (q AggregatedQuote) Available() bool {
	return q.Status != QuoteUnavailable
}
