package models

import "time"

// TradeFill is a single execution emitted by the matching engine.
type TradeFill struct {
	InstrumentID string    `json:"instrument_id"`
	TradeID      string    `json:"trade_id,omitempty"`
	Price        float64   `json:"price"`
	Qty          float64   `json:"qty"`
	Timestamp    time.Time `json:"timestamp"`
}

// DepthLevel is one aggregated price level of the order book.
type DepthLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// DepthSnapshot holds the book for one instrument. Bids are sorted descending, asks ascending.
type DepthSnapshot struct {
	InstrumentID string       `json:"instrument_id"`
	Bids         []DepthLevel `json:"bids"`
	Asks         []DepthLevel `json:"asks"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// MaxDepthLevels caps how many levels a depth query may return.
const MaxDepthLevels = 20
