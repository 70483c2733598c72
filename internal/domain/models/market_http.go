package models

// Requests for market data HTTP endpoints.

type QuoteRequest struct {
	Instrument string `query:"instrument" json:"instrument" validate:"required"`
}

type DepthRequest struct {
	Instrument string `query:"instrument" json:"instrument" validate:"required"`
	Levels     int    `query:"levels" json:"levels" default:"10" validate:"gte=1,lte=20"`
}

type CandlesRequest struct {
	Instrument string `query:"instrument" json:"instrument" validate:"required"`
	TF         string `query:"tf" json:"tf" default:"1m" validate:"timeframe"`
	Start      string `query:"start" json:"start" validate:"timestamp"`
	End        string `query:"end" json:"end" validate:"timestamp"`
	Limit      int    `query:"limit" json:"limit" default:"500" validate:"gte=1,lte=5000"`
}

type SubmitQuoteRequest struct {
	Instrument string  `json:"instrument" validate:"required"`
	Provider   string  `json:"provider" validate:"required"`
	Bid        float64 `json:"bid" validate:"gt=0"`
	Ask        float64 `json:"ask" validate:"gt=0,gtefield=Bid"`
	BidQty     float64 `json:"bid_qty" validate:"gte=0"`
	AskQty     float64 `json:"ask_qty" validate:"gte=0"`
}

type CorporateActionRequest struct {
	Instrument  string  `json:"instrument" validate:"required"`
	Type        string  `json:"type" validate:"required,oneof=split dividend"`
	Value       float64 `json:"value" validate:"gt=0"`
	EffectiveAt string  `json:"effective_at" validate:"required,timestamp"`
}
