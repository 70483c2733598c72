package models

import "time"

// Candle is the OHLCV summary of one (instrument, timeframe, bucket) identity.
type Candle struct {
	InstrumentID    string    `json:"instrument_id"`
	Timeframe       Timeframe `json:"timeframe"`
	BucketOpenTime  time.Time `json:"bucket_open_time"`
	Open            float64   `json:"open"`
	High            float64   `json:"high"`
	Low             float64   `json:"low"`
	Close           float64   `json:"close"`
	Volume          float64   `json:"volume"`
	TradeCount      int64     `json:"trade_count"`
	VWAPNumerator   float64   `json:"vwap_numerator"`
	VWAPDenominator float64   `json:"vwap_denominator"`
	TypicalPrice    float64   `json:"typical_price"`
	Closed          bool      `json:"closed"`
	// Revision increases each time a late trade reopens a closed candle.
	Revision int64 `json:"revision"`
}

// NewCandle opens a bucket with its first trade.
func NewCandle(instrumentID string, tf Timeframe, bucketOpen time.Time, price, qty float64) Candle {
	c := Candle{
		InstrumentID:   instrumentID,
		Timeframe:      tf,
		BucketOpenTime: bucketOpen,
		Open:           price,
		High:           price,
		Low:            price,
	}
	c.addFill(price, qty)
	return c
}

// Apply folds a subsequent trade into the candle.
func (c *Candle) Apply(price, qty float64) {
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.addFill(price, qty)
}

func (c *Candle) addFill(price, qty float64) {
	c.Close = price
	c.Volume += qty
	c.TradeCount++
	c.VWAPNumerator += price * qty
	c.VWAPDenominator += qty
	c.TypicalPrice = (c.High + c.Low + c.Close) / 3
}

// VWAP returns the volume weighted average price, or zero for an empty bucket.
func (c Candle) VWAP() float64 {
	if c.VWAPDenominator == 0 {
		return 0
	}
	return c.VWAPNumerator / c.VWAPDenominator
}

// Turnover is close times volume.
func (c Candle) Turnover() float64 {
	return c.Close * c.Volume
}

// BucketEnd is the exclusive end of the candle window.
func (c Candle) BucketEnd() time.Time {
	return c.Timeframe.BucketEnd(c.BucketOpenTime)
}

// AdjustedCandle is a stored candle viewed through the corporate actions that followed it.
type AdjustedCandle struct {
	Candle
	VWAP           float64 `json:"vwap"`
	AppliedActions int     `json:"applied_actions"`
}
