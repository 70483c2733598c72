package repository

import (
	"context"
	"time"

	"MarketPipe/internal/domain/models"
)

// QuoteStream is a liquidity-provider feed delivering raw quotes.
type QuoteStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Read(ctx context.Context) (<-chan *models.Quote, <-chan error)
	Reconnect(ctx context.Context) error
	Close() error
	IsConnected() bool
}

// CandleStore persists closed candles keyed by (instrument, timeframe, bucket_open_time).
type CandleStore interface {
	SaveCandles(ctx context.Context, candles []models.Candle) error
	GetCandles(ctx context.Context, instrumentID string, tf models.Timeframe, from, to time.Time, limit int) ([]models.Candle, error)
	Health(ctx context.Context) error
	Close() error
}

// CandlePublisher ships closed candles to downstream consumers.
type CandlePublisher interface {
	Publish(ctx context.Context, c *models.Candle) error
	PublishBatch(ctx context.Context, candles []models.Candle) error
	Close() error
}

// ActionStore is the append-only corporate action table.
type ActionStore interface {
	Append(ctx context.Context, a models.CorporateAction) error
	LoadAll(ctx context.Context) ([]models.CorporateAction, error)
}

type Metrics interface {
	RecordMessageSent(backend, instrument string)
	RecordError(kind string)
	RecordLastPrice(instrument string, price float64)
	RecordLatency(op string, seconds float64)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) RecordMessageSent(string, string) {}
func (NopMetrics) RecordError(string)               {}
func (NopMetrics) RecordLastPrice(string, float64)  {}
func (NopMetrics) RecordLatency(string, float64)    {}
