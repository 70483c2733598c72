package usecase

import (
	"context"
	"fmt"
	"time"

	"MarketPipe/internal/domain/models"
	drepo "MarketPipe/internal/domain/repository"
)

const (
	BackendKafka      = "kafka"
	BackendClickHouse = "clickhouse"
)

// CandleProcessor writes closed candles to the configured backend. With the
// kafka backend a KafkaCandlesHandler downstream persists them to ClickHouse.
type CandleProcessor struct {
	pub     drepo.CandlePublisher
	store   drepo.CandleStore
	metrics drepo.Metrics
	backend string
}

func NewCandleProcessor(pub drepo.CandlePublisher, store drepo.CandleStore, metrics drepo.Metrics, backend string) (*CandleProcessor, error) {
	switch backend {
	case BackendKafka:
		if pub == nil {
			return nil, fmt.Errorf("kafka backend needs a candle publisher")
		}
	case BackendClickHouse:
		if store == nil {
			return nil, fmt.Errorf("clickhouse backend needs a candle store")
		}
	default:
		return nil, fmt.Errorf("unknown backend: %s", backend)
	}
	if metrics == nil {
		metrics = drepo.NopMetrics{}
	}
	return &CandleProcessor{pub: pub, store: store, metrics: metrics, backend: backend}, nil
}

func (p *CandleProcessor) Backend() string { return p.backend }

// ProcessBatch routes one batch of closed candles.
func (p *CandleProcessor) ProcessBatch(ctx context.Context, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	start := time.Now()
	var err error
	switch p.backend {
	case BackendKafka:
		err = p.pub.PublishBatch(ctx, candles)
	case BackendClickHouse:
		err = p.store.SaveCandles(ctx, candles)
	}
	if err != nil {
		p.metrics.RecordError("candle_sink_" + p.backend)
		return fmt.Errorf("process candles: %w", err)
	}
	for _, c := range candles {
		p.metrics.RecordMessageSent(p.backend, c.InstrumentID)
	}
	p.metrics.RecordLatency("candle_sink_batch", time.Since(start).Seconds())
	return nil
}

// Close releases the publisher and store.
func (p *CandleProcessor) Close() {
	if p.pub != nil {
		_ = p.pub.Close()
	}
	if p.store != nil {
		_ = p.store.Close()
	}
}
