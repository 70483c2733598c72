package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"MarketPipe/internal/domain/models"
	domrepo "MarketPipe/internal/domain/repository"
	pkgkafka "MarketPipe/pkg/kafka"
)

// KafkaCandlesHandler consumes the closed-candle topic and writes rows to the candle store.
type KafkaCandlesHandler struct {
	topic   string
	store   domrepo.CandleStore
	metrics domrepo.Metrics
}

func NewKafkaCandlesHandler(topic string, store domrepo.CandleStore, metrics domrepo.Metrics) *KafkaCandlesHandler {
	if metrics == nil {
		metrics = domrepo.NopMetrics{}
	}
	return &KafkaCandlesHandler{topic: topic, store: store, metrics: metrics}
}

func (h *KafkaCandlesHandler) Topic() string { return h.topic }

func (h *KafkaCandlesHandler) Handle(ctx context.Context, _ []byte, b []byte) error {
	var c models.Candle
	if err := json.Unmarshal(b, &c); err != nil {
		h.metrics.RecordError("candles_unmarshal")
		return pkgkafka.Permanent(fmt.Errorf("decode candle: %w", err))
	}
	if c.InstrumentID == "" || !c.Timeframe.Valid() || c.BucketOpenTime.IsZero() {
		h.metrics.RecordError("candles_invalid")
		return pkgkafka.Permanent(fmt.Errorf("candle missing identity"))
	}
	h.metrics.RecordLatency("candle_close_to_consume", time.Since(c.BucketEnd()).Seconds())

	start := time.Now()
	err := h.store.SaveCandles(ctx, []models.Candle{c})
	h.metrics.RecordLatency("ch_insert_seconds", time.Since(start).Seconds())
	if err != nil {
		h.metrics.RecordError("candles_store")
		return err
	}
	h.metrics.RecordMessageSent(BackendClickHouse, c.InstrumentID)
	return nil
}

var _ pkgkafka.MessageHandler = (*KafkaCandlesHandler)(nil)
