package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"MarketPipe/internal/domain/models"
	domrepo "MarketPipe/internal/domain/repository"
	"MarketPipe/internal/service/hub"
	"MarketPipe/pkg/logger"
)

// Broadcaster is the publish side of the subscription hub.
type Broadcaster interface {
	Publish(channel string, msg hub.Message) int
}

// CandleSink accepts closed candles for persistence and must not block.
type CandleSink interface {
	Submit(ctx context.Context, candles []models.Candle) error
}

// MarketData is the entry point used by the matching engine, the LP feed and the API layer.
type MarketData struct {
	instruments *Instruments
	quotes      *QuoteStore
	pricing     *PricingEngine
	candles     *CandleAggregator
	ledger      *CorporateActionLedger
	depth       *DepthBook
	hub         Broadcaster
	sink        CandleSink
	store       domrepo.CandleStore
	metrics     domrepo.Metrics
	log         *logger.Logger
}

type MarketDataDeps struct {
	Instruments *Instruments
	Quotes      *QuoteStore
	Pricing     *PricingEngine
	Candles     *CandleAggregator
	Ledger      *CorporateActionLedger
	Depth       *DepthBook
	Hub         Broadcaster
	Sink        CandleSink          // optional
	Store       domrepo.CandleStore // optional, source of persisted history
	Metrics     domrepo.Metrics
	Log         *logger.Logger
}

func NewMarketData(d MarketDataDeps) *MarketData {
	m := &MarketData{
		instruments: d.Instruments,
		quotes:      d.Quotes,
		pricing:     d.Pricing,
		candles:     d.Candles,
		ledger:      d.Ledger,
		depth:       d.Depth,
		hub:         d.Hub,
		sink:        d.Sink,
		store:       d.Store,
		metrics:     d.Metrics,
		log:         d.Log,
	}
	if m.metrics == nil {
		m.metrics = domrepo.NopMetrics{}
	}
	if m.log == nil {
		m.log = logger.Nop()
	}
	return m
}

// OnTradeFilled applies a fill to every timeframe and republishes it on trade:<instrument>.
func (m *MarketData) OnTradeFilled(ctx context.Context, t models.TradeFill) error {
	start := time.Now()
	if _, err := m.instruments.Get(t.InstrumentID); err != nil {
		return err
	}
	emitted, err := m.candles.ApplyContext(ctx, t)
	if err != nil {
		m.metrics.RecordError("trade_apply")
		return fmt.Errorf("apply trade: %w", err)
	}
	m.publish(models.ChannelTrade, t.InstrumentID, "trade", t)
	m.emitCandles(ctx, emitted)
	m.metrics.RecordLastPrice(t.InstrumentID, t.Price)
	m.metrics.RecordLatency("trade_apply", time.Since(start).Seconds())
	return nil
}

// OnDepthChanged replaces the instrument's depth and republishes it on depth:<instrument>.
func (m *MarketData) OnDepthChanged(_ context.Context, d models.DepthSnapshot) error {
	if _, err := m.instruments.Get(d.InstrumentID); err != nil {
		return err
	}
	if err := m.depth.Replace(d); err != nil {
		return err
	}
	if snap, ok := m.depth.Get(d.InstrumentID, models.MaxDepthLevels); ok {
		m.publish(models.ChannelDepth, d.InstrumentID, "depth", snap)
	}
	return nil
}

// SubmitQuote stores an LP quote, recomputes the aggregate and publishes it on quote:<instrument>.
func (m *MarketData) SubmitQuote(_ context.Context, q models.Quote) (models.AggregatedQuote, error) {
	if _, err := m.instruments.Get(q.InstrumentID); err != nil {
		return models.AggregatedQuote{}, err
	}
	if err := m.quotes.Upsert(q); err != nil {
		m.metrics.RecordError("quote_validate")
		return models.AggregatedQuote{}, err
	}
	// publishing inside the instrument's section keeps quote:<instrument> in
	// computation order; a quote that arrives already stale still publishes
	// the unavailable aggregate
	agg, err := m.pricing.AggregateWith(q.InstrumentID, func(agg models.AggregatedQuote) {
		m.publish(models.ChannelQuote, q.InstrumentID, "quote", agg)
	})
	if err != nil && !errors.Is(err, models.ErrQuoteUnavailable) {
		return agg, err
	}
	if agg.HasBid && agg.HasAsk {
		m.metrics.RecordLastPrice(q.InstrumentID, (agg.BestBid+agg.BestAsk)/2)
	}
	return agg, err
}

// GetAggregatedQuote returns ErrQuoteUnavailable when no provider has a valid quote.
func (m *MarketData) GetAggregatedQuote(instrumentID string) (models.AggregatedQuote, error) {
	return m.pricing.Aggregate(instrumentID)
}

// GetDepth returns up to levels (1..20) per side, or ErrNoData before the first depth event.
func (m *MarketData) GetDepth(instrumentID string, levels int) (models.DepthSnapshot, error) {
	if _, err := m.instruments.Get(instrumentID); err != nil {
		return models.DepthSnapshot{}, err
	}
	if levels < 1 || levels > models.MaxDepthLevels {
		ve := &models.ValidationError{}
		ve.Add("levels", "ERR_OUT_OF_RANGE", fmt.Sprintf("levels must be between 1 and %d", models.MaxDepthLevels))
		return models.DepthSnapshot{}, ve
	}
	d, ok := m.depth.Get(instrumentID, levels)
	if !ok {
		return models.DepthSnapshot{}, fmt.Errorf("depth %s: %w", instrumentID, models.ErrNoData)
	}
	return d, nil
}

// CandleQuery selects candles by bucket_open_time in [Start, End). Zero bounds are open.
type CandleQuery struct {
	InstrumentID string
	Timeframe    models.Timeframe
	Start        time.Time
	End          time.Time
	Limit        int
}

// GetCandles merges persisted and in-memory candles and returns them adjusted
// for corporate actions, ascending, keeping the most recent Limit entries.
func (m *MarketData) GetCandles(ctx context.Context, q CandleQuery) ([]models.AdjustedCandle, error) {
	if _, err := m.instruments.Get(q.InstrumentID); err != nil {
		return nil, err
	}
	if !q.Timeframe.Valid() {
		ve := &models.ValidationError{}
		ve.Add("tf", "ERR_UNSUPPORTED", fmt.Sprintf("unsupported timeframe %q", q.Timeframe))
		return nil, ve
	}
	if !q.Start.IsZero() && !q.End.IsZero() && !q.Start.Before(q.End) {
		ve := &models.ValidationError{}
		ve.Add("start", "ERR_RANGE", "start must be before end")
		return nil, ve
	}

	merged := make(map[int64]models.Candle)
	if m.store != nil {
		stored, err := m.store.GetCandles(ctx, q.InstrumentID, q.Timeframe, q.Start, q.End, q.Limit)
		if err != nil {
			// in-memory candles still answer the query
			m.metrics.RecordError("candle_store_read")
			m.log.Error("read persisted candles",
				logger.String("instrument", q.InstrumentID),
				logger.String("timeframe", string(q.Timeframe)),
				logger.Error(err),
			)
		}
		for _, c := range stored {
			merged[c.BucketOpenTime.UnixNano()] = c
		}
	}
	for _, c := range m.candles.Candles(q.InstrumentID, q.Timeframe, q.Start, q.End, q.Limit) {
		key := c.BucketOpenTime.UnixNano()
		if prev, ok := merged[key]; ok && prev.Revision > c.Revision {
			continue
		}
		merged[key] = c
	}
	if len(merged) == 0 {
		return nil, fmt.Errorf("candles %s %s: %w", q.InstrumentID, q.Timeframe, models.ErrNoData)
	}

	out := make([]models.Candle, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketOpenTime.Before(out[j].BucketOpenTime) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return m.ledger.AdjustAll(out), nil
}

// RecordCorporateAction appends to the ledger. Stored candles are not touched.
func (m *MarketData) RecordCorporateAction(ctx context.Context, a models.CorporateAction) (models.CorporateAction, error) {
	rec, err := m.ledger.Record(ctx, a)
	if err != nil {
		return rec, err
	}
	m.log.Info("corporate action recorded",
		logger.String("instrument", rec.InstrumentID),
		logger.String("type", string(rec.Type)),
		logger.Float64("value", rec.Value),
		logger.Time("effective_at", rec.EffectiveAt),
	)
	return rec, nil
}

// CandleVersion changes whenever closed candles of an instrument may read
// differently: a corporate action was recorded or a late trade revised history.
// Query caches key on it.
func (m *MarketData) CandleVersion(instrumentID string) string {
	return fmt.Sprintf("%d.%d", m.ledger.Version(instrumentID), m.candles.Revisions(instrumentID))
}

// OpenBucket returns the start of the bucket currently accumulating trades for
// (instrument, timeframe), or false when nothing is open.
func (m *MarketData) OpenBucket(instrumentID string, tf models.Timeframe) (time.Time, bool) {
	c, ok := m.candles.Open(instrumentID, tf)
	return c.BucketOpenTime, ok
}

// CloseElapsed closes candles whose window has passed and emits them.
func (m *MarketData) CloseElapsed(ctx context.Context, now time.Time) int {
	closed := m.candles.CloseElapsed(now)
	m.emitCandles(ctx, closed)
	return len(closed)
}

// SweepQuotes evicts stale quotes across all instruments.
func (m *MarketData) SweepQuotes(now time.Time) int {
	return m.quotes.Sweep(now)
}

func (m *MarketData) emitCandles(ctx context.Context, candles []models.Candle) {
	if len(candles) == 0 {
		return
	}
	if m.sink != nil {
		if err := m.sink.Submit(ctx, candles); err != nil {
			m.metrics.RecordError("candle_sink")
			m.log.Warn("closed candles not accepted by sink", logger.Int("count", len(candles)), logger.Error(err))
		}
	}
	for _, c := range candles {
		m.publish(models.ChannelCandle, c.InstrumentID, "candle", c)
	}
}

func (m *MarketData) publish(kind models.ChannelKind, instrumentID, typ string, data interface{}) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(models.ChannelID(kind, instrumentID), hub.Message{Type: typ, Data: data, Time: time.Now()})
}
