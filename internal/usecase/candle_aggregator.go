package usecase

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"MarketPipe/internal/domain/models"
	"MarketPipe/internal/service/shard"
	"MarketPipe/pkg/logger"
)

// LatePolicy decides what happens to a trade older than the open bucket.
type LatePolicy string

const (
	// LateReopen applies the trade to its historical bucket and re-emits it as a revision.
	LateReopen LatePolicy = "reopen"
	// LateReject refuses the trade with ErrLateTrade.
	LateReject LatePolicy = "reject"
)

const DefaultCandleRetention = 1000

// maxRevived bounds the per-series cache of buckets rebuilt from history.
const maxRevived = 256

// CandleHistory reads candles that have left the in-memory window.
// repository.CandleStore satisfies it.
type CandleHistory interface {
	GetCandles(ctx context.Context, instrumentID string, tf models.Timeframe, from, to time.Time, limit int) ([]models.Candle, error)
}

type CandleAggregatorConfig struct {
	LatePolicy LatePolicy
	Retention  int
	Timeframes []models.Timeframe
	// History resolves late trades for buckets older than the retained window.
	// Without it such trades fail with ErrLateTrade.
	History CandleHistory
}

// series holds candles for one (instrument, timeframe), ascending by bucket.
// Only the last element may be open.
type series struct {
	candles []models.Candle
	// floor is the oldest bucket this series knows in full. Anything older may
	// exist in the store and must never be re-emitted from scratch.
	floor time.Time
	// revived holds buckets below floor that a late trade rebuilt from history,
	// so a second late trade builds on the first before it is persisted.
	revived map[int64]models.Candle
}

func (s *series) last() *models.Candle {
	if len(s.candles) == 0 {
		return nil
	}
	return &s.candles[len(s.candles)-1]
}

func (s *series) find(bucket time.Time) (int, bool) {
	i := sort.Search(len(s.candles), func(i int) bool {
		return !s.candles[i].BucketOpenTime.Before(bucket)
	})
	return i, i < len(s.candles) && s.candles[i].BucketOpenTime.Equal(bucket)
}

func (s *series) insertAt(i int, c models.Candle) {
	s.candles = append(s.candles, models.Candle{})
	copy(s.candles[i+1:], s.candles[i:])
	s.candles[i] = c
}

func (s *series) trim(max int) {
	if over := len(s.candles) - max; over > 0 {
		s.candles = append(s.candles[:0:0], s.candles[over:]...)
		s.floor = s.candles[0].BucketOpenTime
	}
}

func (s *series) belowFloor(bucket time.Time) bool {
	return !s.floor.IsZero() && bucket.Before(s.floor)
}

func (s *series) revive(c models.Candle) {
	if s.revived == nil {
		s.revived = make(map[int64]models.Candle)
	}
	key := c.BucketOpenTime.UnixNano()
	if _, ok := s.revived[key]; !ok && len(s.revived) >= maxRevived {
		oldest := int64(math.MaxInt64)
		for k := range s.revived {
			if k < oldest {
				oldest = k
			}
		}
		delete(s.revived, oldest)
	}
	s.revived[key] = c
}

type instrumentCandles struct {
	byTF map[models.Timeframe]*series
	// revisions counts late trades applied to already closed buckets.
	revisions int64
}

// CandleAggregator builds candles for every configured timeframe from the trade
// stream. All timeframes of one instrument are mutated under a single lock, so
// trades for an instrument are applied in arrival order.
type CandleAggregator struct {
	cfg    CandleAggregatorConfig
	shards *shard.Map[*instrumentCandles]
	log    *logger.Logger
}

func NewCandleAggregator(cfg CandleAggregatorConfig, log *logger.Logger) *CandleAggregator {
	if cfg.LatePolicy == "" {
		cfg.LatePolicy = LateReopen
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultCandleRetention
	}
	if len(cfg.Timeframes) == 0 {
		cfg.Timeframes = models.AllTimeframes
	}
	if log == nil {
		log = logger.Nop()
	}
	tfs := cfg.Timeframes
	return &CandleAggregator{
		cfg: cfg,
		shards: shard.New(func(string) *instrumentCandles {
			ic := &instrumentCandles{byTF: make(map[models.Timeframe]*series, len(tfs))}
			for _, tf := range tfs {
				ic.byTF[tf] = &series{}
			}
			return ic
		}),
		log: log,
	}
}

func (a *CandleAggregator) Timeframes() []models.Timeframe { return a.cfg.Timeframes }

// ValidateTrade checks a fill before it touches any candle.
func ValidateTrade(t models.TradeFill) error {
	ve := &models.ValidationError{}
	if t.InstrumentID == "" {
		ve.Add("instrument_id", "ERR_REQUIRED", "instrument_id is required")
	}
	if !(t.Price > 0) || math.IsInf(t.Price, 0) {
		ve.Add("price", "ERR_NOT_POSITIVE", "price must be a positive number")
	}
	if !(t.Qty > 0) || math.IsInf(t.Qty, 0) {
		ve.Add("qty", "ERR_NOT_POSITIVE", "qty must be a positive number")
	}
	if t.Timestamp.IsZero() {
		ve.Add("timestamp", "ERR_REQUIRED", "timestamp is required")
	}
	return ve.OrNil()
}

// Apply folds one trade into every timeframe. It returns the candles that
// became final (closed by a bucket rollover) or changed after closing (late
// trade revisions); the caller forwards them to the closed-candle sink.
func (a *CandleAggregator) Apply(t models.TradeFill) ([]models.Candle, error) {
	return a.ApplyContext(context.Background(), t)
}

// ApplyContext is Apply with a context for history reads. A trade is applied
// to all timeframes or to none.
func (a *CandleAggregator) ApplyContext(ctx context.Context, t models.TradeFill) ([]models.Candle, error) {
	if err := ValidateTrade(t); err != nil {
		return nil, err
	}

	var (
		emitted []models.Candle
		err     error
	)
	a.shards.With(t.InstrumentID, func(ic *instrumentCandles) {
		late := a.lateTimeframe(ic, t.Timestamp)
		if late != "" {
			if a.cfg.LatePolicy == LateReject {
				err = fmt.Errorf("%w: %s %s at %s", models.ErrLateTrade, t.InstrumentID, late, t.Timestamp.UTC().Format(time.RFC3339Nano))
				return
			}
		}
		var bases map[models.Timeframe]*models.Candle
		bases, err = a.resolveEvicted(ctx, ic, t)
		if err != nil {
			return
		}
		if late != "" {
			a.log.Warn("ordering violation: trade precedes open bucket",
				logger.String("instrument", t.InstrumentID),
				logger.String("timeframe", string(late)),
				logger.String("trade_id", t.TradeID),
				logger.Time("timestamp", t.Timestamp),
			)
			ic.revisions++
		}
		for _, tf := range a.cfg.Timeframes {
			s := ic.byTF[tf]
			if base, evicted := bases[tf]; evicted {
				emitted = append(emitted, s.mergeEvicted(tf, base, t))
				continue
			}
			if c, ok := a.applyTo(s, tf, t); ok {
				emitted = append(emitted, c)
			}
		}
	})
	return emitted, err
}

// resolveEvicted finds, for every timeframe whose bucket lies below the
// retained window, the candle the trade must build on. A nil base means the
// history holds no such bucket. Nothing is mutated, so a failure leaves the
// aggregator untouched.
func (a *CandleAggregator) resolveEvicted(ctx context.Context, ic *instrumentCandles, t models.TradeFill) (map[models.Timeframe]*models.Candle, error) {
	var bases map[models.Timeframe]*models.Candle
	for _, tf := range a.cfg.Timeframes {
		s := ic.byTF[tf]
		bucket := tf.BucketStart(t.Timestamp)
		if !s.belowFloor(bucket) {
			continue
		}
		if bases == nil {
			bases = make(map[models.Timeframe]*models.Candle)
		}
		if c, ok := s.revived[bucket.UnixNano()]; ok {
			bases[tf] = &c
			continue
		}
		if a.cfg.History == nil {
			return nil, fmt.Errorf("%w: %s %s bucket %s is outside the retained window",
				models.ErrLateTrade, t.InstrumentID, tf, bucket.Format(time.RFC3339))
		}
		rows, err := a.cfg.History.GetCandles(ctx, t.InstrumentID, tf, bucket, tf.BucketEnd(bucket), 1)
		if err != nil {
			return nil, fmt.Errorf("read %s %s bucket %s: %w", t.InstrumentID, tf, bucket.Format(time.RFC3339), err)
		}
		bases[tf] = nil
		for i := range rows {
			if rows[i].BucketOpenTime.Equal(bucket) {
				c := rows[i]
				bases[tf] = &c
				break
			}
		}
	}
	return bases, nil
}

// mergeEvicted applies a late trade on top of a bucket rebuilt from history.
func (s *series) mergeEvicted(tf models.Timeframe, base *models.Candle, t models.TradeFill) models.Candle {
	var c models.Candle
	if base != nil {
		c = *base
		c.Apply(t.Price, t.Qty)
		c.Revision++
	} else {
		c = models.NewCandle(t.InstrumentID, tf, tf.BucketStart(t.Timestamp), t.Price, t.Qty)
	}
	c.Closed = true
	s.revive(c)
	return c
}

// lateTimeframe returns the finest timeframe for which the trade lands before
// the newest bucket, or in a bucket that was already closed.
func (a *CandleAggregator) lateTimeframe(ic *instrumentCandles, ts time.Time) models.Timeframe {
	for _, tf := range a.cfg.Timeframes {
		last := ic.byTF[tf].last()
		if last == nil {
			continue
		}
		bucket := tf.BucketStart(ts)
		if bucket.Before(last.BucketOpenTime) || (bucket.Equal(last.BucketOpenTime) && last.Closed) {
			return tf
		}
	}
	return ""
}

func (a *CandleAggregator) applyTo(s *series, tf models.Timeframe, t models.TradeFill) (models.Candle, bool) {
	bucket := tf.BucketStart(t.Timestamp)
	last := s.last()

	switch {
	case last == nil || bucket.After(last.BucketOpenTime):
		if last == nil {
			s.floor = bucket
		}
		var closed models.Candle
		wasOpen := last != nil && !last.Closed
		if wasOpen {
			last.Closed = true
			closed = *last
		}
		s.candles = append(s.candles, models.NewCandle(t.InstrumentID, tf, bucket, t.Price, t.Qty))
		s.trim(a.cfg.Retention)
		return closed, wasOpen

	case bucket.Equal(last.BucketOpenTime) && !last.Closed:
		last.Apply(t.Price, t.Qty)
		return models.Candle{}, false
	}

	// Late trade inside the retained window: merge into the bucket, or open a
	// gap bucket that never saw a trade.
	i, found := s.find(bucket)
	if found {
		c := &s.candles[i]
		c.Apply(t.Price, t.Qty)
		c.Revision++
		return *c, true
	}
	c := models.NewCandle(t.InstrumentID, tf, bucket, t.Price, t.Qty)
	c.Closed = true
	s.insertAt(i, c)
	s.trim(a.cfg.Retention)
	return c, true
}

// CloseElapsed closes open candles whose window ended at or before now and
// returns them. Without it a quiet instrument would hold its last bucket open.
func (a *CandleAggregator) CloseElapsed(now time.Time) []models.Candle {
	var out []models.Candle
	for _, id := range a.shards.Keys() {
		a.shards.Peek(id, func(ic *instrumentCandles) {
			for _, tf := range a.cfg.Timeframes {
				last := ic.byTF[tf].last()
				if last == nil || last.Closed || now.Before(last.BucketEnd()) {
					continue
				}
				last.Closed = true
				out = append(out, *last)
			}
		})
	}
	return out
}

// Candles returns in-memory candles with bucket_open_time in [start, end),
// keeping the most recent limit entries in ascending order. Zero bounds are open.
func (a *CandleAggregator) Candles(instrumentID string, tf models.Timeframe, start, end time.Time, limit int) []models.Candle {
	var out []models.Candle
	a.shards.Peek(instrumentID, func(ic *instrumentCandles) {
		s, ok := ic.byTF[tf]
		if !ok {
			return
		}
		for _, c := range s.candles {
			if !start.IsZero() && c.BucketOpenTime.Before(start) {
				continue
			}
			if !end.IsZero() && !c.BucketOpenTime.Before(end) {
				continue
			}
			out = append(out, c)
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Revisions reports how many late trades have rewritten closed candles of an instrument.
func (a *CandleAggregator) Revisions(instrumentID string) int64 {
	var n int64
	a.shards.Peek(instrumentID, func(ic *instrumentCandles) { n = ic.revisions })
	return n
}

// Open returns the currently open candle for (instrument, timeframe), if any.
func (a *CandleAggregator) Open(instrumentID string, tf models.Timeframe) (models.Candle, bool) {
	var (
		c  models.Candle
		ok bool
	)
	a.shards.Peek(instrumentID, func(ic *instrumentCandles) {
		s, exists := ic.byTF[tf]
		if !exists {
			return
		}
		if last := s.last(); last != nil && !last.Closed {
			c, ok = *last, true
		}
	})
	return c, ok
}
