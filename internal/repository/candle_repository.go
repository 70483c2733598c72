package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"MarketPipe/internal/domain/models"
	domrepo "MarketPipe/internal/domain/repository"
	pkgkafka "MarketPipe/pkg/kafka"
	applogger "MarketPipe/pkg/logger"
)

const candleColumns = "instrument_id, timeframe, bucket_open_time, open, high, low, close, volume, trade_count, vwap_numerator, vwap_denominator, typical_price, revision"

// CHCandleStore implements CandleStore on ClickHouse.
type CHCandleStore struct {
	db    *sql.DB
	table string
	log   *applogger.Logger
}

func NewCHCandleStore(db *sql.DB, table string, log *applogger.Logger) *CHCandleStore {
	if log == nil {
		log = applogger.Nop()
	}
	return &CHCandleStore{db: db, table: table, log: log}
}

// SaveCandles inserts closed candles in multi-row chunks.
func (s *CHCandleStore) SaveCandles(ctx context.Context, candles []models.Candle) error {
	const chunkSize = 1000
	for start := 0; start < len(candles); start += chunkSize {
		end := min(start+chunkSize, len(candles))
		q, args := buildCandleInsert(s.table, candles[start:end])
		if q == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("insert candles: %w", err)
		}
	}
	return nil
}

func buildCandleInsert(table string, candles []models.Candle) (string, []interface{}) {
	values := make([]string, 0, len(candles))
	args := make([]interface{}, 0, len(candles)*13)
	for _, c := range candles {
		if c.InstrumentID == "" || !c.Timeframe.Valid() {
			continue
		}
		values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			c.InstrumentID, string(c.Timeframe), c.BucketOpenTime.UTC(),
			c.Open, c.High, c.Low, c.Close, c.Volume, uint64(c.TradeCount),
			c.VWAPNumerator, c.VWAPDenominator, c.TypicalPrice, uint64(c.Revision),
		)
	}
	if len(values) == 0 {
		return "", nil
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", table, candleColumns, strings.Join(values, ",")), args
}

// buildCandleSelect returns the most recent limit rows in [from, to), newest first. FINAL collapses revisions.
func buildCandleSelect(table, instrumentID string, tf models.Timeframe, from, to time.Time, limit int) (string, []interface{}) {
	where := []string{"instrument_id = ?", "timeframe = ?"}
	args := []interface{}{instrumentID, string(tf)}
	if !from.IsZero() {
		where = append(where, "bucket_open_time >= ?")
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		where = append(where, "bucket_open_time < ?")
		args = append(args, to.UTC())
	}
	q := fmt.Sprintf("SELECT %s FROM %s FINAL WHERE %s ORDER BY bucket_open_time DESC", candleColumns, table, strings.Join(where, " AND "))
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	return q, args
}

// GetCandles returns persisted candles ascending by bucket_open_time.
func (s *CHCandleStore) GetCandles(ctx context.Context, instrumentID string, tf models.Timeframe, from, to time.Time, limit int) ([]models.Candle, error) {
	q, args := buildCandleSelect(s.table, instrumentID, tf, from, to, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		s.log.Error("clickhouse get_candles query",
			applogger.String("table", s.table),
			applogger.String("instrument", instrumentID),
			applogger.String("tf", string(tf)),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("get candles: %w", err)
	}
	defer rows.Close()

	out := make([]models.Candle, 0, 256)
	for rows.Next() {
		var (
			c        models.Candle
			tfs      string
			count    uint64
			revision uint64
		)
		if err := rows.Scan(&c.InstrumentID, &tfs, &c.BucketOpenTime, &c.Open, &c.High, &c.Low, &c.Close,
			&c.Volume, &count, &c.VWAPNumerator, &c.VWAPDenominator, &c.TypicalPrice, &revision); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		c.Timeframe = models.Timeframe(tfs)
		c.BucketOpenTime = c.BucketOpenTime.UTC()
		c.TradeCount = int64(count)
		c.Revision = int64(revision)
		c.Closed = true
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candles: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *CHCandleStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the pool belongs to pkg/clickhouse.Client.
func (s *CHCandleStore) Close() error { return nil }

// KafkaCandlePublisher ships closed candles keyed by instrument.
type KafkaCandlePublisher struct {
	producer *pkgkafka.Producer
	topic    string
}

func NewKafkaCandlePublisher(producer *pkgkafka.Producer, topic string) *KafkaCandlePublisher {
	return &KafkaCandlePublisher{producer: producer, topic: topic}
}

func (p *KafkaCandlePublisher) Publish(ctx context.Context, c *models.Candle) error {
	return p.producer.Publish(ctx, p.topic, []byte(c.InstrumentID), candleEvent(*c))
}

func (p *KafkaCandlePublisher) PublishBatch(ctx context.Context, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	msgs := make([]pkgkafka.Message, len(candles))
	for i, c := range candles {
		msgs[i] = pkgkafka.Message{Key: []byte(c.InstrumentID), Value: candleEvent(c)}
	}
	return p.producer.PublishBatch(ctx, p.topic, msgs)
}

// Close is a no-op; the producer is shared.
func (p *KafkaCandlePublisher) Close() error { return nil }

// CandleEvent is the wire form of a closed candle on the candles topic.
type CandleEvent struct {
	models.Candle
	VWAP  float64 `json:"vwap"`
	Event string  `json:"event"`
}

func candleEvent(c models.Candle) CandleEvent {
	ev := CandleEvent{Candle: c, VWAP: c.VWAP(), Event: "candle_closed"}
	if c.Revision > 0 {
		ev.Event = "candle_revised"
	}
	return ev
}

var (
	_ domrepo.CandleStore     = (*CHCandleStore)(nil)
	_ domrepo.CandlePublisher = (*KafkaCandlePublisher)(nil)
)
