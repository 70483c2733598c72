package usecase

import (
	"context"
	"errors"
	"sync/atomic"

	"MarketPipe/internal/domain/models"
	drepo "MarketPipe/internal/domain/repository"
	"MarketPipe/pkg/logger"
)

// QuoteCollector pulls LP quotes from a stream into MarketData.
type QuoteCollector struct {
	stream  drepo.QuoteStream
	md      *MarketData
	metrics drepo.Metrics
	log     *logger.Logger
	done    chan struct{}
	closing atomic.Bool
}

func NewQuoteCollector(stream drepo.QuoteStream, md *MarketData, metrics drepo.Metrics, log *logger.Logger) *QuoteCollector {
	if metrics == nil {
		metrics = drepo.NopMetrics{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &QuoteCollector{stream: stream, md: md, metrics: metrics, log: log.With(logger.String("component", "quote_collector"))}
}

// IsConnected returns true if the LP stream is connected.
func (c *QuoteCollector) IsConnected() bool {
	return c.stream.IsConnected()
}

func (c *QuoteCollector) Start(ctx context.Context) error {
	if err := c.stream.Connect(ctx); err != nil {
		return err
	}
	if err := c.stream.Subscribe(ctx); err != nil {
		return err
	}
	c.done = make(chan struct{})
	go c.consume(ctx)
	return nil
}

func (c *QuoteCollector) consume(ctx context.Context) {
	defer close(c.done)
	qCh, errCh := c.stream.Read(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if c.closing.Load() {
				return
			}
			c.metrics.RecordError("lp_stream")
			c.log.Warn("lp stream failed, reconnecting", logger.Error(err))
			if rerr := c.stream.Reconnect(ctx); rerr != nil {
				c.log.Error("lp reconnect failed", logger.Error(rerr))
				return
			}
			qCh, errCh = c.stream.Read(ctx)
		case q, ok := <-qCh:
			if !ok {
				qCh = nil
				continue
			}
			if q == nil {
				continue
			}
			c.handle(ctx, *q)
		}
	}
}

func (c *QuoteCollector) handle(ctx context.Context, q models.Quote) {
	_, err := c.md.SubmitQuote(ctx, q)
	switch {
	case err == nil, errors.Is(err, models.ErrQuoteUnavailable):
	case models.IsValidation(err):
		c.metrics.RecordError("lp_quote_invalid")
		c.log.Debug("lp quote rejected", logger.String("instrument", q.InstrumentID), logger.Error(err))
	default:
		c.log.Error("submit quote", logger.Error(err))
	}
}

// Shutdown closes the stream and waits for the consume loop when it is running.
func (c *QuoteCollector) Shutdown(ctx context.Context) error {
	c.closing.Store(true)
	err := c.stream.Close()
	if c.done != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
		}
	}
	return err
}
