package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"MarketPipe/internal/domain/models"
	domrepo "MarketPipe/internal/domain/repository"
	"MarketPipe/pkg/logger"
)

var ErrPipelineFull = errors.New("candle pipeline buffer full")

// DepthGauge observes how many candles wait in the buffer. prometheus.Gauge satisfies it.
type DepthGauge interface {
	Set(float64)
}

// BatchProc is the downstream the pipeline flushes into.
type BatchProc interface {
	ProcessBatch(ctx context.Context, candles []models.Candle) error
}

// CandlePipeline sits between the aggregator and the candle backend. Submit
// never blocks; a background loop batches by size or interval and retries
// failed batches with capped exponential backoff. The loop outlives the
// context given to Start and ends only in Stop, which flushes everything
// accepted so far.
type CandlePipeline struct {
	proc    BatchProc
	metrics domrepo.Metrics
	depth   DepthGauge
	log     *logger.Logger

	bufSize     int
	batchSize   int
	interval    time.Duration
	maxAttempts int
	backoffMin  time.Duration
	backoffMax  time.Duration

	bufCh   chan models.Candle
	stopCh  chan struct{}
	doneCh  chan struct{}
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	// leftover is the partial batch the loop held when stopped; written
	// before doneCh closes.
	leftover []models.Candle
}

type PipelineOption func(*CandlePipeline)

// WithBufferSize sets how many candles may wait for the backend.
func WithBufferSize(n int) PipelineOption {
	return func(p *CandlePipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// WithBatch sets the flush size and the maximum wait before a partial batch is flushed.
func WithBatch(size int, interval time.Duration) PipelineOption {
	return func(p *CandlePipeline) {
		if size > 0 {
			p.batchSize = size
		}
		if interval > 0 {
			p.interval = interval
		}
	}
}

// WithRetry sets the attempts per batch and the backoff bounds between them.
func WithRetry(attempts int, min, max time.Duration) PipelineOption {
	return func(p *CandlePipeline) {
		if attempts > 0 {
			p.maxAttempts = attempts
		}
		if min > 0 {
			p.backoffMin = min
		}
		if max >= p.backoffMin {
			p.backoffMax = max
		}
	}
}

// WithDepthGauge reports the buffer depth after each Submit and flush.
func WithDepthGauge(g DepthGauge) PipelineOption {
	return func(p *CandlePipeline) {
		p.depth = g
	}
}

func WithLogger(l *logger.Logger) PipelineOption {
	return func(p *CandlePipeline) {
		if l != nil {
			p.log = l
		}
	}
}

func NewCandlePipeline(proc BatchProc, metrics domrepo.Metrics, opts ...PipelineOption) *CandlePipeline {
	p := &CandlePipeline{
		proc:        proc,
		metrics:     metrics,
		log:         logger.Nop(),
		bufSize:     10000,
		batchSize:   500,
		interval:    time.Second,
		maxAttempts: 5,
		backoffMin:  50 * time.Millisecond,
		backoffMax:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = domrepo.NopMetrics{}
	}
	p.bufCh = make(chan models.Candle, p.bufSize)
	return p
}

// Submit enqueues candles without blocking. Candles that do not fit are dropped and counted.
func (p *CandlePipeline) Submit(_ context.Context, candles []models.Candle) error {
	dropped := 0
	for _, c := range candles {
		select {
		case p.bufCh <- c:
		default:
			dropped++
		}
	}
	p.observeDepth()
	if dropped > 0 {
		p.metrics.RecordError("pipeline_buffer_full")
		return fmt.Errorf("%w: dropped %d candles", ErrPipelineFull, dropped)
	}
	return nil
}

// Pending reports the buffered candle count.
func (p *CandlePipeline) Pending() int { return len(p.bufCh) }

func (p *CandlePipeline) observeDepth() {
	if p.depth != nil {
		p.depth.Set(float64(len(p.bufCh)))
	}
}

// Start launches the flush loop. Cancelling ctx does not stop it; only Stop does.
func (p *CandlePipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	go p.loop(loopCtx)
}

// Stop ends the loop and flushes the loop's partial batch plus whatever is
// still buffered, bounded by ctx.
func (p *CandlePipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	close(p.stopCh)
	done, cancel := p.doneCh, p.cancel
	p.mu.Unlock()
	defer cancel()

	select {
	case <-done:
	case <-ctx.Done():
		// abort an in-flight retry
		cancel()
		return ctx.Err()
	}

	rest := p.leftover
	p.leftover = nil
	for {
		select {
		case c := <-p.bufCh:
			rest = append(rest, c)
			continue
		default:
		}
		break
	}
	for len(rest) > 0 {
		n := min(len(rest), p.batchSize)
		if err := p.flush(ctx, rest[:n]); err != nil {
			return fmt.Errorf("final flush: %w", err)
		}
		rest = rest[n:]
	}
	p.observeDepth()
	return nil
}

func (p *CandlePipeline) loop(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	batch := make([]models.Candle, 0, p.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := p.flush(ctx, batch); err != nil {
			p.log.Error("candle batch dropped", logger.Int("size", len(batch)), logger.Error(err))
		}
		batch = batch[:0]
		p.observeDepth()
	}
	for {
		select {
		case <-p.stopCh:
			p.leftover = append([]models.Candle(nil), batch...)
			return
		case c := <-p.bufCh:
			batch = append(batch, c)
			if len(batch) >= p.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// flush sends one batch, retrying with backoff. Revisions of the same bucket collapse to the latest.
func (p *CandlePipeline) flush(ctx context.Context, batch []models.Candle) error {
	out := collapseRevisions(batch)
	start := time.Now()
	backoff := p.backoffMin
	var err error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err = p.proc.ProcessBatch(ctx, out); err == nil {
			p.metrics.RecordLatency("pipeline_flush", time.Since(start).Seconds())
			return nil
		}
		p.metrics.RecordError("pipeline_flush")
		if attempt == p.maxAttempts {
			break
		}
		p.log.Warn("candle batch failed, retrying",
			logger.Int("attempt", attempt), logger.Duration("backoff", backoff), logger.Error(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, p.backoffMax)
	}
	p.metrics.RecordError("pipeline_batch_drop")
	return err
}

type candleKey struct {
	instrument string
	tf         models.Timeframe
	open       int64
}

func collapseRevisions(batch []models.Candle) []models.Candle {
	idx := make(map[candleKey]int, len(batch))
	out := make([]models.Candle, 0, len(batch))
	for _, c := range batch {
		k := candleKey{c.InstrumentID, c.Timeframe, c.BucketOpenTime.UnixNano()}
		if i, ok := idx[k]; ok {
			if c.Revision >= out[i].Revision {
				out[i] = c
			}
			continue
		}
		idx[k] = len(out)
		out = append(out, c)
	}
	return out
}
