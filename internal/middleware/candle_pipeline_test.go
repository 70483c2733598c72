package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"MarketPipe/internal/domain/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProc struct {
	mu      sync.Mutex
	batches [][]models.Candle
	fails   int
}

func (r *recordingProc) ProcessBatch(_ context.Context, c []models.Candle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails > 0 {
		r.fails--
		return errors.New("backend down")
	}
	r.batches = append(r.batches, append([]models.Candle(nil), c...))
	return nil
}

func (r *recordingProc) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func candle(inst string, minute int, rev int64) models.Candle {
	c := models.NewCandle(inst, models.TF1m, t0.Add(time.Duration(minute)*time.Minute), 100, 1)
	c.Closed = true
	c.Revision = rev
	return c
}

func TestCandlePipeline_FlushesBySize(t *testing.T) {
	proc := &recordingProc{}
	p := NewCandlePipeline(proc, nil, WithBatch(3, time.Hour))
	p.Start(context.Background())

	require.NoError(t, p.Submit(context.Background(), []models.Candle{candle("A", 0, 0), candle("A", 1, 0), candle("A", 2, 0)}))
	assert.Eventually(t, func() bool { return proc.total() == 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Stop(context.Background()))
}

func TestCandlePipeline_FlushesByInterval(t *testing.T) {
	proc := &recordingProc{}
	p := NewCandlePipeline(proc, nil, WithBatch(100, 10*time.Millisecond))
	p.Start(context.Background())

	require.NoError(t, p.Submit(context.Background(), []models.Candle{candle("A", 0, 0)}))
	assert.Eventually(t, func() bool { return proc.total() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Stop(context.Background()))
}

func TestCandlePipeline_RetriesFailedBatch(t *testing.T) {
	proc := &recordingProc{fails: 2}
	p := NewCandlePipeline(proc, nil,
		WithBatch(1, time.Hour), WithRetry(5, time.Millisecond, 2*time.Millisecond))
	p.Start(context.Background())

	require.NoError(t, p.Submit(context.Background(), []models.Candle{candle("A", 0, 0)}))
	assert.Eventually(t, func() bool { return proc.total() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Stop(context.Background()))
}

func TestCandlePipeline_SubmitNeverBlocks(t *testing.T) {
	p := NewCandlePipeline(&recordingProc{}, nil, WithBufferSize(2))
	// loop not started, buffer fills up
	err := p.Submit(context.Background(), []models.Candle{candle("A", 0, 0), candle("A", 1, 0), candle("A", 2, 0)})
	assert.ErrorIs(t, err, ErrPipelineFull)
	assert.Equal(t, 2, p.Pending())
}

func TestCandlePipeline_StopFlushesRemainder(t *testing.T) {
	proc := &recordingProc{}
	p := NewCandlePipeline(proc, nil, WithBatch(100, time.Hour))
	p.Start(context.Background())
	require.NoError(t, p.Submit(context.Background(), []models.Candle{candle("A", 0, 0), candle("B", 0, 0)}))

	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, 2, proc.total())
}

func TestCandlePipeline_CancelledStartContextStillFlushesOnStop(t *testing.T) {
	proc := &recordingProc{}
	p := NewCandlePipeline(proc, nil, WithBatch(100, time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	require.NoError(t, p.Submit(context.Background(), []models.Candle{candle("A", 0, 0), candle("A", 1, 0), candle("B", 0, 0)}))
	// the loop has moved everything into its partial batch
	require.Eventually(t, func() bool { return p.Pending() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, proc.total())

	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, 3, proc.total())
}

func TestCandlePipeline_DepthGauge(t *testing.T) {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "depth"})
	p := NewCandlePipeline(&recordingProc{}, nil, WithBufferSize(10), WithDepthGauge(g))

	require.NoError(t, p.Submit(context.Background(), []models.Candle{candle("A", 0, 0), candle("A", 1, 0)}))
	assert.Equal(t, 2.0, testutil.ToFloat64(g))

	p.Start(context.Background())
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, 0.0, testutil.ToFloat64(g))
}

func TestCollapseRevisions(t *testing.T) {
	out := collapseRevisions([]models.Candle{candle("A", 0, 0), candle("A", 1, 0), candle("A", 0, 2), candle("A", 0, 1)})
	require.Len(t, out, 2)
	assert.Equal(t, int64(2), out[0].Revision)
	assert.Equal(t, t0.Add(time.Minute), out[1].BucketOpenTime)
}
