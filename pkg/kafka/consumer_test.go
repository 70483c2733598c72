package kafka

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaneForIsStablePerKey(t *testing.T) {
	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("INST%d", i))
		first := laneFor(key, 0, 8)
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 8)
		assert.Equal(t, first, laneFor(key, 5, 8), "partition must not move a keyed message")
	}
	assert.Equal(t, 3, laneFor(nil, 11, 8))
	assert.Equal(t, 0, laneFor([]byte("x"), 3, 1))
}

func TestPermanentError(t *testing.T) {
	base := errors.New("bad payload")
	err := fmt.Errorf("handle: %w", Permanent(base))
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.NoError(t, Permanent(nil))
}

func TestBackoffWithJitterBounds(t *testing.T) {
	for attempt := 1; attempt < 10; attempt++ {
		d := backoffWithJitter(10*time.Millisecond, 200*time.Millisecond, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 200*time.Millisecond)
	}
}

type recorder struct {
	errors []string
	ops    []string
}

func (r *recorder) RecordError(kind string)             { r.errors = append(r.errors, kind) }
func (r *recorder) RecordLatency(op string, _ float64) { r.ops = append(r.ops, op) }

func TestMetricsHook(t *testing.T) {
	rec := &recorder{}
	h := MetricsHook{Metrics: rec}
	km := kafka.Message{Time: time.Now(), Headers: []kafka.Header{{Key: "trace_id", Value: []byte("abc")}}}

	ctx, _, _, err := h.BeforeHandle(context.Background(), "engine", km, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", TraceID(ctx))

	h.AfterHandle(ctx, "engine", km, nil, errors.New("x"))
	assert.Equal(t, []string{"consume_engine", "consume_lag"}, rec.ops)
	assert.Equal(t, []string{"consume_engine"}, rec.errors)
}

func TestNewConsumerRequiresBrokers(t *testing.T) {
	_, err := NewConsumer()
	assert.Error(t, err)

	c, err := NewConsumer(WithConsumerBrokers([]string{"localhost:9092"}), WithConsumerWorkers(3))
	require.NoError(t, err)
	assert.Len(t, c.lanes, 3)
	assert.Error(t, c.Start(), "start without handlers")
}

func offsetMsg(partition int, offset int64, key string) kafka.Message {
	return kafka.Message{Topic: "engine", Partition: partition, Offset: offset, Key: []byte(key)}
}

func TestPartitionOffsets_CommitsContiguousPrefixOnly(t *testing.T) {
	p := newPartitionOffsets()
	for _, off := range []int64{9, 10, 11} {
		p.track(off)
	}

	_, ok := p.complete(offsetMsg(0, 10, "B"))
	assert.False(t, ok, "offset 9 is still in flight")
	_, ok = p.complete(offsetMsg(0, 11, "C"))
	assert.False(t, ok)

	km, ok := p.complete(offsetMsg(0, 9, "A"))
	require.True(t, ok)
	assert.Equal(t, int64(11), km.Offset)

	p.track(12)
	km, ok = p.complete(offsetMsg(0, 12, "A"))
	require.True(t, ok)
	assert.Equal(t, int64(12), km.Offset)
}

func TestOffsetTrackerSeparatesPartitions(t *testing.T) {
	tr := newOffsetTracker()
	tr.partition("engine", 0).track(5)
	tr.partition("engine", 1).track(7)

	km, ok := tr.partition("engine", 1).complete(offsetMsg(1, 7, "B"))
	require.True(t, ok)
	assert.Equal(t, int64(7), km.Offset)
	assert.Same(t, tr.partition("engine", 0), tr.partition("engine", 0))
}

type scriptedHandler struct {
	results map[string]func() error
}

func (scriptedHandler) Topic() string { return "engine" }

func (h scriptedHandler) Handle(_ context.Context, key, _ []byte) error {
	return h.results[string(key)]()
}

func TestConsumer_FinishedLaterOffsetWaitsForPendingOne(t *testing.T) {
	c, err := NewConsumer(
		WithConsumerBrokers([]string{"localhost:9092"}),
		WithConsumerWorkers(2),
		WithConsumerRetry(3, time.Hour, time.Hour),
	)
	require.NoError(t, err)
	c.RegisterHandler(scriptedHandler{results: map[string]func() error{
		"A": func() error { return errors.New("clickhouse busy") },
		"B": func() error { return nil },
	}})

	p := c.offsets.partition("engine", 0)
	p.track(9)
	p.track(10)

	// B finishes first in its own lane
	c.handle(&message{topic: "engine", km: offsetMsg(0, 10, "B")})

	// A is backing off when the consumer stops
	done := make(chan struct{})
	go func() {
		c.handle(&message{topic: "engine", km: offsetMsg(0, 9, "A")})
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	close(c.stopChan)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not observe stop")
	}

	assert.Equal(t, []int64{9, 10}, p.pending)
	assert.Equal(t, int64(-1), p.committed)
}

func TestConsumer_PanickingHandlerReleasesPartition(t *testing.T) {
	c, err := NewConsumer(WithConsumerBrokers([]string{"localhost:9092"}))
	require.NoError(t, err)
	c.RegisterHandler(scriptedHandler{results: map[string]func() error{
		"A": func() error { panic("boom") },
	}})

	p := c.offsets.partition("engine", 0)
	p.track(3)
	p.track(4)
	c.handle(&message{topic: "engine", km: offsetMsg(0, 3, "A")})

	km, ok := p.complete(offsetMsg(0, 4, "A"))
	require.True(t, ok, "the panicked offset must not block its successors")
	assert.Equal(t, int64(4), km.Offset)
}
