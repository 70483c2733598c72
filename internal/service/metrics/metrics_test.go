package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestHubMetrics(t *testing.T) {
	m := NewHubMetrics(prometheus.NewRegistry())
	m.RecordPublish("quote", 3)
	m.RecordPublish("quote", 2)
	m.RecordDrop("trade")
	m.RecordEviction("lagging")
	m.SetSubscribers(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.published.WithLabelValues("quote")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.delivered.WithLabelValues("quote")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("trade")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evicted.WithLabelValues("lagging")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.subscribers))
}

func TestPipelineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPipelineMetrics(reg)
	m.BufferDepth.Set(7)

	assert.Equal(t, 7.0, testutil.ToFloat64(m.BufferDepth))
	n, err := testutil.GatherAndCount(reg, "marketpipe_pipeline_buffer_depth")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAPIMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewAPIMetrics(prometheus.NewRegistry())
		NewAPIMetrics(prometheus.NewRegistry())
	})
}
