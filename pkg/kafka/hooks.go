package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// ConsumerHook observes message handling. BeforeHandle may rewrite the context
// or payload; an error from it skips the handler and counts as a failure.
type ConsumerHook interface {
	BeforeHandle(ctx context.Context, topic string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error)
	AfterHandle(ctx context.Context, topic string, km kafka.Message, data []byte, err error)
	OnError(ctx context.Context, topic string, km kafka.Message, data []byte, err error)
}

type NoopHook struct{}

func (NoopHook) BeforeHandle(ctx context.Context, _ string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error) {
	return ctx, km, data, nil
}
func (NoopHook) AfterHandle(context.Context, string, kafka.Message, []byte, error) {}
func (NoopHook) OnError(context.Context, string, kafka.Message, []byte, error)     {}

// Recorder is the subset of the domain metrics the hook reports to.
type Recorder interface {
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
}

type ctxKey string

const (
	ctxStartTime ctxKey = "kafka_hook_start_time"
	ctxTraceID   ctxKey = "kafka_hook_trace_id"
)

// TraceID returns the trace id carried in the message headers, if any.
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(ctxTraceID).(string)
	return v
}

func headerValue(km kafka.Message, key string) string {
	for _, h := range km.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// MetricsHook records handling latency, engine-to-handler lag and failures per topic.
type MetricsHook struct {
	Metrics Recorder
}

func (h MetricsHook) BeforeHandle(ctx context.Context, _ string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error) {
	ctx = context.WithValue(ctx, ctxStartTime, time.Now())
	if id := headerValue(km, "trace_id"); id != "" {
		ctx = context.WithValue(ctx, ctxTraceID, id)
	}
	return ctx, km, data, nil
}

func (h MetricsHook) AfterHandle(ctx context.Context, topic string, km kafka.Message, _ []byte, err error) {
	if h.Metrics == nil {
		return
	}
	if start, ok := ctx.Value(ctxStartTime).(time.Time); ok {
		h.Metrics.RecordLatency("consume_"+topic, time.Since(start).Seconds())
	}
	if !km.Time.IsZero() {
		h.Metrics.RecordLatency("consume_lag", time.Since(km.Time).Seconds())
	}
	if err != nil {
		h.Metrics.RecordError("consume_" + topic)
	}
}

func (h MetricsHook) OnError(context.Context, string, kafka.Message, []byte, error) {}
