package kafka

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"MarketPipe/pkg/logger"
)

// MessageHandler handles messages from a specific topic.
type MessageHandler interface {
	Topic() string
	Handle(ctx context.Context, key, value []byte) error
}

// permanentError marks a failure that retrying cannot fix (malformed payload, validation).
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the consumer skips retries and sends the message straight to the DLQ.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Consumer reads registered topics and dispatches messages to a fixed set of
// lanes. A message's lane is chosen by hashing its key, so all messages for one
// key are handled one at a time and in partition order. Offsets are committed
// per partition only up to the last message with no unfinished predecessor.
type Consumer struct {
	cfg      *ConsumerConfig
	log      *logger.Logger
	readers  map[string]*kafka.Reader
	handlers map[string]MessageHandler
	lanes    []chan *message
	dlq      *kafka.Writer
	hook     ConsumerHook
	offsets  *offsetTracker

	stopChan  chan struct{}
	readWG    sync.WaitGroup
	workersWG sync.WaitGroup
	stopOnce  sync.Once
}

type message struct {
	topic string
	km    kafka.Message
}

func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	cfg := &ConsumerConfig{
		GroupID:     "marketpipe",
		StartOffset: "latest",
		WorkerCount: 4,
		LaneBuffer:  256,
		RetryMax:    3,
		BackoffMin:  50 * time.Millisecond,
		BackoffMax:  2 * time.Second,
		MinBytes:    1,
		MaxBytes:    10e6,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	c := &Consumer{
		cfg:      cfg,
		log:      cfg.Logger,
		readers:  make(map[string]*kafka.Reader),
		handlers: make(map[string]MessageHandler),
		lanes:    make([]chan *message, cfg.WorkerCount),
		hook:     NoopHook{},
		offsets:  newOffsetTracker(),
		stopChan: make(chan struct{}),
	}
	for i := range c.lanes {
		c.lanes[i] = make(chan *message, cfg.LaneBuffer)
	}
	if cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Balancer: &kafka.Hash{}}
	}
	initConsumerMetricsOnce()
	return c, nil
}

// RegisterHandler binds a handler to its topic. A second handler for the same topic is ignored.
func (c *Consumer) RegisterHandler(h MessageHandler) {
	if _, ok := c.handlers[h.Topic()]; ok {
		c.log.Warn("kafka consumer: handler already registered", logger.String("topic", h.Topic()))
		return
	}
	c.handlers[h.Topic()] = h
}

// WithHook replaces the lifecycle hook.
func (c *Consumer) WithHook(h ConsumerHook) {
	if h != nil {
		c.hook = h
	}
}

func (c *Consumer) Start() error {
	if len(c.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}
	start := kafka.LastOffset
	if c.cfg.StartOffset == "earliest" {
		start = kafka.FirstOffset
	}
	for topic := range c.handlers {
		c.readers[topic] = kafka.NewReader(kafka.ReaderConfig{
			Brokers:     c.cfg.Brokers,
			Topic:       topic,
			GroupID:     c.cfg.GroupID,
			MinBytes:    c.cfg.MinBytes,
			MaxBytes:    c.cfg.MaxBytes,
			StartOffset: start,
		})
	}
	for _, lane := range c.lanes {
		c.workersWG.Add(1)
		go c.worker(lane)
	}
	for topic, r := range c.readers {
		c.readWG.Add(1)
		go c.read(topic, r)
	}
	c.log.Info("kafka consumer started",
		logger.Int("lanes", len(c.lanes)),
		logger.Int("topics", len(c.readers)),
		logger.String("group", c.cfg.GroupID),
	)
	return nil
}

// Stop stops reading, drains the lanes and closes readers.
func (c *Consumer) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopChan)
		if err = waitGroup(ctx, &c.readWG); err != nil {
			return
		}
		for _, lane := range c.lanes {
			close(lane)
		}
		err = waitGroup(ctx, &c.workersWG)

		for topic, r := range c.readers {
			if cerr := r.Close(); cerr != nil {
				c.log.Warn("kafka consumer: close reader", logger.String("topic", topic), logger.Error(cerr))
			}
		}
		if c.dlq != nil {
			_ = c.dlq.Close()
		}
	})
	return err
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for consumer to stop: %w", ctx.Err())
	case <-done:
		return nil
	}
}

// laneFor hashes the key; unkeyed messages fall back to their partition.
func laneFor(key []byte, partition, lanes int) int {
	if lanes <= 1 {
		return 0
	}
	if len(key) == 0 {
		if partition < 0 {
			partition = -partition
		}
		return partition % lanes
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(lanes))
}

func (c *Consumer) read(topic string, r *kafka.Reader) {
	defer c.readWG.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.stopChan
		cancel()
	}()

	for {
		km, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("kafka consumer: fetch", logger.String("topic", topic), logger.Error(err))
			time.Sleep(backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, 2))
			continue
		}
		lane := c.lanes[laneFor(km.Key, km.Partition, len(c.lanes))]
		c.offsets.partition(topic, km.Partition).track(km.Offset)
		select {
		case lane <- &message{topic: topic, km: km}:
			if consumerLaneDepth != nil {
				consumerLaneDepth.WithLabelValues(topic).Set(float64(len(lane)))
			}
		case <-c.stopChan:
			return
		}
	}
}

func (c *Consumer) worker(lane <-chan *message) {
	defer c.workersWG.Done()
	for msg := range lane {
		c.handle(msg)
	}
}

func (c *Consumer) handle(msg *message) {
	h, ok := c.handlers[msg.topic]
	if !ok {
		c.markDone(msg)
		return
	}
	start := time.Now()

	var err error
	attempts := 0
	for {
		attempts++
		err = c.invoke(h, msg)
		if err == nil || IsPermanent(err) || attempts > c.cfg.RetryMax {
			break
		}
		select {
		case <-time.After(backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, attempts)):
		case <-c.stopChan:
			// leave uncommitted; the partition resumes here after restart
			return
		}
	}

	if err != nil {
		c.hook.OnError(context.Background(), msg.topic, msg.km, msg.km.Value, err)
		c.log.Error("kafka consumer: message failed",
			logger.String("topic", msg.topic),
			logger.Int64("offset", msg.km.Offset),
			logger.Int("attempts", attempts),
			logger.Bool("permanent", IsPermanent(err)),
			logger.Error(err),
		)
		c.toDLQ(msg, err)
	}

	c.markDone(msg)
	if consumerHandleLatency != nil {
		consumerHandleLatency.WithLabelValues(msg.topic).Observe(time.Since(start).Seconds())
	}
}

// invoke runs one attempt. A panicking handler counts as a permanent failure
// so the message reaches the DLQ instead of stalling its partition.
func (c *Consumer) invoke(h MessageHandler, msg *message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("kafka consumer: handler panic", logger.String("topic", msg.topic), logger.Any("panic", r))
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	ctx, km, data, berr := c.hook.BeforeHandle(context.Background(), msg.topic, msg.km, msg.km.Value)
	if berr != nil {
		return berr
	}
	err = h.Handle(ctx, km.Key, data)
	c.hook.AfterHandle(ctx, msg.topic, km, data, err)
	return err
}

// markDone finishes msg and commits the partition's new high-water mark, if any.
// Commits for one partition are serialized and never move backwards.
func (c *Consumer) markDone(msg *message) {
	p := c.offsets.partition(msg.topic, msg.km.Partition)
	km, ok := p.complete(msg.km)
	if !ok {
		return
	}
	r := c.readers[msg.topic]
	if r == nil {
		return
	}
	p.commitMu.Lock()
	defer p.commitMu.Unlock()
	if km.Offset <= p.committed {
		return
	}
	if c.commit(r, km) {
		p.committed = km.Offset
	}
}

func (c *Consumer) toDLQ(msg *message, cause error) {
	if c.dlq == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.dlq.WriteMessages(ctx, kafka.Message{
		Topic: c.cfg.DLQTopic,
		Key:   msg.km.Key,
		Value: msg.km.Value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "source_topic", Value: []byte(msg.topic)},
			{Key: "error", Value: []byte(cause.Error())},
		},
	})
	if err != nil {
		c.log.Error("kafka consumer: dlq write", logger.String("dlq", c.cfg.DLQTopic), logger.Error(err))
	}
}

// commit retries a few times; a lost commit only means redelivery.
func (c *Consumer) commit(r *kafka.Reader, km kafka.Message) bool {
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = r.CommitMessages(ctx, km)
		cancel()
		if err == nil {
			return true
		}
		time.Sleep(backoffWithJitter(50*time.Millisecond, 500*time.Millisecond, attempt))
	}
	c.log.Warn("kafka consumer: commit failed",
		logger.Int("partition", km.Partition), logger.Int64("offset", km.Offset), logger.Error(err))
	return false
}

func backoffWithJitter(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	if attempt < 1 {
		attempt = 1
	}
	exp := min << uint(attempt-1)
	if exp > max || exp <= 0 {
		exp = max
	}
	half := int64(exp) / 2
	if half <= 0 {
		return exp
	}
	return exp - time.Duration(rand.Int63n(half))
}

var (
	consumerLaneDepth     *prometheus.GaugeVec
	consumerHandleLatency *prometheus.HistogramVec
	consumerOnce          = make(chan struct{}, 1)
)

func initConsumerMetricsOnce() {
	select {
	case consumerOnce <- struct{}{}:
		consumerLaneDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: "marketpipe_kafka_consumer_lane_depth", Help: "Messages waiting in the lane that received the last message"},
			[]string{"topic"},
		)
		consumerHandleLatency = promauto.NewHistogramVec(
			prometheus.HistogramOpts{Name: "marketpipe_kafka_consumer_handle_seconds", Help: "Handling time per message"},
			[]string{"topic"},
		)
	default:
	}
}
