// Package hub fans real-time messages out to channel subscribers. Publishing
// never blocks: each subscriber owns a bounded queue drained by its own writer
// goroutine, and a subscriber that keeps falling behind is evicted.
package hub

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"MarketPipe/internal/domain/models"
	"MarketPipe/pkg/logger"
)

// Message is one payload delivered on a channel.
type Message struct {
	Channel string      `json:"channel"`
	Type    string      `json:"type"`
	Data    interface{} `json:"data"`
	Time    time.Time   `json:"ts"`
}

// Subscriber is a transport endpoint. Send may block; it runs on the
// subscriber's own writer goroutine, never on the publisher's.
type Subscriber interface {
	ID() string
	Send(msg Message) error
	Close() error
}

// Metrics receives hub events. Implementations must be safe for concurrent use.
type Metrics interface {
	RecordPublish(kind string, recipients int)
	RecordDrop(kind string)
	RecordEviction(reason string)
	SetSubscribers(n int)
}

type DropPolicy string

const (
	DropNewest DropPolicy = "newest"
	DropOldest DropPolicy = "oldest"
)

const (
	DefaultQueueSize = 256
	DefaultMaxDrops  = 64
)

type Config struct {
	QueueSize  int
	MaxDrops   int // consecutive drops before eviction; <= 0 disables eviction on drops
	DropPolicy DropPolicy
}

type Option func(*Hub)

func WithConfig(cfg Config) Option {
	return func(h *Hub) {
		if cfg.QueueSize > 0 {
			h.cfg.QueueSize = cfg.QueueSize
		}
		h.cfg.MaxDrops = cfg.MaxDrops
		if cfg.DropPolicy != "" {
			h.cfg.DropPolicy = cfg.DropPolicy
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(h *Hub) {
		if m != nil {
			h.metrics = m
		}
	}
}

// Hub is the channel registry.
type Hub struct {
	cfg     Config
	log     *logger.Logger
	metrics Metrics

	mu       sync.RWMutex
	channels map[string]map[string]*handle
	handles  map[string]*handle

	published atomic.Uint64
	dropped   atomic.Uint64
	evicted   atomic.Uint64
}

func New(opts ...Option) *Hub {
	h := &Hub{
		cfg:      Config{QueueSize: DefaultQueueSize, MaxDrops: DefaultMaxDrops, DropPolicy: DropNewest},
		log:      logger.Nop(),
		metrics:  nopMetrics{},
		channels: make(map[string]map[string]*handle),
		handles:  make(map[string]*handle),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Subscribe adds sub to channel. Subscribing twice is a no-op.
func (h *Hub) Subscribe(channel string, sub Subscriber) error {
	if _, _, err := models.ParseChannelID(channel); err != nil {
		return err
	}
	if sub == nil || sub.ID() == "" {
		return fmt.Errorf("subscriber id is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	hd, ok := h.handles[sub.ID()]
	if !ok {
		hd = newHandle(sub, h.cfg.QueueSize)
		h.handles[sub.ID()] = hd
		go h.writer(hd)
	}
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[string]*handle)
		h.channels[channel] = subs
	}
	subs[sub.ID()] = hd
	hd.channels[channel] = struct{}{}
	h.metrics.SetSubscribers(len(h.handles))
	return nil
}

// Unsubscribe removes sub from channel. Safe to call repeatedly and for unknown subscribers.
func (h *Hub) Unsubscribe(channel string, sub Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	hd, ok := h.handles[sub.ID()]
	if !ok {
		return
	}
	h.detachLocked(hd, channel)
	if len(hd.channels) == 0 {
		h.dropHandleLocked(hd)
	}
}

// UnsubscribeAll removes sub from every channel. Used on disconnect.
func (h *Hub) UnsubscribeAll(sub Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if hd, ok := h.handles[sub.ID()]; ok {
		h.dropHandleLocked(hd)
	}
}

func (h *Hub) detachLocked(hd *handle, channel string) {
	if subs, ok := h.channels[channel]; ok {
		delete(subs, hd.sub.ID())
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	delete(hd.channels, channel)
}

func (h *Hub) dropHandleLocked(hd *handle) {
	for ch := range hd.channels {
		h.detachLocked(hd, ch)
	}
	if h.handles[hd.sub.ID()] == hd {
		delete(h.handles, hd.sub.ID())
	}
	hd.stop()
	h.metrics.SetSubscribers(len(h.handles))
}

// Publish delivers msg to the subscribers present at call time and returns
// how many accepted it. It never blocks on a subscriber.
func (h *Hub) Publish(channel string, msg Message) int {
	msg.Channel = channel
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	kind, _, _ := strings.Cut(channel, ":")

	var (
		delivered int
		lagging   []*handle
	)
	h.mu.RLock()
	for _, hd := range h.channels[channel] {
		if hd.offer(msg, h.cfg.DropPolicy) {
			delivered++
			continue
		}
		h.dropped.Add(1)
		h.metrics.RecordDrop(kind)
		if h.cfg.MaxDrops > 0 && hd.consecutiveDrops.Load() >= int64(h.cfg.MaxDrops) {
			lagging = append(lagging, hd)
		}
	}
	h.mu.RUnlock()

	h.published.Add(1)
	h.metrics.RecordPublish(kind, delivered)

	for _, hd := range lagging {
		if h.evict(hd, "slow") {
			// closing a transport can block; keep it off the publish path
			go h.closeSubscriber(hd)
		}
	}
	return delivered
}

// evict removes hd if it is still registered and reports whether this call removed it.
func (h *Hub) evict(hd *handle, reason string) bool {
	h.mu.Lock()
	if h.handles[hd.sub.ID()] != hd {
		h.mu.Unlock()
		return false
	}
	h.dropHandleLocked(hd)
	h.mu.Unlock()

	h.evicted.Add(1)
	h.metrics.RecordEviction(reason)
	h.log.Warn("hub: evicted subscriber",
		logger.String("subscriber", hd.sub.ID()),
		logger.String("reason", reason),
		logger.Int64("dropped", hd.dropped.Load()),
	)
	return true
}

func (h *Hub) closeSubscriber(hd *handle) {
	if err := hd.sub.Close(); err != nil {
		h.log.Debug("hub: close subscriber", logger.String("subscriber", hd.sub.ID()), logger.Error(err))
	}
}

func (h *Hub) writer(hd *handle) {
	for {
		select {
		case <-hd.done:
			return
		case msg := <-hd.queue:
			if err := hd.sub.Send(msg); err != nil {
				if h.evict(hd, "send_failed") {
					h.closeSubscriber(hd)
				}
				return
			}
			if len(hd.queue) == 0 {
				hd.degraded.Store(false)
			}
		}
	}
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Channels    map[string]int `json:"channels"`
	Subscribers int            `json:"subscribers"`
	Degraded    []string       `json:"degraded"`
	Published   uint64         `json:"published"`
	Dropped     uint64         `json:"dropped"`
	Evicted     uint64         `json:"evicted"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	s := Stats{
		Channels:    make(map[string]int, len(h.channels)),
		Subscribers: len(h.handles),
		Degraded:    []string{},
	}
	for ch, subs := range h.channels {
		s.Channels[ch] = len(subs)
	}
	for id, hd := range h.handles {
		if hd.degraded.Load() {
			s.Degraded = append(s.Degraded, id)
		}
	}
	h.mu.RUnlock()
	sort.Strings(s.Degraded)
	s.Published = h.published.Load()
	s.Dropped = h.dropped.Load()
	s.Evicted = h.evicted.Load()
	return s
}

// Subscribers returns the number of subscribers on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

type nopMetrics struct{}

func (nopMetrics) RecordPublish(string, int) {}
func (nopMetrics) RecordDrop(string)         {}
func (nopMetrics) RecordEviction(string)     {}
func (nopMetrics) SetSubscribers(int)        {}
