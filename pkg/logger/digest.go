package logger

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// Publisher ships a digest batch to a topic. The kafka producer satisfies it.
type Publisher interface {
	PublishMessage(ctx context.Context, topic string, payload interface{}) error
}

type DigestConfig struct {
	Interval  time.Duration // flush period
	MaxKeys   int           // flush early once this many distinct entries are pending
	Topic     string
	Publisher Publisher
}

// DigestEntry counts repeats of one (level, message, fields, caller) combination.
type DigestEntry struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields"`
	Caller    string                 `json:"caller"`
	Count     int                    `json:"count"`
	FirstSeen time.Time              `json:"first_seen"`
	LastSeen  time.Time              `json:"last_seen"`
}

// Digest collapses repeated error logs and publishes them in batches.
type Digest struct {
	cfg     *DigestConfig
	mu      sync.Mutex
	pending map[uint64]*DigestEntry
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func NewDigest(cfg *DigestConfig) *Digest {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 100
	}
	d := &Digest{
		cfg:     cfg,
		pending: make(map[uint64]*DigestEntry),
		stop:    make(chan struct{}),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

func (d *Digest) Add(level, msg string, fields map[string]interface{}, caller string) {
	now := time.Now()
	key := digestKey(level, msg, fields, caller)

	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.pending[key]; ok {
		e.Count++
		e.LastSeen = now
	} else {
		d.pending[key] = &DigestEntry{
			Level: level, Message: msg, Fields: fields, Caller: caller,
			Count: 1, FirstSeen: now, LastSeen: now,
		}
	}
	if len(d.pending) >= d.cfg.MaxKeys {
		d.flushLocked()
	}
}

// Pending returns the number of distinct entries waiting for the next flush.
func (d *Digest) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func digestKey(level, msg string, fields map[string]interface{}, caller string) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s", level, msg, caller)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%v", k, fields[k])
	}
	return h.Sum64()
}

func (d *Digest) loop() {
	defer d.wg.Done()
	t := time.NewTicker(d.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			d.mu.Lock()
			d.flushLocked()
			d.mu.Unlock()
		case <-d.stop:
			d.mu.Lock()
			d.flushLocked()
			d.mu.Unlock()
			return
		}
	}
}

func (d *Digest) flushLocked() {
	if len(d.pending) == 0 {
		return
	}
	if d.cfg.Publisher == nil {
		d.pending = make(map[uint64]*DigestEntry)
		return
	}
	batch := make([]DigestEntry, 0, len(d.pending))
	for _, e := range d.pending {
		batch = append(batch, *e)
	}
	d.pending = make(map[uint64]*DigestEntry)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.cfg.Publisher.PublishMessage(ctx, d.cfg.Topic, batch); err != nil {
			fmt.Printf("log digest publish failed: %v\n", err)
		}
	}()
}

func (d *Digest) Close() {
	d.once.Do(func() { close(d.stop) })
	d.wg.Wait()
}
