package kafka

import (
	"sync"

	"github.com/segmentio/kafka-go"
)

type partitionKey struct {
	topic     string
	partition int
}

// partitionOffsets tracks dispatched offsets of one partition. Lanes finish
// messages out of order; only the contiguous finished prefix may be committed,
// because a group commit is a single high-water mark per partition.
type partitionOffsets struct {
	mu      sync.Mutex
	pending []int64 // dispatched and unfinished or not yet committable, ascending
	done    map[int64]kafka.Message

	commitMu  sync.Mutex
	committed int64
}

func newPartitionOffsets() *partitionOffsets {
	return &partitionOffsets{done: make(map[int64]kafka.Message), committed: -1}
}

func (p *partitionOffsets) track(offset int64) {
	p.mu.Lock()
	p.pending = append(p.pending, offset)
	p.mu.Unlock()
}

// complete marks km finished and returns the newest message that can be
// committed, if the finished prefix grew.
func (p *partitionOffsets) complete(km kafka.Message) (kafka.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done[km.Offset] = km

	var (
		last     kafka.Message
		advanced bool
	)
	for len(p.pending) > 0 {
		m, ok := p.done[p.pending[0]]
		if !ok {
			break
		}
		delete(p.done, p.pending[0])
		p.pending = p.pending[1:]
		last, advanced = m, true
	}
	if len(p.pending) == 0 {
		p.pending = nil
	}
	return last, advanced
}

type offsetTracker struct {
	mu    sync.Mutex
	parts map[partitionKey]*partitionOffsets
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: make(map[partitionKey]*partitionOffsets)}
}

func (t *offsetTracker) partition(topic string, partition int) *partitionOffsets {
	k := partitionKey{topic, partition}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.parts[k]
	if !ok {
		p = newPartitionOffsets()
		t.parts[k] = p
	}
	return p
}
