package hub

import (
	"sync"
	"sync/atomic"
)

// handle is the hub-side state of one subscriber. channels is guarded by Hub.mu.
// The queue is never closed; stop closes done so concurrent offers stay safe.
type handle struct {
	sub      Subscriber
	queue    chan Message
	done     chan struct{}
	stopOnce sync.Once
	channels map[string]struct{}

	consecutiveDrops atomic.Int64
	dropped          atomic.Int64
	degraded         atomic.Bool
}

func newHandle(sub Subscriber, size int) *handle {
	return &handle{
		sub:      sub,
		queue:    make(chan Message, size),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
	}
}

// offer enqueues without blocking. It returns false when msg was not accepted
// (drop-newest) or when an older message had to be discarded (drop-oldest).
func (hd *handle) offer(msg Message, policy DropPolicy) bool {
	select {
	case hd.queue <- msg:
		hd.consecutiveDrops.Store(0)
		return true
	default:
	}

	if policy == DropOldest {
		select {
		case <-hd.queue:
		default:
		}
		select {
		case hd.queue <- msg:
		default:
		}
	}
	hd.consecutiveDrops.Add(1)
	hd.dropped.Add(1)
	hd.degraded.Store(true)
	return false
}

func (hd *handle) stop() {
	hd.stopOnce.Do(func() { close(hd.done) })
}
