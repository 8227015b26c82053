package broadcast

import (
	"sync"

	"github.com/lexiqai/livecaption/internal/transcript"
)

// Outbox is a bounded per-subscriber queue. Pushing into a full outbox
// drops the oldest message so producers never wait on a slow consumer.
type Outbox struct {
	mu      sync.Mutex
	items   []transcript.Message
	head    int
	count   int
	dropped uint64
	closed  bool
	ready   chan struct{}
}

// NewOutbox creates an outbox holding at most size messages
func NewOutbox(size int) *Outbox {
	if size < 1 {
		size = 1
	}
	return &Outbox{
		items: make([]transcript.Message, size),
		ready: make(chan struct{}, 1),
	}
}

// Push appends msg and reports whether room was available without dropping.
// Pushing into a closed outbox is a no-op.
func (o *Outbox) Push(msg transcript.Message) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return true
	}

	ok := true
	if o.count == len(o.items) {
		o.items[o.head] = transcript.Message{}
		o.head = (o.head + 1) % len(o.items)
		o.count--
		o.dropped++
		ok = false
	}
	o.items[(o.head+o.count)%len(o.items)] = msg
	o.count++
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return ok
}

// Pop removes the oldest message
func (o *Outbox) Pop() (transcript.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.count == 0 {
		return transcript.Message{}, false
	}
	msg := o.items[o.head]
	o.items[o.head] = transcript.Message{}
	o.head = (o.head + 1) % len(o.items)
	o.count--
	return msg, true
}

// Ready signals (coalesced) after every Push
func (o *Outbox) Ready() <-chan struct{} {
	return o.ready
}

// Len returns the number of queued messages
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}

// Dropped returns how many messages were discarded on overflow
func (o *Outbox) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// Close discards queued messages and rejects future pushes
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for i := range o.items {
		o.items[i] = transcript.Message{}
	}
	o.count = 0
}
