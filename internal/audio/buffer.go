package audio

import (
	"sync"
)

// RingBuffer holds the most recent audio bytes up to a fixed capacity.
// Writing into a full buffer overwrites the oldest bytes, so a backlog
// built up during a stream restart never grows without bound.
type RingBuffer struct {
	buffer []byte
	size   int
	read   int
	count  int
	mu     sync.Mutex
}

// NewRingBuffer creates a new ring buffer with the specified capacity
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{
		buffer: make([]byte, size),
		size:   size,
	}
}

// Write appends data and returns how many older bytes were overwritten
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	dropped := 0
	if len(data) >= rb.size {
		dropped = rb.count + len(data) - rb.size
		copy(rb.buffer, data[len(data)-rb.size:])
		rb.read = 0
		rb.count = rb.size
		return dropped
	}

	if overflow := rb.count + len(data) - rb.size; overflow > 0 {
		rb.read = (rb.read + overflow) % rb.size
		rb.count -= overflow
		dropped = overflow
	}

	write := (rb.read + rb.count) % rb.size
	n := copy(rb.buffer[write:], data)
	if n < len(data) {
		copy(rb.buffer, data[n:])
	}
	rb.count += len(data)
	return dropped
}

// Read reads up to len(data) of the oldest bytes and returns the number read
func (rb *RingBuffer) Read(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.readLocked(data)
}

func (rb *RingBuffer) readLocked(data []byte) int {
	n := len(data)
	if n > rb.count {
		n = rb.count
	}
	first := copy(data[:n], rb.buffer[rb.read:])
	if first < n {
		copy(data[first:n], rb.buffer)
	}
	rb.read = (rb.read + n) % rb.size
	rb.count -= n
	return n
}

// Drain returns every buffered byte in order and empties the buffer
func (rb *RingBuffer) Drain() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		return nil
	}
	out := make([]byte, rb.count)
	rb.readLocked(out)
	return out
}

// Available returns the number of bytes available to read
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Reset discards all buffered data
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.read = 0
	rb.count = 0
}
