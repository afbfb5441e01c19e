package capture

import "sync"

// RingBuffer is a fixed-capacity circular buffer of output lines. Appending
// to a full buffer evicts the oldest line.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []string
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RingBuffer{
		buf:      make([]string, capacity),
		capacity: capacity,
	}
}

// Write adds a line to the ring buffer.
func (rb *RingBuffer) Write(line string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = line
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// Len returns the number of stored lines.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.full {
		return rb.capacity
	}
	return rb.pos
}

// Cap returns the buffer capacity.
func (rb *RingBuffer) Cap() int {
	return rb.capacity
}

// ReadAll returns all lines in the buffer in chronological order.
func (rb *RingBuffer) ReadAll() []string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]string, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]string, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}
