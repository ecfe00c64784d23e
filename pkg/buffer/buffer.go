package buffer

import (
	"sync"

	"go.uber.org/zap"
)

// RingBuffer is a thread-safe generic circular buffer.
// When full, new items overwrite the oldest ones. Add never blocks on I/O,
// so it is safe to call from a BLE discovery callback.
type RingBuffer[T any] struct {
	mu          sync.RWMutex
	data        []T
	capacity    int
	size        int
	head        int
	overwritten int
	logger      *zap.Logger
}

// New creates a new generic RingBuffer with the specified capacity
func New[T any](capacity int, logger *zap.Logger) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

// Add inserts a new item, overwriting the oldest entry when full.
// Only the first overwrite after a Drain is logged.
func (rb *RingBuffer[T]) Add(item T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.addLocked(item)
}

// AddAll inserts items in order, e.g. to requeue a batch that failed to push
func (rb *RingBuffer[T]) AddAll(items []T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for _, item := range items {
		rb.addLocked(item)
	}
}

func (rb *RingBuffer[T]) addLocked(item T) {
	if rb.size == rb.capacity {
		if rb.overwritten == 0 {
			rb.logger.Warn("ring buffer full, overwriting oldest entries",
				zap.Int("capacity", rb.capacity))
		}
		rb.overwritten++
	}

	rb.data[rb.head] = item
	rb.head = (rb.head + 1) % rb.capacity

	if rb.size < rb.capacity {
		rb.size++
	}
}

// Drain atomically returns all buffered items, oldest first, and empties the buffer.
// The returned slice is a copy.
func (rb *RingBuffer[T]) Drain() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == 0 {
		return nil
	}

	results := make([]T, rb.size)
	// Oldest entry sits size slots behind head
	start := (rb.head - rb.size + rb.capacity) % rb.capacity
	for i := 0; i < rb.size; i++ {
		results[i] = rb.data[(start+i)%rb.capacity]
	}

	if rb.overwritten > 0 {
		rb.logger.Info("ring buffer drained after overflow",
			zap.Int("overwritten", rb.overwritten))
	}

	var zero T
	for i := range rb.data {
		rb.data[i] = zero
	}
	rb.size = 0
	rb.head = 0
	rb.overwritten = 0

	return results
}

// Size returns the current number of entries in the buffer
func (rb *RingBuffer[T]) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Capacity returns the maximum capacity of the buffer
func (rb *RingBuffer[T]) Capacity() int {
	return rb.capacity
}

// Stats returns the current size, capacity and overwrite count since the last Drain
func (rb *RingBuffer[T]) Stats() (size, capacity, overwritten int) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size, rb.capacity, rb.overwritten
}
