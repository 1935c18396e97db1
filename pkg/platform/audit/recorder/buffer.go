package recorder

import (
	"sync"

	audit "kycgate/pkg/platform/audit"
)

// RingBuffer is a bounded, thread-safe FIFO of audit events awaiting a retry.
// When full, the oldest event is evicted to make room and handed back to the
// caller so the loss can be reported.
type RingBuffer struct {
	mu       sync.Mutex
	events   []audit.Event
	head     int // next write position
	tail     int // next read position
	count    int
	capacity int

	dropped int64
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 10000
	}
	return &RingBuffer{
		events:   make([]audit.Event, capacity),
		capacity: capacity,
	}
}

// Enqueue adds an event, evicting the oldest if necessary. The evicted event
// is returned with ok=true.
func (b *RingBuffer) Enqueue(event audit.Event) (evicted audit.Event, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count >= b.capacity {
		evicted, ok = b.events[b.tail], true
		b.events[b.tail] = audit.Event{}
		b.tail = (b.tail + 1) % b.capacity
		b.count--
		b.dropped++
	}

	b.events[b.head] = event
	b.head = (b.head + 1) % b.capacity
	b.count++
	return evicted, ok
}

// Requeue puts events back at the front, preserving their order, so they are
// retried before anything enqueued later. Events that no longer fit are
// returned.
func (b *RingBuffer) Requeue(events []audit.Event) []audit.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var overflow []audit.Event
	for i := len(events) - 1; i >= 0; i-- {
		if b.count >= b.capacity {
			overflow = append(overflow, events[i])
			b.dropped++
			continue
		}
		b.tail = (b.tail - 1 + b.capacity) % b.capacity
		b.events[b.tail] = events[i]
		b.count++
	}
	return overflow
}

// DequeueBatch removes up to n events from the front of the buffer.
func (b *RingBuffer) DequeueBatch(n int) []audit.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}
	if n > b.count {
		n = b.count
	}

	result := make([]audit.Event, n)
	for i := 0; i < n; i++ {
		result[i] = b.events[b.tail]
		b.events[b.tail] = audit.Event{}
		b.tail = (b.tail + 1) % b.capacity
	}
	b.count -= n
	return result
}

// Len returns the current number of events in the buffer.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Dropped returns the total number of evicted events.
func (b *RingBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
