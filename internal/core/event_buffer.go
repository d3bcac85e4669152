package core

import "sync"

// DefaultEventBufferCapacity is the live feed buffer size used when none is configured.
const DefaultEventBufferCapacity = 500

// EventBuffer is a fixed-capacity ring of generated events. When full, the
// oldest event is evicted and counted in Dropped.
type EventBuffer struct {
	mu       sync.RWMutex
	entries  []*SimEvent
	capacity int
	pos      int // next write slot
	size     int
	dropped  uint64
}

// NewEventBuffer creates a buffer holding up to capacity events.
func NewEventBuffer(capacity int) *EventBuffer {
	if capacity <= 0 {
		capacity = DefaultEventBufferCapacity
	}
	return &EventBuffer{
		entries:  make([]*SimEvent, capacity),
		capacity: capacity,
	}
}

// Push stores event as the newest entry, evicting the oldest when full.
// It reports whether an eviction happened.
func (b *EventBuffer) Push(event *SimEvent) (evicted bool) {
	b.mu.Lock()
	if b.size == b.capacity {
		b.dropped++
		evicted = true
	} else {
		b.size++
	}
	b.entries[b.pos] = event
	b.pos = (b.pos + 1) % b.capacity
	b.mu.Unlock()
	return evicted
}

// Snapshot returns up to n events, newest first. n <= 0 returns everything.
func (b *EventBuffer) Snapshot(n int) []*SimEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > b.size {
		n = b.size
	}
	result := make([]*SimEvent, n)
	for i := 0; i < n; i++ {
		idx := (b.pos - 1 - i + b.capacity) % b.capacity
		result[i] = b.entries[idx]
	}
	return result
}

// Len returns the number of buffered events.
func (b *EventBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Capacity returns the fixed capacity.
func (b *EventBuffer) Capacity() int {
	return b.capacity
}

// Dropped returns the number of evictions since the last generator restart.
func (b *EventBuffer) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Clear empties the buffer. The dropped counter is a session counter and is kept.
func (b *EventBuffer) Clear() {
	b.mu.Lock()
	for i := range b.entries {
		b.entries[i] = nil
	}
	b.pos = 0
	b.size = 0
	b.mu.Unlock()
}

// ResetDropped zeroes the eviction counter. Only a generator restart calls it.
func (b *EventBuffer) ResetDropped() {
	b.mu.Lock()
	b.dropped = 0
	b.mu.Unlock()
}
