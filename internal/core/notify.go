package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Topic identifies the kind of state change carried by a Notification.
type Topic string

const (
	TopicEvent        Topic = "event"
	TopicHighSeverity Topic = "high_severity"
	TopicDeviceAction Topic = "device_action"
	TopicTriageReady  Topic = "triage_ready"
	TopicRunUpdated   Topic = "run_updated"
	TopicRunFinished  Topic = "run_finished"

	TopicApprovalRequested Topic = "approval_requested"
)

var knownTopics = map[Topic]bool{
	TopicEvent:             true,
	TopicHighSeverity:      true,
	TopicDeviceAction:      true,
	TopicTriageReady:       true,
	TopicRunUpdated:        true,
	TopicRunFinished:       true,
	TopicApprovalRequested: true,
}

// Notification is a state change emitted by the engine for subscribers.
type Notification struct {
	ID        string      `json:"id"`
	Topic     Topic       `json:"topic"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Hub fans notifications out to subscribers. Publish never blocks: a
// subscriber whose channel is full misses the notification and the miss is counted.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Notification
	nextID  uint64
	dropped atomic.Int64
	sent    atomic.Int64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan Notification)}
}

// Subscribe registers a subscriber with the given channel buffer. The
// returned cancel func unregisters it and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Notification, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish wraps payload in a Notification and delivers it to every subscriber.
func (h *Hub) Publish(topic Topic, payload interface{}) Notification {
	n := Notification{
		ID:        uuid.New().String(),
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- n:
			h.sent.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
	return n
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stats returns delivery counters.
func (h *Hub) Stats() map[string]interface{} {
	return map[string]interface{}{
		"subscribers": h.Subscribers(),
		"delivered":   h.sent.Load(),
		"dropped":     h.dropped.Load(),
	}
}
