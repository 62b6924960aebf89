package events

import (
	"sync"
	"time"
)

// Subscriber is a channel that receives notifications.
type Subscriber chan *Notification

// Hub fans processed-event notifications out to subscribers. The
// applier publishes after each commit; API handlers subscribe while a
// caller waits for its transaction to apply.
type Hub struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	notifyCh    chan *Notification
	stopCh      chan struct{}
}

// NewHub creates a notification hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[Subscriber]bool),
		notifyCh:    make(chan *Notification, 100), // Buffer up to 100 notifications
		stopCh:      make(chan struct{}),
	}
}

// Start begins the hub's distribution loop.
func (h *Hub) Start() {
	go h.run()
}

// Stop stops the hub.
func (h *Hub) Stop() {
	close(h.stopCh)
}

// Subscribe creates a new subscription and returns its channel.
func (h *Hub) Subscribe() Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	h.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subscribers[sub] {
		delete(h.subscribers, sub)
		close(sub)
	}
}

// Publish sends a notification to all subscribers.
func (h *Hub) Publish(n *Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	select {
	case h.notifyCh <- n:
	case <-h.stopCh:
	}
}

func (h *Hub) run() {
	for {
		select {
		case n := <-h.notifyCh:
			h.broadcast(n)
		case <-h.stopCh:
			return
		}
	}
}

func (h *Hub) broadcast(n *Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subscribers {
		select {
		case sub <- n:
		default:
			// Subscriber buffer full, skip. Waiters fall back to the
			// ledger poll.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
