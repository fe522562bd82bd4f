// Package notify fans out cell change events to live subscribers.
package notify

import (
	"sync"

	"github.com/grid402/canvas/pkg/logger"
)

// Event describes one applied cell claim.
type Event struct {
	X          int    `json:"x"`
	Y          int    `json:"y"`
	Color      string `json:"color"`
	Owner      string `json:"owner"`
	ClaimCount int    `json:"claimCount"`
}

// subscriberBuffer bounds how far a subscriber may lag before it is dropped.
const subscriberBuffer = 64

// Subscription is one receiver of change events. C is closed when the
// subscription ends, either by Close or by being dropped for lagging.
type Subscription struct {
	C   <-chan Event
	ch  chan Event
	hub *Hub
}

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Hub broadcasts events to all current subscriptions. Publishing never
// blocks: a subscriber whose buffer is full is dropped.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
	log    *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &Hub{
		subs: make(map[*Subscription]struct{}),
		log:  log,
	}
}

// Subscribe registers a new receiver. Returns nil after Close.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, hub: h}
	h.subs[sub] = struct{}{}
	return sub
}

// Publish delivers the event to every subscriber that still has room.
func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		select {
		case sub.ch <- evt:
		default:
			delete(h.subs, sub)
			close(sub.ch)
			h.log.WithField("subscribers", len(h.subs)).Warn("dropped lagging canvas subscriber")
		}
	}
}

// SubscriberCount reports the number of attached subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close drops all subscribers and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
}
