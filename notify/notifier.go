package notify

import (
	"strings"
	"sync"
	"sync/atomic"
)

// EventType classifies a change to a key
type EventType string

const (
	Added   EventType = "ADDED"
	Updated EventType = "UPDATED"
	Deleted EventType = "DELETED"
)

// Event describes a change to a single key
type Event struct {
	Key   string
	Value string
	Type  EventType
}

// Listener receives events for a watched prefix
type Listener func(Event)

// subscription represents a single subscriber. Events are queued without bound
// and delivered in order by the subscription's own goroutine, so a slow
// listener never blocks publishers and never misses an event.
type subscription struct {
	id       uint64
	prefix   string
	listener Listener

	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

// matches checks if key is the watched prefix or lives under it.
func (s *subscription) matches(key string) bool {
	if s.prefix == "" || s.prefix == "/" || key == s.prefix {
		return true
	}
	prefix := s.prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return strings.HasPrefix(key, prefix)
}

func (s *subscription) enqueue(ev Event) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			if s.closed.Load() {
				return
			}
			s.listener(ev)
		}
	}
}

// close stops delivery if not already stopped.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
	}
}

// Hub is a thread-safe notification hub for key change events.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal queues an event for every subscriber watching the key (non-blocking).
func (h *Hub) Signal(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if sub.matches(ev.Key) {
			sub.enqueue(ev)
		}
	}
}

// Subscribe registers a listener for a key prefix and returns an idempotent cancel function.
func (h *Hub) Subscribe(prefix string, listener Listener) func() {
	sub := &subscription{
		id:       h.nextID.Add(1),
		prefix:   prefix,
		listener: listener,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	go sub.run()

	return func() {
		h.unsubscribe(sub.id)
	}
}

// Close cancels every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// SubscriberCount returns the number of active subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

// unsubscribe removes a subscription and stops its delivery.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
