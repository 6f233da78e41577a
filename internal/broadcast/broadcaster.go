package broadcast

import (
	"sync"

	"foreman/internal/logging"
)

const (
	// DefaultBufferSize bounds each subscriber's pending-event FIFO.
	DefaultBufferSize = 500
	// DefaultHistorySize bounds the replay ring shared by late subscribers.
	DefaultHistorySize = 200
)

// Config tunes the broadcaster.
type Config struct {
	BufferSize  int
	HistorySize int
}

// Subscription is one client's interest in a set of work orders. Events are
// consumed from Events(); when the buffer overflows the oldest events are
// evicted and Dropped() advances, the subscriber stays connected.
type Subscription struct {
	ClientID string

	mu         sync.Mutex
	workOrders map[string]bool
	filter     *Filter
	events     chan Event
	dropped    int64
	closed     bool
}

// Events is the subscriber's receive channel. Closed on Unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Dropped returns how many events were evicted from this subscriber's buffer.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// WorkOrders returns the subscribed work-order ids.
func (s *Subscription) WorkOrders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.workOrders))
	for id := range s.workOrders {
		ids = append(ids, id)
	}
	return ids
}

// wants reports whether the subscription matches the event. Caller holds s.mu.
func (s *Subscription) wants(event Event) bool {
	if s.closed {
		return false
	}
	if event.WorkOrderID != "" && !s.workOrders[event.WorkOrderID] {
		return false
	}
	return s.filter.Accepts(event)
}

// deliver appends event to the buffer, evicting the oldest on overflow.
// Caller holds s.mu; the broadcaster is the only writer so channel order is
// publish order.
func (s *Subscription) deliver(event Event) bool {
	select {
	case s.events <- event:
		return true
	default:
	}
	// Full: evict oldest, then retry once.
	select {
	case <-s.events:
		s.dropped++
	default:
	}
	select {
	case s.events <- event:
		return true
	default:
		s.dropped++
		return false
	}
}

// Broadcaster fans events out to subscribers with per-subscriber bounded
// buffers. Delivery is at-most-once and best-effort; a slow subscriber loses
// its oldest events, never its connection. A short history ring lets late
// subscribers replay recent events for their work orders.
type Broadcaster struct {
	mu      sync.Mutex
	config  Config
	subs    map[string]*Subscription // by clientID
	history []Event                  // ring, oldest first
	logger  logging.Logger

	published int64
	dropped   int64
}

// New creates a broadcaster.
func New(config Config, logger logging.Logger) *Broadcaster {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	if config.HistorySize < 0 {
		config.HistorySize = DefaultHistorySize
	}
	return &Broadcaster{
		config: config,
		subs:   make(map[string]*Subscription),
		logger: logging.OrNop(logger),
	}
}

// Subscribe records clientID's interest in workOrderID and confirms it with
// a subscription_confirmed event. Repeat calls extend the existing
// subscription's work-order set.
func (b *Broadcaster) Subscribe(clientID, workOrderID string, filter *Filter) *Subscription {
	b.mu.Lock()
	sub, ok := b.subs[clientID]
	if !ok {
		sub = &Subscription{
			ClientID:   clientID,
			workOrders: make(map[string]bool),
			events:     make(chan Event, b.config.BufferSize),
		}
		b.subs[clientID] = sub
	}
	b.mu.Unlock()

	sub.mu.Lock()
	sub.workOrders[workOrderID] = true
	if filter != nil {
		sub.filter = filter
	}
	if !sub.closed {
		sub.deliver(NewEvent(EventSubscriptionConfirmed, workOrderID, map[string]any{
			"client_id": clientID,
		}))
	}
	sub.mu.Unlock()

	b.logger.Debug("Client %s subscribed to %s", clientID, workOrderID)
	return sub
}

// Replay re-delivers buffered history for workOrderID to clientID's
// subscription. Used by reconnecting clients before they reconcile via REST.
func (b *Broadcaster) Replay(clientID, workOrderID string) int {
	b.mu.Lock()
	sub := b.subs[clientID]
	events := make([]Event, 0)
	for _, event := range b.history {
		if event.WorkOrderID == workOrderID {
			events = append(events, event)
		}
	}
	b.mu.Unlock()

	if sub == nil {
		return 0
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	delivered := 0
	for _, event := range events {
		if sub.wants(event) && sub.deliver(event) {
			delivered++
		}
	}
	return delivered
}

// Unsubscribe removes workOrderID from clientID's interest set. When the set
// empties the subscription is closed and its channel closed. A confirmation
// event precedes the close.
func (b *Broadcaster) Unsubscribe(clientID, workOrderID string) {
	b.mu.Lock()
	sub := b.subs[clientID]
	b.mu.Unlock()
	if sub == nil {
		return
	}

	sub.mu.Lock()
	delete(sub.workOrders, workOrderID)
	if !sub.closed {
		sub.deliver(NewEvent(EventUnsubscriptionConfirmed, workOrderID, map[string]any{
			"client_id": clientID,
		}))
	}
	empty := len(sub.workOrders) == 0
	sub.mu.Unlock()

	if empty {
		b.Drop(clientID)
	}
}

// Drop removes the whole subscription for clientID (transport closed).
func (b *Broadcaster) Drop(clientID string) {
	b.mu.Lock()
	sub := b.subs[clientID]
	delete(b.subs, clientID)
	b.mu.Unlock()
	if sub == nil {
		return
	}

	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.events)
	}
	sub.mu.Unlock()
	b.logger.Debug("Client %s dropped", clientID)
}

// Publish fans event out to every matching subscriber. A subscriber's full
// buffer or closed channel never affects delivery to the others.
func (b *Broadcaster) Publish(event Event) {
	b.mu.Lock()
	b.published++
	b.appendHistory(event)
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.wants(event) {
			before := sub.dropped
			sub.deliver(event)
			if sub.dropped > before {
				b.mu.Lock()
				b.dropped += sub.dropped - before
				b.mu.Unlock()
			}
		}
		sub.mu.Unlock()
	}
}

// appendHistory pushes into the replay ring. Caller holds b.mu.
func (b *Broadcaster) appendHistory(event Event) {
	if b.config.HistorySize == 0 {
		return
	}
	b.history = append(b.history, event)
	if len(b.history) > b.config.HistorySize {
		b.history = b.history[len(b.history)-b.config.HistorySize:]
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// BroadcastStats summarizes broadcaster activity.
type BroadcastStats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

// Stats returns cumulative publish and drop counts.
func (b *Broadcaster) Stats() BroadcastStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BroadcastStats{
		Subscribers: len(b.subs),
		Published:   b.published,
		Dropped:     b.dropped,
	}
}
