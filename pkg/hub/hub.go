// Package hub is a generic keyed pub/sub used by the presence and
// thread registries to push state snapshots to listeners. Delivery is
// best-effort: a panicking or erroring subscriber is isolated and
// logged, never propagated to the publisher or to other subscribers.
package hub

import (
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"chatstate/pkg/logger"
)

// Callback receives published events for one subscriber.
type Callback func(event any)

// Sink is the external delivery contract: transport adapters (WebSocket
// or stream handlers) implement Deliver and are wired in via
// SubscribeSink. Errors are logged and swallowed.
type Sink interface {
	Deliver(subscriberID string, event any) error
}

type subscriber struct {
	id  string
	cb  Callback
	lim *rate.Limiter // nil means unlimited
}

type topic struct {
	// fanMu serializes fan-out per key so subscribers observe events
	// for one key in publish order.
	fanMu sync.Mutex
	subs  map[string]*subscriber
}

// Hub multiplexes events by string key (a chat id, user id or thread id).
type Hub struct {
	mu     sync.RWMutex
	topics map[string]*topic

	rps   float64
	burst int

	dropped uint64
}

// Option configures a Hub.
type Option func(*Hub)

// WithDeliveryLimit throttles deliveries per subscriber. Events beyond
// the rate are dropped and counted, keeping slow listeners from
// stalling or flooding.
func WithDeliveryLimit(rps float64, burst int) Option {
	return func(h *Hub) {
		h.rps = rps
		if burst <= 0 {
			burst = 1
		}
		h.burst = burst
	}
}

// New returns an empty Hub.
func New(opts ...Option) *Hub {
	h := &Hub{topics: make(map[string]*topic)}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Subscribe registers cb under key. A second subscribe with the same
// subscriberID replaces the previous callback.
func (h *Hub) Subscribe(key, subscriberID string, cb Callback) {
	h.mu.Lock()
	t := h.topics[key]
	if t == nil {
		t = &topic{subs: make(map[string]*subscriber)}
		h.topics[key] = t
	}
	sub := &subscriber{id: subscriberID, cb: cb}
	if h.rps > 0 {
		sub.lim = rate.NewLimiter(rate.Limit(h.rps), h.burst)
	}
	t.subs[subscriberID] = sub
	h.mu.Unlock()
	logger.Debug("hub_subscribed", "key", key, "subscriber", subscriberID)
}

// SubscribeSink registers an external delivery sink under key.
func (h *Hub) SubscribeSink(key, subscriberID string, sink Sink) {
	h.Subscribe(key, subscriberID, func(event any) {
		if err := sink.Deliver(subscriberID, event); err != nil {
			logger.Warn("hub_sink_deliver_failed", "key", key, "subscriber", subscriberID, "error", err)
		}
	})
}

// Unsubscribe removes a subscriber; unknown ids are a no-op. Empty
// topics are garbage-collected.
func (h *Hub) Unsubscribe(key, subscriberID string) {
	h.mu.Lock()
	if t := h.topics[key]; t != nil {
		delete(t.subs, subscriberID)
		if len(t.subs) == 0 {
			delete(h.topics, key)
		}
	}
	h.mu.Unlock()
	logger.Debug("hub_unsubscribed", "key", key, "subscriber", subscriberID)
}

// Publish delivers event to the snapshot of subscribers registered
// under key at call time and returns the number of deliveries.
// Subscribers added while a publish is in flight only see later events.
func (h *Hub) Publish(key string, event any) int {
	h.mu.RLock()
	t := h.topics[key]
	var snapshot []*subscriber
	if t != nil {
		snapshot = make([]*subscriber, 0, len(t.subs))
		for _, s := range t.subs {
			snapshot = append(snapshot, s)
		}
	}
	h.mu.RUnlock()
	if t == nil || len(snapshot) == 0 {
		return 0
	}
	// stable order within one publish
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].id < snapshot[j].id })

	t.fanMu.Lock()
	defer t.fanMu.Unlock()
	delivered := 0
	for _, s := range snapshot {
		if s.lim != nil && !s.lim.Allow() {
			h.mu.Lock()
			h.dropped++
			h.mu.Unlock()
			logger.Debug("hub_delivery_dropped", "key", key, "subscriber", s.id)
			continue
		}
		h.invoke(key, s, event)
		delivered++
	}
	return delivered
}

func (h *Hub) invoke(key string, s *subscriber, event any) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("hub_subscriber_panic", "key", key, "subscriber", s.id, "panic", r)
		}
	}()
	s.cb(event)
}

// Subscribers returns the current subscriber count for key.
func (h *Hub) Subscribers(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if t := h.topics[key]; t != nil {
		return len(t.subs)
	}
	return 0
}

// Dropped returns the number of deliveries suppressed by rate limiting.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}
