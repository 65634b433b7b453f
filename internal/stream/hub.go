// Package stream fans protection events out to live subscribers.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dhan-tracker/internal/models"
)

// Kind names a class of event.
type Kind string

const (
	KindPass    Kind = "pass"    // a protection pass finished
	KindTrigger Kind = "trigger" // a protective stop-loss executed
)

// AllKinds lists every event kind.
var AllKinds = []Kind{KindPass, KindTrigger}

// Event is one notification delivered to subscribers.
type Event struct {
	Kind    Kind                  `json:"kind"`
	Time    time.Time             `json:"time"`
	Pass    *models.PassRecord    `json:"pass,omitempty"`
	Trigger *models.TriggerRecord `json:"trigger,omitempty"`
}

// HubConfig holds configuration for the Hub.
type HubConfig struct {
	// BufferSize is the size of the internal event channel buffer.
	BufferSize int
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BufferSize:           256,
		SubscriberBufferSize: 32,
	}
}

// Hub distributes events to subscribers. Publishing never blocks: when the
// hub or a subscriber falls behind, events are dropped and counted.
type Hub struct {
	config      HubConfig
	log         zerolog.Logger
	mu          sync.RWMutex
	subscribers map[Kind][]*Subscriber
	events      chan Event
	done        chan struct{}
	started     bool

	metricsMu sync.Mutex
	received  uint64
	delivered uint64
	dropped   uint64
}

// Subscriber is one consumer of events.
type Subscriber struct {
	Channel      chan Event
	DroppedCount int
	CreatedAt    time.Time
}

// HubMetrics reports hub throughput.
type HubMetrics struct {
	Received    uint64 `json:"received"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// NewHub creates a hub with default configuration.
func NewHub(log zerolog.Logger) *Hub {
	return NewHubWithConfig(DefaultHubConfig(), log)
}

// NewHubWithConfig creates a hub with custom configuration.
func NewHubWithConfig(config HubConfig, log zerolog.Logger) *Hub {
	return &Hub{
		config:      config,
		log:         log.With().Str("component", "event-hub").Logger(),
		subscribers: make(map[Kind][]*Subscriber),
		events:      make(chan Event, config.BufferSize),
		done:        make(chan struct{}),
	}
}

// Start begins the distribution loop. It returns immediately.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	go h.loop(ctx)
}

func (h *Hub) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case ev := <-h.events:
			h.metricsMu.Lock()
			h.received++
			h.metricsMu.Unlock()
			h.broadcast(ev)
		}
	}
}

// Stop ends distribution and closes every subscriber channel.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return
	}
	close(h.done)
	h.started = false

	closed := make(map[*Subscriber]bool)
	for kind, subs := range h.subscribers {
		for _, sub := range subs {
			if !closed[sub] {
				close(sub.Channel)
				closed[sub] = true
			}
		}
		delete(h.subscribers, kind)
	}
}

// Subscribe returns a channel receiving events of the given kinds, or of
// every kind when none is given.
func (h *Hub) Subscribe(kinds ...Kind) <-chan Event {
	if len(kinds) == 0 {
		kinds = AllKinds
	}
	sub := &Subscriber{
		Channel:   make(chan Event, h.config.SubscriberBufferSize),
		CreatedAt: time.Now(),
	}

	h.mu.Lock()
	seen := make(map[Kind]bool)
	for _, k := range kinds {
		if seen[k] {
			continue
		}
		seen[k] = true
		h.subscribers[k] = append(h.subscribers[k], sub)
	}
	h.mu.Unlock()

	return sub.Channel
}

// Unsubscribe removes ch from every kind and closes it.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var found *Subscriber
	for kind, subs := range h.subscribers {
		kept := subs[:0]
		for _, sub := range subs {
			if sub.Channel == ch {
				found = sub
				continue
			}
			kept = append(kept, sub)
		}
		if len(kept) == 0 {
			delete(h.subscribers, kind)
		} else {
			h.subscribers[kind] = kept
		}
	}
	if found != nil {
		close(found.Channel)
	}
}

// Publish queues ev for distribution. If the internal buffer is full the
// event is dropped. Events published while the hub is stopped are discarded.
func (h *Hub) Publish(ev Event) {
	if !h.IsStarted() {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case h.events <- ev:
	default:
		h.metricsMu.Lock()
		h.dropped++
		h.metricsMu.Unlock()
		h.log.Warn().Str("kind", string(ev.Kind)).Msg("Event buffer full, dropping event")
	}
}

// broadcast sends ev to every subscriber of its kind without blocking.
func (h *Hub) broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers[ev.Kind] {
		select {
		case sub.Channel <- ev:
			h.metricsMu.Lock()
			h.delivered++
			h.metricsMu.Unlock()
		default:
			h.metricsMu.Lock()
			sub.DroppedCount++
			h.dropped++
			h.metricsMu.Unlock()
		}
	}
}

// Metrics returns a snapshot of hub throughput.
func (h *Hub) Metrics() HubMetrics {
	h.mu.RLock()
	subs := make(map[*Subscriber]bool)
	for _, list := range h.subscribers {
		for _, s := range list {
			subs[s] = true
		}
	}
	h.mu.RUnlock()

	h.metricsMu.Lock()
	defer h.metricsMu.Unlock()
	return HubMetrics{
		Received:    h.received,
		Delivered:   h.delivered,
		Dropped:     h.dropped,
		Subscribers: len(subs),
	}
}

// IsStarted reports whether the distribution loop is running.
func (h *Hub) IsStarted() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.started
}
