// Package events provides the in-process event bus the engine's components
// publish lifecycle notifications on. Delivery is per-subscriber buffered
// and lossy: a subscriber that cannot keep up loses events rather than
// stalling the publisher.
package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// EventBus is the publish/subscribe surface shared by the engine.
type EventBus interface {
	Publish(event Event)
	Subscribe(eventTypes ...EventType) *Subscription
	Unsubscribe(subscriptionID string)
	Start(ctx context.Context)
	Stop()
	Stats() Stats
}

// Subscription is one subscriber's feed. C is closed on Unsubscribe and
// when the bus stops.
type Subscription struct {
	ID string
	C  <-chan Event

	eventTypes map[EventType]struct{}
	ch         chan Event
}

func (s *Subscription) matches(eventType EventType) bool {
	if len(s.eventTypes) == 0 {
		return true
	}
	_, ok := s.eventTypes[eventType]
	return ok
}

// Config sizes the bus's channels.
type Config struct {
	BufferSize       int // central queue, default 256
	SubscriberBuffer int // per-subscriber queue, default 64
}

// Bus is the channel-backed EventBus implementation.
type Bus struct {
	logger hclog.Logger
	cfg    Config

	mu          sync.RWMutex
	subscribers map[string]*Subscription
	events      chan Event
	stats       Stats

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewBus creates a stopped bus; call Start before publishing.
func NewBus(cfg Config, logger hclog.Logger) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 64
	}
	return &Bus{
		logger:      logger.Named("event-bus"),
		cfg:         cfg,
		subscribers: make(map[string]*Subscription),
		events:      make(chan Event, cfg.BufferSize),
	}
}

// Start launches the dispatch loop.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	b.started = true
	b.mu.Unlock()

	go b.dispatch(ctx)
	b.logger.Debug("event bus started", "buffer", b.cfg.BufferSize)
}

// Stop halts dispatch and closes all subscriber channels.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	cancel()
	<-done

	b.mu.Lock()
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	b.logger.Debug("event bus stopped")
}

// Publish enqueues the event, dropping it when the central queue is full.
func (b *Bus) Publish(event Event) {
	if event.ID == "" {
		event = NewEvent(event.Type, event.Source, event.Data)
	}

	b.mu.Lock()
	b.stats.Published++
	b.mu.Unlock()

	select {
	case b.events <- event:
	default:
		b.mu.Lock()
		b.stats.Dropped++
		b.mu.Unlock()
		b.logger.Warn("event queue full, dropping event", "type", event.Type)
	}
}

// Subscribe registers a feed for the given event types; no types means
// every event.
func (b *Bus) Subscribe(eventTypes ...EventType) *Subscription {
	sub := &Subscription{
		ID:         uuid.New().String(),
		ch:         make(chan Event, b.cfg.SubscriberBuffer),
		eventTypes: make(map[EventType]struct{}, len(eventTypes)),
	}
	sub.C = sub.ch
	for _, t := range eventTypes {
		sub.eventTypes[t] = struct{}{}
	}

	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	sub, ok := b.subscribers[subscriptionID]
	if ok {
		delete(b.subscribers, subscriptionID)
	}
	b.mu.Unlock()

	if ok {
		close(sub.ch)
	}
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := b.stats
	stats.Subscribers = len(b.subscribers)
	return stats
}

func (b *Bus) dispatch(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-b.events:
			b.fanOut(event)
		}
	}
}

// fanOut delivers to every matching subscriber without blocking; a full
// subscriber buffer counts as a drop.
func (b *Bus) fanOut(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers {
		if !sub.matches(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
			b.stats.Delivered++
		default:
			b.stats.Dropped++
		}
	}
}
