package coordinator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/feed"
)

// EventType discriminates lifecycle notifications published on the bus.
type EventType string

const (
	EventUpdateAdmitted    EventType = "update_admitted"
	EventUpdateRejected    EventType = "update_rejected"
	EventAggregationFailed EventType = "aggregation_failed"
	EventSourceError       EventType = "source_error"
	EventConnectionState   EventType = "connection_state"
	EventWarmedUp          EventType = "warmed_up"
)

// Event is a best-effort notification. Consumers that fall behind lose
// events rather than stall the pipeline.
type Event struct {
	Type   EventType
	Source string
	Feed   feed.Key
	Reason feed.RejectReason
	Detail string
	Err    error
	At     time.Time
}

const subscriberBuffer = 64

// EventBus fans events out to subscribers. Delivery is non-blocking:
// a full subscriber channel drops the event for that subscriber only.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]chan Event
	closed bool
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[uuid.UUID]chan Event)}
}

// Subscribe registers a new consumer and returns its id together with
// the receive channel. The channel is closed on Unsubscribe or bus Close.
func (b *EventBus) Subscribe() (uuid.UUID, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return uuid.Nil, ch
	}
	id := uuid.New()
	b.subs[id] = ch
	return id, ch
}

func (b *EventBus) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers e to every subscriber that has buffer room.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribers reports the current consumer count.
func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops all subscribers and closes their channels. Publish and
// Subscribe become no-ops afterwards.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
