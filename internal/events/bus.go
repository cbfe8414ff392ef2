// Package events implements the process-wide publish/subscribe bus carrying
// typed state-change notifications between the pools and their observers.
//
// Delivery is fire-and-forget: Publish never blocks on a slow subscriber.
// Each subscriber owns a buffered channel; when the buffer is full the event
// is dropped for that subscriber. Events from a single publisher goroutine
// are delivered in publish order because fan-out happens under the registry
// lock.
package events

import (
	"sync"
	"time"
)

type EventType string

const (
	CredentialStatusUpdate EventType = "credentialStatusUpdate"
	RequestUpdate          EventType = "requestUpdate"
	ProxyAdded             EventType = "proxyAdded"
	ProxyRemoved           EventType = "proxyRemoved"
	ProxyUpdated           EventType = "proxyUpdated"
	ProxyStatusChanged     EventType = "proxyStatusChanged"
	ProxyAssigned          EventType = "proxyAssigned"
	ProxyUnassigned        EventType = "proxyUnassigned"
	PerformanceUpdate      EventType = "performanceUpdate"
)

// Event carries an entity snapshot. Payload is one of the snapshot types
// owned by the publishing package (keypool.Credential, proxypool.Endpoint,
// assignment.Assignment, dispatch.RequestStatus, perfmon.Report).
type Event struct {
	Type      EventType   `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

const subscriberBuffer = 64

type subscriber struct {
	ch    chan Event
	types map[EventType]bool // nil = all types
}

// Bus is a typed observer registry. The zero value is not usable; construct
// with NewBus. Callers may share one instance, nothing requires it.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers an observer for the given event types (all types when
// none are given). It returns the receive channel and an unsubscribe func.
// Unsubscribe closes the channel and is safe to call more than once.
func (b *Bus) Subscribe(types ...EventType) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, unsubscribe
}

// Publish delivers the event to every matching subscriber without blocking.
// Subscribers whose buffer is full miss the event.
func (b *Bus) Publish(eventType EventType, payload interface{}) {
	event := Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[eventType] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of registered observers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
