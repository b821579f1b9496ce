package events

import (
	"sync"
	"time"

	"github.com/herdops/herd/pkg/log"
)

// EventType represents the type of triggering event
type EventType string

const (
	EventConfigChanged  EventType = "config.changed"
	EventClientChanged  EventType = "client.changed"
	EventClientBroken   EventType = "client.broken"
	EventPeerChanged    EventType = "peer.changed"
	EventCertAvailable  EventType = "certificate.available"
	EventCertExpiring   EventType = "certificate.expiring"
	EventUpgradeRequest EventType = "upgrade.requested"
	EventStatusCollect  EventType = "status.collect"
	EventTick           EventType = "tick"
)

// Event represents a cluster trigger
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	UnitID    string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// Handler processes one event type.
type Handler func(*Event)

// Dispatcher maps event types to handlers explicitly: one reconciliation
// invocation runs to completion per trigger, on a single goroutine, so
// reconcile invocations never overlap within a unit.
type Dispatcher struct {
	broker   *Broker
	handlers map[EventType]Handler
	fallback Handler
	stopCh   chan struct{}
}

// NewDispatcher creates a dispatcher over the broker.
func NewDispatcher(broker *Broker) *Dispatcher {
	return &Dispatcher{
		broker:   broker,
		handlers: make(map[EventType]Handler),
		stopCh:   make(chan struct{}),
	}
}

// On registers the handler for an event type.
func (d *Dispatcher) On(t EventType, h Handler) {
	d.handlers[t] = h
}

// Default registers the handler for event types with no explicit entry.
func (d *Dispatcher) Default(h Handler) {
	d.fallback = h
}

// Start consumes events sequentially until Stop.
func (d *Dispatcher) Start() {
	sub := d.broker.Subscribe()
	go func() {
		defer d.broker.Unsubscribe(sub)
		for {
			select {
			case event := <-sub:
				if event == nil {
					return
				}
				d.dispatch(event)
			case <-d.stopCh:
				return
			}
		}
	}()
}

// Stop stops the dispatch loop.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
}

func (d *Dispatcher) dispatch(event *Event) {
	handler, ok := d.handlers[event.Type]
	if !ok {
		handler = d.fallback
	}
	if handler == nil {
		logger := log.WithComponent("events")
		logger.Debug().Str("type", string(event.Type)).Msg("no handler for event")
		return
	}
	handler(event)
}
