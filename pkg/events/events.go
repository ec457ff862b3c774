// Package events implements an in-process publish/subscribe broker used to
// notify subscribed observers about database and sync activity without
// coupling pkg/database and pkg/sync to any particular consumer.
package events

import (
	"sync"
	"time"
)

// Type identifies the kind of event published.
type Type string

const (
	// EntryCommitted fires after a local Transaction.Commit persists a new
	// entry.
	EntryCommitted Type = "entry.committed"
	// EntryIngested fires after an entry received from a peer is validated
	// and persisted.
	EntryIngested Type = "entry.ingested"
	// PeerConnected fires after a successful handshake with a peer.
	PeerConnected Type = "peer.connected"
	// PeerDisconnected fires when a peer is marked Inactive or Banned.
	PeerDisconnected Type = "peer.disconnected"
	// SyncCompleted fires after a SyncWith exchange finishes successfully.
	SyncCompleted Type = "sync.completed"
	// SyncFailed fires after a SyncWith exchange fails.
	SyncFailed Type = "sync.failed"
	// BootstrapRequested fires when a peer's sync request is parked as
	// BootstrapPending.
	BootstrapRequested Type = "bootstrap.requested"
	// BootstrapApproved fires when an admin approves a pending bootstrap
	// request.
	BootstrapApproved Type = "bootstrap.approved"
)

// Event is a single notification published to the broker.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Database  string // database root, empty for peer-only events
	Peer      string // peer pubkey, empty for database-only events
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. The zero value is
// not usable; construct with NewBroker.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers. It waits only while the
// broker's event buffer is full; if the broker is stopped the event is
// dropped.
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
			// Subscriber buffer full, drop rather than block the broker.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
