package events

import (
	"sync"
	"time"
)

// EventType represents the type of panel event
type EventType string

const (
	EventServerInstalling    EventType = "server.installing"
	EventServerInstalled     EventType = "server.installed"
	EventServerInstallFailed EventType = "server.install_failed"
	EventServerDeleted       EventType = "server.deleted"
	EventServerDeleteFailed  EventType = "server.delete_failed"
	EventServerSuspended     EventType = "server.suspended"
	EventServerUnsuspended   EventType = "server.unsuspended"
	EventServerPowerAction   EventType = "server.power_action"
	EventTransferStarted     EventType = "transfer.started"
	EventTransferCompleted   EventType = "transfer.completed"
	EventTransferFailed      EventType = "transfer.failed"
	EventTransferCancelled   EventType = "transfer.cancelled"
	EventBackupCreated       EventType = "backup.created"
	EventBackupDeleted       EventType = "backup.deleted"
	EventBackupRestored      EventType = "backup.restored"
	EventScheduleRun         EventType = "schedule.run"
)

// Event represents one observable state change in the panel.
type Event struct {
	Type      EventType
	Timestamp time.Time
	ServerID  string
	Message   string
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
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
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

	sub := make(Subscriber, 50) // Buffer per subscriber
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

// PublishServer is a shorthand for the common server-scoped event.
func (b *Broker) PublishServer(t EventType, serverID, message string) {
	b.Publish(&Event{Type: t, ServerID: serverID, Message: message})
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

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
