package events

import (
	"sync"
	"time"
)

// EventType names an orchestrator event.
type EventType string

const (
	EventTaskCreated     EventType = "task.created"
	EventTaskQueued      EventType = "task.queued"
	EventTaskAssigned    EventType = "task.assigned"
	EventTaskStarted     EventType = "task.started"
	EventTaskCompleted   EventType = "task.completed"
	EventTaskFailed      EventType = "task.failed"
	EventTaskRetried     EventType = "task.retried"
	EventTaskCancelled   EventType = "task.cancelled"
	EventTaskStolen      EventType = "task.stolen"
	EventAgentRegistered EventType = "agent.registered"
	EventAgentDown       EventType = "agent.down"
	EventAgentLeft       EventType = "agent.left"
	EventMemoryShared    EventType = "memory.shared"
)

// Event is one orchestrator event.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	TaskID    string
	AgentID   string
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans orchestrator events out to subscribers. Slow subscribers
// drop events rather than block the loop.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates an event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts the distribution loop.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for distribution.
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
			// subscriber buffer full, drop
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
