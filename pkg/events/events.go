package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/flownode/pkg/log"
	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventChannelConnected    EventType = "channel.connected"
	EventChannelDisconnected EventType = "channel.disconnected"
	EventVersionMismatch     EventType = "channel.version_mismatch"
	EventRunnersChanged      EventType = "runners.changed"
	EventJobCompleted        EventType = "job.completed"
	EventNodeUpdated         EventType = "node.updated"
	EventConfigUpdated       EventType = "config.updated"
)

const (
	queueSize      = 100
	subscriberSize = 50
)

// Event is one notification between node components
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// subscription is the set of types a subscriber wants; nil means all
type subscription map[EventType]struct{}

func (s subscription) wants(t EventType) bool {
	if s == nil {
		return true
	}
	_, ok := s[t]
	return ok
}

// Broker fans events out to subscribers
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]subscription

	queue    chan *Event
	stopCh   chan struct{}
	stopOnce sync.Once

	droppedQueue atomic.Uint64
	droppedSlow  atomic.Uint64
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]subscription),
		queue:       make(chan *Event, queueSize),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker. It is safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe returns a channel receiving the given event types, or every
// event when none are given
func (b *Broker) Subscribe(types ...EventType) Subscriber {
	var filter subscription
	if len(types) > 0 {
		filter = make(subscription, len(types))
		for _, t := range types {
			filter[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, subscriberSize)
	b.subscribers[sub] = filter
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for all subscribers. It never blocks: publishers
// sit on runner completion and transport callbacks, so an event is dropped
// when the queue is full.
func (b *Broker) Publish(event *Event) {
	if b == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-b.stopCh:
		return
	default:
	}

	select {
	case b.queue <- event:
	default:
		b.droppedQueue.Add(1)
		logger := log.WithComponent("events")
		logger.Warn().
			Str("type", string(event.Type)).
			Msg("Event queue full, dropping event")
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.queue:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, filter := range b.subscribers {
		if !filter.wants(event.Type) {
			continue
		}
		select {
		case sub <- event:
		default:
			// A slow subscriber misses the event
			b.droppedSlow.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many events were lost to a full queue and how many
// deliveries were skipped for slow subscribers
func (b *Broker) Dropped() (queue, subscribers uint64) {
	return b.droppedQueue.Load(), b.droppedSlow.Load()
}
