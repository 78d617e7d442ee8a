package eventbus

import (
	"sync"

	"github.com/cskr/pubsub/v2"
)

// EventPublisher represents an interface that provides an event publisher.
type EventPublisher interface {
	// Publish publishes an event to the event stream.
	Publish(id EventID, data any)
}

// EventSubscriber represents an interface that provides an event subscriber.
type EventSubscriber interface {
	// Subscribe subscribes to one or more events from the event stream.
	Subscribe(ids ...EventID) *Subscription
}

// EventHandler represents an interface that provides an event publisher and subscriber.
type EventHandler interface {
	EventPublisher
	EventSubscriber
}

// Bus is the default event handler, backed by a pubsub instance.
// Publishing never blocks: events for a subscriber whose channel
// is full are dropped.
type Bus struct {
	ps *pubsub.PubSub[EventID, any]

	mu     sync.RWMutex
	closed bool
}

// New returns a bus whose subscriber channels hold capacity events.
func New(capacity int) *Bus {
	return &Bus{ps: pubsub.New[EventID, any](capacity)}
}

// Publish publishes an event to the event stream. Events published
// after Shutdown are discarded.
func (b *Bus) Publish(id EventID, data any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.ps.TryPub(data, id)
}

// Subscribe subscribes to the given events. With no ids it subscribes
// to every event the multiplexer publishes.
func (b *Bus) Subscribe(ids ...EventID) *Subscription {
	if len(ids) == 0 {
		ids = AllEvents()
	}

	ch := b.ps.Sub(ids...)
	return &Subscription{
		C:      ch,
		active: true,
		unsub: func() {
			go b.ps.Unsub(ch, ids...)
		},
	}
}

// Shutdown closes every subscriber channel.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.ps.Shutdown()
}

// nilHandler represents a disabled event handler.
type nilHandler struct{}

// Nil returns a disabled event handler.
func Nil() EventHandler {
	return nilHandler{}
}

// Publish does not do anything.
func (nilHandler) Publish(EventID, any) {}

// Subscribe returns a closed subscription.
func (nilHandler) Subscribe(...EventID) *Subscription {
	ch := make(chan any)
	close(ch)
	return &Subscription{C: ch}
}

// Subscription is a handle to a subscriber channel.
type Subscription struct {
	C <-chan any

	active bool
	unsub  func()
	mu     sync.Mutex
}

// Unsubscribe detaches the subscription from the bus. The channel is
// closed once the bus has processed the request.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return
	}
	s.active = false
	s.unsub()
}
