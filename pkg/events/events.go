package events

import (
	"sync"

	"github.com/quarryhq/quarry/pkg/types"
)

// Subscriber is a channel that receives applied state changes.
type Subscriber chan *types.StateChange

// Broker fans applied state changes out to in-process subscribers: the
// scheduler's wakeup and the content-stream tails. Delivery is best effort;
// a slow subscriber misses notifications and catches up from the durable
// change log instead.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	changeCh    chan *types.StateChange
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new change broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		changeCh:    make(chan *types.StateChange, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish hands a change to the broker for distribution.
func (b *Broker) Publish(change *types.StateChange) {
	select {
	case b.changeCh <- change:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case change := <-b.changeCh:
			b.broadcast(change)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(change *types.StateChange) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- change:
		default:
			// Subscriber buffer full, skip; it resumes from the log.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
