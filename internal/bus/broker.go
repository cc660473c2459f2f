package bus

import "sync"

// Broker is the in-process EventPublisher. Handlers run synchronously on
// the broadcasting goroutine; subscribers that can block buffer on their
// own side.
type Broker struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

var _ EventPublisher = (*Broker)(nil)

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{handlers: make(map[string]EventHandler)}
}

// Subscribe registers a handler under id, replacing any previous one.
func (b *Broker) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers the event to every subscriber. The handler map is
// snapshotted, so a handler may (un)subscribe without deadlocking.
func (b *Broker) Broadcast(event Event) {
	b.mu.RLock()
	snapshot := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()
	for _, h := range snapshot {
		h(event)
	}
}
