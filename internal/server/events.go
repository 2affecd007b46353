package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/batches"
)

const (
	eventHeartbeat      = "heartbeat"
	defaultEventBacklog = 16
)

// EventDispatcher fans batch events out to connected event streams. Slow
// subscribers miss events rather than block publishers.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan batches.Event
}

func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[int64]*eventSubscriber),
		bufferSize:  defaultEventBacklog,
	}
}

// Subscribe registers a stream that lives until ctx ends or cleanup is called.
func (d *EventDispatcher) Subscribe(ctx context.Context) (<-chan batches.Event, func()) {
	subscriber := &eventSubscriber{stream: make(chan batches.Event, d.bufferSize)}
	d.mu.Lock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, subscriber.id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish implements batches.Publisher.
func (d *EventDispatcher) Publish(event batches.Event) {
	if event.Type == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*eventSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of connected streams.
func (d *EventDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}
