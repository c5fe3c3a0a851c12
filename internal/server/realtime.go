package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/digitalbrain/internal/capture"
)

const (
	// EventReady is the first event on every stream.
	EventReady     = "ready"
	eventHeartbeat = "heartbeat"

	defaultSubscriberBuffer = 16
)

// EventDispatcher fans note events out to every open stream. A subscriber
// that falls behind loses events rather than blocking publishers.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan capture.NoteEvent
}

func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers a stream that lives until ctx ends or cleanup runs.
func (d *EventDispatcher) Subscribe(ctx context.Context) (<-chan capture.NoteEvent, func()) {
	entry := &subscriber{
		stream: make(chan capture.NoteEvent, d.bufferSize),
	}
	d.mu.Lock()
	d.nextID++
	entry.id = d.nextID
	d.subscribers[entry.id] = entry
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, entry.id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return entry.stream, cleanup
}

// Publish implements capture.Publisher.
func (d *EventDispatcher) Publish(event capture.NoteEvent) {
	if event.Type == "" || len(event.NoteIDs) == 0 {
		return
	}
	d.mu.RLock()
	copies := make([]*subscriber, 0, len(d.subscribers))
	for _, entry := range d.subscribers {
		copies = append(copies, entry)
	}
	d.mu.RUnlock()

	for _, entry := range copies {
		select {
		case entry.stream <- event:
		default:
		}
	}
}

// Subscribers reports how many streams are open.
func (d *EventDispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}
