package bridge

import (
	"encoding/json"
	"sync"

	"github.com/mealmesh/mealmesh/internal/event"
)

// Handler consumes one inbound event's payload.
type Handler func(payload json.RawMessage)

// Dispatcher is the local pub/sub seam between the transport and the UI:
// components subscribe by event kind and never touch the connection.
type Dispatcher struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[event.Kind]map[int]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[event.Kind]map[int]Handler),
	}
}

// Subscribe registers a handler for one event kind and returns its
// unsubscribe func. Registering an unknown kind is a programming error.
func (d *Dispatcher) Subscribe(kind event.Kind, h Handler) func() {
	if !kind.Valid() {
		panic("bridge: subscribing to unknown event kind " + string(kind))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	if d.handlers[kind] == nil {
		d.handlers[kind] = make(map[int]Handler)
	}
	d.handlers[kind][id] = h

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers[kind], id)
	}
}

// Publish fans one payload out to every subscriber of the kind. Handlers run
// synchronously on the caller's goroutine.
func (d *Dispatcher) Publish(kind event.Kind, payload json.RawMessage) {
	d.mu.RLock()
	subs := make([]Handler, 0, len(d.handlers[kind]))
	for _, h := range d.handlers[kind] {
		subs = append(subs, h)
	}
	d.mu.RUnlock()

	for _, h := range subs {
		h(payload)
	}
}
