// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package task

import (
	"sync"
)

// EventProgress is the event name under which workers report
// intermediate progress for a running task.
const EventProgress = "update_progress"

// Handler receives an intermediate event for a request. Handlers are
// invoked synchronously on the receive loop delivering the event, so
// they must not block.
type Handler func(event string, details map[string]interface{})

// Notifier multiplexes intermediate events for a single request out to
// registered handlers, keyed by event name.
type Notifier struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]Handler
}

// NewNotifier returns an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{handlers: make(map[string]map[int]Handler)}
}

// Register subscribes handler to the named event and returns a
// function that removes the subscription again.
func (n *Notifier) Register(event string, handler Handler) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	byID, ok := n.handlers[event]
	if !ok {
		byID = make(map[int]Handler)
		n.handlers[event] = byID
	}
	byID[id] = handler
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.handlers[event], id)
	}
}

// Notify delivers an event to every handler registered for it.
func (n *Notifier) Notify(event string, details map[string]interface{}) {
	n.mu.Lock()
	ids := make([]int, 0, len(n.handlers[event]))
	for id := range n.handlers[event] {
		ids = append(ids, id)
	}
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, n.handlers[event][id])
	}
	n.mu.Unlock()

	// Handlers run outside the lock so they may deregister themselves.
	for _, handler := range handlers {
		handler(event, details)
	}
}

// Clear drops all subscriptions.
func (n *Notifier) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = make(map[string]map[int]Handler)
}
