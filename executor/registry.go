// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package executor

import (
	"sync"

	"github.com/juju/errors"

	"github.com/juju/taskbus/task"
)

// registry maps request uuids to in-flight requests. A request is
// present iff it is non-terminal from the executor's point of view;
// the terminal transition and the removal happen in one critical
// section, so no other context can witness a registered terminal
// request. The mutex is never held across I/O, promise fulfillment or
// user callbacks.
type registry struct {
	mu       sync.Mutex
	requests map[string]*task.Request
}

func newRegistry() *registry {
	return &registry{requests: make(map[string]*task.Request)}
}

func (r *registry) insert(request *task.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requests[request.UUID()]; ok {
		return errors.AlreadyExistsf("request %q", request.UUID())
	}
	r.requests[request.UUID()] = request
	return nil
}

func (r *registry) lookup(uuid string) (*task.Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	request, ok := r.requests[uuid]
	return request, ok
}

// uuids snapshots the registered request ids so callers can iterate
// without holding the lock.
func (r *registry) uuids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.requests))
	for id := range r.requests {
		ids = append(ids, id)
	}
	return ids
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// completeTerminal attempts to move the identified request to the
// given terminal state and, if the transition is won, removes it from
// the registry in the same critical section. The returned request, if
// any, is the caller's to fulfill; exactly one caller wins any
// terminal transition.
func (r *registry) completeTerminal(uuid string, to task.State) (*task.Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	request, ok := r.requests[uuid]
	if !ok {
		return nil, false
	}
	if !request.Transition(to) {
		return nil, false
	}
	delete(r.requests, uuid)
	return request, true
}
