// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package task models a single dispatch attempt of one unit of work to
// one remote worker: its identity, lifecycle state machine, deadline,
// result promise and progress notifier.
package task

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/utils/v4"
)

// Action identifies what the worker is asked to do with a task.
type Action string

const (
	// Execute runs the task forward.
	Execute Action = "execute"

	// Revert undoes a previously executed task, carrying the prior
	// result and any accumulated failures.
	Revert Action = "revert"
)

// Logger represents the methods used by a request to log information.
type Logger interface {
	Debugf(string, ...interface{})
}

// RequestParams holds everything needed to construct a Request.
type RequestParams struct {
	// UUID identifies the request; it doubles as the correlation id
	// on the bus. Left empty, one is generated.
	UUID string

	// TaskName names the remote handler the request is addressed to.
	TaskName string

	// Action is what the worker should do: Execute or Revert.
	Action Action

	// Arguments is the opaque argument mapping passed to the handler.
	Arguments map[string]interface{}

	// Result and Failures carry the prior outcome for Revert
	// requests; both are ignored for Execute.
	Result   interface{}
	Failures map[string]*Failure

	// Timeout bounds how long the request may stay non-terminal.
	Timeout time.Duration

	Clock  clock.Clock
	Logger Logger
}

// Validate returns an error if the params cannot produce a Request.
func (p RequestParams) Validate() error {
	if p.TaskName == "" {
		return errors.NotValidf("empty TaskName")
	}
	if p.Action != Execute && p.Action != Revert {
		return errors.NotValidf("action %q", p.Action)
	}
	if p.Timeout <= 0 {
		return errors.NotValidf("non-positive Timeout")
	}
	if p.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if p.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Request tracks one submitted task through its lifecycle. The
// immutable identity fields are set at construction; state moves only
// through Transition, and the promise is fulfilled exactly once, by
// Complete, when a terminal state is reached.
type Request struct {
	uuid      string
	taskName  string
	action    Action
	arguments map[string]interface{}
	result    interface{}
	failures  map[string]*Failure
	createdAt time.Time
	timeout   time.Duration
	clock     clock.Clock
	logger    Logger

	promise  *Promise
	notifier *Notifier

	mu        sync.Mutex
	state     State
	history   []State
	completed bool
}

// NewRequest returns a Request in the Waiting state.
func NewRequest(p RequestParams) (*Request, error) {
	if err := p.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if p.UUID == "" {
		p.UUID = utils.MustNewUUID().String()
	}
	return &Request{
		uuid:      p.UUID,
		taskName:  p.TaskName,
		action:    p.Action,
		arguments: p.Arguments,
		result:    p.Result,
		failures:  p.Failures,
		createdAt: p.Clock.Now(),
		timeout:   p.Timeout,
		clock:     p.Clock,
		logger:    p.Logger,
		promise:   newPromise(),
		notifier:  NewNotifier(),
		state:     Waiting,
		history:   []State{Waiting},
	}, nil
}

// UUID returns the request identity, used as the bus correlation id.
func (r *Request) UUID() string {
	return r.uuid
}

// TaskName returns the name of the remote handler addressed.
func (r *Request) TaskName() string {
	return r.taskName
}

// Action returns what the worker is asked to do.
func (r *Request) Action() Action {
	return r.action
}

// Arguments returns the argument mapping for the handler.
func (r *Request) Arguments() map[string]interface{} {
	return r.arguments
}

// Result returns the prior result carried by a revert request.
func (r *Request) Result() interface{} {
	return r.result
}

// Failures returns the accumulated failures carried by a revert
// request.
func (r *Request) Failures() map[string]*Failure {
	return r.failures
}

// CreatedAt returns when the request was constructed.
func (r *Request) CreatedAt() time.Time {
	return r.createdAt
}

// Timeout returns the request deadline duration.
func (r *Request) Timeout() time.Duration {
	return r.timeout
}

// Promise returns the single-assignment result cell the caller awaits.
func (r *Request) Promise() *Promise {
	return r.promise
}

// Notifier returns the progress event subscription for the request.
func (r *Request) Notifier() *Notifier {
	return r.notifier
}

// State returns the current lifecycle state.
func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// History returns the states the request has been seen in, in order.
func (r *Request) History() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	history := make([]State, len(r.history))
	copy(history, r.history)
	return history
}

// Transition attempts to move the request to target. It returns true
// iff the edge is legal from the current state, in which case the
// mutation is applied atomically; otherwise the request is untouched.
// Exactly one caller witnesses any terminal transition, and that
// caller is responsible for removal and promise fulfillment.
func (r *Request) Transition(target State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.CanTransition(target) {
		r.logger.Debugf(
			"request %q: ignoring illegal transition %s -> %s",
			r.uuid, r.state, target,
		)
		return false
	}
	r.state = target
	r.history = append(r.history, target)
	return true
}

// Expired reports whether the request's deadline has elapsed while it
// is still non-terminal.
func (r *Request) Expired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return false
	}
	return r.clock.Now().Sub(r.createdAt) >= r.timeout
}

// Complete fulfills the promise with the given result or error and
// drops all progress subscriptions, so no events are observed after
// the terminal result. It returns false, and changes nothing, if the
// request was already completed.
func (r *Request) Complete(result interface{}, err error) bool {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		r.logger.Debugf("request %q: ignoring duplicate completion", r.uuid)
		return false
	}
	r.completed = true
	r.mu.Unlock()

	r.notifier.Clear()
	r.promise.fulfill(result, err)
	return true
}
