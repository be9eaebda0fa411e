// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package executor dispatches task requests to remote workers over a
// message bus and tracks each one through its lifecycle: discovery of
// a worker that serves the task, publication, progress events, and a
// terminal result or timeout delivered through a per-request promise.
package executor

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/juju/taskbus/bus"
	"github.com/juju/taskbus/task"
)

// Logger represents the methods used by the executor to log
// information.
type Logger interface {
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warningf(string, ...interface{})
	Errorf(string, ...interface{})
}

const (
	// DefaultTransitionTimeout bounds how long a request may stay
	// non-terminal before the reaper fails it.
	DefaultTransitionTimeout = 60 * time.Second

	// DefaultTickInterval is how often the maintenance pass runs.
	DefaultTickInterval = time.Second

	// DefaultProbeInterval is how often workers are probed for the
	// tasks they serve.
	DefaultProbeInterval = 5 * time.Second

	// DefaultMaxMisses is how many consecutive probe rounds a worker
	// may miss before it is evicted.
	DefaultMaxMisses = 2
)

// Config defines the operation of an Executor.
type Config struct {
	// UUID is the executor's identity; it doubles as the reply topic
	// workers address responses to. Required.
	UUID string

	// Topics are the discovery topics probed for workers. Required,
	// non-empty.
	Topics []string

	// Bus carries the messages. Required.
	Bus bus.Transport

	Clock  clock.Clock
	Logger Logger

	// TransitionTimeout is the per-request deadline applied to every
	// submission. Zero means DefaultTransitionTimeout.
	TransitionTimeout time.Duration

	// TickInterval is the maintenance pass period. Zero means
	// DefaultTickInterval.
	TickInterval time.Duration

	// ProbeInterval is the worker discovery period. Zero means
	// DefaultProbeInterval.
	ProbeInterval time.Duration

	// MaxMisses is the probe rounds a worker may stay silent before
	// eviction. Zero means DefaultMaxMisses.
	MaxMisses int

	// Retry bounds publish retries. Zero means bus.DefaultRetry.
	Retry bus.RetryStrategy

	// PrometheusRegisterer, when set, gets a metrics collector for
	// the executor registered for the executor's lifetime.
	PrometheusRegisterer prometheus.Registerer
}

// Validate returns an error if the config cannot drive an Executor.
func (config Config) Validate() error {
	if config.UUID == "" {
		return errors.NotValidf("empty UUID")
	}
	if len(config.Topics) == 0 {
		return errors.NotValidf("empty Topics")
	}
	if config.Bus == nil {
		return errors.NotValidf("nil Bus")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Executor submits tasks to remote workers and returns a promise per
// submission. It runs three cooperating contexts once started: the
// proxy receive loop delivering responses, the finder's discovery
// loop, and a maintenance loop that reaps expired requests and
// publishes those that were waiting for a worker.
type Executor struct {
	catacomb catacomb.Catacomb
	config   Config
	registry *registry

	proxy  *bus.Proxy
	finder *finder

	mu        sync.Mutex
	started   bool
	stopped   bool
	collector *Collector
}

// New returns an Executor ready to be started, or an error.
func New(config Config) (*Executor, error) {
	if config.TransitionTimeout == 0 {
		config.TransitionTimeout = DefaultTransitionTimeout
	}
	if config.TickInterval == 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.ProbeInterval == 0 {
		config.ProbeInterval = DefaultProbeInterval
	}
	if config.MaxMisses == 0 {
		config.MaxMisses = DefaultMaxMisses
	}
	if config.Retry == (bus.RetryStrategy{}) {
		config.Retry = bus.DefaultRetry
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Executor{
		config:   config,
		registry: newRegistry(),
	}, nil
}

// Start brings up the proxy receive loop, the worker discovery loop
// and the maintenance loop, returning once the proxy is receiving.
// An executor is single use: a second Start, even after Stop, errors.
func (e *Executor) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.Errorf("executor already started")
	}
	e.started = true

	proxy, err := bus.NewProxy(bus.ProxyConfig{
		Topic:     e.config.UUID,
		Transport: e.config.Bus,
		Handlers: map[bus.Kind]bus.Handler{
			bus.KindResponse:       e.handleResponse,
			bus.KindNotifyResponse: e.handleNotifyResponse,
		},
		Clock:  e.config.Clock,
		Logger: e.config.Logger,
		Retry:  e.config.Retry,
	})
	if err != nil {
		e.mu.Unlock()
		return errors.Trace(err)
	}
	e.proxy = proxy

	finder, err := newFinder(finderConfig{
		publisher:     proxy,
		topics:        e.config.Topics,
		replyTo:       e.config.UUID,
		clock:         e.config.Clock,
		logger:        e.config.Logger,
		probeInterval: e.config.ProbeInterval,
		maxMisses:     e.config.MaxMisses,
	})
	if err != nil {
		e.mu.Unlock()
		proxy.Kill()
		return errors.Trace(err)
	}
	e.finder = finder

	if err := catacomb.Invoke(catacomb.Plan{
		Site: &e.catacomb,
		Work: e.loop,
	}); err != nil {
		e.mu.Unlock()
		proxy.Kill()
		finder.Kill()
		return errors.Trace(err)
	}

	if reg := e.config.PrometheusRegisterer; reg != nil {
		e.collector = NewMetricsCollector(e)
		if err := reg.Register(e.collector); err != nil {
			e.config.Logger.Warningf("failed to register metrics collector: %v", err)
			e.collector = nil
		}
	}
	e.mu.Unlock()

	select {
	case <-proxy.Running():
		return nil
	case <-e.catacomb.Dying():
		return errors.Trace(e.catacomb.Wait())
	}
}

// Stop shuts the loops down, then fails every outstanding request
// with a RequestTimeout and empties the worker table. It is safe to
// call more than once.
func (e *Executor) Stop() error {
	e.mu.Lock()
	if e.finder == nil {
		e.mu.Unlock()
		return errors.Errorf("executor not started")
	}
	e.stopped = true
	collector := e.collector
	e.collector = nil
	e.mu.Unlock()

	e.catacomb.Kill(nil)
	err := e.catacomb.Wait()

	for _, uuid := range e.registry.uuids() {
		if request, ok := e.registry.completeTerminal(uuid, task.Failed); ok {
			e.expireRequest(request)
		}
	}
	e.finder.Clear()
	if collector != nil {
		e.config.PrometheusRegisterer.Unregister(collector)
	}
	return errors.Trace(err)
}

// Kill is part of the worker.Worker interface. Unlike Stop it does
// not drain the registry; promises for outstanding requests stay
// unfulfilled.
func (e *Executor) Kill() {
	e.mu.Lock()
	started := e.finder != nil
	e.mu.Unlock()
	if started {
		e.catacomb.Kill(nil)
	}
}

// Wait is part of the worker.Worker interface.
func (e *Executor) Wait() error {
	e.mu.Lock()
	started := e.finder != nil
	e.mu.Unlock()
	if !started {
		return errors.Errorf("executor not started")
	}
	return e.catacomb.Wait()
}

// ExecuteTask submits one execution of the named task and returns the
// promise its result will be delivered through. If no worker for the
// task is known yet the request stays registered as waiting and is
// published by a later maintenance pass. The progress handler, if
// any, receives the task's intermediate progress events until the
// promise is fulfilled.
func (e *Executor) ExecuteTask(
	taskName, uuid string,
	arguments map[string]interface{},
	progress task.Handler,
) (*task.Promise, error) {
	return e.submit(task.RequestParams{
		UUID:      uuid,
		TaskName:  taskName,
		Action:    task.Execute,
		Arguments: arguments,
	}, progress)
}

// RevertTask submits a revert of the named task, carrying the prior
// result and the failures that prompted the revert. It otherwise
// behaves as ExecuteTask.
func (e *Executor) RevertTask(
	taskName, uuid string,
	arguments map[string]interface{},
	result interface{},
	failures map[string]*task.Failure,
	progress task.Handler,
) (*task.Promise, error) {
	return e.submit(task.RequestParams{
		UUID:      uuid,
		TaskName:  taskName,
		Action:    task.Revert,
		Arguments: arguments,
		Result:    result,
		Failures:  failures,
	}, progress)
}

// WaitForWorkers blocks until at least n distinct workers have been
// discovered or the timeout elapses, returning the shortfall: zero on
// success. A non-positive timeout waits indefinitely.
func (e *Executor) WaitForWorkers(n int, timeout time.Duration) (int, error) {
	e.mu.Lock()
	finder := e.finder
	e.mu.Unlock()
	if finder == nil {
		return n, errors.Errorf("executor not started")
	}
	return finder.WaitForWorkers(n, timeout)
}

func (e *Executor) submit(params task.RequestParams, progress task.Handler) (*task.Promise, error) {
	e.mu.Lock()
	finder, stopped := e.finder, e.stopped
	e.mu.Unlock()
	if finder == nil {
		return nil, errors.Errorf("executor not started")
	}
	if stopped {
		return nil, errors.Errorf("executor stopped")
	}

	params.Timeout = e.config.TransitionTimeout
	params.Clock = e.config.Clock
	params.Logger = e.config.Logger
	request, err := task.NewRequest(params)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if progress != nil {
		request.Notifier().Register(task.EventProgress, progress)
	}
	if err := e.registry.insert(request); err != nil {
		return nil, errors.Trace(err)
	}
	e.countRequest(request.Action())

	if worker, ok := finder.WorkerFor(request.TaskName(), request.UUID()); ok {
		if request.Transition(task.Pending) {
			e.publishRequest(request, worker)
		}
	} else {
		e.config.Logger.Debugf(
			"delaying submission of request %q, no known worker for task %q",
			request.UUID(), request.TaskName(),
		)
	}
	return request.Promise(), nil
}

func (e *Executor) loop() error {
	if err := e.catacomb.Add(e.proxy); err != nil {
		return errors.Trace(err)
	}
	if err := e.catacomb.Add(e.finder); err != nil {
		return errors.Trace(err)
	}
	timer := e.config.Clock.NewTimer(e.config.TickInterval)
	defer timer.Stop()
	for {
		select {
		case <-e.catacomb.Dying():
			return e.catacomb.ErrDying()
		case <-timer.Chan():
			e.tick()
			timer.Reset(e.config.TickInterval)
		case <-e.finder.Updated():
			// The worker table changed; promote waiting requests
			// without waiting out the timer.
			e.tick()
		}
	}
}

// tick makes one maintenance pass: expired requests are failed with a
// RequestTimeout, and waiting requests whose task now has a worker
// are published. It is idempotent and safe to run with no pending
// work.
func (e *Executor) tick() {
	type readyRequest struct {
		request *task.Request
		worker  Worker
	}
	var expired []string
	var ready []readyRequest
	for _, uuid := range e.registry.uuids() {
		request, ok := e.registry.lookup(uuid)
		if !ok {
			// Completed between snapshot and here.
			continue
		}
		if request.Expired() {
			expired = append(expired, uuid)
		} else if request.State() == task.Waiting {
			if worker, ok := e.finder.WorkerFor(request.TaskName(), uuid); ok {
				ready = append(ready, readyRequest{request, worker})
			}
		}
	}
	for _, uuid := range expired {
		if request, ok := e.registry.completeTerminal(uuid, task.Failed); ok {
			e.expireRequest(request)
		}
	}
	for _, r := range ready {
		if r.request.Transition(task.Pending) {
			e.publishRequest(r.request, r.worker)
		}
	}
}

// expireRequest fulfills the promise of a request that has already
// been moved to FAILURE and removed from the registry, with a
// RequestTimeout recording how long it waited and where it was stuck.
func (e *Executor) expireRequest(request *task.Request) {
	var states []task.State
	for _, s := range request.History() {
		if !s.Terminal() {
			states = append(states, s)
		}
	}
	timeout := &task.RequestTimeout{
		UUID:   request.UUID(),
		Waited: e.config.Clock.Now().Sub(request.CreatedAt()),
		States: states,
	}
	e.config.Logger.Debugf("%v", timeout)
	e.countTimeout()
	request.Complete(nil, timeout)
}

// publishRequest sends the request to the chosen worker. A publish
// failure is terminal: the request is failed, removed, and its
// promise fulfilled with the error.
func (e *Executor) publishRequest(request *task.Request, worker Worker) {
	e.config.Logger.Debugf(
		"publishing request %q to worker %q, waited %v to get published",
		request.UUID(), worker.Topic,
		e.config.Clock.Now().Sub(request.CreatedAt()),
	)
	msg := &bus.Message{
		Type:          bus.KindRequest,
		CorrelationID: request.UUID(),
		ReplyTo:       e.config.UUID,
		Request: &bus.Request{
			TaskName:  request.TaskName(),
			TaskUUID:  request.UUID(),
			Action:    string(request.Action()),
			Arguments: request.Arguments(),
			Result:    request.Result(),
			Failures:  request.Failures(),
		},
	}
	if err := e.proxy.Publish(msg, worker.Topic); err != nil {
		e.config.Logger.Errorf("failed to publish request %q: %v", request.UUID(), err)
		if failed, ok := e.registry.completeTerminal(request.UUID(), task.Failed); ok {
			e.countPublishFailure()
			failed.Complete(nil, err)
		}
	}
}

// handleResponse demultiplexes one RESPONSE message onto the request
// it is correlated with. Runs on the proxy receive loop.
func (e *Executor) handleResponse(msg *bus.Message) {
	if msg.CorrelationID == "" {
		e.config.Logger.Warningf("dropping response without correlation id")
		return
	}
	request, ok := e.registry.lookup(msg.CorrelationID)
	if !ok {
		e.config.Logger.Debugf("no request matches correlation id %q", msg.CorrelationID)
		return
	}
	response := msg.Response
	e.countResponse(response.State)
	switch response.State {
	case bus.ResponseRunning:
		request.Transition(task.Running)
	case bus.ResponseEvent:
		request.Notifier().Notify(response.Data.EventType, response.Data.Details)
	case bus.ResponseSuccess:
		if done, ok := e.registry.completeTerminal(request.UUID(), task.Success); ok {
			// Removal first: promise callbacks must not see the
			// request still registered.
			done.Complete(response.Data.Result, nil)
		}
	case bus.ResponseFailure:
		if done, ok := e.registry.completeTerminal(request.UUID(), task.Failed); ok {
			done.Complete(nil, response.Data.Failure)
		}
	default:
		e.config.Logger.Warningf("dropping response with state %q", response.State)
	}
}

// handleNotifyResponse feeds worker advertisements to the finder.
// Runs on the proxy receive loop.
func (e *Executor) handleNotifyResponse(msg *bus.Message) {
	e.finder.Observe(msg)
}

func (e *Executor) workerCount() int {
	e.mu.Lock()
	finder := e.finder
	e.mu.Unlock()
	if finder == nil {
		return 0
	}
	return finder.count()
}

func (e *Executor) countRequest(action task.Action) {
	e.withCollector(func(c *Collector) {
		c.requestsTotal.WithLabelValues(string(action)).Inc()
	})
}

func (e *Executor) countResponse(state bus.ResponseState) {
	e.withCollector(func(c *Collector) {
		c.responsesTotal.WithLabelValues(string(state)).Inc()
	})
}

func (e *Executor) countTimeout() {
	e.withCollector(func(c *Collector) {
		c.requestTimeouts.Inc()
	})
}

func (e *Executor) countPublishFailure() {
	e.withCollector(func(c *Collector) {
		c.publishFailures.Inc()
	})
}

func (e *Executor) withCollector(f func(*Collector)) {
	e.mu.Lock()
	collector := e.collector
	e.mu.Unlock()
	if collector != nil {
		f(collector)
	}
}
