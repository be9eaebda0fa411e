// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package agent implements the worker side of the task bus: a process
// that advertises the tasks it serves in answer to discovery probes,
// runs execute and revert requests through registered handlers, and
// streams progress and outcomes back to the submitting executor.
package agent

import (
	"sync"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/taskbus/bus"
	"github.com/juju/taskbus/task"
	"github.com/juju/taskbus/version"
)

// Logger represents the methods used by the agent to log information.
type Logger interface {
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warningf(string, ...interface{})
	Errorf(string, ...interface{})
}

// Config defines the operation of an Agent.
type Config struct {
	// Topic is the agent's queue name; executors publish requests to
	// it, and it is what the agent advertises in discovery replies.
	Topic string

	// Bus carries the messages.
	Bus bus.Transport

	// Handlers are the tasks this agent serves.
	Handlers []Handler

	Clock  clock.Clock
	Logger Logger

	// Retry bounds publish retries. Zero means bus.DefaultRetry.
	Retry bus.RetryStrategy
}

// Validate returns an error if the config cannot drive an Agent.
func (config Config) Validate() error {
	if config.Topic == "" {
		return errors.NotValidf("empty Topic")
	}
	if config.Bus == nil {
		return errors.NotValidf("nil Bus")
	}
	if len(config.Handlers) == 0 {
		return errors.NotValidf("empty Handlers")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Agent serves task requests arriving on its topic. Each request is
// acknowledged with a RUNNING response, run on its own goroutine, and
// answered with a SUCCESS or FAILURE response addressed to the
// requester's reply topic.
type Agent struct {
	catacomb catacomb.Catacomb
	config   Config
	proxy    *bus.Proxy
	handlers map[string]Handler

	running sync.WaitGroup
}

// New returns an Agent serving the configured handlers, or an error.
func New(config Config) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	a := &Agent{
		config:   config,
		handlers: make(map[string]Handler),
	}
	for _, handler := range config.Handlers {
		if _, ok := a.handlers[handler.Name()]; ok {
			return nil, errors.AlreadyExistsf("handler for task %q", handler.Name())
		}
		a.handlers[handler.Name()] = handler
	}
	proxy, err := bus.NewProxy(bus.ProxyConfig{
		Topic:     config.Topic,
		Transport: config.Bus,
		Handlers: map[bus.Kind]bus.Handler{
			bus.KindNotify:  a.handleNotify,
			bus.KindRequest: a.handleRequest,
		},
		Clock:  config.Clock,
		Logger: config.Logger,
		Retry:  config.Retry,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	a.proxy = proxy
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &a.catacomb,
		Work: a.loop,
	}); err != nil {
		proxy.Kill()
		return nil, errors.Trace(err)
	}
	config.Logger.Infof(
		"task agent %s serving %v on topic %q",
		version.Current, a.taskNames(), config.Topic,
	)
	return a, nil
}

// Kill is part of the worker.Worker interface.
func (a *Agent) Kill() {
	a.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface. It returns only once
// any in-flight task handlers have finished.
func (a *Agent) Wait() error {
	return a.catacomb.Wait()
}

// Running returns a channel closed once the agent is receiving
// requests.
func (a *Agent) Running() <-chan struct{} {
	return a.proxy.Running()
}

func (a *Agent) loop() error {
	if err := a.catacomb.Add(a.proxy); err != nil {
		return errors.Trace(err)
	}
	<-a.catacomb.Dying()
	a.running.Wait()
	return a.catacomb.ErrDying()
}

func (a *Agent) taskNames() []string {
	names := set.NewStrings()
	for name := range a.handlers {
		names.Add(name)
	}
	return names.SortedValues()
}

// handleNotify answers a discovery probe with the tasks served here.
// Runs on the proxy receive loop.
func (a *Agent) handleNotify(msg *bus.Message) {
	reply := &bus.Message{
		Type:    bus.KindNotifyResponse,
		ReplyTo: a.config.Topic,
		NotifyResponse: &bus.NotifyResponse{
			Topic: a.config.Topic,
			Tasks: a.taskNames(),
		},
	}
	if err := a.proxy.Publish(reply, msg.Notify.Topic); err != nil {
		a.config.Logger.Warningf(
			"failed to answer probe from %q: %v", msg.Notify.Topic, err,
		)
	}
}

// handleRequest acknowledges the request and hands it to its task
// handler on a tracked goroutine. Runs on the proxy receive loop.
func (a *Agent) handleRequest(msg *bus.Message) {
	request := msg.Request
	replyTo := msg.ReplyTo
	correlationID := msg.CorrelationID
	if replyTo == "" || correlationID == "" {
		a.config.Logger.Warningf(
			"dropping request %q without reply address", request.TaskUUID,
		)
		return
	}
	handler, ok := a.handlers[request.TaskName]
	if !ok {
		a.respond(replyTo, correlationID, &bus.Response{
			State: bus.ResponseFailure,
			Data: bus.ResponseData{
				Failure: task.NewFailure(errors.NotFoundf("task %q", request.TaskName)),
			},
		})
		return
	}

	a.respond(replyTo, correlationID, &bus.Response{State: bus.ResponseRunning})
	a.running.Add(1)
	go func() {
		defer a.running.Done()
		a.runTask(handler, request, replyTo, correlationID)
	}()
}

func (a *Agent) runTask(handler Handler, request *bus.Request, replyTo, correlationID string) {
	progress := func(details map[string]interface{}) {
		a.respond(replyTo, correlationID, &bus.Response{
			State: bus.ResponseEvent,
			Data: bus.ResponseData{
				EventType: task.EventProgress,
				Details:   details,
			},
		})
	}

	var result interface{}
	var err error
	switch task.Action(request.Action) {
	case task.Execute:
		result, err = handler.Execute(request.Arguments, progress)
	case task.Revert:
		result, err = handler.Revert(request.Arguments, request.Result, request.Failures, progress)
	default:
		err = errors.NotValidf("action %q", request.Action)
	}

	if err != nil {
		a.config.Logger.Errorf(
			"task %q request %q failed: %v", request.TaskName, request.TaskUUID, err,
		)
		a.respond(replyTo, correlationID, &bus.Response{
			State: bus.ResponseFailure,
			Data:  bus.ResponseData{Failure: task.NewFailure(err)},
		})
		return
	}
	a.respond(replyTo, correlationID, &bus.Response{
		State: bus.ResponseSuccess,
		Data:  bus.ResponseData{Result: result},
	})
}

func (a *Agent) respond(replyTo, correlationID string, response *bus.Response) {
	msg := &bus.Message{
		Type:          bus.KindResponse,
		CorrelationID: correlationID,
		ReplyTo:       a.config.Topic,
		Response:      response,
	}
	if err := a.proxy.Publish(msg, replyTo); err != nil {
		a.config.Logger.Warningf(
			"failed to send %s response for request %q: %v",
			response.State, correlationID, err,
		)
	}
}
