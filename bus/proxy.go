// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package bus

import (
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/juju/worker/v4/catacomb"
)

// Logger represents the methods used by the proxy to log information.
type Logger interface {
	Debugf(string, ...interface{})
	Warningf(string, ...interface{})
}

// Handler processes one validated inbound message of a given kind.
// Handlers run on the proxy's receive loop and must not block it.
type Handler func(*Message)

// ProxyConfig defines the operation of a Proxy.
type ProxyConfig struct {
	// Topic is the proxy's own queue; inbound messages addressed to
	// it are routed through Handlers.
	Topic string

	// Transport carries the messages.
	Transport Transport

	// Handlers maps message kinds to their handlers. Kinds without a
	// handler are logged and dropped.
	Handlers map[Kind]Handler

	Clock  clock.Clock
	Logger Logger

	// Retry bounds publish retries; zero means DefaultRetry.
	Retry RetryStrategy
}

// Validate returns an error if the config cannot drive a Proxy.
func (config ProxyConfig) Validate() error {
	if config.Topic == "" {
		return errors.NotValidf("empty Topic")
	}
	if config.Transport == nil {
		return errors.NotValidf("nil Transport")
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
	if err := config.Retry.Validate(); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Proxy pumps messages in both directions between its owner and the
// transport: outbound through Publish with retry, inbound through a
// receive loop that routes each message to the handler registered for
// its kind. It holds no request state of its own.
type Proxy struct {
	catacomb catacomb.Catacomb
	config   ProxyConfig

	running chan struct{}
	inbound chan *Message
}

// NewProxy returns a Proxy subscribed to config.Topic, or an error.
func NewProxy(config ProxyConfig) (*Proxy, error) {
	if config.Retry == (RetryStrategy{}) {
		config.Retry = DefaultRetry
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	p := &Proxy{
		config:  config,
		running: make(chan struct{}),
		inbound: make(chan *Message),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &p.catacomb,
		Work: p.loop,
	})
	return p, errors.Trace(err)
}

// Kill is part of the worker.Worker interface.
func (p *Proxy) Kill() {
	p.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (p *Proxy) Wait() error {
	return p.catacomb.Wait()
}

// Running returns a channel closed once the receive loop is
// subscribed and ready.
func (p *Proxy) Running() <-chan struct{} {
	return p.running
}

// Publish submits the message to the named topic, stamping it with the
// current time if the caller did not. Transient transport errors are
// retried with doubling backoff per the configured strategy; once the
// strategy is exhausted the last error is returned as a *PublishError.
func (p *Proxy) Publish(msg *Message, topic string) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = p.config.Clock.Now()
	}
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return p.config.Transport.Publish(msg, topic)
		},
		NotifyFunc: func(lastError error, attempt int) {
			p.config.Logger.Debugf(
				"publish attempt %d to topic %q failed: %v",
				attempt, topic, lastError,
			)
		},
		Attempts:    p.config.Retry.Attempts,
		Delay:       p.config.Retry.Delay,
		MaxDelay:    p.config.Retry.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       p.config.Clock,
		Stop:        p.catacomb.Dying(),
	})
	if err != nil {
		return &PublishError{Topic: topic, Cause: retry.LastError(err)}
	}
	return nil
}

func (p *Proxy) loop() error {
	unsubscribe, err := p.config.Transport.Subscribe(p.config.Topic, p.deliver)
	if err != nil {
		return errors.Trace(err)
	}
	defer unsubscribe()
	close(p.running)
	for {
		select {
		case <-p.catacomb.Dying():
			return p.catacomb.ErrDying()
		case msg := <-p.inbound:
			p.dispatch(msg)
		}
	}
}

// deliver runs on the transport's delivery goroutine; it hands the
// message to the receive loop without outliving a dying proxy.
func (p *Proxy) deliver(msg *Message) {
	select {
	case p.inbound <- msg:
	case <-p.catacomb.Dying():
	}
}

func (p *Proxy) dispatch(msg *Message) {
	if err := msg.Validate(); err != nil {
		p.config.Logger.Warningf("dropping malformed message on %q: %v", p.config.Topic, err)
		return
	}
	handler, ok := p.config.Handlers[msg.Type]
	if !ok {
		p.config.Logger.Warningf("dropping unhandled %s message on %q", msg.Type, p.config.Topic)
		return
	}
	handler(msg)
}
