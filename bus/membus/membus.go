// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package membus provides an in-memory bus transport for tests and
// single-process wiring. Connections opened with the same URL share
// one hub, so an executor and its workers can talk to each other
// inside one process.
package membus

import (
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/pubsub/v2"
	"gopkg.in/tomb.v2"

	"github.com/juju/taskbus/bus"
)

func init() {
	bus.RegisterTransport("memory", bus.Provider{
		Open: func(cfg bus.Config) (bus.Transport, error) {
			return New(cfg), nil
		},
	})
}

var (
	hubsMu sync.Mutex
	hubs   = make(map[string]*pubsub.SimpleHub)
)

// hubFor returns the process-wide hub shared by all connections
// opened with the same URL.
func hubFor(url string) *pubsub.SimpleHub {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	hub, ok := hubs[url]
	if !ok {
		hub = pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
			Logger: loggo.GetLogger("taskbus.membus"),
		})
		hubs[url] = hub
	}
	return hub
}

// Transport is an in-memory bus.Transport over a pubsub hub. Messages
// are passed by reference; there is no serialization.
type Transport struct {
	tomb     tomb.Tomb
	hub      *pubsub.SimpleHub
	exchange string

	mu     sync.Mutex
	unsubs map[int]func()
	nextID int
}

// New returns a Transport on the hub identified by cfg.URL, with all
// topics namespaced by cfg.Exchange.
func New(cfg bus.Config) *Transport {
	t := &Transport{
		hub:      hubFor(cfg.URL),
		exchange: cfg.Exchange,
		unsubs:   make(map[int]func()),
	}
	t.tomb.Go(func() error {
		<-t.tomb.Dying()
		t.mu.Lock()
		defer t.mu.Unlock()
		for _, unsub := range t.unsubs {
			unsub()
		}
		t.unsubs = make(map[int]func())
		return nil
	})
	return t
}

func (t *Transport) topic(name string) string {
	return t.exchange + "." + name
}

// Publish is part of the bus.Transport interface.
func (t *Transport) Publish(msg *bus.Message, topic string) error {
	select {
	case <-t.tomb.Dying():
		return errors.New("bus connection closed")
	default:
	}
	t.hub.Publish(t.topic(topic), msg)
	return nil
}

// Subscribe is part of the bus.Transport interface.
func (t *Transport) Subscribe(topic string, handler func(*bus.Message)) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.tomb.Dying():
		return nil, errors.New("bus connection closed")
	default:
	}
	unsub := t.hub.Subscribe(t.topic(topic), func(_ string, data interface{}) {
		msg, ok := data.(*bus.Message)
		if !ok {
			return
		}
		handler(msg)
	})
	id := t.nextID
	t.nextID++
	t.unsubs[id] = unsub
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if unsub, ok := t.unsubs[id]; ok {
			delete(t.unsubs, id)
			unsub()
		}
	}, nil
}

// Close is part of the bus.Transport interface.
func (t *Transport) Close() error {
	t.tomb.Kill(nil)
	return t.tomb.Wait()
}
