// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package bus

import (
	"sync"

	"github.com/juju/errors"
	"github.com/juju/schema"
)

// Transport carries messages between topics on a bus. Implementations
// own their connection lifecycle, including reconnects; Publish fails
// only when the transport has given up on the message.
type Transport interface {
	// Publish submits the message to the named topic.
	Publish(msg *Message, topic string) error

	// Subscribe registers handler for messages arriving on the named
	// topic and returns a function that removes the subscription.
	// Handlers for one subscription are invoked serially.
	Subscribe(topic string, handler func(*Message)) (func(), error)

	// Close releases the connection; all subscriptions are dropped.
	Close() error
}

// Config holds the connection parameters for opening a Transport.
type Config struct {
	// Transport names the registered transport to use.
	Transport string

	// Exchange namespaces all topics on the bus.
	Exchange string

	// URL addresses the broker; its interpretation is the
	// transport's.
	URL string

	// Options holds transport-specific settings, coerced through the
	// transport's schema before use.
	Options map[string]interface{}
}

// Validate returns an error if the config cannot open a transport.
func (c Config) Validate() error {
	if c.Transport == "" {
		return errors.NotValidf("empty Transport")
	}
	if c.Exchange == "" {
		return errors.NotValidf("empty Exchange")
	}
	return nil
}

// Provider opens transports of one kind and declares the option schema
// they accept.
type Provider struct {
	// Open connects a transport using the given, already coerced,
	// config.
	Open func(Config) (Transport, error)

	// Fields and Defaults describe the recognized Options.
	Fields   schema.Fields
	Defaults schema.Defaults
}

var (
	providersMu sync.Mutex
	providers   = make(map[string]Provider)
)

// RegisterTransport makes a transport available to Open under the
// given name. It panics on duplicate registration, which indicates a
// programming error.
func RegisterTransport(name string, p Provider) {
	providersMu.Lock()
	defer providersMu.Unlock()
	if _, ok := providers[name]; ok {
		panic(errors.Errorf("duplicate transport registration %q", name))
	}
	providers[name] = p
}

// Open connects the transport named by the config, after coercing its
// options through the transport's schema.
func Open(cfg Config) (Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	providersMu.Lock()
	p, ok := providers[cfg.Transport]
	providersMu.Unlock()
	if !ok {
		return nil, errors.NotFoundf("transport %q", cfg.Transport)
	}
	checker := schema.StrictFieldMap(p.Fields, p.Defaults)
	coerced, err := checker.Coerce(optionsOrEmpty(cfg.Options), nil)
	if err != nil {
		return nil, errors.Annotatef(err, "invalid options for transport %q", cfg.Transport)
	}
	cfg.Options = coerced.(map[string]interface{})
	t, err := p.Open(cfg)
	return t, errors.Trace(err)
}

func optionsOrEmpty(options map[string]interface{}) map[string]interface{} {
	if options == nil {
		return map[string]interface{}{}
	}
	return options
}
