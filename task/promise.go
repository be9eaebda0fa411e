// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package task

import (
	"sync"
)

// Promise is a single-assignment result cell. It is fulfilled exactly
// once, by the request it belongs to, when the request reaches a
// terminal state.
type Promise struct {
	mu     sync.Mutex
	done   chan struct{}
	result interface{}
	err    error
}

func newPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Done returns a channel that is closed when the promise has been
// fulfilled.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Result blocks until the promise is fulfilled and returns the result
// value, or the error the request terminated with.
func (p *Promise) Result() (interface{}, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.err
}

// fulfill assigns the result and wakes all waiters. It returns false
// if the promise was already fulfilled.
func (p *Promise) fulfill(result interface{}, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return false
	default:
	}
	p.result = result
	p.err = err
	close(p.done)
	return true
}
