// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package task

import (
	"fmt"
	"time"

	"github.com/juju/errors"
)

// RequestTimeout is the terminal error delivered through a request's
// promise when its deadline elapsed before a worker reported a result.
type RequestTimeout struct {
	// UUID identifies the request that expired.
	UUID string

	// Waited is how long the request was outstanding.
	Waited time.Duration

	// States holds the states the request was seen in, in order,
	// while it waited.
	States []State
}

// Error is part of the error interface.
func (e *RequestTimeout) Error() string {
	return fmt.Sprintf(
		"request %q expired after waiting %v to transition out of %v states",
		e.UUID, e.Waited, e.States,
	)
}

// IsRequestTimeout reports whether err indicates a request that timed
// out before reaching a terminal state.
func IsRequestTimeout(err error) bool {
	_, ok := errors.Cause(err).(*RequestTimeout)
	return ok
}
