// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package bus

import (
	"fmt"

	"github.com/juju/errors"
)

// PublishError indicates the transport refused a message after the
// configured retry policy was exhausted.
type PublishError struct {
	// Topic is where the message was addressed.
	Topic string

	// Cause is the last error returned by the transport.
	Cause error
}

// Error is part of the error interface.
func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing to topic %q: %v", e.Topic, e.Cause)
}

// Unwrap makes the transport error visible to errors.Is/As.
func (e *PublishError) Unwrap() error {
	return e.Cause
}

// IsPublishError reports whether err indicates an exhausted publish.
func IsPublishError(err error) bool {
	_, ok := errors.Cause(err).(*PublishError)
	return ok
}
