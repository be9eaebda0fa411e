// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package bus

import (
	"time"

	"github.com/juju/errors"
)

// RetryStrategy bounds how often and how long a publish is retried
// before the proxy gives up and reports a PublishError.
type RetryStrategy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// Delay is the wait before the second attempt; subsequent waits
	// double, capped at MaxDelay.
	Delay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration
}

// DefaultRetry is the publish retry policy applied when none is
// configured.
var DefaultRetry = RetryStrategy{
	Attempts: 3,
	Delay:    500 * time.Millisecond,
	MaxDelay: 5 * time.Second,
}

// Validate returns an error if the strategy cannot drive a retry loop.
func (s RetryStrategy) Validate() error {
	if s.Attempts <= 0 {
		return errors.NotValidf("non-positive Attempts")
	}
	if s.Delay <= 0 {
		return errors.NotValidf("non-positive Delay")
	}
	if s.MaxDelay < s.Delay {
		return errors.NotValidf("MaxDelay below Delay")
	}
	return nil
}
