// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"time"
)

const (
	// LongWait is used when something should already have happened,
	// or happens quickly, but we want to make sure we just haven't
	// missed it. A test waiting this long has failed.
	LongWait = 10 * time.Second

	// ShortWait is a reasonable amount of time to block waiting for
	// something that we expect not to happen.
	ShortWait = 50 * time.Millisecond
)
