// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing provides the shared test helpers and timing
// constants used across the repository's test suites.
package testing

import (
	"github.com/juju/loggo"
	jujutesting "github.com/juju/testing"
	gc "gopkg.in/check.v1"
)

// BaseSuite isolates tests from the host environment and resets
// logging state between tests.
type BaseSuite struct {
	jujutesting.IsolationSuite
}

func (s *BaseSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.AddCleanup(func(*gc.C) {
		loggo.ResetLogging()
	})
}
