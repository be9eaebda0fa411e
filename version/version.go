// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package version holds the release number of the taskbus code.
package version

import (
	semversion "github.com/juju/version/v2"
)

// The presence and format of this constant is very important.
// The release process relies on it being here and parseable.
const version = "1.0.0"

// Current is the version of the code that is currently running.
var Current = semversion.MustParse(version)
