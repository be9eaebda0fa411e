// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package task

import (
	"fmt"

	"github.com/juju/errors"
)

// Failure is the serializable record of an error raised while
// processing a task on a worker. It travels inside FAILURE responses
// and, for reverts, alongside the arguments of the revert request.
type Failure struct {
	Message   string `json:"message"`
	Kind      string `json:"kind,omitempty"`
	Traceback string `json:"traceback,omitempty"`
}

// NewFailure captures err as a Failure record.
func NewFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	cause := errors.Cause(err)
	f := &Failure{
		Message: cause.Error(),
		Kind:    fmt.Sprintf("%T", cause),
	}
	if details := errors.ErrorStack(err); details != f.Message {
		f.Traceback = details
	}
	return f
}

// Error is part of the error interface.
func (f *Failure) Error() string {
	return f.Message
}
