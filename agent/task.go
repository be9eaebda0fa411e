// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package agent

import (
	"github.com/juju/errors"

	"github.com/juju/taskbus/task"
)

// ProgressFunc reports intermediate progress from a running handler;
// the details are forwarded to the submitter as an EVENT response.
type ProgressFunc func(details map[string]interface{})

// Handler processes one named task on behalf of an agent.
type Handler interface {
	// Name is the task name advertised to executors.
	Name() string

	// Execute runs the task with the given arguments.
	Execute(arguments map[string]interface{}, progress ProgressFunc) (interface{}, error)

	// Revert undoes a prior execution, given its result and the
	// failures that prompted the revert.
	Revert(
		arguments map[string]interface{},
		result interface{},
		failures map[string]*task.Failure,
		progress ProgressFunc,
	) (interface{}, error)
}

// ExecuteFunc runs a task forward.
type ExecuteFunc func(arguments map[string]interface{}, progress ProgressFunc) (interface{}, error)

// RevertFunc undoes a prior execution.
type RevertFunc func(
	arguments map[string]interface{},
	result interface{},
	failures map[string]*task.Failure,
	progress ProgressFunc,
) (interface{}, error)

// NewTask adapts plain functions into a Handler. A nil revert yields
// a handler that fails revert requests.
func NewTask(name string, execute ExecuteFunc, revert RevertFunc) Handler {
	return &funcTask{name: name, execute: execute, revert: revert}
}

type funcTask struct {
	name    string
	execute ExecuteFunc
	revert  RevertFunc
}

// Name is part of the Handler interface.
func (t *funcTask) Name() string {
	return t.name
}

// Execute is part of the Handler interface.
func (t *funcTask) Execute(arguments map[string]interface{}, progress ProgressFunc) (interface{}, error) {
	if t.execute == nil {
		return nil, errors.NotSupportedf("executing task %q", t.name)
	}
	return t.execute(arguments, progress)
}

// Revert is part of the Handler interface.
func (t *funcTask) Revert(
	arguments map[string]interface{},
	result interface{},
	failures map[string]*task.Failure,
	progress ProgressFunc,
) (interface{}, error) {
	if t.revert == nil {
		return nil, errors.NotSupportedf("reverting task %q", t.name)
	}
	return t.revert(arguments, result, failures, progress)
}
