// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package task

// State is the lifecycle state of a request as seen by the submitting
// side. The wire representation is the string value.
type State string

const (
	// Waiting indicates the request has been accepted but no worker
	// is yet known that can process it.
	Waiting State = "WAITING"

	// Pending indicates the request has been published to a worker
	// and an acknowledgement is awaited.
	Pending State = "PENDING"

	// Running indicates a worker has acknowledged that it started
	// processing the request.
	Running State = "RUNNING"

	// Success and Failed are the terminal states; no further
	// transitions are permitted out of either.
	Success State = "SUCCESS"
	Failed  State = "FAILURE"
)

// legalTransitions holds the only edges a request may move along.
// Everything else is rejected by Transition.
var legalTransitions = map[State][]State{
	Waiting: {Pending, Failed},
	Pending: {Running, Failed},
	Running: {Success, Failed},
}

// Terminal reports whether no further transitions are permitted
// out of this state.
func (s State) Terminal() bool {
	return s == Success || s == Failed
}

// CanTransition reports whether moving from s to target is a legal
// edge of the request lifecycle.
func (s State) CanTransition(target State) bool {
	for _, allowed := range legalTransitions[s] {
		if target == allowed {
			return true
		}
	}
	return false
}
