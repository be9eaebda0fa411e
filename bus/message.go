// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package bus defines the message protocol spoken between task
// submitters and workers, the transport contract that carries it, and
// the proxy worker that pumps messages in both directions.
package bus

import (
	"time"

	"github.com/juju/errors"

	"github.com/juju/taskbus/task"
)

// Kind discriminates the message bodies carried by an envelope.
type Kind string

const (
	// KindNotify is the discovery probe: "who is listening, and what
	// do you serve?".
	KindNotify Kind = "NOTIFY"

	// KindNotifyResponse is a worker's advertisement of the task
	// names it serves.
	KindNotifyResponse Kind = "NOTIFY_RESPONSE"

	// KindRequest asks a worker to execute or revert a task.
	KindRequest Kind = "REQUEST"

	// KindResponse reports request progress or outcome back to the
	// submitter.
	KindResponse Kind = "RESPONSE"
)

// Message is the envelope carried by the bus. Exactly one body field,
// matching Type, is set.
type Message struct {
	Type          Kind      `json:"type"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	ReplyTo       string    `json:"reply_to,omitempty"`
	Timestamp     time.Time `json:"timestamp"`

	Request        *Request        `json:"request,omitempty"`
	Response       *Response       `json:"response,omitempty"`
	Notify         *Notify         `json:"notify,omitempty"`
	NotifyResponse *NotifyResponse `json:"notify_response,omitempty"`
}

// Request asks a worker to run or undo one task.
type Request struct {
	TaskName  string                 `json:"task_name"`
	TaskUUID  string                 `json:"task_uuid"`
	Action    string                 `json:"action"`
	Arguments map[string]interface{} `json:"arguments"`

	// Result and Failures are present only for revert requests.
	Result   interface{}              `json:"result,omitempty"`
	Failures map[string]*task.Failure `json:"failures,omitempty"`
}

// ResponseState tags the variant carried by a Response.
type ResponseState string

const (
	ResponseRunning ResponseState = "RUNNING"
	ResponseEvent   ResponseState = "EVENT"
	ResponseSuccess ResponseState = "SUCCESS"
	ResponseFailure ResponseState = "FAILURE"
)

// Response reports the progress or outcome of a request. State selects
// which Data fields are meaningful: EventType and Details for EVENT,
// Result for SUCCESS, Failure for FAILURE; RUNNING carries no data.
type Response struct {
	State ResponseState `json:"state"`
	Data  ResponseData  `json:"data"`
}

// ResponseData is the state-dependent payload of a Response.
type ResponseData struct {
	EventType string                 `json:"event_type,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Result    interface{}            `json:"result,omitempty"`
	Failure   *task.Failure          `json:"failure,omitempty"`
}

// Notify is a discovery probe; Topic is where advertisements should be
// sent back to.
type Notify struct {
	Topic string `json:"topic"`
}

// NotifyResponse advertises the tasks served on a worker topic.
type NotifyResponse struct {
	Topic string   `json:"topic"`
	Tasks []string `json:"tasks"`
}

// Validate returns an error if the envelope is malformed: unknown
// type, missing or mismatched body, or body fields that the type
// requires left empty.
func (m *Message) Validate() error {
	bodies := 0
	for _, set := range []bool{
		m.Request != nil, m.Response != nil,
		m.Notify != nil, m.NotifyResponse != nil,
	} {
		if set {
			bodies++
		}
	}
	if bodies != 1 {
		return errors.NotValidf("message with %d bodies", bodies)
	}
	switch m.Type {
	case KindRequest:
		if m.Request == nil {
			return errors.NotValidf("%s message without request body", m.Type)
		}
		if m.Request.TaskName == "" {
			return errors.NotValidf("request without task name")
		}
		if m.Request.TaskUUID == "" {
			return errors.NotValidf("request without task uuid")
		}
		if a := task.Action(m.Request.Action); a != task.Execute && a != task.Revert {
			return errors.NotValidf("request action %q", m.Request.Action)
		}
	case KindResponse:
		if m.Response == nil {
			return errors.NotValidf("%s message without response body", m.Type)
		}
		if err := m.Response.Validate(); err != nil {
			return errors.Trace(err)
		}
	case KindNotify:
		if m.Notify == nil {
			return errors.NotValidf("%s message without notify body", m.Type)
		}
		if m.Notify.Topic == "" {
			return errors.NotValidf("notify without reply topic")
		}
	case KindNotifyResponse:
		if m.NotifyResponse == nil {
			return errors.NotValidf("%s message without notify response body", m.Type)
		}
		if m.NotifyResponse.Topic == "" {
			return errors.NotValidf("notify response without topic")
		}
	default:
		return errors.NotValidf("message type %q", m.Type)
	}
	return nil
}

// Validate returns an error if the response variant is incoherent.
func (r *Response) Validate() error {
	switch r.State {
	case ResponseRunning:
	case ResponseEvent:
		if r.Data.EventType == "" {
			return errors.NotValidf("event response without event type")
		}
	case ResponseSuccess:
	case ResponseFailure:
		if r.Data.Failure == nil {
			return errors.NotValidf("failure response without failure record")
		}
	default:
		return errors.NotValidf("response state %q", r.State)
	}
	return nil
}
