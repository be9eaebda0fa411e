// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package task_test

import (
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/taskbus/task"
)

type RequestSuite struct {
	testing.IsolationSuite

	clock  *testclock.Clock
	params task.RequestParams
}

var _ = gc.Suite(&RequestSuite{})

func (s *RequestSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Now())
	s.params = task.RequestParams{
		UUID:      "req-1",
		TaskName:  "add",
		Action:    task.Execute,
		Arguments: map[string]interface{}{"a": 1, "b": 2},
		Timeout:   time.Minute,
		Clock:     s.clock,
		Logger:    loggo.GetLogger("test.task"),
	}
}

func (s *RequestSuite) TestValidateParams(c *gc.C) {
	tests := []struct {
		mutate func(*task.RequestParams)
		expect string
	}{{
		mutate: func(p *task.RequestParams) { p.TaskName = "" },
		expect: "empty TaskName not valid",
	}, {
		mutate: func(p *task.RequestParams) { p.Action = "destroy" },
		expect: `action "destroy" not valid`,
	}, {
		mutate: func(p *task.RequestParams) { p.Timeout = 0 },
		expect: "non-positive Timeout not valid",
	}, {
		mutate: func(p *task.RequestParams) { p.Clock = nil },
		expect: "nil Clock not valid",
	}, {
		mutate: func(p *task.RequestParams) { p.Logger = nil },
		expect: "nil Logger not valid",
	}}
	for i, test := range tests {
		c.Logf("test %d", i)
		params := s.params
		test.mutate(&params)
		_, err := task.NewRequest(params)
		c.Check(err, gc.ErrorMatches, test.expect)
	}
}

func (s *RequestSuite) TestNewRequestStartsWaiting(c *gc.C) {
	r, err := task.NewRequest(s.params)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(r.UUID(), gc.Equals, "req-1")
	c.Check(r.TaskName(), gc.Equals, "add")
	c.Check(r.Action(), gc.Equals, task.Execute)
	c.Check(r.State(), gc.Equals, task.Waiting)
	c.Check(r.CreatedAt(), gc.Equals, s.clock.Now())
	c.Check(r.History(), jc.DeepEquals, []task.State{task.Waiting})
}

func (s *RequestSuite) TestGeneratedUUID(c *gc.C) {
	params := s.params
	params.UUID = ""
	r, err := task.NewRequest(params)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(r.UUID(), gc.Not(gc.Equals), "")
}

func (s *RequestSuite) TestTransitionHappyPath(c *gc.C) {
	r, err := task.NewRequest(s.params)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(r.Transition(task.Pending), jc.IsTrue)
	c.Check(r.Transition(task.Running), jc.IsTrue)
	c.Check(r.Transition(task.Success), jc.IsTrue)
	c.Check(r.State(), gc.Equals, task.Success)
	c.Check(r.History(), jc.DeepEquals, []task.State{
		task.Waiting, task.Pending, task.Running, task.Success,
	})
}

func (s *RequestSuite) TestIllegalTransitionLeavesStateAlone(c *gc.C) {
	r, err := task.NewRequest(s.params)
	c.Assert(err, jc.ErrorIsNil)

	// Success is only reachable from Running.
	c.Check(r.Transition(task.Success), jc.IsFalse)
	c.Check(r.State(), gc.Equals, task.Waiting)

	c.Check(r.Transition(task.Failed), jc.IsTrue)
	c.Check(r.Transition(task.Running), jc.IsFalse)
	c.Check(r.Transition(task.Success), jc.IsFalse)
	c.Check(r.State(), gc.Equals, task.Failed)
	c.Check(r.History(), jc.DeepEquals, []task.State{task.Waiting, task.Failed})
}

func (s *RequestSuite) TestExpired(c *gc.C) {
	r, err := task.NewRequest(s.params)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(r.Expired(), jc.IsFalse)
	s.clock.Advance(time.Minute)
	c.Check(r.Expired(), jc.IsTrue)
}

func (s *RequestSuite) TestTerminalNeverExpires(c *gc.C) {
	r, err := task.NewRequest(s.params)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(r.Transition(task.Failed), jc.IsTrue)
	s.clock.Advance(time.Hour)
	c.Check(r.Expired(), jc.IsFalse)
}

func (s *RequestSuite) TestCompleteFulfillsPromiseOnce(c *gc.C) {
	r, err := task.NewRequest(s.params)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(r.Complete(3, nil), jc.IsTrue)
	c.Check(r.Complete(4, errors.New("boom")), jc.IsFalse)

	result, err := r.Promise().Result()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result, gc.Equals, 3)

	select {
	case <-r.Promise().Done():
	default:
		c.Fatalf("promise not done")
	}
}

func (s *RequestSuite) TestCompleteWithError(c *gc.C) {
	r, err := task.NewRequest(s.params)
	c.Assert(err, jc.ErrorIsNil)

	timeout := &task.RequestTimeout{
		UUID:   r.UUID(),
		Waited: time.Minute,
		States: []task.State{task.Waiting},
	}
	c.Check(r.Complete(nil, timeout), jc.IsTrue)

	_, err = r.Promise().Result()
	c.Check(err, jc.Satisfies, task.IsRequestTimeout)
}

func (s *RequestSuite) TestCompleteClearsNotifier(c *gc.C) {
	r, err := task.NewRequest(s.params)
	c.Assert(err, jc.ErrorIsNil)

	var events int
	r.Notifier().Register(task.EventProgress, func(string, map[string]interface{}) {
		events++
	})
	r.Notifier().Notify(task.EventProgress, nil)
	c.Check(events, gc.Equals, 1)

	c.Check(r.Complete(nil, nil), jc.IsTrue)
	r.Notifier().Notify(task.EventProgress, nil)
	c.Check(events, gc.Equals, 1)
}

func (s *RequestSuite) TestRevertCarriesResultAndFailures(c *gc.C) {
	params := s.params
	params.Action = task.Revert
	params.Result = "prior"
	params.Failures = map[string]*task.Failure{
		"other": {Message: "boom"},
	}
	r, err := task.NewRequest(params)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(r.Result(), gc.Equals, "prior")
	c.Check(r.Failures(), gc.HasLen, 1)
}
