// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package executor

import (
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/loggo"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/juju/taskbus/bus"
	coretesting "github.com/juju/taskbus/testing"
)

// recordingPublisher captures probe publishes.
type recordingPublisher struct {
	mu        sync.Mutex
	published []publishedProbe
	notify    chan publishedProbe
}

type publishedProbe struct {
	topic   string
	message *bus.Message
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{notify: make(chan publishedProbe, 100)}
}

func (p *recordingPublisher) Publish(msg *bus.Message, topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	probe := publishedProbe{topic: topic, message: msg}
	p.published = append(p.published, probe)
	p.notify <- probe
	return nil
}

func (p *recordingPublisher) next(c *gc.C) publishedProbe {
	select {
	case probe := <-p.notify:
		return probe
	case <-time.After(coretesting.LongWait):
		c.Fatalf("timed out waiting for probe")
		panic("unreachable")
	}
}

type FinderSuite struct {
	testing.IsolationSuite

	clock     *testclock.Clock
	publisher *recordingPublisher
	config    finderConfig
}

var _ = gc.Suite(&FinderSuite{})

func (s *FinderSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Now())
	s.publisher = newRecordingPublisher()
	s.config = finderConfig{
		publisher:     s.publisher,
		topics:        []string{"workers-a", "workers-b"},
		replyTo:       "executor-1",
		clock:         s.clock,
		logger:        loggo.GetLogger("test.finder"),
		probeInterval: 5 * time.Second,
		maxMisses:     2,
	}
}

func (s *FinderSuite) newFinder(c *gc.C) *finder {
	f, err := newFinder(s.config)
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) {
		workertest.CleanKill(c, f)
	})
	return f
}

func advertise(f *finder, topic string, tasks ...string) {
	f.Observe(&bus.Message{
		Type: bus.KindNotifyResponse,
		NotifyResponse: &bus.NotifyResponse{
			Topic: topic,
			Tasks: tasks,
		},
	})
}

func (s *FinderSuite) TestValidateConfig(c *gc.C) {
	tests := []struct {
		mutate func(*finderConfig)
		expect string
	}{{
		mutate: func(cfg *finderConfig) { cfg.publisher = nil },
		expect: "nil publisher not valid",
	}, {
		mutate: func(cfg *finderConfig) { cfg.topics = nil },
		expect: "empty topics not valid",
	}, {
		mutate: func(cfg *finderConfig) { cfg.replyTo = "" },
		expect: "empty replyTo not valid",
	}, {
		mutate: func(cfg *finderConfig) { cfg.clock = nil },
		expect: "nil clock not valid",
	}, {
		mutate: func(cfg *finderConfig) { cfg.logger = nil },
		expect: "nil logger not valid",
	}, {
		mutate: func(cfg *finderConfig) { cfg.probeInterval = 0 },
		expect: "non-positive probeInterval not valid",
	}, {
		mutate: func(cfg *finderConfig) { cfg.maxMisses = 0 },
		expect: "non-positive maxMisses not valid",
	}}
	for i, test := range tests {
		c.Logf("test %d", i)
		config := s.config
		test.mutate(&config)
		_, err := newFinder(config)
		c.Check(err, gc.ErrorMatches, test.expect)
	}
}

func (s *FinderSuite) TestProbesAllTopicsOnStart(c *gc.C) {
	s.newFinder(c)
	seen := []string{s.publisher.next(c).topic, s.publisher.next(c).topic}
	c.Check(seen, jc.SameContents, []string{"workers-a", "workers-b"})
}

func (s *FinderSuite) TestProbeCarriesReplyTopic(c *gc.C) {
	s.newFinder(c)
	probe := s.publisher.next(c)
	c.Assert(probe.message.Type, gc.Equals, bus.KindNotify)
	c.Check(probe.message.Notify.Topic, gc.Equals, "executor-1")
}

func (s *FinderSuite) TestProbesPeriodically(c *gc.C) {
	s.newFinder(c)
	s.publisher.next(c)
	s.publisher.next(c)

	c.Assert(s.clock.WaitAdvance(5*time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)
	seen := []string{s.publisher.next(c).topic, s.publisher.next(c).topic}
	c.Check(seen, jc.SameContents, []string{"workers-a", "workers-b"})
}

func (s *FinderSuite) TestWorkerForUnknownTask(c *gc.C) {
	f := s.newFinder(c)
	advertise(f, "worker-1", "add")
	_, ok := f.WorkerFor("subtract", "r1")
	c.Check(ok, jc.IsFalse)
}

func (s *FinderSuite) TestWorkerForAdvertisedTask(c *gc.C) {
	f := s.newFinder(c)
	advertise(f, "worker-1", "add", "subtract")

	worker, ok := f.WorkerFor("add", "r1")
	c.Assert(ok, jc.IsTrue)
	c.Check(worker.Topic, gc.Equals, "worker-1")
	c.Check(worker.Tasks.SortedValues(), jc.DeepEquals, []string{"add", "subtract"})
	c.Check(worker.LastSeen, gc.Equals, s.clock.Now())
}

func (s *FinderSuite) TestWorkerSelectionStable(c *gc.C) {
	f := s.newFinder(c)
	advertise(f, "worker-1", "add")
	advertise(f, "worker-2", "add")
	advertise(f, "worker-3", "add")

	first, ok := f.WorkerFor("add", "r1")
	c.Assert(ok, jc.IsTrue)
	for i := 0; i < 10; i++ {
		again, ok := f.WorkerFor("add", "r1")
		c.Assert(ok, jc.IsTrue)
		c.Check(again.Topic, gc.Equals, first.Topic)
	}
}

func (s *FinderSuite) TestWorkerSelectionSpreadsAcrossRequests(c *gc.C) {
	f := s.newFinder(c)
	advertise(f, "worker-1", "add")
	advertise(f, "worker-2", "add")
	advertise(f, "worker-3", "add")

	chosen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		worker, ok := f.WorkerFor("add", fmt.Sprintf("request-%d", i))
		c.Assert(ok, jc.IsTrue)
		chosen[worker.Topic] = true
	}
	c.Check(len(chosen) > 1, jc.IsTrue)
}

func (s *FinderSuite) TestEvictionAfterMissedProbes(c *gc.C) {
	f := s.newFinder(c)
	s.publisher.next(c)
	s.publisher.next(c)
	advertise(f, "worker-1", "add")

	// maxMisses is 2: the worker survives two silent probe rounds
	// and is evicted on the third.
	for i := 0; i < 2; i++ {
		c.Assert(s.clock.WaitAdvance(5*time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)
		s.publisher.next(c)
		s.publisher.next(c)
		_, ok := f.WorkerFor("add", "r1")
		c.Check(ok, jc.IsTrue)
	}
	c.Assert(s.clock.WaitAdvance(5*time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)
	s.publisher.next(c)
	s.publisher.next(c)
	_, ok := f.WorkerFor("add", "r1")
	c.Check(ok, jc.IsFalse)
}

func (s *FinderSuite) TestRefreshResetsMisses(c *gc.C) {
	f := s.newFinder(c)
	advertise(f, "worker-1", "add")

	for i := 0; i < 4; i++ {
		c.Assert(s.clock.WaitAdvance(5*time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)
		s.publisher.next(c)
		s.publisher.next(c)
		advertise(f, "worker-1", "add")
	}
	_, ok := f.WorkerFor("add", "r1")
	c.Check(ok, jc.IsTrue)
}

func (s *FinderSuite) TestWaitForWorkersAlreadySatisfied(c *gc.C) {
	f := s.newFinder(c)
	advertise(f, "worker-1", "add")

	shortfall, err := f.WaitForWorkers(1, time.Minute)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(shortfall, gc.Equals, 0)
}

func (s *FinderSuite) TestWaitForWorkersWokenByDiscovery(c *gc.C) {
	f := s.newFinder(c)

	done := make(chan int)
	go func() {
		shortfall, err := f.WaitForWorkers(1, 0)
		c.Check(err, jc.ErrorIsNil)
		done <- shortfall
	}()

	advertise(f, "worker-1", "add")
	select {
	case shortfall := <-done:
		c.Check(shortfall, gc.Equals, 0)
	case <-time.After(coretesting.LongWait):
		c.Fatalf("timed out waiting for WaitForWorkers")
	}
}

func (s *FinderSuite) TestWaitForWorkersTimeoutShortfall(c *gc.C) {
	f := s.newFinder(c)
	advertise(f, "worker-1", "add")

	done := make(chan int)
	go func() {
		shortfall, err := f.WaitForWorkers(3, time.Minute)
		c.Check(err, jc.ErrorIsNil)
		done <- shortfall
	}()

	// Two waiters: the probe timer and the wait timeout.
	c.Assert(s.clock.WaitAdvance(time.Minute, coretesting.LongWait, 2), jc.ErrorIsNil)
	select {
	case shortfall := <-done:
		c.Check(shortfall, gc.Equals, 2)
	case <-time.After(coretesting.LongWait):
		c.Fatalf("timed out waiting for WaitForWorkers")
	}
}

func (s *FinderSuite) TestWaitForWorkersFinderStopping(c *gc.C) {
	f := s.newFinder(c)

	done := make(chan error)
	go func() {
		_, err := f.WaitForWorkers(1, 0)
		done <- err
	}()

	// Let the waiter block before killing the finder.
	time.Sleep(coretesting.ShortWait)
	f.Kill()
	select {
	case err := <-done:
		c.Check(err, gc.ErrorMatches, "worker finder stopping")
	case <-time.After(coretesting.LongWait):
		c.Fatalf("timed out waiting for WaitForWorkers")
	}
}

func (s *FinderSuite) TestClear(c *gc.C) {
	f := s.newFinder(c)
	advertise(f, "worker-1", "add")
	f.Clear()
	_, ok := f.WorkerFor("add", "r1")
	c.Check(ok, jc.IsFalse)
	c.Check(f.count(), gc.Equals, 0)
}

func (s *FinderSuite) TestUpdatedSignalledOnChange(c *gc.C) {
	f := s.newFinder(c)
	updated := f.Updated()
	advertise(f, "worker-1", "add")
	select {
	case <-updated:
	default:
		c.Fatalf("table change not signalled")
	}
}
