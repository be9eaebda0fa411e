// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package executor

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/taskbus/bus"
)

// Worker describes a discovered remote worker: the topic its requests
// are published to, the task names it advertised, and when it was
// last heard from.
type Worker struct {
	Topic    string
	Tasks    set.Strings
	LastSeen time.Time
}

// publisher is how the finder sends its probes; satisfied by
// *bus.Proxy.
type publisher interface {
	Publish(msg *bus.Message, topic string) error
}

type finderConfig struct {
	publisher     publisher
	topics        []string
	replyTo       string
	clock         clock.Clock
	logger        Logger
	probeInterval time.Duration
	maxMisses     int
}

func (config finderConfig) validate() error {
	if config.publisher == nil {
		return errors.NotValidf("nil publisher")
	}
	if len(config.topics) == 0 {
		return errors.NotValidf("empty topics")
	}
	if config.replyTo == "" {
		return errors.NotValidf("empty replyTo")
	}
	if config.clock == nil {
		return errors.NotValidf("nil clock")
	}
	if config.logger == nil {
		return errors.NotValidf("nil logger")
	}
	if config.probeInterval <= 0 {
		return errors.NotValidf("non-positive probeInterval")
	}
	if config.maxMisses <= 0 {
		return errors.NotValidf("non-positive maxMisses")
	}
	return nil
}

type workerRecord struct {
	topic    string
	tasks    set.Strings
	lastSeen time.Time
	misses   int
}

// finder learns which workers serve which tasks by periodically
// broadcasting a NOTIFY probe on the configured discovery topics and
// recording the advertisements that come back. A worker that misses
// more than maxMisses consecutive probe rounds is evicted.
type finder struct {
	catacomb catacomb.Catacomb
	config   finderConfig

	mu      sync.Mutex
	workers map[string]*workerRecord
	updated chan struct{}
}

func newFinder(config finderConfig) (*finder, error) {
	if err := config.validate(); err != nil {
		return nil, errors.Trace(err)
	}
	f := &finder{
		config:  config,
		workers: make(map[string]*workerRecord),
		updated: make(chan struct{}),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &f.catacomb,
		Work: f.loop,
	})
	return f, errors.Trace(err)
}

// Kill is part of the worker.Worker interface.
func (f *finder) Kill() {
	f.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (f *finder) Wait() error {
	return f.catacomb.Wait()
}

func (f *finder) loop() error {
	f.probe()
	timer := f.config.clock.NewTimer(f.config.probeInterval)
	defer timer.Stop()
	for {
		select {
		case <-f.catacomb.Dying():
			return f.catacomb.ErrDying()
		case <-timer.Chan():
			f.age()
			f.probe()
			timer.Reset(f.config.probeInterval)
		}
	}
}

// probe asks every discovery topic who is listening and what they
// serve. Probe failures are not fatal; the next round tries again.
func (f *finder) probe() {
	for _, topic := range f.config.topics {
		msg := &bus.Message{
			Type:   bus.KindNotify,
			Notify: &bus.Notify{Topic: f.config.replyTo},
		}
		if err := f.config.publisher.Publish(msg, topic); err != nil {
			f.config.logger.Warningf("probe of topic %q failed: %v", topic, err)
		}
	}
}

// age charges every known worker for the probe round that just passed
// and evicts those silent for too long.
func (f *finder) age() {
	f.mu.Lock()
	defer f.mu.Unlock()
	evicted := false
	for topic, record := range f.workers {
		record.misses++
		if record.misses > f.config.maxMisses {
			f.config.logger.Debugf(
				"evicting worker on topic %q, silent for %d probes",
				topic, record.misses,
			)
			delete(f.workers, topic)
			evicted = true
		}
	}
	if evicted {
		f.signalLocked()
	}
}

// Observe records a worker advertisement.
func (f *finder) Observe(msg *bus.Message) {
	info := msg.NotifyResponse
	f.mu.Lock()
	record, ok := f.workers[info.Topic]
	if !ok {
		record = &workerRecord{topic: info.Topic}
		f.workers[info.Topic] = record
	}
	record.tasks = set.NewStrings(info.Tasks...)
	record.lastSeen = f.config.clock.Now()
	record.misses = 0
	f.signalLocked()
	f.mu.Unlock()
	f.config.logger.Debugf(
		"worker on topic %q advertised tasks %v", info.Topic, info.Tasks,
	)
}

// WorkerFor returns a worker eligible to process the named task, if
// any is known. When several match, the choice is deterministic and
// stable: the request uuid is hashed over the topic-sorted eligible
// list, so retries for one request prefer the same worker while load
// spreads across requests.
func (f *finder) WorkerFor(taskName, requestUUID string) (Worker, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var eligible []string
	for topic, record := range f.workers {
		if record.tasks.Contains(taskName) {
			eligible = append(eligible, topic)
		}
	}
	if len(eligible) == 0 {
		return Worker{}, false
	}
	sort.Strings(eligible)
	hash := fnv.New32a()
	hash.Write([]byte(requestUUID))
	record := f.workers[eligible[int(hash.Sum32())%len(eligible)]]
	return Worker{
		Topic:    record.topic,
		Tasks:    set.NewStrings(record.tasks.Values()...),
		LastSeen: record.lastSeen,
	}, true
}

// WaitForWorkers blocks until at least n distinct workers are known,
// the timeout elapses, or the finder is stopped. It returns the
// shortfall: zero on success, n less the number discovered otherwise.
// A non-positive timeout waits indefinitely.
func (f *finder) WaitForWorkers(n int, timeout time.Duration) (int, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := f.config.clock.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.Chan()
	}
	for {
		f.mu.Lock()
		count := len(f.workers)
		updated := f.updated
		f.mu.Unlock()
		if count >= n {
			return 0, nil
		}
		select {
		case <-f.catacomb.Dying():
			return n - count, errors.New("worker finder stopping")
		case <-timeoutCh:
			return n - f.count(), nil
		case <-updated:
		}
	}
}

// Updated returns a channel closed the next time the worker table
// changes; callers must re-fetch it after every wakeup.
func (f *finder) Updated() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updated
}

// Clear drops all known workers.
func (f *finder) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.workers) == 0 {
		return
	}
	f.workers = make(map[string]*workerRecord)
	f.signalLocked()
}

func (f *finder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.workers)
}

// signalLocked wakes everyone waiting on the table; called with the
// mutex held.
func (f *finder) signalLocked() {
	close(f.updated)
	f.updated = make(chan struct{})
}
