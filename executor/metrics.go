// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package executor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "taskbus"

// Collector is a prometheus.Collector that collects metrics about an
// Executor.
type Collector struct {
	executor *Executor

	requestsInflight prometheus.GaugeFunc
	workersKnown     prometheus.GaugeFunc
	requestsTotal    *prometheus.CounterVec
	responsesTotal   *prometheus.CounterVec
	requestTimeouts  prometheus.Counter
	publishFailures  prometheus.Counter
}

// NewMetricsCollector returns a new Collector for the executor.
func NewMetricsCollector(executor *Executor) *Collector {
	return &Collector{
		executor: executor,
		requestsInflight: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "requests_inflight",
				Help:      "The number of requests awaiting a terminal response.",
			},
			func() float64 { return float64(executor.registry.size()) },
		),
		workersKnown: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "workers_known",
				Help:      "The number of workers currently discovered.",
			},
			func() float64 { return float64(executor.workerCount()) },
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "The number of requests submitted, by action.",
			}, []string{"action"},
		),
		responsesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "responses_total",
				Help:      "The number of responses received, by state.",
			}, []string{"state"},
		),
		requestTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "request_timeouts_total",
				Help:      "The number of requests failed by the timeout reaper.",
			},
		),
		publishFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "publish_failures_total",
				Help:      "The number of requests failed by exhausted publishes.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.requestsInflight.Describe(ch)
	c.workersKnown.Describe(ch)
	c.requestsTotal.Describe(ch)
	c.responsesTotal.Describe(ch)
	c.requestTimeouts.Describe(ch)
	c.publishFailures.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.requestsInflight.Collect(ch)
	c.workersKnown.Collect(ch)
	c.requestsTotal.Collect(ch)
	c.responsesTotal.Collect(ch)
	c.requestTimeouts.Collect(ch)
	c.publishFailures.Collect(ch)
}
