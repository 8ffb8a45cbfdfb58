// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the Prometheus gauges/counters/histograms an
// operator dashboards the run dispatch core against.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process-wide collector set. Construct once with New
// and register it with a prometheus.Registerer at startup.
type Metrics struct {
	QueueDepth      *prometheus.GaugeVec
	LeaseLatency    prometheus.Histogram
	RetryTotal      prometheus.Counter
	EventBusDropped *prometheus.CounterVec
	RunnersOnline   prometheus.Gauge
}

// New constructs the collector set. Callers must Register it before use.
func New() *Metrics {
	return &Metrics{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rundispatch",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of queued runs by priority.",
		}, []string{"priority"}),
		LeaseLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rundispatch",
			Subsystem: "queue",
			Name:      "lease_latency_seconds",
			Help:      "Time a run spent queued before being leased.",
			Buckets:   prometheus.DefBuckets,
		}),
		RetryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rundispatch",
			Subsystem: "engine",
			Name:      "retries_total",
			Help:      "Total number of retries scheduled.",
		}),
		EventBusDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rundispatch",
			Subsystem: "eventbus",
			Name:      "dropped_total",
			Help:      "Total number of events dropped due to a full subscriber buffer.",
		}, []string{"topic"}),
		RunnersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rundispatch",
			Subsystem: "runners",
			Name:      "online",
			Help:      "Current number of connected runner sessions.",
		}),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(m.QueueDepth, m.LeaseLatency, m.RetryTotal, m.EventBusDropped, m.RunnersOnline)
}

// ObserveLeaseLatencyMS records a queue-to-lease duration.
func (m *Metrics) ObserveLeaseLatencyMS(ms int64) {
	m.LeaseLatency.Observe(float64(ms) / 1000.0)
}

// SetQueueDepth records the current depth for a given priority tier.
func (m *Metrics) SetQueueDepth(priority int, depth int) {
	m.QueueDepth.WithLabelValues(strconv.Itoa(priority)).Set(float64(depth))
}

// EventBusDropHandler adapts the event bus's DropHandler callback to
// increment EventBusDropped.
func (m *Metrics) EventBusDropHandler(topic string) {
	m.EventBusDropped.WithLabelValues(topic).Inc()
}
