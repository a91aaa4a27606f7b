// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics holds the Prometheus collectors for the worker pool and
// the health gate.  They are registered with the default registry, and
// exported by the admin API at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "poolvisor"

var (
	// Workers is the number of workers in each state.
	Workers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Number of workers by lifecycle state.",
		},
		[]string{"state"},
	)

	WorkerSpawns = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_spawns_total",
			Help:      "Workers started.",
		},
	)

	WorkerRecycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_recycles_total",
			Help:      "Workers recycled, by reason.",
		},
		[]string{"reason"},
	)

	WorkerCrashes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_crashes_total",
			Help:      "Workers that terminated unexpectedly.",
		},
	)

	RestartsThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_throttled_total",
			Help:      "Crash replacements delayed by the restart throttle.",
		},
	)

	DrainTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drain_timeouts_total",
			Help:      "Workers forcibly stopped because draining took too long.",
		},
	)

	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests completed, by status class.",
		},
		[]string{"code"},
	)

	RequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request latency.",
			Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30, 120},
		},
	)

	RequestTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_timeouts_total",
			Help:      "Requests aborted for exceeding the request timeout.",
		},
	)

	HealthProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Liveness probes issued, by result.",
		},
		[]string{"result"},
	)

	// HealthStatus is 0 while starting, 1 when healthy, 2 when unhealthy.
	HealthStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_status",
			Help:      "Health gate status: 0=starting, 1=healthy, 2=unhealthy.",
		},
	)
)

// StatusClass maps an HTTP status to its label, e.g. 404 to "4xx".
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	}
	return "1xx"
}
