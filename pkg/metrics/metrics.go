// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

// Package metrics registers the broker's Prometheus instrumentation: queue
// depth, claim latency, lease expirations, and event-bus consumer lag.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric the broker exports, constructed once at
// startup and threaded through the components that update it.
type Registry struct {
	QueueDepth        prometheus.Gauge
	ActiveJobs        prometheus.Gauge
	ClaimLatency      prometheus.Histogram
	ClaimsTotal       *prometheus.CounterVec
	LeaseExpirations  prometheus.Counter
	WorkersDead       prometheus.Counter
	EventBusLag       *prometheus.GaugeVec
	WorkflowsTerminal *prometheus.CounterVec
}

// New registers every metric against reg and returns the bundle.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "broker",
			Name:      "pending_queue_depth",
			Help:      "Number of jobs currently in the pending index.",
		}),
		ActiveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "broker",
			Name:      "active_jobs",
			Help:      "Number of jobs currently assigned or running.",
		}),
		ClaimLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "broker",
			Name:      "claim_latency_seconds",
			Help:      "Time between a job's submission and its claim by a worker.",
			Buckets:   prometheus.DefBuckets,
		}),
		ClaimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "broker",
			Name:      "claims_total",
			Help:      "Total job claims, labeled by outcome.",
		}, []string{"outcome"}),
		LeaseExpirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "broker",
			Name:      "lease_expirations_total",
			Help:      "Total leases reclaimed by the janitor.",
		}),
		WorkersDead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "broker",
			Name:      "workers_dead_total",
			Help:      "Total workers marked dead by the janitor.",
		}),
		EventBusLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "broker",
			Name:      "eventbus_consumer_lag",
			Help:      "Unacknowledged entries for a durable consumer group.",
		}, []string{"stream", "group"}),
		WorkflowsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "broker",
			Name:      "workflows_terminal_total",
			Help:      "Total workflows reaching a terminal state, labeled by status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.QueueDepth, m.ActiveJobs, m.ClaimLatency, m.ClaimsTotal,
		m.LeaseExpirations, m.WorkersDead, m.EventBusLag, m.WorkflowsTerminal,
	)
	return m
}
