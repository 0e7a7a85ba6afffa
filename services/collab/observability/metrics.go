// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

// Package observability provides Prometheus metrics for the collaboration
// service: connection and room gauges, merge counters, and sandbox
// lifecycle instrumentation. Metrics are exposed on /metrics.
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "collab"

// Metrics holds every Prometheus metric of the collaboration service.
// Construct once at startup with NewMetrics and inject it; registering
// the same registry twice panics.
type Metrics struct {
	// ActiveConnections tracks open websocket connections.
	ActiveConnections prometheus.Gauge

	// ActiveRooms tracks live project rooms.
	ActiveRooms prometheus.Gauge

	// OpenDocuments tracks documents held in memory.
	OpenDocuments prometheus.Gauge

	// EventsTotal counts inbound client events by event name and status.
	// Labels: event, status (ok, error)
	EventsTotal *prometheus.CounterVec

	// MergesTotal counts applied document update batches.
	// Labels: status (applied, malformed)
	MergesTotal *prometheus.CounterVec

	// MergeDurationSeconds measures decode+merge+persist latency.
	MergeDurationSeconds prometheus.Histogram

	// SandboxSessions tracks running execution sandboxes.
	SandboxSessions prometheus.Gauge

	// SandboxStartsTotal counts sandbox start attempts.
	// Labels: status (ok, error, timeout)
	SandboxStartsTotal *prometheus.CounterVec

	// ExportsTotal counts project archive exports.
	// Labels: status (ok, error)
	ExportsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_connections",
			Help:      "Open websocket connections",
		}),
		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_rooms",
			Help:      "Live project rooms",
		}),
		OpenDocuments: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "open_documents",
			Help:      "Documents currently held in memory",
		}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Inbound client events by event name and status",
		}, []string{"event", "status"}),
		MergesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "merges_total",
			Help:      "Document update batches by merge outcome",
		}, []string{"status"}),
		MergeDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "merge_duration_seconds",
			Help:      "Latency of decode, merge and persist for one update batch",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
		}),
		SandboxSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sandbox_sessions",
			Help:      "Running execution sandboxes",
		}),
		SandboxStartsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sandbox_starts_total",
			Help:      "Sandbox start attempts by outcome",
		}, []string{"status"}),
		ExportsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "exports_total",
			Help:      "Project archive exports by outcome",
		}, []string{"status"}),
	}
}
