// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes Prometheus instrumentation for the protocol engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process-lifetime collectors. A single instance is created
// at startup and passed by handle; there is no package-level state.
type Metrics struct {
	registry *prometheus.Registry

	TokensIssued    *prometheus.CounterVec
	GrantFailures   *prometheus.CounterVec
	RefreshReuse    prometheus.Counter
	ActorQueueDepth *prometheus.GaugeVec
	ActorOpDuration *prometheus.HistogramVec
	SessionsActive  prometheus.Gauge
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TokensIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authrim_tokens_issued_total",
			Help: "Tokens issued, by grant type and token type.",
		}, []string{"grant_type", "token_type"}),
		GrantFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authrim_grant_failures_total",
			Help: "Failed grants, by grant type and protocol error code.",
		}, []string{"grant_type", "error"}),
		RefreshReuse: factory.NewCounter(prometheus.CounterOpts{
			Name: "authrim_refresh_reuse_detected_total",
			Help: "Refresh token reuse detections that revoked a family.",
		}),
		ActorQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "authrim_actor_queue_depth",
			Help: "Pending operations per actor domain.",
		}, []string{"domain"}),
		ActorOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authrim_actor_op_duration_seconds",
			Help:    "Actor operation latency, by domain.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"domain"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "authrim_sessions_active",
			Help: "Sessions currently resident across all shards.",
		}),
	}
}

// Handler returns the /metrics scrape handler for the admin listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
