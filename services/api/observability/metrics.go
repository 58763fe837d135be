// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability implements Prometheus instrumentation for the
// request API: promauto-registered counters and histograms, one
// constructor called once at startup, exposed on /metrics for scraping.
package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "metget"

// APIMetrics holds every Prometheus metric the Request API records.
type APIMetrics struct {
	// RequestsTotal counts HTTP requests by route and status class.
	RequestsTotal *prometheus.CounterVec

	// RequestDurationSeconds measures handler latency by route.
	RequestDurationSeconds *prometheus.HistogramVec

	// BuildsAccepted counts successfully queued /build calls by format.
	BuildsAccepted *prometheus.CounterVec

	// BuildsDenied counts /build calls rejected before publish, by reason
	// (validation, auth, credit).
	BuildsDenied *prometheus.CounterVec

	// CreditDebited sums credit_usage actually debited across accepted
	// builds.
	CreditDebited prometheus.Counter
}

// New registers and returns the API's metric set. Call once at startup;
// the returned *APIMetrics is safe for concurrent use from every handler
// goroutine.
func New() *APIMetrics {
	return &APIMetrics{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests handled by the Request API.",
		}, []string{"route", "status"}),
		RequestDurationSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Handler latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		BuildsAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "builds_accepted_total",
			Help:      "Build requests accepted and published to the bus, by output format.",
		}, []string{"format"}),
		BuildsDenied: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "builds_denied_total",
			Help:      "Build requests rejected before publish, by reason.",
		}, []string{"reason"}),
		CreditDebited: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "credit_debited_total",
			Help:      "Cumulative credit_usage debited across accepted builds.",
		}),
	}
}

// Middleware returns a gin.HandlerFunc recording RequestsTotal and
// RequestDurationSeconds for every request, keyed by the matched route
// template (not the raw path, so path parameters don't explode
// cardinality).
func (m *APIMetrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestsTotal.WithLabelValues(route, statusClass(c.Writer.Status())).Inc()
		m.RequestDurationSeconds.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
