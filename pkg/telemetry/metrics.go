// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry registers the server's prometheus metrics and provides
// the HTTP instrumentation middleware. Metrics are served on /metrics by the
// default registry handler.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestDuration observes request latency per route and status.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatekey_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// TokensIssued counts successful token issuances per grant type.
	TokensIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekey_tokens_issued_total",
			Help: "Total number of successful token issuances",
		},
		[]string{"tenant", "grant_type"},
	)

	// GrantFailures counts rejected token requests per grant type and
	// OAuth error code.
	GrantFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekey_grant_failures_total",
			Help: "Total number of rejected token requests",
		},
		[]string{"tenant", "grant_type", "error"},
	)

	// JourneyStepDuration observes step handler execution time.
	JourneyStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatekey_journey_step_duration_seconds",
			Help:    "Duration of journey step executions in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step_type"},
	)

	// JourneysCompleted counts terminal journey outcomes.
	JourneysCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekey_journeys_total",
			Help: "Total number of journeys reaching a terminal state",
		},
		[]string{"tenant", "outcome"},
	)

	// WebhookDeliveryAttempts counts webhook POST attempts by result.
	WebhookDeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekey_webhook_delivery_attempts_total",
			Help: "Total number of webhook delivery attempts",
		},
		[]string{"tenant", "result"},
	)

	// AuthorizeRequests counts authorize endpoint outcomes.
	AuthorizeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekey_authorize_requests_total",
			Help: "Total number of authorize endpoint requests by outcome",
		},
		[]string{"tenant", "outcome"},
	)
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusRecorder captures the response status for the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware instruments every request with the duration histogram. The
// route label uses the raw path prefix rather than chi's route pattern so
// the middleware can wrap the router itself.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		HTTPRequestDuration.WithLabelValues(
			r.Method,
			routeLabel(r.URL.Path),
			strconv.Itoa(rec.status),
		).Observe(time.Since(start).Seconds())
	})
}

// routeLabel collapses per-instance path segments (journey ids) so the
// histogram's cardinality stays bounded.
func routeLabel(path string) string {
	const journeyPrefix = "/journey/"
	if len(path) > len(journeyPrefix) && path[:len(journeyPrefix)] == journeyPrefix {
		rest := path[len(journeyPrefix):]
		for i := 0; i < len(rest); i++ {
			if rest[i] == '/' {
				return journeyPrefix + "{id}" + rest[i:]
			}
		}
		return journeyPrefix + "{id}"
	}
	return path
}
