// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

package apply

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status values for the write counter.
const (
	StatusSuccess     = "success"
	StatusFailure     = "failure"
	StatusRateLimited = "rate_limited"
	StatusSkipped     = "skipped"
)

// OverwriteWrites counts every write attempt.
// Use RegisterMetrics to register this with a Prometheus registry.
var OverwriteWrites = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "permkeeper_overwrite_writes_total",
		Help: "Total number of overwrite write attempts",
	},
	[]string{"operation", "status"},
)

// RateLimitWaits counts cooldowns honoured before re-issuing a write.
var RateLimitWaits = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "permkeeper_rate_limit_waits_total",
		Help: "Total number of rate-limit cooldowns waited out",
	},
)

// WriteDuration observes the latency of single write attempts.
var WriteDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "permkeeper_write_duration_seconds",
		Help:    "Overwrite write duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"operation"},
)

// RegisterMetrics registers the apply metrics with reg.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(OverwriteWrites)
	reg.MustRegister(RateLimitWaits)
	reg.MustRegister(WriteDuration)
}

// RecordWrite counts one write attempt and its latency.
func RecordWrite(operation Operation, status string, took time.Duration) {
	OverwriteWrites.WithLabelValues(string(operation), status).Inc()
	WriteDuration.WithLabelValues(string(operation)).Observe(took.Seconds())
}

// RecordSkipped counts entries never attempted because the run was cancelled.
func RecordSkipped(operation Operation, n int) {
	OverwriteWrites.WithLabelValues(string(operation), StatusSkipped).Add(float64(n))
}

// RecordRateLimitWait counts one honoured cooldown.
func RecordRateLimitWait() {
	RateLimitWaits.Inc()
}
