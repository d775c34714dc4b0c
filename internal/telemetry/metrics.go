/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SchedulerFiresTotal counts slot timer fires by slot id.
	SchedulerFiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "munin_scheduler_fires_total",
		Help: "Slot timer fires by slot.",
	}, []string{"slot"})

	// SchedulerRebuildsTotal counts timer set rebuilds.
	SchedulerRebuildsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "munin_scheduler_rebuilds_total",
		Help: "Scheduler timer set rebuilds after configuration changes.",
	})

	// ExecutionsTotal counts terminal executions by kind and status.
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "munin_executions_total",
		Help: "Terminal executions by kind and status.",
	}, []string{"kind", "status"})

	// ExecutionDuration observes end-to-end execution duration.
	ExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "munin_execution_duration_seconds",
		Help:    "End-to-end execution duration including retries.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"kind"})

	// RetryAttemptsTotal counts retry attempts after transient failures.
	RetryAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "munin_retry_attempts_total",
		Help: "Retry attempts scheduled after transient failures.",
	})

	// MonitorPollsTotal counts guarantee monitor poll ticks.
	MonitorPollsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "munin_monitor_polls_total",
		Help: "Guarantee monitor poll ticks.",
	})

	// FilesObserved tracks the current bucket's observed file count.
	FilesObserved = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "munin_files_observed",
		Help: "Observed completed file count for the current date bucket.",
	})

	// EscalationsTotal counts operator escalations by cause.
	EscalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "munin_escalations_total",
		Help: "Operator escalations by cause.",
	}, []string{"cause"})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
