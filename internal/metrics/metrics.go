// Package metrics holds the Prometheus collectors shared by the scan core.
// Collectors live on a private registry so tests can construct isolated sets.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	// ScansTotal counts finished scans by outcome (completed/failed).
	ScansTotal *prometheus.CounterVec

	// JobsTotal counts dispatched jobs by final outcome (completed/dead).
	JobsTotal *prometheus.CounterVec

	// JobRetries counts individual retry attempts.
	JobRetries prometheus.Counter

	// QueueDepth is the current number of queued jobs (both lanes).
	QueueDepth prometheus.Gauge

	// NotificationsTotal counts notification dispatch results by kind and
	// outcome (sent/failed/dropped/gated).
	NotificationsTotal *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.ScansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scanwatch_scans_total",
		Help: "Finished scans by outcome.",
	}, []string{"outcome"})

	m.JobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scanwatch_jobs_total",
		Help: "Dispatched scan jobs by final outcome.",
	}, []string{"outcome"})

	m.JobRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scanwatch_job_retries_total",
		Help: "Scan job retry attempts.",
	})

	m.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scanwatch_queue_depth",
		Help: "Jobs currently queued.",
	})

	m.NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scanwatch_notifications_total",
		Help: "Notification dispatch results by kind and outcome.",
	}, []string{"kind", "outcome"})

	m.reg.MustRegister(m.ScansTotal, m.JobsTotal, m.JobRetries, m.QueueDepth, m.NotificationsTotal)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
