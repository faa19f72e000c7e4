// Package metrics holds the daemon's Prometheus collectors. A nil *Metrics
// accepts every call and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sitechecker"

// Result labels.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultIgnored = "ignored"
)

type Metrics struct {
	reg *prometheus.Registry

	broadcasts    *prometheus.CounterVec
	workEnqueued  *prometheus.CounterVec
	workFinished  *prometheus.CounterVec
	siteChecks    *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
	siteUp        *prometheus.GaugeVec
}

// New registers the collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcasts dispatched to the boot handler.",
		}, []string{"action", "result"}),
		workEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_enqueued_total",
			Help:      "Work requests submitted to the work manager.",
		}, []string{"task_type", "result"}),
		workFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_finished_total",
			Help:      "Work requests that reached a terminal state.",
		}, []string{"task_type", "result"}),
		siteChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "site_checks_total",
			Help:      "Site probes by resulting state.",
		}, []string{"site", "state"}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "site_check_duration_seconds",
			Help:      "Site probe latency.",
			Buckets:   prometheus.ExponentialBuckets(0.025, 2, 10),
		}, []string{"site"}),
		siteUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "site_up",
			Help:      "1 when the last probe of the site succeeded.",
		}, []string{"site"}),
	}
	m.reg.MustRegister(
		m.broadcasts, m.workEnqueued, m.workFinished,
		m.siteChecks, m.checkDuration, m.siteUp,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Broadcast(action, result string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(action, result).Inc()
}

func (m *Metrics) WorkEnqueued(taskType string, err error) {
	if m == nil {
		return
	}
	m.workEnqueued.WithLabelValues(taskType, resultOf(err)).Inc()
}

func (m *Metrics) WorkFinished(taskType string, err error) {
	if m == nil {
		return
	}
	m.workFinished.WithLabelValues(taskType, resultOf(err)).Inc()
}

func (m *Metrics) SiteChecked(site, state string, took time.Duration) {
	if m == nil {
		return
	}
	m.siteChecks.WithLabelValues(site, state).Inc()
	m.checkDuration.WithLabelValues(site).Observe(took.Seconds())
	up := 0.0
	if state == "up" {
		up = 1
	}
	m.siteUp.WithLabelValues(site).Set(up)
}

// ForgetSite drops the per-site series of a removed site.
func (m *Metrics) ForgetSite(site string) {
	if m == nil {
		return
	}
	m.siteChecks.DeletePartialMatch(prometheus.Labels{"site": site})
	m.checkDuration.DeleteLabelValues(site)
	m.siteUp.DeleteLabelValues(site)
}

func resultOf(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
