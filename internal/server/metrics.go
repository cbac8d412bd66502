package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry        *prometheus.Registry
	jobOpsTotal     *prometheus.CounterVec
	connectsTotal   *prometheus.CounterVec
	releasesTotal   *prometheus.CounterVec
	releaseDLQDepth prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "freelanceflow_job_operations_total",
		Help: "Job operations by kind and outcome",
	}, []string{"op", "status"})

	connects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "freelanceflow_wallet_connects_total",
		Help: "Wallet connection attempts by outcome",
	}, []string{"status"})

	releases := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "freelanceflow_fund_releases_total",
		Help: "Escrow fund releases by outcome",
	}, []string{"status"})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "freelanceflow_release_dlq_depth",
		Help: "Number of failed fund releases awaiting replay",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(jobs, connects, releases, dlq)

	return &metricsRegistry{
		registry:        r,
		jobOpsTotal:     jobs,
		connectsTotal:   connects,
		releasesTotal:   releases,
		releaseDLQDepth: dlq,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incJobOp(op, status string) {
	m.jobOpsTotal.WithLabelValues(op, status).Inc()
}

func (m *metricsRegistry) incConnect(status string) {
	m.connectsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incRelease(status string) {
	m.releasesTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) setDLQDepth(depth int) {
	m.releaseDLQDepth.Set(float64(depth))
}
