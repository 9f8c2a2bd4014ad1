// Package metrics exposes the process observability counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registry and the instruments the components update.
type Metrics struct {
	registry *prometheus.Registry

	SubmissionsTotal prometheus.Counter
	BuildsTotal      *prometheus.CounterVec // result: success|failed
	BuildSeconds     prometheus.Histogram
	WorkerBusy       prometheus.Gauge
	RepublishedTotal prometheus.Counter
}

// New registers the apkbuilder instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		SubmissionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apkbuilder_submissions_total",
			Help: "Build requests accepted by the submission API.",
		}),
		BuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apkbuilder_builds_total",
			Help: "Builds finished by this worker, by result.",
		}, []string{"result"}),
		BuildSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "apkbuilder_build_seconds",
			Help:    "Wall clock duration of finished builds.",
			Buckets: prometheus.ExponentialBuckets(15, 2, 10),
		}),
		WorkerBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apkbuilder_worker_busy",
			Help: "Whether this worker currently runs a build.",
		}),
		RepublishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apkbuilder_republished_total",
			Help: "Build ids re-driven onto the dispatch channel by the reconciler.",
		}),
	}
	reg.MustRegister(m.SubmissionsTotal, m.BuildsTotal, m.BuildSeconds, m.WorkerBusy, m.RepublishedTotal)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
