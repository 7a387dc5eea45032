package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the collectors for one process. All methods are safe on a
// nil receiver so components can run without metrics in tests.
type Registry struct {
	reg              *prometheus.Registry
	remoteCalls      *prometheus.CounterVec
	remoteDuration   *prometheus.HistogramVec
	pollTicks        *prometheus.CounterVec
	pollSourceErrors *prometheus.CounterVec
	dedupRemoved     *prometheus.CounterVec
	mappingsCreated  *prometheus.CounterVec
}

func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taxomap_remote_calls_total",
			Help: "Remote tabular store calls by action and outcome.",
		}, []string{"action", "status"}),
		remoteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taxomap_remote_call_duration_seconds",
			Help:    "Latency of remote tabular store calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		pollTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taxomap_poll_ticks_total",
			Help: "Reconciliation ticks by result.",
		}, []string{"result"}),
		pollSourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taxomap_poll_source_errors_total",
			Help: "Failed source fetches during reconciliation.",
		}, []string{"source"}),
		dedupRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taxomap_dedup_removed_total",
			Help: "Duplicate rows removed by the deduplicator.",
		}, []string{"table"}),
		mappingsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taxomap_mappings_created_total",
			Help: "Mapping rows appended, by kind.",
		}, []string{"kind"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.remoteCalls,
		r.remoteDuration,
		r.pollTicks,
		r.pollSourceErrors,
		r.dedupRemoved,
		r.mappingsCreated,
	)
	return r
}

func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

func (r *Registry) ObserveRemoteCall(action string, started time.Time, err error) {
	if r == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.remoteCalls.WithLabelValues(action, status).Inc()
	r.remoteDuration.WithLabelValues(action).Observe(time.Since(started).Seconds())
}

func (r *Registry) PollTick(result string) {
	if r == nil {
		return
	}
	r.pollTicks.WithLabelValues(result).Inc()
}

func (r *Registry) PollSourceError(source string) {
	if r == nil {
		return
	}
	r.pollSourceErrors.WithLabelValues(source).Inc()
}

func (r *Registry) DedupRemoved(table string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.dedupRemoved.WithLabelValues(table).Add(float64(n))
}

func (r *Registry) MappingCreated(kind string) {
	if r == nil {
		return
	}
	r.mappingsCreated.WithLabelValues(kind).Inc()
}
