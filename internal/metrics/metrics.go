package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the service's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	UploadsTotal        *prometheus.CounterVec
	UploadedBytes       prometheus.Counter
	ReindexRequests     *prometheus.CounterVec
	ReindexJobs         *prometheus.CounterVec
	ReindexDuration     prometheus.Histogram
	IndexedMods         prometheus.Gauge
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		UploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Package uploads by result",
		}, []string{"result"}),
		UploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes promoted into the package store",
		}),
		ReindexRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reindex_requests_total",
			Help:      "Reindex requests by outcome (started, coalesced, rejected)",
		}, []string{"outcome", "trigger"}),
		ReindexJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reindex_jobs_total",
			Help:      "Finished reindex jobs by final status",
		}, []string{"status"}),
		ReindexDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reindex_duration_seconds",
			Help:      "Duration of reindex jobs",
			Buckets:   prometheus.DefBuckets,
		}),
		IndexedMods: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "indexed_mods",
			Help:      "Packages in the last published index",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		m.UploadsTotal,
		m.UploadedBytes,
		m.ReindexRequests,
		m.ReindexJobs,
		m.ReindexDuration,
		m.IndexedMods,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveUpload(result string, bytes int64) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(result).Inc()
	if bytes > 0 {
		m.UploadedBytes.Add(float64(bytes))
	}
}

func (m *Metrics) ObserveReindexRequest(outcome, trigger string) {
	if m == nil {
		return
	}
	m.ReindexRequests.WithLabelValues(outcome, trigger).Inc()
}

func (m *Metrics) ObserveReindexJob(status string, d time.Duration, mods int) {
	if m == nil {
		return
	}
	m.ReindexJobs.WithLabelValues(status).Inc()
	m.ReindexDuration.Observe(d.Seconds())
	if status == "succeeded" {
		m.IndexedMods.Set(float64(mods))
	}
}

func (m *Metrics) ObserveHTTP(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
