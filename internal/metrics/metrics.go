// Package metrics exposes Prometheus metrics for OCR jobs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fulltext"

// Metrics holds all Prometheus metrics for the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	jobsTotal     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	lockWait      prometheus.Histogram
	pagesTotal    *prometheus.CounterVec
	patchesTotal  *prometheus.CounterVec
	downloadBytes prometheus.Counter
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		jobsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "OCR jobs by engine and outcome",
			},
			[]string{"engine", "outcome"},
		),
		jobDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Wall time of OCR engine runs",
				Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600},
			},
			[]string{"engine"},
		),
		lockWait: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_wait_seconds",
				Help:      "Time spent waiting for a free job slot",
				Buckets:   []float64{.01, .1, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
		),
		pagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "page_requests_total",
				Help:      "Page requests by resulting status",
			},
			[]string{"outcome"},
		),
		patchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "metadata_patches_total",
				Help:      "METS patch attempts by result",
			},
			[]string{"result"},
		),
		downloadBytes: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "image_download_bytes_total",
				Help:      "Bytes of page images downloaded for OCR",
			},
		),
	}
}

// RegisterLocksHeld exposes the number of held job locks, read on scrape.
func (m *Metrics) RegisterLocksHeld(count func() (int, error)) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "locks_held",
			Help:      "Job locks currently present in the lock directory",
		},
		func() float64 {
			n, err := count()
			if err != nil {
				return -1
			}
			return float64(n)
		},
	))
}

// RecordJob records a finished engine run.
func (m *Metrics) RecordJob(engine, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(engine, outcome).Inc()
	m.jobDuration.WithLabelValues(engine).Observe(duration.Seconds())
}

// RecordLockWait records how long a job waited for its slot.
func (m *Metrics) RecordLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

// RecordPage records the outcome of a page request.
func (m *Metrics) RecordPage(outcome string) {
	if m == nil {
		return
	}
	m.pagesTotal.WithLabelValues(outcome).Inc()
}

// RecordPatch records a metadata patch attempt.
func (m *Metrics) RecordPatch(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.patchesTotal.WithLabelValues(result).Inc()
}

// RecordDownload records downloaded image bytes.
func (m *Metrics) RecordDownload(n int64) {
	if m == nil {
		return
	}
	m.downloadBytes.Add(float64(n))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler that exposes the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
