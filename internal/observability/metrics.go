package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	eventsObserved  *prometheus.CounterVec
	eventsCoalesced prometheus.Counter
	eventsDropped   *prometheus.CounterVec

	ingestTotal    *prometheus.CounterVec
	ingestDuration *prometheus.HistogramVec
	filesSkipped   *prometheus.CounterVec

	resyncTotal    *prometheus.CounterVec
	resyncDuration *prometheus.HistogramVec

	activeStores     prometheus.Gauge
	watchedDirs      prometheus.Gauge
	pendingDebounces prometheus.Gauge
	queueDepth       prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			eventsObserved: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "watch_events_observed_total",
					Help: "Raw filesystem events observed by kind.",
				},
				[]string{"kind"},
			),
			eventsCoalesced: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "watch_events_coalesced_total",
					Help: "Events superseded by a newer event for the same path before the debounce fired.",
				},
			),
			eventsDropped: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "watch_events_dropped_total",
					Help: "Events dropped before dispatch by reason.",
				},
				[]string{"reason"},
			),
			ingestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ingest_operations_total",
					Help: "Ingestion operations by kind and status.",
				},
				[]string{"kind", "status"},
			),
			ingestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ingest_duration_seconds",
					Help:    "Ingestion operation duration in seconds by kind.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"kind"},
			),
			filesSkipped: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ingest_files_skipped_total",
					Help: "Files skipped during ingestion by reason.",
				},
				[]string{"reason"},
			),
			resyncTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "resync_total",
					Help: "Force-resync runs by status.",
				},
				[]string{"status"},
			),
			resyncDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "resync_duration_seconds",
					Help:    "Force-resync duration in seconds by project.",
					Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
				},
				[]string{"project"},
			),
			activeStores: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_stores",
					Help: "Live memory stores in the registry.",
				},
			),
			watchedDirs: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "watched_directories",
					Help: "Directories currently under filesystem watch.",
				},
			),
			pendingDebounces: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "pending_debounces",
					Help: "Paths with an armed debounce timer.",
				},
			),
			queueDepth: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "ingest_queue_depth",
					Help: "Events waiting for an ingestion worker.",
				},
			),
		}

		prometheus.MustRegister(
			m.eventsObserved,
			m.eventsCoalesced,
			m.eventsDropped,
			m.ingestTotal,
			m.ingestDuration,
			m.filesSkipped,
			m.resyncTotal,
			m.resyncDuration,
			m.activeStores,
			m.watchedDirs,
			m.pendingDebounces,
			m.queueDepth,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordEventObserved(kind string) {
	getMetrics().eventsObserved.WithLabelValues(kind).Inc()
}

func RecordEventCoalesced() {
	getMetrics().eventsCoalesced.Inc()
}

func RecordEventDropped(reason string) {
	getMetrics().eventsDropped.WithLabelValues(reason).Inc()
}

func RecordIngest(kind string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.ingestTotal.WithLabelValues(kind, status).Inc()
	m.ingestDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordFileSkipped(reason string) {
	getMetrics().filesSkipped.WithLabelValues(reason).Inc()
}

func RecordResync(project string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.resyncTotal.WithLabelValues(status).Inc()
	m.resyncDuration.WithLabelValues(project).Observe(duration.Seconds())
}

func SetActiveStores(count int) {
	getMetrics().activeStores.Set(float64(count))
}

func SetWatchedDirs(count int) {
	getMetrics().watchedDirs.Set(float64(count))
}

func SetPendingDebounces(count int) {
	getMetrics().pendingDebounces.Set(float64(count))
}

func SetQueueDepth(depth int) {
	getMetrics().queueDepth.Set(float64(depth))
}
