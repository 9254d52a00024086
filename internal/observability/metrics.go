package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the Prometheus instruments of the ingestion service.
type Metrics struct {
	MemoriesIngested *prometheus.CounterVec
	IngestErrors     *prometheus.CounterVec
	CacheErrors      *prometheus.CounterVec
	RecallRequests   *prometheus.CounterVec
	IngestLatency    prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer)
}

func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MemoriesIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_ingested_total",
			Help:      "Remember requests by outcome (success, duplicate).",
		}, []string{"status"}),
		IngestErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_errors_total",
			Help:      "Rejected or failed ingestion requests by error code.",
		}, []string{"code"}),
		CacheErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_errors_total",
			Help:      "Cache failures by operation.",
		}, []string{"op"}),
		RecallRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recall_requests_total",
			Help:      "Read requests by the layer that served them.",
		}, []string{"source"}),
		IngestLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_latency_ms",
			Help:      "Remember handling latency in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
	}
}

func (m *Metrics) ObserveIngest(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.MemoriesIngested.WithLabelValues(status).Inc()
	m.IngestLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) IngestError(code string) {
	if m == nil {
		return
	}
	m.IngestErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) CacheError(op string) {
	if m == nil {
		return
	}
	m.CacheErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) Recall(source string) {
	if m == nil {
		return
	}
	m.RecallRequests.WithLabelValues(source).Inc()
}

// CaptureMetrics groups the instruments of the capture agent.
type CaptureMetrics struct {
	Scans            *prometheus.CounterVec
	Forwarded        prometheus.Counter
	Filtered         *prometheus.CounterVec
	DeliveryAttempts *prometheus.CounterVec
	QueueLength      prometheus.Gauge
	DeadLetters      prometheus.Counter

	// Stages keeps a rolling latency window for the status API.
	Stages *StageWindow
}

func NewCaptureMetrics(namespace string) *CaptureMetrics {
	return NewCaptureMetricsWithRegistry(namespace, prometheus.DefaultRegisterer)
}

func NewCaptureMetricsWithRegistry(namespace string, reg prometheus.Registerer) *CaptureMetrics {
	f := promauto.With(reg)
	return &CaptureMetrics{
		Scans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_scans_total",
			Help:      "Capture scans by trigger.",
		}, []string{"trigger"}),
		Forwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_forwarded_total",
			Help:      "Messages handed to the delivery queue.",
		}),
		Filtered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_filtered_total",
			Help:      "Messages dropped before delivery by reason.",
		}, []string{"reason"}),
		DeliveryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Delivery attempts by result (ok, retry, rejected).",
		}, []string{"result"}),
		QueueLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delivery_queue_length",
			Help:      "Messages waiting for redelivery.",
		}),
		DeadLetters: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_dead_letters_total",
			Help:      "Messages abandoned after a permanent failure or too many attempts.",
		}),
		Stages: NewStageWindow(256),
	}
}

func (m *CaptureMetrics) ObserveScan(trigger string, d time.Duration) {
	if m == nil {
		return
	}
	m.Scans.WithLabelValues(trigger).Inc()
	m.Stages.Observe("scan", float64(d.Microseconds())/1000)
}

func (m *CaptureMetrics) ObserveForwarded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Forwarded.Add(float64(n))
}

func (m *CaptureMetrics) ObserveFiltered(reason string) {
	if m == nil {
		return
	}
	m.Filtered.WithLabelValues(reason).Inc()
	m.Stages.Count("filtered_" + reason)
}

func (m *CaptureMetrics) ObserveDelivery(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.DeliveryAttempts.WithLabelValues(result).Inc()
	m.Stages.Observe("deliver", float64(d.Microseconds())/1000)
}

func (m *CaptureMetrics) ObserveDrain(d time.Duration) {
	if m == nil {
		return
	}
	m.Stages.Observe("drain", float64(d.Microseconds())/1000)
}

func (m *CaptureMetrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.QueueLength.Set(float64(n))
}

func (m *CaptureMetrics) ObserveDeadLetter() {
	if m == nil {
		return
	}
	m.DeadLetters.Inc()
	m.Stages.Count("dead_letter")
}

func (m *CaptureMetrics) StageSnapshot() StageSnapshot {
	if m == nil {
		return StageSnapshot{}
	}
	return m.Stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// MetricsHandlerFor serves a specific registry.
func MetricsHandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
