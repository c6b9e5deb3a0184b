package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes recorded for a finished stream.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeSilent    = "silent"
)

// Metrics contains all Prometheus collectors of the service
type Metrics struct {
	// Upload intake
	UploadsReceived prometheus.Counter
	UploadsRejected *prometheus.CounterVec
	UploadSize      prometheus.Histogram

	// Streams
	ActiveStreams   prometheus.Gauge
	StreamsFinished *prometheus.CounterVec
	StreamDuration  prometheus.Histogram
	SegmentsEmitted prometheus.Counter
	FirstSegment    prometheus.Histogram
	Conversions     prometheus.Histogram

	// Scratch files
	CleanupFailures prometheus.Counter

	// HTTP API
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		UploadsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxstream_uploads_received_total",
			Help: "Total number of uploads persisted to scratch storage",
		}),
		UploadsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxstream_uploads_rejected_total",
			Help: "Total number of uploads rejected before streaming",
		}, []string{"reason"}),
		UploadSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxstream_upload_size_bytes",
			Help:    "Size of persisted uploads in bytes",
			Buckets: prometheus.ExponentialBuckets(16*1024, 4, 10), // 16KB to ~4GB
		}),

		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxstream_active_streams",
			Help: "Current number of open transcript streams",
		}),
		StreamsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxstream_streams_finished_total",
			Help: "Total number of finished transcript streams by outcome",
		}, []string{"outcome"}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxstream_stream_duration_seconds",
			Help:    "Wall time from stream open to cleanup",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12), // 250ms to ~8.5 minutes
		}),
		SegmentsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxstream_segments_emitted_total",
			Help: "Total number of segment events sent to clients",
		}),
		FirstSegment: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxstream_first_segment_seconds",
			Help:    "Latency from stream open to the first segment event",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}),
		Conversions: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxstream_conversion_duration_seconds",
			Help:    "Time spent extracting WAV audio from uploads",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}),

		CleanupFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxstream_cleanup_failures_total",
			Help: "Total number of scratch files that could not be removed",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxstream_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voxstream_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxstream_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordUpload records a persisted upload
func (m *Metrics) RecordUpload(sizeBytes int64) {
	m.UploadsReceived.Inc()
	m.UploadSize.Observe(float64(sizeBytes))
}

// RecordRejectedUpload records an upload refused before streaming
func (m *Metrics) RecordRejectedUpload(reason string) {
	m.UploadsRejected.WithLabelValues(reason).Inc()
}

// StreamOpened increments the active stream gauge
func (m *Metrics) StreamOpened() {
	m.ActiveStreams.Inc()
}

// StreamClosed decrements the active stream gauge and records the outcome
func (m *Metrics) StreamClosed(outcome string, durationSeconds float64) {
	m.ActiveStreams.Dec()
	m.StreamsFinished.WithLabelValues(outcome).Inc()
	m.StreamDuration.Observe(durationSeconds)
}

// RecordSegment counts one emitted segment
func (m *Metrics) RecordSegment() {
	m.SegmentsEmitted.Inc()
}

// RecordFirstSegment records time to first segment
func (m *Metrics) RecordFirstSegment(latencySeconds float64) {
	m.FirstSegment.Observe(latencySeconds)
}

// RecordConversion records one upload converted to WAV
func (m *Metrics) RecordConversion(durationSeconds float64) {
	m.Conversions.Observe(durationSeconds)
}

// RecordCleanupFailure counts a scratch file that could not be removed
func (m *Metrics) RecordCleanupFailure() {
	m.CleanupFailures.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
