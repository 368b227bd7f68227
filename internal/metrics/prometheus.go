package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice capture service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Capture session metrics
	SessionsStarted   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionsEmpty     prometheus.Counter
	ActiveSessions    prometheus.Gauge
	SessionDuration   prometheus.Histogram
	DeviceErrors      *prometheus.CounterVec

	// Fragment and clip metrics
	FragmentsCaptured prometheus.Counter
	FragmentsDropped  prometheus.Counter
	FragmentSize      prometheus.Histogram
	ClipSize          prometheus.Histogram
	InputLevel        prometheus.Gauge

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  *prometheus.CounterVec
	TranscriptionDuration  prometheus.Histogram

	// UDP device metrics
	PacketsReceived prometheus.Counter
	PacketsLost     prometheus.Counter
	ParseErrors     prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Capture session metrics
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicecap_sessions_started_total",
			Help: "Total number of recording sessions started",
		}),
		SessionsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicecap_sessions_completed_total",
			Help: "Total number of recording sessions stopped with a clip",
		}),
		SessionsEmpty: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicecap_sessions_empty_total",
			Help: "Total number of recording sessions stopped without audio",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicecap_active_sessions",
			Help: "Whether a recording session is currently active",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicecap_session_duration_seconds",
			Help:    "Duration of recording sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4 minutes
		}),
		DeviceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecap_device_errors_total",
			Help: "Total number of capture device errors",
		}, []string{"operation"}),

		// Fragment and clip metrics
		FragmentsCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicecap_fragments_captured_total",
			Help: "Total number of non-empty fragments buffered",
		}),
		FragmentsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicecap_fragments_dropped_total",
			Help: "Total number of empty fragments discarded",
		}),
		FragmentSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicecap_fragment_size_bytes",
			Help:    "Size of captured fragments in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10), // 64B to 32KB
		}),
		ClipSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicecap_clip_size_bytes",
			Help:    "Size of encoded clips in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),
		InputLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicecap_input_level",
			Help: "RMS level of the last PCM fragment, 0.0 to 1.0",
		}),

		// Transcription metrics
		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicecap_transcription_requests_total",
			Help: "Total number of clips submitted for transcription",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicecap_transcription_successes_total",
			Help: "Total number of successful transcriptions",
		}),
		TranscriptionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecap_transcription_failures_total",
			Help: "Total number of failed submissions by error kind",
		}, []string{"kind"}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicecap_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		}),

		// UDP device metrics
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicecap_udp_packets_received_total",
			Help: "Total number of UDP packets received by the network microphone",
		}),
		PacketsLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicecap_udp_packets_lost_total",
			Help: "Total number of audio packets declared lost",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicecap_udp_parse_errors_total",
			Help: "Total number of packet parsing errors",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecap_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicecap_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecap_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionStarted increments the sessions started counter
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Set(1)
}

// RecordSessionStopped records the end of a session and the clip it produced
func (m *Metrics) RecordSessionStopped(durationSeconds float64, clipBytes int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(0)
	m.SessionDuration.Observe(durationSeconds)
	if clipBytes == 0 {
		m.SessionsEmpty.Inc()
		return
	}
	m.SessionsCompleted.Inc()
	m.ClipSize.Observe(float64(clipBytes))
}

// RecordSessionAborted clears the active session gauge after cleanup
func (m *Metrics) RecordSessionAborted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(0)
}

// RecordDeviceError increments the device error counter for an operation
func (m *Metrics) RecordDeviceError(operation string) {
	if m == nil {
		return
	}
	m.DeviceErrors.WithLabelValues(operation).Inc()
}

// RecordFragment records a buffered fragment
func (m *Metrics) RecordFragment(sizeBytes int) {
	if m == nil {
		return
	}
	m.FragmentsCaptured.Inc()
	m.FragmentSize.Observe(float64(sizeBytes))
}

// RecordFragmentDropped increments the dropped fragments counter
func (m *Metrics) RecordFragmentDropped() {
	if m == nil {
		return
	}
	m.FragmentsDropped.Inc()
}

// SetInputLevel sets the current input level gauge
func (m *Metrics) SetInputLevel(level float64) {
	if m == nil {
		return
	}
	m.InputLevel.Set(level)
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	if m == nil {
		return
	}
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed submission
func (m *Metrics) RecordTranscriptionFailure(kind string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionFailures.WithLabelValues(kind).Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	if m == nil {
		return
	}
	m.PacketsReceived.Inc()
}

// RecordPacketsLost adds to the lost packets counter
func (m *Metrics) RecordPacketsLost(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.PacketsLost.Add(float64(count))
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
