// Package metrics provides Prometheus collectors for the audio pipeline
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics contains Prometheus metrics for the capture/failover/output pipeline
type PipelineMetrics struct {
	registry *prometheus.Registry

	// Ring buffer metrics
	bufferOverrunsTotal    *prometheus.CounterVec
	bufferUnderrunsTotal   *prometheus.CounterVec
	bufferUtilizationGauge *prometheus.GaugeVec

	// Capture source metrics
	captureRestartsTotal     *prometheus.CounterVec
	captureWatchdogTimeouts  *prometheus.CounterVec
	captureBytesTotal        *prometheus.CounterVec
	captureHealthGauge       *prometheus.GaugeVec
	captureConsecutiveFails  *prometheus.GaugeVec

	// Failover metrics
	failoversTotal    *prometheus.CounterVec
	activeSourceGauge *prometheus.GaugeVec

	// Stream output metrics
	streamReconnectsTotal  *prometheus.CounterVec
	streamBytesTotal       *prometheus.CounterVec
	jitterDepthGauge       *prometheus.GaugeVec
	metadataPushesTotal    *prometheus.CounterVec
	metadataFailuresTotal  *prometheus.CounterVec
}

// NewPipelineMetrics creates pipeline metrics and registers them with the registry
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() error {
	m.bufferOverrunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easmon_buffer_overruns_total",
			Help: "Total number of ring buffer overruns (writes dropped)",
		},
		[]string{"buffer"},
	)

	m.bufferUnderrunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easmon_buffer_underruns_total",
			Help: "Total number of ring buffer underruns (reads with insufficient data)",
		},
		[]string{"buffer"},
	)

	m.bufferUtilizationGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "easmon_buffer_utilization_ratio",
			Help: "Current ring buffer utilization as a ratio of capacity",
		},
		[]string{"buffer"},
	)

	m.captureRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easmon_capture_restarts_total",
			Help: "Total number of decode process restarts per capture source",
		},
		[]string{"source"},
	)

	m.captureWatchdogTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easmon_capture_watchdog_timeouts_total",
			Help: "Total number of watchdog stall detections per capture source",
		},
		[]string{"source"},
	)

	m.captureBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easmon_capture_bytes_total",
			Help: "Total PCM bytes received from decode processes",
		},
		[]string{"source"},
	)

	m.captureHealthGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "easmon_capture_health",
			Help: "Capture source health (0=stopped, 1=healthy, 2=degraded, 3=failed)",
		},
		[]string{"source"},
	)

	m.captureConsecutiveFails = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "easmon_capture_consecutive_failures",
			Help: "Current consecutive failure count per capture source",
		},
		[]string{"source"},
	)

	m.failoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easmon_failovers_total",
			Help: "Total number of active source failovers by reason",
		},
		[]string{"reason"},
	)

	m.activeSourceGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "easmon_active_source",
			Help: "1 for the currently active capture source, 0 otherwise",
		},
		[]string{"source"},
	)

	m.streamReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easmon_stream_reconnects_total",
			Help: "Total number of encoder process reconnects per mount",
		},
		[]string{"mount"},
	)

	m.streamBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easmon_stream_bytes_total",
			Help: "Total PCM bytes fed to encoder processes per mount",
		},
		[]string{"mount"},
	)

	m.jitterDepthGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "easmon_stream_jitter_depth_seconds",
			Help: "Current jitter buffer depth in seconds per mount",
		},
		[]string{"mount"},
	)

	m.metadataPushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easmon_metadata_pushes_total",
			Help: "Total number of successful metadata updates per mount",
		},
		[]string{"mount"},
	)

	m.metadataFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easmon_metadata_failures_total",
			Help: "Total number of failed metadata updates per mount and class",
		},
		[]string{"mount", "class"},
	)

	collectors := []prometheus.Collector{
		m.bufferOverrunsTotal,
		m.bufferUnderrunsTotal,
		m.bufferUtilizationGauge,
		m.captureRestartsTotal,
		m.captureWatchdogTimeouts,
		m.captureBytesTotal,
		m.captureHealthGauge,
		m.captureConsecutiveFails,
		m.failoversTotal,
		m.activeSourceGauge,
		m.streamReconnectsTotal,
		m.streamBytesTotal,
		m.jitterDepthGauge,
		m.metadataPushesTotal,
		m.metadataFailuresTotal,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordBufferOverrun increments the overrun counter for a buffer
func (m *PipelineMetrics) RecordBufferOverrun(buffer string) {
	m.bufferOverrunsTotal.WithLabelValues(buffer).Inc()
}

// RecordBufferUnderrun increments the underrun counter for a buffer
func (m *PipelineMetrics) RecordBufferUnderrun(buffer string) {
	m.bufferUnderrunsTotal.WithLabelValues(buffer).Inc()
}

// UpdateBufferUtilization sets the current utilization ratio for a buffer
func (m *PipelineMetrics) UpdateBufferUtilization(buffer string, ratio float64) {
	m.bufferUtilizationGauge.WithLabelValues(buffer).Set(ratio)
}

// RecordCaptureRestart increments the restart counter for a source
func (m *PipelineMetrics) RecordCaptureRestart(source string) {
	m.captureRestartsTotal.WithLabelValues(source).Inc()
}

// RecordWatchdogTimeout increments the watchdog stall counter for a source
func (m *PipelineMetrics) RecordWatchdogTimeout(source string) {
	m.captureWatchdogTimeouts.WithLabelValues(source).Inc()
}

// RecordCaptureBytes adds received byte count for a source
func (m *PipelineMetrics) RecordCaptureBytes(source string, n int) {
	m.captureBytesTotal.WithLabelValues(source).Add(float64(n))
}

// UpdateCaptureHealth sets the numeric health state for a source
func (m *PipelineMetrics) UpdateCaptureHealth(source string, state float64) {
	m.captureHealthGauge.WithLabelValues(source).Set(state)
}

// UpdateConsecutiveFailures sets the consecutive failure gauge for a source
func (m *PipelineMetrics) UpdateConsecutiveFailures(source string, n float64) {
	m.captureConsecutiveFails.WithLabelValues(source).Set(n)
}

// RecordFailover increments the failover counter for a reason
func (m *PipelineMetrics) RecordFailover(reason string) {
	m.failoversTotal.WithLabelValues(reason).Inc()
}

// UpdateActiveSource marks one source as active and the others as inactive
func (m *PipelineMetrics) UpdateActiveSource(active string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == active {
			v = 1.0
		}
		m.activeSourceGauge.WithLabelValues(s).Set(v)
	}
}

// RecordStreamReconnect increments the encoder reconnect counter for a mount
func (m *PipelineMetrics) RecordStreamReconnect(mount string) {
	m.streamReconnectsTotal.WithLabelValues(mount).Inc()
}

// RecordStreamBytes adds bytes fed to the encoder for a mount
func (m *PipelineMetrics) RecordStreamBytes(mount string, n int) {
	m.streamBytesTotal.WithLabelValues(mount).Add(float64(n))
}

// UpdateJitterDepth sets the current jitter buffer depth for a mount
func (m *PipelineMetrics) UpdateJitterDepth(mount string, seconds float64) {
	m.jitterDepthGauge.WithLabelValues(mount).Set(seconds)
}

// RecordMetadataPush increments the successful metadata update counter
func (m *PipelineMetrics) RecordMetadataPush(mount string) {
	m.metadataPushesTotal.WithLabelValues(mount).Inc()
}

// RecordMetadataFailure increments the failed metadata update counter
func (m *PipelineMetrics) RecordMetadataFailure(mount, class string) {
	m.metadataFailuresTotal.WithLabelValues(mount, class).Inc()
}
