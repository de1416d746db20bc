// Package metrics contains the Prometheus collectors used across the pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics covers ingestion, decoding, segmentation and recording.
// All Record methods are safe to call on a nil receiver.
type PipelineMetrics struct {
	framesDecoded   *prometheus.CounterVec
	decodeFaults    *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
	streamStatus    *prometheus.GaugeVec
	activeStreams   prometheus.Gauge
	batchesTotal    *prometheus.CounterVec
	batchSize       prometheus.Histogram
	batchDuration   prometheus.Histogram
	inferenceFaults *prometheus.CounterVec
	framesRecorded  *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	recordingActive prometheus.Gauge
	personDetected  *prometheus.CounterVec

	collectors []prometheus.Collector
}

// Batch outcomes recorded by RecordBatch.
const (
	BatchSubmitted   = "submitted"
	BatchSkipped     = "skipped"
	BatchEmpty       = "empty"
	BatchBreakerOpen = "breaker_open"
	BatchFailed      = "failed"
)

// NewPipelineMetrics creates and registers the pipeline collectors.
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() {
	m.framesDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightfield_frames_decoded_total",
			Help: "Total number of frames published to a stream buffer",
		},
		[]string{"stream"},
	)
	m.decodeFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightfield_decode_faults_total",
			Help: "Total number of access units the decoder rejected",
		},
		[]string{"stream"},
	)
	m.reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightfield_stream_reconnects_total",
			Help: "Total number of reconnect attempts after a transport fault",
		},
		[]string{"stream"},
	)
	m.streamStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lightfield_stream_status",
			Help: "Current connection status per stream (1 for the active status)",
		},
		[]string{"stream", "status"},
	)
	m.activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lightfield_streams_active",
			Help: "Number of streams currently managed",
		},
	)
	m.batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightfield_segmentation_batches_total",
			Help: "Segmentation ticks by outcome",
		},
		[]string{"outcome"},
	)
	m.batchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lightfield_segmentation_batch_size",
			Help:    "Number of frames per submitted batch",
			Buckets: []float64{1, 2, 4, 8, 16, 32},
		},
	)
	m.batchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lightfield_segmentation_batch_duration_seconds",
			Help:    "Time from submission to completion of a batch",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)
	m.inferenceFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightfield_inference_faults_total",
			Help: "Engine failures by kind",
		},
		[]string{"kind"},
	)
	m.framesRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightfield_recorder_frames_written_total",
			Help: "Frames persisted to a recording artifact",
		},
		[]string{"stream"},
	)
	m.framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightfield_recorder_frames_dropped_total",
			Help: "Frames evicted from a full recorder queue",
		},
		[]string{"stream"},
	)
	m.recordingActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lightfield_recording_active",
			Help: "1 while a recording session is active",
		},
	)
	m.personDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightfield_person_detected_total",
			Help: "Masks that passed the person detection threshold",
		},
		[]string{"stream"},
	)

	m.collectors = []prometheus.Collector{
		m.framesDecoded, m.decodeFaults, m.reconnects, m.streamStatus, m.activeStreams,
		m.batchesTotal, m.batchSize, m.batchDuration, m.inferenceFaults,
		m.framesRecorded, m.framesDropped, m.recordingActive, m.personDetected,
	}
}

// Describe implements the prometheus.Collector interface.
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface.
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

func (m *PipelineMetrics) RecordFrameDecoded(stream string) {
	if m == nil {
		return
	}
	m.framesDecoded.WithLabelValues(stream).Inc()
}

func (m *PipelineMetrics) RecordDecodeFault(stream string) {
	if m == nil {
		return
	}
	m.decodeFaults.WithLabelValues(stream).Inc()
}

func (m *PipelineMetrics) RecordReconnect(stream string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(stream).Inc()
}

// SetStreamStatus marks status as the only active status for stream.
func (m *PipelineMetrics) SetStreamStatus(stream, status string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		m.streamStatus.WithLabelValues(stream, s).Set(v)
	}
}

// ForgetStream removes every per-stream series for a removed stream.
func (m *PipelineMetrics) ForgetStream(stream string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"stream": stream}
	m.framesDecoded.DeletePartialMatch(labels)
	m.decodeFaults.DeletePartialMatch(labels)
	m.reconnects.DeletePartialMatch(labels)
	m.streamStatus.DeletePartialMatch(labels)
	m.personDetected.DeletePartialMatch(labels)
}

func (m *PipelineMetrics) SetActiveStreams(n int) {
	if m == nil {
		return
	}
	m.activeStreams.Set(float64(n))
}

// RecordBatch counts a scheduler tick. size is only observed for submitted batches.
func (m *PipelineMetrics) RecordBatch(outcome string, size int) {
	if m == nil {
		return
	}
	m.batchesTotal.WithLabelValues(outcome).Inc()
	if outcome == BatchSubmitted {
		m.batchSize.Observe(float64(size))
	}
}

func (m *PipelineMetrics) RecordBatchDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(d.Seconds())
}

func (m *PipelineMetrics) RecordInferenceFault(kind string) {
	if m == nil {
		return
	}
	m.inferenceFaults.WithLabelValues(kind).Inc()
}

func (m *PipelineMetrics) RecordFrameRecorded(stream string) {
	if m == nil {
		return
	}
	m.framesRecorded.WithLabelValues(stream).Inc()
}

func (m *PipelineMetrics) RecordFrameDropped(stream string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(stream).Inc()
}

func (m *PipelineMetrics) SetRecordingActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.recordingActive.Set(1)
		return
	}
	m.recordingActive.Set(0)
}

func (m *PipelineMetrics) RecordPersonDetected(stream string) {
	if m == nil {
		return
	}
	m.personDetected.WithLabelValues(stream).Inc()
}
