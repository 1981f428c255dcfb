// Package metrics registers the engine's Prometheus metrics on a shared
// registry, using the same constructor/registration shape as a connection
// metrics registry — adapted from the WebSocket/connection domain to the
// batching/compression/predictor/adaptive domain this engine actually runs.
package metrics

import (
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/batchfabric/batchengine/internal/message"
)

// Metrics is the engine's Prometheus metric set.
type Metrics struct {
	activeClients prometheus.Gauge
	clientsTotal  prometheus.Counter

	messagesReceived prometheus.Counter
	messageErrors    *prometheus.CounterVec
	messageSize      prometheus.Histogram

	batchSize      prometheus.Histogram
	batchLatency   prometheus.Histogram
	flushReasons   *prometheus.CounterVec
	activeBatchCap prometheus.Gauge

	compressionRatio      prometheus.Histogram
	compressionTime       prometheus.Histogram
	compressionBytesSaved prometheus.Counter

	predictorConfidence     prometheus.Gauge
	predictorRecommendation prometheus.Gauge

	adaptiveAdjustments prometheus.Counter
	adaptiveLoad        prometheus.Gauge

	connectionStartTimes map[string]time.Time
	connectionMu         sync.RWMutex

	logger *zap.Logger
}

// New creates the engine's Metrics and registers them on registry.
func New(registry prometheus.Registerer, logger *zap.Logger) *Metrics {
	m := &Metrics{
		activeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batchengine_active_clients",
			Help: "Number of clients with a non-empty buffer",
		}),
		clientsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchengine_clients_total",
			Help: "Total number of distinct clients seen",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchengine_messages_received_total",
			Help: "Total number of messages accepted by addMessage",
		}),
		messageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchengine_message_errors_total",
			Help: "Total number of addMessage errors by code",
		}, []string{"code"}),
		messageSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchengine_message_size_bytes",
			Help:    "Size of accepted messages in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchengine_batch_size",
			Help:    "Number of messages per emitted batch",
			Buckets: prometheus.LinearBuckets(1, 5, 20),
		}),
		batchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchengine_batch_latency_seconds",
			Help:    "Time from batchStartTime to flush emission",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		flushReasons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchengine_flush_reasons_total",
			Help: "Total flushes by reason",
		}, []string{"reason"}),
		activeBatchCap: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batchengine_active_batch_size_cap",
			Help: "Currently active batch-size cap",
		}),
		compressionRatio: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchengine_compression_ratio",
			Help:    "compressedSize/originalSize for compressed batches",
			Buckets: prometheus.LinearBuckets(0.05, 0.05, 20),
		}),
		compressionTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchengine_compression_time_seconds",
			Help:    "Time spent compressing a batch",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		compressionBytesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchengine_compression_bytes_saved_total",
			Help: "Cumulative bytes saved by compression",
		}),
		predictorConfidence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batchengine_predictor_confidence",
			Help: "Most recent predictor confidence, in [0,1]",
		}),
		predictorRecommendation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batchengine_predictor_recommended_batch_size",
			Help: "Most recent predictor recommended batch size",
		}),
		adaptiveAdjustments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchengine_adaptive_adjustments_total",
			Help: "Total number of adaptive controller cap adjustments",
		}),
		adaptiveLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batchengine_adaptive_load",
			Help: "Most recently observed load fed to the adaptive controller",
		}),
		connectionStartTimes: make(map[string]time.Time),
		logger:               logger,
	}

	registry.MustRegister(
		m.activeClients,
		m.clientsTotal,
		m.messagesReceived,
		m.messageErrors,
		m.messageSize,
		m.batchSize,
		m.batchLatency,
		m.flushReasons,
		m.activeBatchCap,
		m.compressionRatio,
		m.compressionTime,
		m.compressionBytesSaved,
		m.predictorConfidence,
		m.predictorRecommendation,
		m.adaptiveAdjustments,
		m.adaptiveLoad,
	)

	return m
}

// RecordMessageAccepted records a successfully accepted message.
func (m *Metrics) RecordMessageAccepted(size int) {
	m.messagesReceived.Inc()
	m.messageSize.Observe(float64(size))
}

// RecordMessageError records a rejected addMessage call by error code.
func (m *Metrics) RecordMessageError(code string) {
	m.messageErrors.WithLabelValues(code).Inc()
}

// RecordClientConnected marks a newly seen client.
func (m *Metrics) RecordClientConnected() {
	m.clientsTotal.Inc()
	m.activeClients.Inc()
}

// RecordClientRemoved marks a client whose buffer was destroyed.
func (m *Metrics) RecordClientRemoved() {
	m.activeClients.Dec()
}

// RecordBatch records one flush: its size, reason, and age-at-flush.
func (m *Metrics) RecordBatch(size int, reason string, age time.Duration) {
	m.batchSize.Observe(float64(size))
	m.batchLatency.Observe(age.Seconds())
	m.flushReasons.WithLabelValues(reason).Inc()
}

// SetActiveBatchSizeCap publishes the current cap.
func (m *Metrics) SetActiveBatchSizeCap(cap int) {
	m.activeBatchCap.Set(float64(cap))
}

// RecordCompression records a successful compression.
func (m *Metrics) RecordCompression(originalSize, compressedSize int, duration time.Duration) {
	if originalSize > 0 {
		m.compressionRatio.Observe(float64(compressedSize) / float64(originalSize))
	}
	m.compressionTime.Observe(duration.Seconds())
	if saved := originalSize - compressedSize; saved > 0 {
		m.compressionBytesSaved.Add(float64(saved))
	}
}

// RecordPrediction publishes the predictor's most recent recommendation.
func (m *Metrics) RecordPrediction(recommendedBatchSize int, confidence float64) {
	m.predictorConfidence.Set(confidence)
	m.predictorRecommendation.Set(float64(recommendedBatchSize))
}

// RecordAdaptiveAdjustment publishes the adaptive controller's latest load
// observation and bumps its adjustment counter.
func (m *Metrics) RecordAdaptiveAdjustment(load float64) {
	m.adaptiveAdjustments.Inc()
	m.adaptiveLoad.Set(load)
}

// PriorityLabel renders a priority for use as a metric label.
func PriorityLabel(p message.Priority) string {
	return p.String()
}

// GetActiveClients returns the current active-client gauge value.
func (m *Metrics) GetActiveClients() float64 {
	return getGaugeValue(m.activeClients)
}

func getGaugeValue(gauge prometheus.Gauge) float64 {
	ch := make(chan prometheus.Metric, 1)
	gauge.Collect(ch)
	metric := <-ch

	var dtoMetric dto.Metric
	metric.Write(&dtoMetric)

	return dtoMetric.Gauge.GetValue()
}
