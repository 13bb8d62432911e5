package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// RecognitionMetrics contains all Prometheus metrics related to inference.
type RecognitionMetrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec
	ConfidenceHist    *prometheus.HistogramVec
	ModelLoadedGauge  prometheus.Gauge
	ModelClassesGauge prometheus.Gauge
	registry          *prometheus.Registry
}

// NewRecognitionMetrics creates and registers recognition metrics.
func NewRecognitionMetrics(registry *prometheus.Registry) (*RecognitionMetrics, error) {
	m := &RecognitionMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register recognition metrics: %w", err)
	}
	return m, nil
}

func (m *RecognitionMetrics) initMetrics() {
	m.OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faceid_recognition_operations_total",
			Help: "Total number of recognition operations by outcome",
		},
		[]string{"operation", "status"},
	)

	m.OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faceid_recognition_duration_seconds",
			Help:    "Duration of recognition operations",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount10),
		},
		[]string{"operation"},
	)

	m.ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faceid_recognition_errors_total",
			Help: "Total number of recognition errors by operation and type",
		},
		[]string{"operation", "error_type"},
	)

	m.ConfidenceHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faceid_recognition_confidence",
			Help:    "Top-1 confidence of recognition results",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		},
		[]string{"status"},
	)

	m.ModelLoadedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "faceid_model_loaded",
		Help: "Whether a trained model is loaded for inference (1) or not (0)",
	})

	m.ModelClassesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "faceid_model_classes",
		Help: "Number of identities in the loaded model",
	})
}

// ObserveConfidence records the confidence of a result with the given status.
func (m *RecognitionMetrics) ObserveConfidence(status string, confidence float64) {
	m.ConfidenceHist.WithLabelValues(status).Observe(confidence)
}

// SetModelLoaded records the loaded model's class count, 0 meaning no model.
func (m *RecognitionMetrics) SetModelLoaded(numClasses int) {
	if numClasses > 0 {
		m.ModelLoadedGauge.Set(1)
	} else {
		m.ModelLoadedGauge.Set(0)
	}
	m.ModelClassesGauge.Set(float64(numClasses))
}

// RecordOperation implements the Recorder interface.
func (m *RecognitionMetrics) RecordOperation(operation, status string) {
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDuration implements the Recorder interface.
func (m *RecognitionMetrics) RecordDuration(operation string, seconds float64) {
	m.OperationDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordError implements the Recorder interface.
func (m *RecognitionMetrics) RecordError(operation, errorType string) {
	m.ErrorsTotal.WithLabelValues(operation, errorType).Inc()
	m.OperationsTotal.WithLabelValues(operation, StatusError).Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *RecognitionMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.OperationsTotal.Describe(ch)
	m.OperationDuration.Describe(ch)
	m.ErrorsTotal.Describe(ch)
	m.ConfidenceHist.Describe(ch)
	ch <- m.ModelLoadedGauge.Desc()
	ch <- m.ModelClassesGauge.Desc()
}

// Collect implements the prometheus.Collector interface.
func (m *RecognitionMetrics) Collect(ch chan<- prometheus.Metric) {
	m.OperationsTotal.Collect(ch)
	m.OperationDuration.Collect(ch)
	m.ErrorsTotal.Collect(ch)
	m.ConfidenceHist.Collect(ch)
	ch <- m.ModelLoadedGauge
	ch <- m.ModelClassesGauge
}
