package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// trainingStates lists every orchestrator state exported by the state gauge.
var trainingStates = []string{"idle", "preparing", "training", "saving", "failed"}

// TrainingMetrics contains all Prometheus metrics related to training runs.
type TrainingMetrics struct {
	RunsTotal       *prometheus.CounterVec
	OperationsTotal *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	StageDuration   *prometheus.HistogramVec
	ErrorsTotal     *prometheus.CounterVec
	StateGauge      *prometheus.GaugeVec
	ProgressGauge   prometheus.Gauge
	AccuracyGauge   *prometheus.GaugeVec
	DatasetSamples  prometheus.Gauge
	DatasetClasses  prometheus.Gauge
	registry        *prometheus.Registry
}

// NewTrainingMetrics creates and registers training metrics.
func NewTrainingMetrics(registry *prometheus.Registry) (*TrainingMetrics, error) {
	m := &TrainingMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register training metrics: %w", err)
	}
	return m, nil
}

func (m *TrainingMetrics) initMetrics() {
	m.RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faceid_training_runs_total",
			Help: "Total number of finished training runs partitioned by outcome",
		},
		[]string{"status"},
	)

	m.OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faceid_training_operations_total",
			Help: "Total number of training pipeline operations",
		},
		[]string{"operation", "status"},
	)

	m.RunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "faceid_training_run_duration_seconds",
		Help:    "Wall-clock duration of training runs",
		Buckets: prometheus.ExponentialBuckets(BucketStart1s, BucketFactor2, BucketCount15),
	})

	m.StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faceid_training_stage_duration_seconds",
			Help:    "Duration of individual training stages",
			Buckets: prometheus.ExponentialBuckets(BucketStart100ms, BucketFactor2, BucketCount15),
		},
		[]string{"stage"},
	)

	m.ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faceid_training_errors_total",
			Help: "Total number of training errors by operation and type",
		},
		[]string{"operation", "error_type"},
	)

	m.StateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "faceid_training_state",
			Help: "Current training state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)
	for _, s := range trainingStates {
		m.StateGauge.WithLabelValues(s).Set(0)
	}
	m.StateGauge.WithLabelValues("idle").Set(1)

	m.ProgressGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "faceid_training_progress_percent",
		Help: "Progress of the current training run in percent",
	})

	m.AccuracyGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "faceid_training_accuracy",
			Help: "Most recent epoch accuracy by split",
		},
		[]string{"split"},
	)

	m.DatasetSamples = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "faceid_training_dataset_samples",
		Help: "Number of training samples in the current or last run",
	})

	m.DatasetClasses = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "faceid_training_dataset_classes",
		Help: "Number of identities in the current or last run",
	})
}

// ObserveStatus updates the state and progress gauges from a status snapshot.
func (m *TrainingMetrics) ObserveStatus(state string, progress int) {
	for _, s := range trainingStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.StateGauge.WithLabelValues(s).Set(v)
	}
	m.ProgressGauge.Set(float64(progress))
}

// SetAccuracy records the latest train and validation accuracy.
func (m *TrainingMetrics) SetAccuracy(train, validation float64) {
	m.AccuracyGauge.WithLabelValues("train").Set(train)
	m.AccuracyGauge.WithLabelValues("validation").Set(validation)
}

// SetDataset records the size of the dataset being trained on.
func (m *TrainingMetrics) SetDataset(samples, classes int) {
	m.DatasetSamples.Set(float64(samples))
	m.DatasetClasses.Set(float64(classes))
}

// RecordOperation implements the Recorder interface.
func (m *TrainingMetrics) RecordOperation(operation, status string) {
	if operation == OpTrainingRun {
		m.RunsTotal.WithLabelValues(status).Inc()
		return
	}
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDuration implements the Recorder interface.
func (m *TrainingMetrics) RecordDuration(operation string, seconds float64) {
	if operation == OpTrainingRun {
		m.RunDuration.Observe(seconds)
		return
	}
	m.StageDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordError implements the Recorder interface.
func (m *TrainingMetrics) RecordError(operation, errorType string) {
	m.ErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *TrainingMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.RunsTotal.Describe(ch)
	m.OperationsTotal.Describe(ch)
	ch <- m.RunDuration.Desc()
	m.StageDuration.Describe(ch)
	m.ErrorsTotal.Describe(ch)
	m.StateGauge.Describe(ch)
	ch <- m.ProgressGauge.Desc()
	m.AccuracyGauge.Describe(ch)
	ch <- m.DatasetSamples.Desc()
	ch <- m.DatasetClasses.Desc()
}

// Collect implements the prometheus.Collector interface.
func (m *TrainingMetrics) Collect(ch chan<- prometheus.Metric) {
	m.RunsTotal.Collect(ch)
	m.OperationsTotal.Collect(ch)
	ch <- m.RunDuration
	m.StageDuration.Collect(ch)
	m.ErrorsTotal.Collect(ch)
	m.StateGauge.Collect(ch)
	ch <- m.ProgressGauge
	m.AccuracyGauge.Collect(ch)
	ch <- m.DatasetSamples
	ch <- m.DatasetClasses
}
