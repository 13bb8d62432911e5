// Package metrics provides custom Prometheus metrics for faceid.
package metrics

// Recorder defines a minimal interface for recording metrics.
// Components depend on this interface rather than on concrete metric
// types so they can run without a registry.
type Recorder interface {
	// RecordOperation records an operation with its status,
	// e.g. ("training_run", "success") or ("recognition", "unknown").
	RecordOperation(operation, status string)

	// RecordDuration records the duration of an operation in seconds.
	RecordDuration(operation string, seconds float64)

	// RecordError records an error occurrence with its type.
	RecordError(operation, errorType string)
}

// NoOpRecorder is a no-op implementation of the Recorder interface.
type NoOpRecorder struct{}

// RecordOperation does nothing.
func (n *NoOpRecorder) RecordOperation(operation, status string) {}

// RecordDuration does nothing.
func (n *NoOpRecorder) RecordDuration(operation string, seconds float64) {}

// RecordError does nothing.
func (n *NoOpRecorder) RecordError(operation, errorType string) {}

// NewNoOpRecorder creates a new no-op recorder instance.
func NewNoOpRecorder() *NoOpRecorder {
	return &NoOpRecorder{}
}

// Fanout forwards every call to each non-nil recorder.
type Fanout []Recorder

// RecordOperation implements Recorder.
func (f Fanout) RecordOperation(operation, status string) {
	for _, r := range f {
		if r != nil {
			r.RecordOperation(operation, status)
		}
	}
}

// RecordDuration implements Recorder.
func (f Fanout) RecordDuration(operation string, seconds float64) {
	for _, r := range f {
		if r != nil {
			r.RecordDuration(operation, seconds)
		}
	}
}

// RecordError implements Recorder.
func (f Fanout) RecordError(operation, errorType string) {
	for _, r := range f {
		if r != nil {
			r.RecordError(operation, errorType)
		}
	}
}
