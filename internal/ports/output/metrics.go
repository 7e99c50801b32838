package output

import "time"

// MetricsCollector defines the secondary port for metrics collection.
type MetricsCollector interface {
	// IncSelectionCount increments the selection counter for a mode (box, point).
	IncSelectionCount(mode string, success bool)

	// ObserveSelectionDuration records selection duration.
	ObserveSelectionDuration(mode string, duration time.Duration)

	// SetLayersLoaded sets the number of loaded layers.
	SetLayersLoaded(count int)

	// SetSelectedFeatures sets the global selection count.
	SetSelectedFeatures(count int)

	// IncLayerLoads increments the layer load counter.
	IncLayerLoads(success bool)

	// IncExports increments the export counter for a format.
	IncExports(format string, success bool)

	// IncEdits increments the batch edit counter.
	IncEdits(success bool)

	// IncStorageOperations increments storage operation counter.
	IncStorageOperations(operation string, success bool)

	// ObserveStorageDuration records storage operation duration.
	ObserveStorageDuration(operation string, duration time.Duration)
}

// NoOpMetrics is a no-op implementation of MetricsCollector.
type NoOpMetrics struct{}

// IncSelectionCount implements MetricsCollector.
func (n *NoOpMetrics) IncSelectionCount(_ string, _ bool) {}

// ObserveSelectionDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveSelectionDuration(_ string, _ time.Duration) {}

// SetLayersLoaded implements MetricsCollector.
func (n *NoOpMetrics) SetLayersLoaded(_ int) {}

// SetSelectedFeatures implements MetricsCollector.
func (n *NoOpMetrics) SetSelectedFeatures(_ int) {}

// IncLayerLoads implements MetricsCollector.
func (n *NoOpMetrics) IncLayerLoads(_ bool) {}

// IncExports implements MetricsCollector.
func (n *NoOpMetrics) IncExports(_ string, _ bool) {}

// IncEdits implements MetricsCollector.
func (n *NoOpMetrics) IncEdits(_ bool) {}

// IncStorageOperations implements MetricsCollector.
func (n *NoOpMetrics) IncStorageOperations(_ string, _ bool) {}

// ObserveStorageDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveStorageDuration(_ string, _ time.Duration) {}
