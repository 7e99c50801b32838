// Package input defines the primary/driving ports of the application.
package input

import (
	"context"

	"github.com/jobrunner/shapeview/internal/domain"
)

// LayerService defines the primary port for layer management.
type LayerService interface {
	// ListLayers returns all loaded layers in load order.
	ListLayers(ctx context.Context) []domain.Layer

	// GetLayer returns a specific layer by ID.
	GetLayer(ctx context.Context, id domain.LayerID) (*domain.Layer, error)

	// LoadLayer loads a zipped shapefile or GeoJSON file.
	LoadLayer(ctx context.Context, fileName string, data []byte) (*domain.Layer, error)

	// RemoveLayer removes a layer. Removing the last layer resets the view.
	RemoveLayer(ctx context.Context, id domain.LayerID) error

	// ClearLayers removes every layer and resets the view.
	ClearLayers(ctx context.Context) error

	// ToggleVisibility flips a layer's visibility.
	ToggleVisibility(ctx context.Context, id domain.LayerID) (*domain.Layer, error)

	// CenterView fits the view to the visible layers.
	CenterView(ctx context.Context) (*domain.Extent, error)

	// BatchEdit sets a field on every selected feature of a layer.
	BatchEdit(ctx context.Context, req domain.BatchEditRequest) (*domain.EditReport, error)

	// Export encodes a layer in memory.
	Export(ctx context.Context, id domain.LayerID, format domain.ExportFormat) (*domain.ExportPayload, error)

	// ExportToStorage exports a layer to the export storage and returns its key.
	ExportToStorage(ctx context.Context, id domain.LayerID, format domain.ExportFormat) (string, error)
}

// SelectionService defines the primary port for interactive selection.
type SelectionService interface {
	// HandleDrag processes one phase of a drag-box gesture. It returns false
	// if the event does not take part in a selection.
	HandleDrag(ctx context.Context, action domain.DragAction, ev domain.PointerEvent) (*domain.SelectionResult, bool, error)

	// PointSelect toggles the feature under a click.
	PointSelect(ctx context.Context, ev domain.PointerEvent) (*domain.SelectionResult, bool, error)

	// DeselectAll clears every selection.
	DeselectAll(ctx context.Context) *domain.SelectionResult

	// Summary describes the current selection.
	Summary(ctx context.Context) domain.SelectionSummary

	// SetMultiSelectMode toggles the touch multi-select mode.
	SetMultiSelectMode(enabled bool)
}

// HealthChecker defines the primary port for health checks.
type HealthChecker interface {
	// IsHealthy returns true if the service is healthy.
	IsHealthy(ctx context.Context) bool

	// IsReady returns true if the service is ready to accept requests.
	IsReady(ctx context.Context) bool

	// GetHealthDetails returns detailed health information.
	GetHealthDetails(ctx context.Context) HealthDetails
}

// HealthDetails contains detailed health information.
type HealthDetails struct {
	Healthy       bool              // Overall health status
	Ready         bool              // Ready to accept requests
	LayersLoaded  int               // Number of loaded layers
	LayersReady   int               // Number of layers with a ready view
	SelectedTotal int               // Global selection count
	Components    map[string]string // Component statuses
}
