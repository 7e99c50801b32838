package application

import (
	"context"
	"log/slog"

	"github.com/jobrunner/shapeview/internal/domain"
	"github.com/jobrunner/shapeview/internal/ports/input"
	"github.com/jobrunner/shapeview/internal/ports/output"
)

// WorkspaceService implements input.LayerService. It owns the view-level
// operations of a session: resetting the view when the map becomes empty and
// centering on the visible layers.
type WorkspaceService struct {
	registry *LayerRegistry
	loader   *LoadService
	editor   *BatchEditor
	exporter *ExportService
	view     output.SpatialView
	logger   *slog.Logger
	padding  int
	initial  domain.Viewpoint
}

// NewWorkspaceService creates a new workspace service. The view's current
// viewpoint becomes the one restored when the map is emptied.
func NewWorkspaceService(
	registry *LayerRegistry,
	loader *LoadService,
	editor *BatchEditor,
	exporter *ExportService,
	view output.SpatialView,
	logger *slog.Logger,
	gotoPaddingPx int,
) *WorkspaceService {
	return &WorkspaceService{
		registry: registry,
		loader:   loader,
		editor:   editor,
		exporter: exporter,
		view:     view,
		logger:   logger,
		padding:  gotoPaddingPx,
		initial:  view.Viewpoint(),
	}
}

// ListLayers returns all loaded layers in load order.
func (s *WorkspaceService) ListLayers(_ context.Context) []domain.Layer {
	return s.registry.List()
}

// GetLayer returns a specific layer by ID.
func (s *WorkspaceService) GetLayer(_ context.Context, id domain.LayerID) (*domain.Layer, error) {
	layer, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return &layer, nil
}

// LoadLayer loads a zipped shapefile or GeoJSON file.
func (s *WorkspaceService) LoadLayer(ctx context.Context, fileName string, data []byte) (*domain.Layer, error) {
	return s.loader.Load(ctx, fileName, data)
}

// RemoveLayer removes a layer and resets the view when it was the last one.
func (s *WorkspaceService) RemoveLayer(ctx context.Context, id domain.LayerID) error {
	layer, err := s.registry.Get(id)
	if err != nil {
		return err
	}
	s.loader.forget(layer.Name)

	emptied, err := s.registry.Remove(ctx, id)
	if emptied {
		s.resetView(ctx)
	}
	return err
}

// ClearLayers removes every layer and resets the view.
func (s *WorkspaceService) ClearLayers(ctx context.Context) error {
	s.loader.forgetAll()
	err := s.registry.Clear(ctx)
	s.resetView(ctx)
	return err
}

// ToggleVisibility flips a layer's visibility.
func (s *WorkspaceService) ToggleVisibility(_ context.Context, id domain.LayerID) (*domain.Layer, error) {
	layer, err := s.registry.ToggleVisibility(id)
	if err != nil {
		return nil, err
	}
	return &layer, nil
}

// CenterView fits the view to the union extent of the visible layers.
func (s *WorkspaceService) CenterView(ctx context.Context) (*domain.Extent, error) {
	ext := s.registry.UnionExtent(true)
	if ext == nil {
		return nil, domain.ErrNoVisibleExtent
	}
	if err := s.view.GoTo(ctx, *ext, s.padding); err != nil {
		return nil, &domain.ExternalCallError{Operation: "go to", Err: err}
	}
	return ext, nil
}

// BatchEdit sets a field on every selected feature of a layer.
func (s *WorkspaceService) BatchEdit(ctx context.Context, req domain.BatchEditRequest) (*domain.EditReport, error) {
	return s.editor.Apply(ctx, req)
}

// Export encodes a layer in memory.
func (s *WorkspaceService) Export(ctx context.Context, id domain.LayerID, format domain.ExportFormat) (*domain.ExportPayload, error) {
	return s.exporter.Export(ctx, id, format)
}

// ExportToStorage exports a layer to the export storage.
func (s *WorkspaceService) ExportToStorage(ctx context.Context, id domain.LayerID, format domain.ExportFormat) (string, error) {
	return s.exporter.ExportToStorage(ctx, id, format)
}

// InitialViewpoint returns the viewpoint restored when the map is emptied.
func (s *WorkspaceService) InitialViewpoint() domain.Viewpoint {
	return s.initial
}

func (s *WorkspaceService) resetView(ctx context.Context) {
	if err := s.view.SetViewpoint(ctx, s.initial); err != nil {
		s.logger.Warn("failed to reset view", "error", err)
		return
	}
	s.logger.Debug("view reset", "center", s.initial.Center.String(), "zoom", s.initial.Zoom)
}

// Compile-time interface checks.
var (
	_ input.LayerService     = (*WorkspaceService)(nil)
	_ input.SelectionService = (*SelectionEngine)(nil)
	_ input.HealthChecker    = (*HealthService)(nil)
)
