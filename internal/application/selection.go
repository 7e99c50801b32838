package application

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jobrunner/shapeview/internal/domain"
	"github.com/jobrunner/shapeview/internal/ports/output"
)

// Selection modes reported to metrics.
const (
	modeBox   = "box"
	modePoint = "point"
)

// SelectionConfig configures a SelectionEngine.
type SelectionConfig struct {
	MaxConcurrentQueries int           // Per-layer queries run in parallel, 0 = unbounded
	QueryTimeout         time.Duration // Timeout per layer query, 0 = none
	MultiSelect          bool          // Initial multi-select mode
}

// dragState is an active drag-box gesture.
type dragState struct {
	origin  domain.Coordinate
	current domain.Coordinate
	overlay output.Overlay
}

// SelectionEngine turns pointer gestures into layer selections.
type SelectionEngine struct {
	registry *LayerRegistry
	view     output.SpatialView
	metrics  output.MetricsCollector
	logger   *slog.Logger
	cfg      SelectionConfig

	multi atomic.Bool

	mu   sync.Mutex
	drag *dragState
}

// NewSelectionEngine creates a new selection engine.
func NewSelectionEngine(
	registry *LayerRegistry,
	view output.SpatialView,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	cfg SelectionConfig,
) *SelectionEngine {
	e := &SelectionEngine{
		registry: registry,
		view:     view,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
	}
	e.multi.Store(cfg.MultiSelect)
	return e
}

// SetMultiSelectMode enables selection without modifier keys.
func (e *SelectionEngine) SetMultiSelectMode(enabled bool) {
	e.multi.Store(enabled)
	e.logger.Debug("multi-select mode changed", "enabled", enabled)
}

// MultiSelectMode reports whether multi-select mode is on.
func (e *SelectionEngine) MultiSelectMode() bool {
	return e.multi.Load()
}

// HandleDrag dispatches one phase of a drag-box gesture. Only the end phase
// returns a result.
func (e *SelectionEngine) HandleDrag(ctx context.Context, action domain.DragAction, ev domain.PointerEvent) (*domain.SelectionResult, bool, error) {
	switch action {
	case domain.DragStart:
		return nil, e.StartDrag(ctx, ev), nil
	case domain.DragUpdate:
		return nil, e.UpdateDrag(ctx, ev), nil
	case domain.DragEnd:
		return e.EndDrag(ctx, ev)
	}
	return nil, false, &domain.ValidationError{
		Field:      "action",
		Value:      action,
		Constraint: "start|update|end",
		Message:    "unknown drag action",
	}
}

// StartDrag begins a drag-box if the primary button is held together with
// Shift or multi-select mode is on. It returns false otherwise.
func (e *SelectionEngine) StartDrag(_ context.Context, ev domain.PointerEvent) bool {
	if ev.Button != 0 || !(ev.Shift || e.multi.Load()) {
		return false
	}
	origin, ok := e.view.ScreenToMap(ev.Screen)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.drag != nil {
		e.drag.overlay.Remove()
	}
	e.drag = &dragState{
		origin:  origin,
		current: origin,
		overlay: e.view.DrawRectangle(domain.ExtentFromCorners(origin, origin)),
	}
	return true
}

// UpdateDrag moves the free corner of the rectangle.
func (e *SelectionEngine) UpdateDrag(_ context.Context, ev domain.PointerEvent) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.drag == nil {
		return false
	}
	if c, ok := e.view.ScreenToMap(ev.Screen); ok {
		e.drag.current = c
		e.drag.overlay.Update(domain.ExtentFromCorners(e.drag.origin, c))
	}
	return true
}

// EndDrag removes the rectangle and selects the features it intersects.
func (e *SelectionEngine) EndDrag(ctx context.Context, ev domain.PointerEvent) (*domain.SelectionResult, bool, error) {
	e.mu.Lock()
	d := e.drag
	e.drag = nil
	e.mu.Unlock()

	if d == nil {
		return nil, false, nil
	}
	d.overlay.Remove()

	end := d.current
	if c, ok := e.view.ScreenToMap(ev.Screen); ok {
		end = c
	}
	result, err := e.SelectExtent(ctx, domain.ExtentFromCorners(d.origin, end))
	return result, true, err
}

// SelectExtent replaces the selection of every visible, ready layer with the
// features intersecting ext. Hidden layers and layers that are not ready end
// up with an empty selection. A layer whose query fails keeps its previous
// selection and is reported in Failed.
func (e *SelectionEngine) SelectExtent(ctx context.Context, ext domain.Extent) (*domain.SelectionResult, error) {
	start := time.Now()
	targets, skipped := e.registry.beginExtentSelection()

	var (
		mu     sync.Mutex
		result = &domain.SelectionResult{Layers: skipped}
		g      errgroup.Group
	)
	if e.cfg.MaxConcurrentQueries > 0 {
		g.SetLimit(e.cfg.MaxConcurrentQueries)
	}

	for _, t := range targets {
		g.Go(func() error {
			features, err := e.query(ctx, t.view, output.FeatureQuery{Extent: &ext, ReturnGeometry: true})
			if err != nil {
				err = &domain.ExternalCallError{Operation: "query features", LayerID: t.id, Err: err}
				e.logger.Warn("selection query failed", "layer", t.name, "id", t.id, "error", err)
				mu.Lock()
				result.Failed = append(result.Failed, domain.LayerFailure{LayerID: t.id, Name: t.name, Err: err})
				mu.Unlock()
				return nil
			}

			ids := make([]domain.ObjectID, len(features))
			for i, f := range features {
				ids[i] = f.OID
			}
			if !e.registry.commit(t.ticket, ids, features) {
				e.logger.Debug("discarding stale selection result", "layer", t.name, "id", t.id)
				return nil
			}

			mu.Lock()
			result.Layers = append(result.Layers, domain.LayerSelection{LayerID: t.id, Name: t.name, Count: len(ids)})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(result.Layers, func(i, j int) bool { return result.Layers[i].LayerID < result.Layers[j].LayerID })
	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].LayerID < result.Failed[j].LayerID })
	result.Total = e.registry.TotalSelected()
	result.Duration = time.Since(start)

	e.metrics.IncSelectionCount(modeBox, !result.HasFailures())
	e.metrics.ObserveSelectionDuration(modeBox, result.Duration)
	e.logger.Debug("box selection completed",
		"layers", len(targets),
		"failed", len(result.Failed),
		"total", result.Total,
		"duration", result.Duration,
	)

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// PointSelect toggles the top-most feature under the pointer in its layer's
// selection. It requires Ctrl or multi-select mode and returns false if the
// event does not apply or nothing was hit.
func (e *SelectionEngine) PointSelect(ctx context.Context, ev domain.PointerEvent) (*domain.SelectionResult, bool, error) {
	if !(ev.Ctrl || e.multi.Load()) {
		return nil, false, nil
	}
	start := time.Now()

	hits, err := e.view.HitTest(ctx, ev.Screen)
	if err != nil {
		e.metrics.IncSelectionCount(modePoint, false)
		return nil, false, &domain.ExternalCallError{Operation: "hit test", Err: err}
	}

	var (
		id  domain.LayerID
		oid domain.ObjectID
		hit bool
	)
	for _, h := range hits {
		if lid, ok := e.registry.resolve(h.Layer); ok {
			id, oid, hit = lid, h.Feature.OID, true
			break
		}
	}
	if !hit {
		return nil, false, nil
	}

	tr, err := e.registry.toggle(id, oid)
	if err != nil {
		return nil, false, err
	}

	result := &domain.SelectionResult{Layers: []domain.LayerSelection{tr.selection}}
	if len(tr.ids) > 0 {
		features, err := e.query(ctx, tr.view, output.FeatureQuery{ObjectIDs: tr.ids, ReturnGeometry: true})
		if err != nil {
			err = &domain.ExternalCallError{Operation: "query features", LayerID: id, Err: err}
			e.logger.Warn("highlight query failed", "id", id, "error", err)
			result.Failed = append(result.Failed, domain.LayerFailure{LayerID: id, Name: tr.selection.Name, Err: err})
		} else if !e.registry.commitHighlight(tr.ticket, features) {
			e.logger.Debug("discarding stale highlight", "id", id)
		}
	}

	result.Total = e.registry.TotalSelected()
	result.Duration = time.Since(start)

	e.metrics.IncSelectionCount(modePoint, !result.HasFailures())
	e.metrics.ObserveSelectionDuration(modePoint, result.Duration)
	e.logger.Debug("point selection completed", "id", id, "oid", oid, "total", result.Total)
	return result, true, nil
}

// DeselectAll clears the selection of every layer.
func (e *SelectionEngine) DeselectAll(_ context.Context) *domain.SelectionResult {
	cleared := e.registry.DeselectAll()
	e.logger.Debug("selection cleared", "features", cleared)
	return &domain.SelectionResult{Total: e.registry.TotalSelected()}
}

// Summary describes the current selection.
func (e *SelectionEngine) Summary(_ context.Context) domain.SelectionSummary {
	summary := domain.SelectionSummary{MultiSelect: e.multi.Load()}
	for _, l := range e.registry.List() {
		n := l.SelectedCount()
		summary.Total += n
		if n > 0 && l.IsPolygonLayer() {
			summary.HasPolygonSelection = true
		}
		summary.Layers = append(summary.Layers, domain.LayerSelection{LayerID: l.ID, Name: l.Name, Count: n})
	}
	return summary
}

func (e *SelectionEngine) query(ctx context.Context, lv output.LayerView, q output.FeatureQuery) ([]domain.Feature, error) {
	if e.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.QueryTimeout)
		defer cancel()
	}
	return lv.QueryFeatures(ctx, q)
}
