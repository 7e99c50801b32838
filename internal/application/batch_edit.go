package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jobrunner/shapeview/internal/domain"
	"github.com/jobrunner/shapeview/internal/ports/output"
)

// BatchEditor sets one attribute on every selected feature of a layer.
type BatchEditor struct {
	registry *LayerRegistry
	view     output.SpatialView
	metrics  output.MetricsCollector
	logger   *slog.Logger
}

// NewBatchEditor creates a new batch editor.
func NewBatchEditor(registry *LayerRegistry, view output.SpatialView, metrics output.MetricsCollector, logger *slog.Logger) *BatchEditor {
	return &BatchEditor{
		registry: registry,
		view:     view,
		metrics:  metrics,
		logger:   logger,
	}
}

// Apply validates the request and writes the value to every selected feature
// of the layer. Nothing is written if validation fails. Features the engine
// refuses are listed in the report; report.Err() is non-nil in that case.
func (b *BatchEditor) Apply(ctx context.Context, req domain.BatchEditRequest) (report *domain.EditReport, err error) {
	defer func() { b.metrics.IncEdits(err == nil && report != nil && report.Err() == nil) }()

	layer, native, err := b.registry.native(req.LayerID)
	if err != nil {
		return nil, err
	}
	if len(layer.Selected) == 0 {
		return nil, fmt.Errorf("layer %d: %w", req.LayerID, domain.ErrNoSelection)
	}
	field, ok := layer.FieldByName(req.Field)
	if !ok {
		return nil, fmt.Errorf("%q on layer %d: %w", req.Field, req.LayerID, domain.ErrFieldNotFound)
	}
	value, err := domain.ParseFieldValue(field, req.Value)
	if err != nil {
		return nil, err
	}
	// Only text keeps an empty value as is; empty dates are null.
	if _, text := value.(domain.TextValue); text && req.Value == "" && !req.ConfirmEmpty {
		return nil, fmt.Errorf("field %q: %w", req.Field, domain.ErrConfirmationRequired)
	}

	if b.logger.Enabled(ctx, slog.LevelDebug) {
		before, err := native.QueryFeatures(ctx, output.FeatureQuery{OutFields: []string{domain.ObjectIDField, field.Name}})
		if err != nil {
			b.logger.Debug("failed to query layer before edit", "id", req.LayerID, "error", err)
		} else {
			b.logger.Debug("layer before edit", "id", req.LayerID, "features", len(before))
		}
	}

	updates := make([]output.AttributeUpdate, len(layer.Selected))
	for i, oid := range layer.Selected {
		updates[i] = output.AttributeUpdate{
			OID:        oid,
			Attributes: map[string]interface{}{field.Name: value.Native()},
		}
	}

	results, err := native.ApplyEdits(ctx, updates)
	if err != nil {
		return nil, &domain.ExternalCallError{Operation: "apply edits", LayerID: req.LayerID, Err: err}
	}

	report = &domain.EditReport{
		LayerID:   req.LayerID,
		Field:     field.Name,
		Value:     value,
		Requested: len(updates),
	}
	for _, res := range results {
		if res.Success {
			report.Updated++
			continue
		}
		b.logger.Warn("feature edit failed", "id", req.LayerID, "oid", res.OID, "error", res.Err)
		report.Failures = append(report.Failures, domain.FeatureEditFailure{OID: res.OID, Err: res.Err})
	}

	after, err := native.QueryFeatures(ctx, output.FeatureQuery{
		ObjectIDs: layer.Selected,
		OutFields: []string{field.Name},
	})
	if err != nil {
		b.logger.Warn("failed to verify edit", "id", req.LayerID, "error", err)
	} else {
		for _, f := range after {
			if v, ok := f.GetProperty(field.Name); ok && value.Matches(v) {
				report.Verified++
			}
		}
	}

	b.redraw(native, layer.Visible)

	b.logger.Info("batch edit applied",
		"id", req.LayerID,
		"field", field.Name,
		"value", domain.FormatFieldValue(value),
		"requested", report.Requested,
		"updated", report.Updated,
		"verified", report.Verified,
	)
	return report, nil
}

// redraw asks the view to repaint, or toggles a visible layer off and on
// when the view cannot be asked directly.
func (b *BatchEditor) redraw(native output.NativeLayer, visible bool) {
	if r, ok := b.view.(output.Renderer); ok {
		r.RequestRender()
		return
	}
	if visible {
		native.SetVisible(false)
		native.SetVisible(true)
	}
}
