// Package application contains the application services.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jobrunner/shapeview/internal/domain"
	"github.com/jobrunner/shapeview/internal/ports/output"
)

// NewLayer describes a layer to register.
type NewLayer struct {
	ID           domain.LayerID
	Name         string
	Source       string
	Native       output.NativeLayer
	Color        domain.Color
	Fields       []domain.Field
	GeometryKind domain.GeometryKind
	FeatureCount int
	Extent       *domain.Extent
	Visible      bool
}

// highlightSlot owns at most one highlight handle.
type highlightSlot struct {
	handle output.HighlightHandle
}

// replace releases the held handle and stores h, which may be nil.
func (s *highlightSlot) replace(h output.HighlightHandle) {
	if s.handle != nil {
		s.handle.Remove()
	}
	s.handle = h
}

func (s *highlightSlot) release() {
	s.replace(nil)
}

func (s *highlightSlot) live() bool {
	return s.handle != nil
}

type layerEntry struct {
	id           domain.LayerID
	name         string
	source       string
	native       output.NativeLayer
	view         output.LayerView
	visible      bool
	selected     []domain.ObjectID
	highlight    highlightSlot
	seq          uint64
	extent       *domain.Extent
	color        domain.Color
	fields       []domain.Field
	geometryKind domain.GeometryKind
	featureCount int
	loadedAt     time.Time
}

func (e *layerEntry) snapshot() domain.Layer {
	l := domain.Layer{
		ID:           e.id,
		Name:         e.name,
		Source:       e.source,
		Visible:      e.visible,
		Ready:        e.view != nil,
		Selected:     append([]domain.ObjectID(nil), e.selected...),
		Color:        e.color,
		Fields:       append([]domain.Field(nil), e.fields...),
		GeometryKind: e.geometryKind,
		FeatureCount: e.featureCount,
		LoadedAt:     e.loadedAt,
	}
	if e.extent != nil {
		ext := *e.extent
		l.Extent = &ext
	}
	return l
}

// ticket identifies one selection request for one entry. Results carrying a
// stale ticket are discarded.
type ticket struct {
	id  domain.LayerID
	seq uint64
}

// selectionTarget is an entry taking part in an extent selection.
type selectionTarget struct {
	ticket
	name string
	view output.LayerView
}

// LayerRegistry holds the loaded layers of a session in load order. It is the
// only writer of layer state and computes the global selection count.
type LayerRegistry struct {
	mu      sync.RWMutex
	entries []*layerEntry
	nextID  domain.LayerID
	view    output.SpatialView
	metrics output.MetricsCollector
	logger  *slog.Logger
}

// NewLayerRegistry creates a new layer registry.
func NewLayerRegistry(view output.SpatialView, metrics output.MetricsCollector, logger *slog.Logger) *LayerRegistry {
	return &LayerRegistry{
		view:    view,
		metrics: metrics,
		logger:  logger,
	}
}

// ReserveID returns the next layer ID. IDs start at 1 and are never reused.
func (r *LayerRegistry) ReserveID() domain.LayerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

// Add registers a layer. The layer is not ready until AttachView is called.
func (r *LayerRegistry) Add(nl NewLayer) (domain.Layer, error) {
	r.mu.Lock()
	if r.indexByName(nl.Name) >= 0 {
		r.mu.Unlock()
		return domain.Layer{}, fmt.Errorf("layer %q: %w", nl.Name, domain.ErrDuplicateLayerName)
	}
	e := &layerEntry{
		id:           nl.ID,
		name:         nl.Name,
		source:       nl.Source,
		native:       nl.Native,
		visible:      nl.Visible,
		extent:       nl.Extent,
		color:        nl.Color,
		fields:       nl.Fields,
		geometryKind: nl.GeometryKind,
		featureCount: nl.FeatureCount,
		loadedAt:     time.Now(),
	}
	r.entries = append(r.entries, e)
	snap := e.snapshot()
	r.mu.Unlock()

	r.updateMetrics()
	return snap, nil
}

// AttachView marks a layer ready. It returns false if the layer was removed
// in the meantime.
func (r *LayerRegistry) AttachView(id domain.LayerID, lv output.LayerView) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.find(id)
	if e == nil {
		return false
	}
	e.view = lv
	return true
}

// SetExtent records the full extent of a layer.
func (r *LayerRegistry) SetExtent(id domain.LayerID, ext *domain.Extent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.find(id); e != nil {
		e.extent = ext
	}
}

// Remove unregisters a layer, releases its highlight and drops its native
// layer from the view. emptied reports whether the registry is now empty.
func (r *LayerRegistry) Remove(ctx context.Context, id domain.LayerID) (emptied bool, err error) {
	r.mu.Lock()
	idx := r.indexOf(id)
	if idx < 0 {
		r.mu.Unlock()
		return false, fmt.Errorf("layer %d: %w", id, domain.ErrLayerNotFound)
	}
	e := r.entries[idx]
	r.entries = append(r.entries[:idx], r.entries[idx+1:]...)
	e.seq++
	e.highlight.release()
	e.selected = nil
	emptied = len(r.entries) == 0
	r.mu.Unlock()

	r.updateMetrics()
	r.logger.Info("layer removed", "id", id, "name", e.name)

	if err := r.view.RemoveLayer(ctx, e.native); err != nil {
		return emptied, &domain.ExternalCallError{Operation: "remove layer", LayerID: id, Err: err}
	}
	return emptied, nil
}

// ToggleVisibility flips a layer's visibility. Hiding a layer empties its
// selection and discards selection results still in flight.
func (r *LayerRegistry) ToggleVisibility(id domain.LayerID) (domain.Layer, error) {
	r.mu.Lock()
	e := r.find(id)
	if e == nil {
		r.mu.Unlock()
		return domain.Layer{}, fmt.Errorf("layer %d: %w", id, domain.ErrLayerNotFound)
	}
	e.visible = !e.visible
	e.native.SetVisible(e.visible)
	if !e.visible {
		e.seq++
		e.selected = nil
		e.highlight.release()
	}
	snap := e.snapshot()
	r.mu.Unlock()

	r.updateMetrics()
	return snap, nil
}

// Clear removes every layer. Removal errors are collected; the ID counter is
// not reset.
func (r *LayerRegistry) Clear(ctx context.Context) error {
	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	for _, e := range entries {
		e.seq++
		e.highlight.release()
		e.selected = nil
	}
	r.mu.Unlock()

	r.updateMetrics()

	var errs []error
	for _, e := range entries {
		if err := r.view.RemoveLayer(ctx, e.native); err != nil {
			r.logger.Warn("failed to remove layer from view", "id", e.id, "error", err)
			errs = append(errs, &domain.ExternalCallError{Operation: "remove layer", LayerID: e.id, Err: err})
		}
	}
	r.logger.Info("layers cleared", "count", len(entries))
	return errors.Join(errs...)
}

// DeselectAll empties every selection and returns the number of features
// that were selected.
func (r *LayerRegistry) DeselectAll() int {
	r.mu.Lock()
	total := 0
	for _, e := range r.entries {
		total += len(e.selected)
		e.seq++
		e.selected = nil
		e.highlight.release()
	}
	r.mu.Unlock()

	r.updateMetrics()
	return total
}

// TotalSelected returns the global selection count.
func (r *LayerRegistry) TotalSelected() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalLocked()
}

func (r *LayerRegistry) totalLocked() int {
	total := 0
	for _, e := range r.entries {
		total += len(e.selected)
	}
	return total
}

// UnionExtent returns the union of the layer extents, nil if no layer
// qualifies.
func (r *LayerRegistry) UnionExtent(onlyVisible bool) *domain.Extent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var union *domain.Extent
	for _, e := range r.entries {
		if e.extent == nil || (onlyVisible && !e.visible) {
			continue
		}
		if union == nil {
			ext := *e.extent
			union = &ext
			continue
		}
		u := union.Union(*e.extent)
		union = &u
	}
	return union
}

// List returns snapshots of all layers in load order.
func (r *LayerRegistry) List() []domain.Layer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	layers := make([]domain.Layer, len(r.entries))
	for i, e := range r.entries {
		layers[i] = e.snapshot()
	}
	return layers
}

// Get returns a snapshot of a layer.
func (r *LayerRegistry) Get(id domain.LayerID) (domain.Layer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e := r.find(id)
	if e == nil {
		return domain.Layer{}, fmt.Errorf("layer %d: %w", id, domain.ErrLayerNotFound)
	}
	return e.snapshot(), nil
}

// HasName returns true if a layer with the given name is loaded.
func (r *LayerRegistry) HasName(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indexByName(name) >= 0
}

// IDByName returns the ID of the layer with the given name.
func (r *LayerRegistry) IDByName(name string) (domain.LayerID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx := r.indexByName(name); idx >= 0 {
		return r.entries[idx].id, true
	}
	return 0, false
}

// Count returns the number of loaded layers.
func (r *LayerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// native returns a layer snapshot together with its native layer.
func (r *LayerRegistry) native(id domain.LayerID) (domain.Layer, output.NativeLayer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e := r.find(id)
	if e == nil {
		return domain.Layer{}, nil, fmt.Errorf("layer %d: %w", id, domain.ErrLayerNotFound)
	}
	return e.snapshot(), e.native, nil
}

// liveHighlights returns the number of entries holding a highlight.
func (r *LayerRegistry) liveHighlights() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.entries {
		if e.highlight.live() {
			n++
		}
	}
	return n
}

// beginExtentSelection starts a new selection request on every entry.
// Entries that are hidden or not ready are emptied right away and reported
// in skipped; the others are returned as targets.
func (r *LayerRegistry) beginExtentSelection() (targets []selectionTarget, skipped []domain.LayerSelection) {
	r.mu.Lock()
	for _, e := range r.entries {
		e.seq++
		if !e.visible || e.view == nil {
			e.selected = nil
			e.highlight.release()
			skipped = append(skipped, domain.LayerSelection{LayerID: e.id, Name: e.name})
			continue
		}
		targets = append(targets, selectionTarget{
			ticket: ticket{id: e.id, seq: e.seq},
			name:   e.name,
			view:   e.view,
		})
	}
	r.mu.Unlock()

	if len(skipped) > 0 {
		r.updateMetrics()
	}
	return targets, skipped
}

// commit replaces an entry's selection with ids and highlights features. It
// returns false without touching state if the ticket is stale.
func (r *LayerRegistry) commit(t ticket, ids []domain.ObjectID, features []domain.Feature) bool {
	r.mu.Lock()
	e := r.find(t.id)
	if e == nil || e.seq != t.seq {
		r.mu.Unlock()
		return false
	}
	e.selected = ids
	if len(features) > 0 {
		e.highlight.replace(e.view.Highlight(features))
	} else {
		e.highlight.release()
	}
	r.mu.Unlock()

	r.updateMetrics()
	return true
}

// resolve maps a native layer to the visible, ready entry owning it.
func (r *LayerRegistry) resolve(nl output.NativeLayer) (domain.LayerID, bool) {
	if nl == nil {
		return 0, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if e.native.ID() == nl.ID() && e.visible && e.view != nil {
			return e.id, true
		}
	}
	return 0, false
}

// toggleResult is the outcome of a point toggle.
type toggleResult struct {
	ticket    ticket
	view      output.LayerView
	ids       []domain.ObjectID
	selection domain.LayerSelection
}

// toggle adds oid to an entry's selection or removes it if present, and
// releases the entry's highlight. The returned ticket guards the highlight
// that follows.
func (r *LayerRegistry) toggle(id domain.LayerID, oid domain.ObjectID) (toggleResult, error) {
	r.mu.Lock()
	e := r.find(id)
	if e == nil {
		r.mu.Unlock()
		return toggleResult{}, fmt.Errorf("layer %d: %w", id, domain.ErrLayerNotFound)
	}

	next := make([]domain.ObjectID, 0, len(e.selected)+1)
	found := false
	for _, s := range e.selected {
		if s == oid {
			found = true
			continue
		}
		next = append(next, s)
	}
	if !found {
		next = append(next, oid)
	}
	e.selected = next
	e.seq++
	e.highlight.release()

	res := toggleResult{
		ticket:    ticket{id: e.id, seq: e.seq},
		view:      e.view,
		ids:       append([]domain.ObjectID(nil), next...),
		selection: domain.LayerSelection{LayerID: e.id, Name: e.name, Count: len(next)},
	}
	r.mu.Unlock()

	r.updateMetrics()
	return res, nil
}

// commitHighlight highlights features for a toggle unless the ticket is stale.
func (r *LayerRegistry) commitHighlight(t ticket, features []domain.Feature) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.find(t.id)
	if e == nil || e.seq != t.seq || len(features) == 0 {
		return false
	}
	e.highlight.replace(e.view.Highlight(features))
	return true
}

func (r *LayerRegistry) find(id domain.LayerID) *layerEntry {
	if idx := r.indexOf(id); idx >= 0 {
		return r.entries[idx]
	}
	return nil
}

func (r *LayerRegistry) indexOf(id domain.LayerID) int {
	for i, e := range r.entries {
		if e.id == id {
			return i
		}
	}
	return -1
}

func (r *LayerRegistry) indexByName(name string) int {
	for i, e := range r.entries {
		if e.name == name {
			return i
		}
	}
	return -1
}

// updateMetrics updates the metrics collector with current layer counts.
func (r *LayerRegistry) updateMetrics() {
	r.mu.RLock()
	count := len(r.entries)
	total := r.totalLocked()
	r.mu.RUnlock()

	r.metrics.SetLayersLoaded(count)
	r.metrics.SetSelectedFeatures(total)
}
