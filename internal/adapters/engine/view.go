package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/jobrunner/shapeview/internal/adapters/geometry"
	"github.com/jobrunner/shapeview/internal/domain"
	"github.com/jobrunner/shapeview/internal/ports/output"
)

// Web Mercator ground resolution at zoom 0, meters per pixel.
const baseResolution = 156543.03392804097

// Zoom limits of the view.
const (
	MinZoom = 0
	MaxZoom = 24
)

// pointZoom is used when fitting an extent that has no area.
const pointZoom = 16

// ViewConfig configures a View.
type ViewConfig struct {
	Width          int // Viewport width in pixels
	Height         int // Viewport height in pixels
	Center         domain.Coordinate
	Zoom           float64
	HitTolerancePx float64 // Hit test radius in pixels
}

// View is an in-process SpatialView. Layers are drawn in the order they were
// added; the last added layer is on top.
type View struct {
	store       *Store
	reprojector *geometry.Reprojector

	mu        sync.RWMutex
	width     float64
	height    float64
	center    domain.Coordinate // Web Mercator
	zoom      float64
	tolerance float64
	layers    []*Layer
	seq       int64
	overlays  map[int64]*overlay

	hmu        sync.Mutex
	highlights map[string]map[int64][]domain.ObjectID
	hseq       int64

	renders atomic.Int64
}

// NewView creates a view over the given store.
func NewView(cfg ViewConfig, store *Store) *View {
	v := &View{
		store:       store,
		reprojector: geometry.NewReprojector(),
		width:       float64(cfg.Width),
		height:      float64(cfg.Height),
		tolerance:   cfg.HitTolerancePx,
		overlays:    make(map[int64]*overlay),
		highlights:  make(map[string]map[int64][]domain.ObjectID),
	}
	v.center = geometry.PointToMercator(cfg.Center)
	v.zoom = clampZoom(cfg.Zoom)
	return v
}

// resolution returns meters per pixel. Callers hold v.mu.
func (v *View) resolution() float64 {
	return baseResolution / math.Pow(2, v.zoom)
}

// ScreenToMap converts pixel coordinates (origin top-left) to Web Mercator.
func (v *View) ScreenToMap(p domain.ScreenPoint) (domain.Coordinate, bool) {
	if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
		return domain.Coordinate{}, false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()

	res := v.resolution()
	x := v.center.X + (p.X-v.width/2)*res
	y := v.center.Y - (p.Y-v.height/2)*res
	return domain.NewCoordinate(x, y, domain.SRIDWebMercator), true
}

// MapToScreen converts a Web Mercator coordinate to pixel coordinates.
func (v *View) MapToScreen(c domain.Coordinate) domain.ScreenPoint {
	c = geometry.PointToMercator(c)

	v.mu.RLock()
	defer v.mu.RUnlock()

	res := v.resolution()
	return domain.ScreenPoint{
		X: (c.X-v.center.X)/res + v.width/2,
		Y: (v.center.Y-c.Y)/res + v.height/2,
	}
}

// AddLayer stores the features of src and adds a layer on top of the view.
func (v *View) AddLayer(ctx context.Context, src output.LayerSource) (output.NativeLayer, error) {
	features := make([]domain.Feature, 0, len(src.Features))
	for _, f := range src.Features {
		if f.Geometry == nil {
			continue
		}
		g, err := v.reprojector.ToMercator(f.Geometry)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", f.OID, err)
		}
		f.Geometry = g
		features = append(features, f)
	}

	v.mu.Lock()
	v.seq++
	id := fmt.Sprintf("layer-%d", v.seq)
	v.mu.Unlock()

	if err := v.store.insert(ctx, id, features); err != nil {
		return nil, fmt.Errorf("storing layer %s: %w", src.Name, err)
	}

	l := &Layer{
		id:     id,
		name:   src.Name,
		fields: src.Fields,
		kind:   src.GeometryKind,
		color:  src.Color,
		view:   v,
	}
	l.visible.Store(src.Visible)

	v.mu.Lock()
	v.layers = append(v.layers, l)
	v.mu.Unlock()

	v.RequestRender()
	return l, nil
}

// RemoveLayer drops a layer, its features and its highlights.
func (v *View) RemoveLayer(ctx context.Context, nl output.NativeLayer) error {
	v.mu.Lock()
	idx := v.indexOf(nl.ID())
	if idx < 0 {
		v.mu.Unlock()
		return fmt.Errorf("engine layer %s: %w", nl.ID(), domain.ErrNotFound)
	}
	v.layers = append(v.layers[:idx], v.layers[idx+1:]...)
	v.mu.Unlock()

	v.hmu.Lock()
	delete(v.highlights, nl.ID())
	v.hmu.Unlock()

	if err := v.store.deleteLayer(ctx, nl.ID()); err != nil {
		return fmt.Errorf("deleting layer %s: %w", nl.ID(), err)
	}
	v.RequestRender()
	return nil
}

// indexOf returns the draw index of a layer or -1. Callers hold v.mu.
func (v *View) indexOf(id string) int {
	for i, l := range v.layers {
		if l.id == id {
			return i
		}
	}
	return -1
}

// WhenLayerReady returns the layer view. Layers of this engine are ready as
// soon as AddLayer returns.
func (v *View) WhenLayerReady(ctx context.Context, nl output.NativeLayer) (output.LayerView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()

	idx := v.indexOf(nl.ID())
	if idx < 0 {
		return nil, fmt.Errorf("engine layer %s: %w", nl.ID(), domain.ErrNotFound)
	}
	return &layerView{layer: v.layers[idx]}, nil
}

// HitTest returns the features of visible layers within the hit tolerance of
// p. Layers are ordered top-most first; within a layer the highest object id
// wins.
func (v *View) HitTest(ctx context.Context, p domain.ScreenPoint) ([]output.Hit, error) {
	c, ok := v.ScreenToMap(p)
	if !ok {
		return nil, nil
	}

	v.mu.RLock()
	tol := math.Max(v.tolerance, 0) * v.resolution()
	layers := make([]*Layer, 0, len(v.layers))
	for i := len(v.layers) - 1; i >= 0; i-- {
		if v.layers[i].visible.Load() {
			layers = append(layers, v.layers[i])
		}
	}
	v.mu.RUnlock()

	pt := orb.Point{c.X, c.Y}
	box := &domain.Extent{MinX: c.X - tol, MinY: c.Y - tol, MaxX: c.X + tol, MaxY: c.Y + tol, SRID: domain.SRIDWebMercator}

	var hits []output.Hit
	for _, l := range layers {
		rows, err := v.store.query(ctx, l.id, box, nil, true)
		if err != nil {
			return nil, fmt.Errorf("hit test on %s: %w", l.id, err)
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].oid > rows[j].oid })
		for _, row := range rows {
			if !hitsPoint(row.geometry, pt, tol) {
				continue
			}
			hits = append(hits, output.Hit{Layer: l, Feature: l.toFeature(row, true, nil)})
		}
	}
	return hits, nil
}

func hitsPoint(g *domain.Geometry, pt orb.Point, tol float64) bool {
	og := geometry.ToInterchange(g)
	if og == nil {
		return false
	}
	if poly, ok := og.(orb.Polygon); ok && ringsContain(poly, pt) {
		return true
	}
	return planar.DistanceFrom(og, pt) <= tol
}

// GoTo centers the view on ext and picks the largest zoom that fits it within
// the viewport minus padding.
func (v *View) GoTo(ctx context.Context, ext domain.Extent, paddingPx int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ext.IsValid() {
		return fmt.Errorf("go to %v: %w", ext, domain.ErrInvalidInput)
	}
	if ext.SRID != domain.SRIDWebMercator {
		lo := geometry.PointToMercator(domain.NewWGS84Coordinate(ext.MinX, ext.MinY))
		hi := geometry.PointToMercator(domain.NewWGS84Coordinate(ext.MaxX, ext.MaxY))
		ext = domain.ExtentFromCorners(lo, hi)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.center = ext.Center()
	v.center.SRID = domain.SRIDWebMercator

	w := v.width - 2*float64(paddingPx)
	h := v.height - 2*float64(paddingPx)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	res := math.Max(ext.Width()/w, ext.Height()/h)
	if res <= 0 {
		v.zoom = pointZoom
	} else {
		v.zoom = clampZoom(math.Log2(baseResolution / res))
	}
	v.RequestRender()
	return nil
}

// SetViewpoint moves the camera. The center may be given in WGS84 or Web
// Mercator.
func (v *View) SetViewpoint(ctx context.Context, vp domain.Viewpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := vp.Center.Validate(); err != nil {
		return err
	}

	v.mu.Lock()
	v.center = geometry.PointToMercator(vp.Center)
	v.zoom = clampZoom(vp.Zoom)
	v.mu.Unlock()

	v.RequestRender()
	return nil
}

// Viewpoint returns the camera with its center in WGS84.
func (v *View) Viewpoint() domain.Viewpoint {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return domain.Viewpoint{Center: geometry.PointToGeographic(v.center), Zoom: v.zoom}
}

// VisibleExtent returns the map area covered by the viewport.
func (v *View) VisibleExtent() domain.Extent {
	lo, _ := v.ScreenToMap(domain.ScreenPoint{X: 0, Y: 0})
	v.mu.RLock()
	w, h := v.width, v.height
	v.mu.RUnlock()
	hi, _ := v.ScreenToMap(domain.ScreenPoint{X: w, Y: h})
	return domain.ExtentFromCorners(lo, hi)
}

// RequestRender schedules a redraw.
func (v *View) RequestRender() {
	v.renders.Add(1)
}

// RenderCount returns the number of redraws requested so far.
func (v *View) RenderCount() int64 {
	return v.renders.Load()
}

// LiveHighlights returns the number of highlight handles held on a layer.
func (v *View) LiveHighlights(layerID string) int {
	v.hmu.Lock()
	defer v.hmu.Unlock()
	return len(v.highlights[layerID])
}

// HighlightedIDs returns the object ids highlighted on a layer.
func (v *View) HighlightedIDs(layerID string) []domain.ObjectID {
	v.hmu.Lock()
	defer v.hmu.Unlock()

	var ids []domain.ObjectID
	for _, h := range v.highlights[layerID] {
		ids = append(ids, h...)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (v *View) highlight(layerID string, ids []domain.ObjectID) *highlightHandle {
	v.hmu.Lock()
	defer v.hmu.Unlock()

	v.hseq++
	if v.highlights[layerID] == nil {
		v.highlights[layerID] = make(map[int64][]domain.ObjectID)
	}
	v.highlights[layerID][v.hseq] = ids
	return &highlightHandle{view: v, layerID: layerID, id: v.hseq}
}

func (v *View) unhighlight(layerID string, id int64) {
	v.hmu.Lock()
	defer v.hmu.Unlock()

	delete(v.highlights[layerID], id)
	if len(v.highlights[layerID]) == 0 {
		delete(v.highlights, layerID)
	}
}

// DrawRectangle adds a rectangle overlay.
func (v *View) DrawRectangle(ext domain.Extent) output.Overlay {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.seq++
	o := &overlay{view: v, id: v.seq, ext: ext}
	v.overlays[o.id] = o
	return o
}

// Overlays returns the extents of all overlays currently drawn.
func (v *View) Overlays() []domain.Extent {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]domain.Extent, 0, len(v.overlays))
	for _, o := range v.overlays {
		out = append(out, o.ext)
	}
	return out
}

type overlay struct {
	view *View
	id   int64
	ext  domain.Extent
}

// Update moves the rectangle. Updates after Remove are ignored.
func (o *overlay) Update(ext domain.Extent) {
	o.view.mu.Lock()
	defer o.view.mu.Unlock()
	if _, ok := o.view.overlays[o.id]; ok {
		o.ext = ext
	}
}

// Remove deletes the rectangle from the view.
func (o *overlay) Remove() {
	o.view.mu.Lock()
	defer o.view.mu.Unlock()
	delete(o.view.overlays, o.id)
}

type highlightHandle struct {
	view    *View
	layerID string
	id      int64
	once    sync.Once
}

// Remove releases the highlight. Calling it again has no effect.
func (h *highlightHandle) Remove() {
	h.once.Do(func() { h.view.unhighlight(h.layerID, h.id) })
}

func clampZoom(z float64) float64 {
	return math.Min(math.Max(z, MinZoom), MaxZoom)
}

// Compile-time interface checks.
var (
	_ output.SpatialView = (*View)(nil)
	_ output.Renderer    = (*View)(nil)
)
