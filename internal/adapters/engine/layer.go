package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/planar"

	"github.com/jobrunner/shapeview/internal/adapters/geometry"
	"github.com/jobrunner/shapeview/internal/domain"
	"github.com/jobrunner/shapeview/internal/ports/output"
)

// Layer is a feature layer of a View.
type Layer struct {
	id      string
	name    string
	fields  []domain.Field
	kind    domain.GeometryKind
	color   domain.Color
	visible atomic.Bool
	view    *View
}

// ID returns the engine identifier of the layer.
func (l *Layer) ID() string { return l.id }

// Name returns the layer title.
func (l *Layer) Name() string { return l.name }

// Visible reports whether the layer is drawn and hit-testable.
func (l *Layer) Visible() bool { return l.visible.Load() }

// SetVisible shows or hides the layer.
func (l *Layer) SetVisible(visible bool) {
	if l.visible.Swap(visible) != visible {
		l.view.RequestRender()
	}
}

// QueryExtent returns the extent of all features in Web Mercator.
func (l *Layer) QueryExtent(ctx context.Context) (*domain.Extent, error) {
	ext, err := l.view.store.extent(ctx, l.id)
	if err != nil {
		return nil, fmt.Errorf("query extent of %s: %w", l.id, err)
	}
	return ext, nil
}

// QueryFeatures returns the features matching q ordered by object id.
func (l *Layer) QueryFeatures(ctx context.Context, q output.FeatureQuery) ([]domain.Feature, error) {
	var bbox *domain.Extent
	if q.Extent != nil {
		ext := *q.Extent
		if ext.SRID == domain.SRIDWGS84 {
			lo := geometry.PointToMercator(domain.NewWGS84Coordinate(ext.MinX, ext.MinY))
			hi := geometry.PointToMercator(domain.NewWGS84Coordinate(ext.MaxX, ext.MaxY))
			ext = domain.ExtentFromCorners(lo, hi)
		}
		bbox = &ext
	}

	rows, err := l.view.store.query(ctx, l.id, bbox, q.ObjectIDs, q.ReturnGeometry)
	if err != nil {
		return nil, fmt.Errorf("query features of %s: %w", l.id, err)
	}

	out := make([]domain.Feature, 0, len(rows))
	for _, row := range rows {
		if bbox != nil && !intersects(row.geometry, *bbox) {
			continue
		}
		out = append(out, l.toFeature(row, q.ReturnGeometry, q.OutFields))
	}
	return out, nil
}

// ApplyEdits merges attribute updates feature by feature. Unknown features
// and fields fail individually.
func (l *Layer) ApplyEdits(ctx context.Context, updates []output.AttributeUpdate) ([]output.EditResult, error) {
	results := make([]output.EditResult, 0, len(updates))
	for _, u := range updates {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := output.EditResult{OID: u.OID}
		if err := l.validateUpdate(u); err != nil {
			res.Err = err
			results = append(results, res)
			continue
		}
		ok, err := l.view.store.updateAttributes(ctx, l.id, u.OID, u.Attributes)
		switch {
		case err != nil:
			res.Err = err
		case !ok:
			res.Err = fmt.Errorf("feature %d: %w", u.OID, domain.ErrNotFound)
		default:
			res.Success = true
		}
		results = append(results, res)
	}
	return results, nil
}

func (l *Layer) validateUpdate(u output.AttributeUpdate) error {
	for name := range u.Attributes {
		f, ok := l.field(name)
		if !ok {
			return fmt.Errorf("field %q: %w", name, domain.ErrFieldNotFound)
		}
		if f.Type == domain.FieldOID {
			return fmt.Errorf("field %q is read-only: %w", name, domain.ErrInvalidValue)
		}
	}
	return nil
}

func (l *Layer) field(name string) (domain.Field, bool) {
	for _, f := range l.fields {
		if f.Name == name {
			return f, true
		}
	}
	return domain.Field{}, false
}

// toFeature types stored attributes by the layer's fields. Dates come back
// from the store as strings.
func (l *Layer) toFeature(row storedFeature, withGeometry bool, outFields []string) domain.Feature {
	attrs := make(map[string]interface{}, len(row.attributes))
	for k, v := range row.attributes {
		if f, ok := l.field(k); ok && f.Type == domain.FieldDate {
			if s, ok := v.(string); ok {
				if t, err := domain.ParseFieldValue(f, s); err == nil {
					v = t.Native()
				}
			}
		}
		attrs[k] = v
	}
	if len(outFields) > 0 {
		filtered := make(map[string]interface{}, len(outFields))
		for _, name := range outFields {
			if v, ok := attrs[name]; ok {
				filtered[name] = v
			}
		}
		attrs = filtered
	}

	f := domain.Feature{OID: row.oid, Attributes: attrs}
	if withGeometry {
		f.Geometry = row.geometry
	}
	return f
}

// intersects tests a geometry against a rectangle exactly.
func intersects(g *domain.Geometry, ext domain.Extent) bool {
	if g == nil {
		return false
	}
	og := geometry.ToInterchange(g)
	if og == nil {
		return false
	}
	bound := orb.Bound{Min: orb.Point{ext.MinX, ext.MinY}, Max: orb.Point{ext.MaxX, ext.MaxY}}
	if !bound.Intersects(og.Bound()) {
		return false
	}
	if p, ok := og.(orb.Point); ok {
		return bound.Contains(p)
	}
	if ext.IsEmpty() {
		return hitsPoint(g, bound.Center(), 0)
	}
	if poly, ok := og.(orb.Polygon); ok {
		return polygonIntersects(poly, bound)
	}
	// clip.Geometry modifies its input and returns nil when nothing is left.
	return clip.Geometry(bound, orb.Clone(og)) != nil
}

// polygonIntersects tests every ring on its own. A polygon flattened from a
// multi-part geometry holds several outer rings, which clip and planar would
// read as holes of the first one.
func polygonIntersects(p orb.Polygon, b orb.Bound) bool {
	for _, r := range p {
		if clip.LineString(b, orb.LineString(r)) != nil {
			return true
		}
	}
	// No ring edge reaches the box, so the box is either fully inside the
	// area or fully outside it.
	return ringsContain(p, b.Center())
}

// ringsContain reports whether pt lies inside an odd number of rings.
func ringsContain(p orb.Polygon, pt orb.Point) bool {
	n := 0
	for _, r := range p {
		if len(r) > 2 && planar.RingContains(r, pt) {
			n++
		}
	}
	return n%2 == 1
}

type layerView struct {
	layer *Layer
}

func (lv *layerView) QueryFeatures(ctx context.Context, q output.FeatureQuery) ([]domain.Feature, error) {
	return lv.layer.QueryFeatures(ctx, q)
}

// Highlight records the object ids of features as highlighted.
func (lv *layerView) Highlight(features []domain.Feature) output.HighlightHandle {
	ids := make([]domain.ObjectID, len(features))
	for i, f := range features {
		ids[i] = f.OID
	}
	h := lv.layer.view.highlight(lv.layer.id, ids)
	lv.layer.view.RequestRender()
	return h
}

var (
	_ output.NativeLayer = (*Layer)(nil)
	_ output.LayerView   = (*layerView)(nil)
)
