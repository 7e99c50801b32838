package engine

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/jobrunner/shapeview/internal/adapters/geometry"
	"github.com/jobrunner/shapeview/internal/domain"
	"github.com/jobrunner/shapeview/internal/ports/output"
)

func newTestView(t *testing.T) *View {
	t.Helper()
	store, err := OpenStore(context.Background())
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return NewView(ViewConfig{
		Width:          800,
		Height:         600,
		Center:         domain.NewWGS84Coordinate(0, 0),
		Zoom:           5,
		HitTolerancePx: 3,
	}, store)
}

func square(oid domain.ObjectID, minX, minY, maxX, maxY float64, name string) domain.Feature {
	return domain.Feature{
		OID: oid,
		Geometry: &domain.Geometry{
			Kind: domain.KindPolygon,
			Rings: [][]domain.Point{{
				{X: minX, Y: minY}, {X: maxX, Y: minY}, {X: maxX, Y: maxY}, {X: minX, Y: maxY}, {X: minX, Y: minY},
			}},
			WKID: domain.SRIDWGS84,
		},
		Attributes: map[string]interface{}{domain.ObjectIDField: float64(oid), "NAME": name},
	}
}

var testFields = []domain.Field{
	{Name: domain.ObjectIDField, Type: domain.FieldOID},
	{Name: "NAME", Type: domain.FieldString},
	{Name: "SURVEYED", Type: domain.FieldDate},
}

func addLayer(t *testing.T, v *View, name string, features ...domain.Feature) output.NativeLayer {
	t.Helper()
	nl, err := v.AddLayer(context.Background(), output.LayerSource{
		Name:         name,
		Features:     features,
		Fields:       testFields,
		GeometryKind: domain.KindPolygon,
		Visible:      true,
	})
	if err != nil {
		t.Fatalf("AddLayer(%s) error = %v", name, err)
	}
	return nl
}

func near(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestViewScreenToMap(t *testing.T) {
	v := newTestView(t)
	res := baseResolution / 32

	tests := []struct {
		name  string
		p     domain.ScreenPoint
		wantX float64
		wantY float64
	}{
		{"center", domain.ScreenPoint{X: 400, Y: 300}, 0, 0},
		{"right", domain.ScreenPoint{X: 500, Y: 300}, 100 * res, 0},
		{"up", domain.ScreenPoint{X: 400, Y: 200}, 0, 100 * res},
		{"top left", domain.ScreenPoint{X: 0, Y: 0}, -400 * res, 300 * res},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := v.ScreenToMap(tt.p)
			if !ok {
				t.Fatal("ScreenToMap() returned false")
			}
			if c.SRID != domain.SRIDWebMercator {
				t.Errorf("SRID = %d, want %d", c.SRID, domain.SRIDWebMercator)
			}
			if !near(c.X, tt.wantX, 1e-6) || !near(c.Y, tt.wantY, 1e-6) {
				t.Errorf("ScreenToMap() = (%f, %f), want (%f, %f)", c.X, c.Y, tt.wantX, tt.wantY)
			}
			back := v.MapToScreen(c)
			if !near(back.X, tt.p.X, 1e-6) || !near(back.Y, tt.p.Y, 1e-6) {
				t.Errorf("MapToScreen() = %+v, want %+v", back, tt.p)
			}
		})
	}

	if _, ok := v.ScreenToMap(domain.ScreenPoint{X: math.NaN(), Y: 0}); ok {
		t.Error("ScreenToMap(NaN) should fail")
	}
}

func TestLayerQueryFeatures(t *testing.T) {
	v := newTestView(t)
	ctx := context.Background()

	triangle := domain.Feature{
		OID: 0,
		Geometry: &domain.Geometry{
			Kind:  domain.KindPolygon,
			Rings: [][]domain.Point{{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 0, Y: 10}, {X: 0, Y: 0}}},
			WKID:  domain.SRIDWGS84,
		},
		Attributes: map[string]interface{}{domain.ObjectIDField: 0.0, "NAME": "triangle"},
	}
	point := domain.Feature{
		OID:        2,
		Geometry:   domain.NewPoint(1.5, 1.5, domain.SRIDWGS84),
		Attributes: map[string]interface{}{domain.ObjectIDField: 2.0, "NAME": "point"},
	}
	nl := addLayer(t, v, "parcels", triangle, square(1, 20, 20, 21, 21, "far"), point)

	tests := []struct {
		name    string
		query   output.FeatureQuery
		wantIDs []domain.ObjectID
	}{
		{"all", output.FeatureQuery{}, []domain.ObjectID{0, 1, 2}},
		{
			"inside triangle",
			output.FeatureQuery{Extent: &domain.Extent{MinX: 1, MinY: 1, MaxX: 2, MaxY: 2, SRID: domain.SRIDWGS84}},
			[]domain.ObjectID{0, 2},
		},
		{
			"bounding box only",
			output.FeatureQuery{Extent: &domain.Extent{MinX: 8, MinY: 8, MaxX: 9, MaxY: 9, SRID: domain.SRIDWGS84}},
			nil,
		},
		{"by object id", output.FeatureQuery{ObjectIDs: []domain.ObjectID{1}}, []domain.ObjectID{1}},
		{"empty object ids", output.FeatureQuery{ObjectIDs: []domain.ObjectID{}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := nl.QueryFeatures(ctx, tt.query)
			if err != nil {
				t.Fatalf("QueryFeatures() error = %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("QueryFeatures() returned %d features, want %d", len(got), len(tt.wantIDs))
			}
			for i, f := range got {
				if f.OID != tt.wantIDs[i] {
					t.Errorf("feature %d OID = %d, want %d", i, f.OID, tt.wantIDs[i])
				}
				if f.Geometry != nil {
					t.Error("geometry should not be returned")
				}
			}
		})
	}

	got, err := nl.QueryFeatures(ctx, output.FeatureQuery{
		ObjectIDs:      []domain.ObjectID{1},
		ReturnGeometry: true,
		OutFields:      []string{"NAME"},
	})
	if err != nil || len(got) != 1 {
		t.Fatalf("QueryFeatures() = %v, %v", got, err)
	}
	if got[0].Geometry == nil || got[0].Geometry.WKID != domain.SRIDWebMercator {
		t.Errorf("Geometry = %+v, want Web Mercator polygon", got[0].Geometry)
	}
	if len(got[0].Attributes) != 1 || got[0].GetStringProperty("NAME") != "far" {
		t.Errorf("Attributes = %v, want only NAME", got[0].Attributes)
	}

	ext, err := nl.QueryExtent(ctx)
	if err != nil || ext == nil {
		t.Fatalf("QueryExtent() = %v, %v", ext, err)
	}
	if !near(ext.MinX, 0, 1) || !near(ext.MaxX, 2337709.3, 1) {
		t.Errorf("QueryExtent() = %+v", ext)
	}
}

func TestViewHitTest(t *testing.T) {
	v := newTestView(t)
	ctx := context.Background()

	bottom := addLayer(t, v, "bottom", square(0, 0, 0, 2, 2, "b"))
	top := addLayer(t, v, "top", square(0, 1, 1, 3, 3, "t"), square(1, 1, 1, 3, 3, "t2"))

	p := v.MapToScreen(domain.NewWGS84Coordinate(1.5, 1.5))
	hits, err := v.HitTest(ctx, p)
	if err != nil {
		t.Fatalf("HitTest() error = %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("HitTest() returned %d hits, want 3", len(hits))
	}
	if hits[0].Layer.ID() != top.ID() || hits[0].Feature.OID != 1 {
		t.Errorf("first hit = %s/%d, want top-most feature of %s", hits[0].Layer.ID(), hits[0].Feature.OID, top.ID())
	}
	if hits[2].Layer.ID() != bottom.ID() {
		t.Errorf("last hit layer = %s, want %s", hits[2].Layer.ID(), bottom.ID())
	}

	top.SetVisible(false)
	hits, err = v.HitTest(ctx, p)
	if err != nil {
		t.Fatalf("HitTest() error = %v", err)
	}
	if len(hits) != 1 || hits[0].Layer.ID() != bottom.ID() {
		t.Errorf("hidden layers must not be hit, got %d hits", len(hits))
	}

	hits, err = v.HitTest(ctx, v.MapToScreen(domain.NewWGS84Coordinate(-5, -5)))
	if err != nil || len(hits) != 0 {
		t.Errorf("HitTest() on empty area = %v, %v", hits, err)
	}
}

func orbSquare(minX, minY, maxX, maxY float64) orb.Polygon {
	return orb.Polygon{{{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}, {minX, minY}}}
}

func TestMultiPartPolygonSelection(t *testing.T) {
	v := newTestView(t)
	ctx := context.Background()

	islands, ok := geometry.ToNative(orb.MultiPolygon{orbSquare(0, 0, 1, 1), orbSquare(5, 5, 6, 6)})
	if !ok {
		t.Fatal("ToNative(MultiPolygon) failed")
	}
	framed := orbSquare(20, 0, 30, 10)
	framed = append(framed, orbSquare(23, 3, 27, 7)[0])
	frame, _ := geometry.ToNative(framed)

	nl := addLayer(t, v, "islands",
		domain.Feature{OID: 0, Geometry: islands, Attributes: map[string]interface{}{domain.ObjectIDField: 0.0}},
		domain.Feature{OID: 1, Geometry: frame, Attributes: map[string]interface{}{domain.ObjectIDField: 1.0}},
	)

	box := func(minX, minY, maxX, maxY float64) output.FeatureQuery {
		return output.FeatureQuery{Extent: &domain.Extent{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY, SRID: domain.SRIDWGS84}}
	}

	queries := []struct {
		name    string
		query   output.FeatureQuery
		wantIDs []domain.ObjectID
	}{
		{"inside first island", box(0.2, 0.2, 0.8, 0.8), []domain.ObjectID{0}},
		{"inside second island", box(5.2, 5.2, 5.8, 5.8), []domain.ObjectID{0}},
		{"between islands", box(2, 2, 4, 4), nil},
		{"covering second island", box(4, 4, 7, 7), []domain.ObjectID{0}},
		{"inside hole", box(24, 4, 26, 6), nil},
		{"across hole edge", box(22, 2, 24, 4), []domain.ObjectID{1}},
		{"inside frame", box(21, 1, 22, 2), []domain.ObjectID{1}},
	}

	for _, tt := range queries {
		t.Run(tt.name, func(t *testing.T) {
			got, err := nl.QueryFeatures(ctx, tt.query)
			if err != nil {
				t.Fatalf("QueryFeatures() error = %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("QueryFeatures() returned %d features, want %d", len(got), len(tt.wantIDs))
			}
			for i, f := range got {
				if f.OID != tt.wantIDs[i] {
					t.Errorf("feature %d OID = %d, want %d", i, f.OID, tt.wantIDs[i])
				}
			}
		})
	}

	clicks := []struct {
		name     string
		lon, lat float64
		wantHits int
	}{
		{"first island", 0.5, 0.5, 1},
		{"second island", 5.5, 5.5, 1},
		{"between islands", 3, 3, 0},
		{"hole", 25, 5, 0},
		{"frame", 21.5, 5, 1},
	}

	for _, tt := range clicks {
		t.Run("click "+tt.name, func(t *testing.T) {
			hits, err := v.HitTest(ctx, v.MapToScreen(domain.NewWGS84Coordinate(tt.lon, tt.lat)))
			if err != nil {
				t.Fatalf("HitTest() error = %v", err)
			}
			if len(hits) != tt.wantHits {
				t.Errorf("HitTest() returned %d hits, want %d", len(hits), tt.wantHits)
			}
		})
	}
}

func TestLayerApplyEdits(t *testing.T) {
	v := newTestView(t)
	ctx := context.Background()
	nl := addLayer(t, v, "parcels", square(0, 0, 0, 1, 1, "a"), square(1, 2, 2, 3, 3, "b"))
	day := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)

	results, err := nl.ApplyEdits(ctx, []output.AttributeUpdate{
		{OID: 0, Attributes: map[string]interface{}{"SURVEYED": day}},
		{OID: 99, Attributes: map[string]interface{}{"NAME": "x"}},
		{OID: 1, Attributes: map[string]interface{}{"MISSING": "x"}},
		{OID: 1, Attributes: map[string]interface{}{domain.ObjectIDField: 7}},
	})
	if err != nil {
		t.Fatalf("ApplyEdits() error = %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("ApplyEdits() returned %d results, want 4", len(results))
	}
	if !results[0].Success {
		t.Errorf("edit of feature 0 failed: %v", results[0].Err)
	}
	if results[1].Success || !errors.Is(results[1].Err, domain.ErrNotFound) {
		t.Errorf("edit of unknown feature = %+v", results[1])
	}
	if results[2].Success || !errors.Is(results[2].Err, domain.ErrFieldNotFound) {
		t.Errorf("edit of unknown field = %+v", results[2])
	}
	if results[3].Success {
		t.Error("object id field must be read-only")
	}

	got, err := nl.QueryFeatures(ctx, output.FeatureQuery{ObjectIDs: []domain.ObjectID{0}})
	if err != nil || len(got) != 1 {
		t.Fatalf("QueryFeatures() = %v, %v", got, err)
	}
	surveyed, ok := got[0].Attributes["SURVEYED"].(time.Time)
	if !ok || !surveyed.Equal(day) {
		t.Errorf("SURVEYED = %#v, want %v", got[0].Attributes["SURVEYED"], day)
	}
	if got[0].GetStringProperty("NAME") != "a" {
		t.Error("edit must keep other attributes")
	}
}

func TestLayerViewHighlight(t *testing.T) {
	v := newTestView(t)
	ctx := context.Background()
	nl := addLayer(t, v, "parcels", square(0, 0, 0, 1, 1, "a"), square(1, 2, 2, 3, 3, "b"))

	lv, err := v.WhenLayerReady(ctx, nl)
	if err != nil {
		t.Fatalf("WhenLayerReady() error = %v", err)
	}
	features, err := lv.QueryFeatures(ctx, output.FeatureQuery{})
	if err != nil {
		t.Fatalf("QueryFeatures() error = %v", err)
	}

	h1 := lv.Highlight(features[:1])
	h2 := lv.Highlight(features[1:])
	if got := v.LiveHighlights(nl.ID()); got != 2 {
		t.Errorf("LiveHighlights() = %d, want 2", got)
	}

	h1.Remove()
	h1.Remove()
	if got := v.LiveHighlights(nl.ID()); got != 1 {
		t.Errorf("LiveHighlights() after double remove = %d, want 1", got)
	}
	if ids := v.HighlightedIDs(nl.ID()); len(ids) != 1 || ids[0] != 1 {
		t.Errorf("HighlightedIDs() = %v, want [1]", ids)
	}

	h2.Remove()
	if got := v.LiveHighlights(nl.ID()); got != 0 {
		t.Errorf("LiveHighlights() = %d, want 0", got)
	}
}

func TestViewGoTo(t *testing.T) {
	v := newTestView(t)
	ctx := context.Background()
	ext := domain.Extent{MinX: 10, MinY: 10, MaxX: 20, MaxY: 15, SRID: domain.SRIDWGS84}

	if err := v.GoTo(ctx, ext, 20); err != nil {
		t.Fatalf("GoTo() error = %v", err)
	}

	lo := v.MapToScreen(domain.NewWGS84Coordinate(10, 10))
	hi := v.MapToScreen(domain.NewWGS84Coordinate(20, 15))
	for _, p := range []domain.ScreenPoint{lo, hi} {
		if p.X < 19.5 || p.X > 780.5 || p.Y < 19.5 || p.Y > 580.5 {
			t.Errorf("corner %+v outside padded viewport", p)
		}
	}
	if !near(lo.X, 20, 1e-3) || !near(hi.X, 780, 1e-3) {
		t.Errorf("extent should fill the padded width, got x %f..%f", lo.X, hi.X)
	}

	if err := v.GoTo(ctx, domain.Extent{MinX: 5, MinY: 5, MaxX: 5, MaxY: 5, SRID: domain.SRIDWGS84}, 20); err != nil {
		t.Fatalf("GoTo(point) error = %v", err)
	}
	vp := v.Viewpoint()
	if vp.Zoom != pointZoom {
		t.Errorf("Zoom = %f, want %d", vp.Zoom, pointZoom)
	}
	if !near(vp.Center.X, 5, 1e-9) || !near(vp.Center.Y, 5, 1e-9) {
		t.Errorf("Center = %v, want 5,5", vp.Center)
	}

	if err := v.GoTo(ctx, domain.Extent{MinX: 1, MaxX: 0}, 0); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("GoTo(invalid) error = %v, want ErrInvalidInput", err)
	}
}

func TestViewSetViewpoint(t *testing.T) {
	v := newTestView(t)
	ctx := context.Background()

	if err := v.SetViewpoint(ctx, domain.Viewpoint{Center: domain.NewWGS84Coordinate(13.4, 52.5), Zoom: 30}); err != nil {
		t.Fatalf("SetViewpoint() error = %v", err)
	}
	vp := v.Viewpoint()
	if vp.Zoom != MaxZoom {
		t.Errorf("Zoom = %f, want clamped to %d", vp.Zoom, MaxZoom)
	}
	if !near(vp.Center.X, 13.4, 1e-9) || !near(vp.Center.Y, 52.5, 1e-9) {
		t.Errorf("Center = %v", vp.Center)
	}

	if err := v.SetViewpoint(ctx, domain.Viewpoint{Center: domain.NewWGS84Coordinate(200, 0)}); err == nil {
		t.Error("SetViewpoint() should reject out of range longitude")
	}
}

func TestViewRemoveLayer(t *testing.T) {
	v := newTestView(t)
	ctx := context.Background()
	nl := addLayer(t, v, "parcels", square(0, 0, 0, 1, 1, "a"))
	other := addLayer(t, v, "other", square(0, 0, 0, 1, 1, "a"))

	lv, err := v.WhenLayerReady(ctx, nl)
	if err != nil {
		t.Fatalf("WhenLayerReady() error = %v", err)
	}
	lv.Highlight([]domain.Feature{{OID: 0}})

	if err := v.RemoveLayer(ctx, nl); err != nil {
		t.Fatalf("RemoveLayer() error = %v", err)
	}
	if v.LiveHighlights(nl.ID()) != 0 {
		t.Error("RemoveLayer() should drop highlights")
	}
	if err := v.RemoveLayer(ctx, nl); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second RemoveLayer() error = %v, want ErrNotFound", err)
	}
	if _, err := v.WhenLayerReady(ctx, nl); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("WhenLayerReady() on removed layer error = %v", err)
	}

	ext, err := nl.QueryExtent(ctx)
	if err != nil || ext != nil {
		t.Errorf("QueryExtent() of removed layer = %v, %v", ext, err)
	}
	features, err := other.QueryFeatures(ctx, output.FeatureQuery{})
	if err != nil || len(features) != 1 {
		t.Errorf("other layer lost features: %v, %v", features, err)
	}
}

func TestViewOverlay(t *testing.T) {
	v := newTestView(t)
	a := domain.Extent{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}
	b := domain.Extent{MinX: 0, MinY: 0, MaxX: 2, MaxY: 2}

	o := v.DrawRectangle(a)
	if got := v.Overlays(); len(got) != 1 || got[0] != a {
		t.Fatalf("Overlays() = %v", got)
	}
	o.Update(b)
	if got := v.Overlays(); got[0] != b {
		t.Errorf("Overlays() after update = %v", got)
	}
	o.Remove()
	o.Update(a)
	if got := v.Overlays(); len(got) != 0 {
		t.Errorf("Overlays() after remove = %v", got)
	}
}

func TestLayerSetVisibleRequestsRender(t *testing.T) {
	v := newTestView(t)
	nl := addLayer(t, v, "parcels", square(0, 0, 0, 1, 1, "a"))

	before := v.RenderCount()
	nl.SetVisible(true)
	if v.RenderCount() != before {
		t.Error("unchanged visibility should not redraw")
	}
	nl.SetVisible(false)
	if v.RenderCount() != before+1 {
		t.Error("visibility change should redraw")
	}
}
