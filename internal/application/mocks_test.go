package application

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"

	"github.com/paulmach/orb/geojson"

	"github.com/jobrunner/shapeview/internal/domain"
	"github.com/jobrunner/shapeview/internal/ports/output"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockHandle implements output.HighlightHandle for testing.
type mockHandle struct {
	mu      sync.Mutex
	removed int
	ids     []domain.ObjectID
}

func (h *mockHandle) Remove() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed++
}

func (h *mockHandle) removeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removed
}

// mockNativeLayer implements output.NativeLayer for testing.
type mockNativeLayer struct {
	id string

	mu        sync.Mutex
	visible   bool
	toggles   int
	features  []domain.Feature
	extent    *domain.Extent
	extentErr error
	queryErr  error
	editErr   error
	failEdits map[domain.ObjectID]error
	applied   []output.AttributeUpdate
}

func (l *mockNativeLayer) ID() string { return l.id }

func (l *mockNativeLayer) SetVisible(visible bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.visible = visible
	l.toggles++
}

func (l *mockNativeLayer) QueryExtent(_ context.Context) (*domain.Extent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.extent, l.extentErr
}

func (l *mockNativeLayer) QueryFeatures(_ context.Context, q output.FeatureQuery) ([]domain.Feature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.queryErr != nil {
		return nil, l.queryErr
	}
	return filterFeatures(l.features, q), nil
}

func (l *mockNativeLayer) ApplyEdits(_ context.Context, updates []output.AttributeUpdate) ([]output.EditResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.editErr != nil {
		return nil, l.editErr
	}
	results := make([]output.EditResult, 0, len(updates))
	for _, u := range updates {
		l.applied = append(l.applied, u)
		if err, ok := l.failEdits[u.OID]; ok {
			results = append(results, output.EditResult{OID: u.OID, Err: err})
			continue
		}
		for i := range l.features {
			if l.features[i].OID == u.OID {
				for k, v := range u.Attributes {
					l.features[i].Attributes[k] = v
				}
			}
		}
		results = append(results, output.EditResult{OID: u.OID, Success: true})
	}
	return results, nil
}

func filterFeatures(features []domain.Feature, q output.FeatureQuery) []domain.Feature {
	var out []domain.Feature
	for _, f := range features {
		if q.ObjectIDs != nil && !containsOID(q.ObjectIDs, f.OID) {
			continue
		}
		if q.Extent != nil {
			if f.Geometry == nil {
				continue
			}
			ext, ok := f.Geometry.Extent()
			if !ok || !ext.Intersects(*q.Extent) {
				continue
			}
		}
		c := domain.Feature{OID: f.OID, Attributes: make(map[string]interface{}, len(f.Attributes))}
		for k, v := range f.Attributes {
			c.Attributes[k] = v
		}
		if q.ReturnGeometry {
			c.Geometry = f.Geometry
		}
		out = append(out, c)
	}
	return out
}

func containsOID(ids []domain.ObjectID, oid domain.ObjectID) bool {
	for _, id := range ids {
		if id == oid {
			return true
		}
	}
	return false
}

// mockLayerView implements output.LayerView for testing.
type mockLayerView struct {
	native *mockNativeLayer

	mu       sync.Mutex
	queryErr error
	gate     chan struct{} // Blocks queries until closed when set
	started  chan struct{} // Receives one value per query when set
	handles  []*mockHandle
}

func (v *mockLayerView) QueryFeatures(ctx context.Context, q output.FeatureQuery) ([]domain.Feature, error) {
	v.mu.Lock()
	gate, started, err := v.gate, v.started, v.queryErr
	v.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return v.native.QueryFeatures(ctx, q)
}

func (v *mockLayerView) Highlight(features []domain.Feature) output.HighlightHandle {
	v.mu.Lock()
	defer v.mu.Unlock()

	h := &mockHandle{}
	for _, f := range features {
		h.ids = append(h.ids, f.OID)
	}
	v.handles = append(v.handles, h)
	return h
}

// liveHandles returns the number of highlight handles not yet removed.
func (v *mockLayerView) liveHandles() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := 0
	for _, h := range v.handles {
		if h.removeCount() == 0 {
			n++
		}
	}
	return n
}

// overRemoved reports whether any handle was removed more than once.
func (v *mockLayerView) overRemoved() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, h := range v.handles {
		if h.removeCount() > 1 {
			return true
		}
	}
	return false
}

// mockOverlay implements output.Overlay for testing.
type mockOverlay struct {
	ext     domain.Extent
	updates int
	removed bool
}

func (o *mockOverlay) Update(ext domain.Extent) {
	o.ext = ext
	o.updates++
}

func (o *mockOverlay) Remove() { o.removed = true }

// mockView implements output.SpatialView for testing. Screen coordinates map
// to map coordinates one to one.
type mockView struct {
	mu        sync.Mutex
	seq       int
	layers    map[string]*mockNativeLayer
	views     map[string]*mockLayerView
	removed   []string
	hits      []output.Hit
	hitErr    error
	addErr    error
	readyErr  error
	removeErr error
	gotos     []domain.Extent
	viewpoint domain.Viewpoint
	overlays  []*mockOverlay
}

func newMockView() *mockView {
	return &mockView{
		layers:    make(map[string]*mockNativeLayer),
		views:     make(map[string]*mockLayerView),
		viewpoint: domain.Viewpoint{Center: domain.NewWGS84Coordinate(-3.7, 40.4), Zoom: 5},
	}
}

func (v *mockView) ScreenToMap(p domain.ScreenPoint) (domain.Coordinate, bool) {
	return domain.NewCoordinate(p.X, p.Y, domain.SRIDWebMercator), true
}

func (v *mockView) AddLayer(_ context.Context, src output.LayerSource) (output.NativeLayer, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.addErr != nil {
		return nil, v.addErr
	}
	v.seq++
	nl := &mockNativeLayer{
		id:       fmt.Sprintf("native-%d", v.seq),
		visible:  src.Visible,
		features: src.Features,
	}
	for _, f := range src.Features {
		if ext, ok := f.Geometry.Extent(); ok {
			if nl.extent == nil {
				nl.extent = &ext
			} else {
				u := nl.extent.Union(ext)
				nl.extent = &u
			}
		}
	}
	v.layers[nl.id] = nl
	v.views[nl.id] = &mockLayerView{native: nl}
	return nl, nil
}

func (v *mockView) RemoveLayer(_ context.Context, nl output.NativeLayer) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.removed = append(v.removed, nl.ID())
	if v.removeErr != nil {
		return v.removeErr
	}
	delete(v.layers, nl.ID())
	return nil
}

func (v *mockView) WhenLayerReady(_ context.Context, nl output.NativeLayer) (output.LayerView, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.readyErr != nil {
		return nil, v.readyErr
	}
	return v.views[nl.ID()], nil
}

func (v *mockView) HitTest(_ context.Context, _ domain.ScreenPoint) ([]output.Hit, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hits, v.hitErr
}

func (v *mockView) GoTo(_ context.Context, ext domain.Extent, _ int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.gotos = append(v.gotos, ext)
	return nil
}

func (v *mockView) SetViewpoint(_ context.Context, vp domain.Viewpoint) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.viewpoint = vp
	return nil
}

func (v *mockView) Viewpoint() domain.Viewpoint {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.viewpoint
}

func (v *mockView) DrawRectangle(ext domain.Extent) output.Overlay {
	v.mu.Lock()
	defer v.mu.Unlock()
	o := &mockOverlay{ext: ext}
	v.overlays = append(v.overlays, o)
	return o
}

func (v *mockView) layerView(id string) *mockLayerView {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.views[id]
}

// renderingView is a mockView that supports explicit redraws.
type renderingView struct {
	*mockView
	renders int
}

func (v *renderingView) RequestRender() { v.renders++ }

// mockCodec implements output.FeatureCodec for testing.
type mockCodec struct {
	fc         *geojson.FeatureCollection
	parseErr   error
	georef     bool
	georefErr  error
	zipSize    int
	zipErr     error
	zipDropped int
	zipped     *geojson.FeatureCollection
	parseCalls int
}

func (c *mockCodec) Parse(_ context.Context, _ []byte) (*geojson.FeatureCollection, error) {
	c.parseCalls++
	return c.fc, c.parseErr
}

func (c *mockCodec) Zip(_ context.Context, fc *geojson.FeatureCollection, _ output.ZipOptions) (*output.ZipResult, error) {
	c.zipped = fc
	if c.zipErr != nil {
		return nil, c.zipErr
	}
	return &output.ZipResult{
		Data:    bytes.Repeat([]byte{'x'}, c.zipSize),
		Written: len(fc.Features) - c.zipDropped,
	}, nil
}

func (c *mockCodec) Georeferenced(_ []byte) (bool, error) {
	return c.georef, c.georefErr
}

// mockReprojector implements output.Reprojector for testing.
type mockReprojector struct {
	seen int
}

func (r *mockReprojector) ToGeographic(g *domain.Geometry) (*domain.Geometry, error) {
	r.seen++
	if g.WKID == -1 {
		return nil, domain.ErrUnsupported
	}
	out := *g
	out.WKID = domain.SRIDWGS84
	return &out, nil
}

// mockStorage implements output.ObjectStorage for testing.
type mockStorage struct {
	mu        sync.Mutex
	objects   map[string][]byte
	listErr   error
	uploadErr error
	uploads   map[string]string // key -> content type
}

func (m *mockStorage) List(_ context.Context) ([]output.StorageObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listErr != nil {
		return nil, m.listErr
	}
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	objects := make([]output.StorageObject, len(keys))
	for i, k := range keys {
		objects[i] = output.StorageObject{Key: k, Size: int64(len(m.objects[k]))}
	}
	return objects, nil
}

func (m *mockStorage) GetReader(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mockStorage) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *mockStorage) Upload(_ context.Context, key string, body io.Reader, _ int64, contentType string) error {
	if m.uploadErr != nil {
		return m.uploadErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	if m.uploads == nil {
		m.uploads = make(map[string]string)
	}
	m.objects[key] = data
	m.uploads[key] = contentType
	return nil
}

func (m *mockStorage) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
}

// recordingMetrics records gauge updates for testing.
type recordingMetrics struct {
	output.NoOpMetrics
	mu       sync.Mutex
	layers   int
	selected int
	loads    map[bool]int
}

func (m *recordingMetrics) SetLayersLoaded(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layers = count
}

func (m *recordingMetrics) SetSelectedFeatures(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selected = count
}

func (m *recordingMetrics) IncLayerLoads(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loads == nil {
		m.loads = make(map[bool]int)
	}
	m.loads[success]++
}

// square returns a polygon feature covering [minX,maxX]x[minY,maxY].
func square(oid domain.ObjectID, minX, minY, maxX, maxY float64) domain.Feature {
	return domain.Feature{
		OID: oid,
		Geometry: &domain.Geometry{
			Kind: domain.KindPolygon,
			Rings: [][]domain.Point{{
				{X: minX, Y: minY}, {X: maxX, Y: minY}, {X: maxX, Y: maxY}, {X: minX, Y: maxY}, {X: minX, Y: minY},
			}},
			WKID: domain.SRIDWebMercator,
		},
		Attributes: map[string]interface{}{
			domain.ObjectIDField: int64(oid),
			"NAME":               fmt.Sprintf("feature %d", oid),
		},
	}
}

var testFields = []domain.Field{
	{Name: domain.ObjectIDField, Type: domain.FieldOID},
	{Name: "NAME", Type: domain.FieldString},
	{Name: "POP", Type: domain.FieldInteger},
	{Name: "SURVEYED", Type: domain.FieldDate},
}

// addTestLayer registers a ready layer the way the load service does.
func addTestLayer(t *testing.T, reg *LayerRegistry, view *mockView, name string, features ...domain.Feature) domain.LayerID {
	t.Helper()
	ctx := context.Background()

	nl, err := view.AddLayer(ctx, output.LayerSource{Name: name, Features: features, Visible: true})
	if err != nil {
		t.Fatalf("AddLayer() error = %v", err)
	}
	id := reg.ReserveID()
	if _, err := reg.Add(NewLayer{
		ID:           id,
		Name:         name,
		Native:       nl,
		Fields:       testFields,
		GeometryKind: domain.KindPolygon,
		FeatureCount: len(features),
		Visible:      true,
	}); err != nil {
		t.Fatalf("Add(%s) error = %v", name, err)
	}
	lv, err := view.WhenLayerReady(ctx, nl)
	if err != nil {
		t.Fatalf("WhenLayerReady() error = %v", err)
	}
	if !reg.AttachView(id, lv) {
		t.Fatalf("AttachView(%d) = false", id)
	}
	ext, _ := nl.QueryExtent(ctx)
	reg.SetExtent(id, ext)
	return id
}

// nativeOf returns the mock native layer of a registered layer.
func nativeOf(t *testing.T, reg *LayerRegistry, id domain.LayerID) *mockNativeLayer {
	t.Helper()
	_, nl, err := reg.native(id)
	if err != nil {
		t.Fatalf("native(%d) error = %v", id, err)
	}
	return nl.(*mockNativeLayer)
}

func outputSource(name string) output.LayerSource {
	return output.LayerSource{Name: name, Visible: true}
}
