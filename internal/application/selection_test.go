package application

import (
	"context"
	"errors"
	"testing"

	"github.com/jobrunner/shapeview/internal/domain"
	"github.com/jobrunner/shapeview/internal/ports/output"
)

func newTestEngine(cfg SelectionConfig) (*SelectionEngine, *LayerRegistry, *mockView) {
	reg, view, metrics := newTestRegistry()
	return NewSelectionEngine(reg, view, metrics, testLogger(), cfg), reg, view
}

func sumCounts(layers []domain.Layer) int {
	n := 0
	for _, l := range layers {
		n += l.SelectedCount()
	}
	return n
}

func TestSelectionEngine_SelectExtent(t *testing.T) {
	engine, reg, view := newTestEngine(SelectionConfig{MaxConcurrentQueries: 2})
	ctx := context.Background()

	a := addTestLayer(t, reg, view, "a", square(0, 0, 0, 1, 1), square(1, 5, 5, 6, 6), square(2, 20, 20, 21, 21))
	b := addTestLayer(t, reg, view, "b", square(0, 2, 2, 3, 3))
	addTestLayer(t, reg, view, "c", square(0, 50, 50, 51, 51))

	tests := []struct {
		name      string
		ext       domain.Extent
		wantA     int
		wantB     int
		wantTotal int
	}{
		{"covers a and b", domain.Extent{MinX: 0, MinY: 0, MaxX: 6, MaxY: 6}, 2, 1, 3},
		{"replaces selection", domain.Extent{MinX: 19, MinY: 19, MaxX: 30, MaxY: 30}, 1, 0, 1},
		{"empty region", domain.Extent{MinX: 100, MinY: 100, MaxX: 101, MaxY: 101}, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := engine.SelectExtent(ctx, tt.ext)
			if err != nil {
				t.Fatalf("SelectExtent() error = %v", err)
			}
			if result.Total != tt.wantTotal {
				t.Errorf("Total = %d, want %d", result.Total, tt.wantTotal)
			}
			if result.Total != sumCounts(reg.List()) || result.Total != reg.TotalSelected() {
				t.Error("Total must equal the sum of per-layer selections")
			}
			la, _ := reg.Get(a)
			lb, _ := reg.Get(b)
			if la.SelectedCount() != tt.wantA || lb.SelectedCount() != tt.wantB {
				t.Errorf("selected a=%d b=%d, want a=%d b=%d", la.SelectedCount(), lb.SelectedCount(), tt.wantA, tt.wantB)
			}
			if len(result.Layers) != 3 {
				t.Errorf("result covers %d layers, want 3", len(result.Layers))
			}
			for _, l := range reg.List() {
				lv := view.layerView(nativeOf(t, reg, l.ID).id)
				live := lv.liveHandles()
				if live > 1 || lv.overRemoved() {
					t.Errorf("layer %s has %d live highlights", l.Name, live)
				}
				if (live == 1) != (l.SelectedCount() > 0) {
					t.Errorf("layer %s: %d live highlights with %d selected", l.Name, live, l.SelectedCount())
				}
			}
		})
	}
}

func TestSelectionEngine_SelectExtentHiddenAndNotReady(t *testing.T) {
	engine, reg, view := newTestEngine(SelectionConfig{})
	ctx := context.Background()

	hidden := addTestLayer(t, reg, view, "hidden", square(0, 0, 0, 1, 1))
	visible := addTestLayer(t, reg, view, "visible", square(0, 0, 0, 1, 1))
	whole := domain.Extent{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}

	if _, err := engine.SelectExtent(ctx, whole); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.ToggleVisibility(hidden); err != nil {
		t.Fatal(err)
	}

	nl, _ := view.AddLayer(ctx, output.LayerSource{Name: "pending", Features: []domain.Feature{square(0, 0, 0, 1, 1)}})
	pending := reg.ReserveID()
	if _, err := reg.Add(NewLayer{ID: pending, Name: "pending", Native: nl, Visible: true}); err != nil {
		t.Fatal(err)
	}

	result, err := engine.SelectExtent(ctx, whole)
	if err != nil {
		t.Fatal(err)
	}
	if result.Total != 1 {
		t.Errorf("Total = %d, want 1", result.Total)
	}
	for _, id := range []domain.LayerID{hidden, pending} {
		l, _ := reg.Get(id)
		if l.SelectedCount() != 0 {
			t.Errorf("layer %s should have no selection", l.Name)
		}
	}
	if l, _ := reg.Get(visible); l.SelectedCount() != 1 {
		t.Errorf("visible layer selected %d, want 1", l.SelectedCount())
	}
}

func TestSelectionEngine_SelectExtentQueryFailure(t *testing.T) {
	engine, reg, view := newTestEngine(SelectionConfig{})
	ctx := context.Background()

	failing := addTestLayer(t, reg, view, "failing", square(0, 0, 0, 1, 1))
	addTestLayer(t, reg, view, "ok", square(0, 0, 0, 1, 1))

	if _, err := engine.SelectExtent(ctx, domain.Extent{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}); err != nil {
		t.Fatal(err)
	}
	lv := view.layerView(nativeOf(t, reg, failing).id)
	lv.queryErr = errors.New("engine timeout")

	result, err := engine.SelectExtent(ctx, domain.Extent{MinX: 50, MinY: 50, MaxX: 60, MaxY: 60})
	if err != nil {
		t.Fatalf("SelectExtent() error = %v", err)
	}
	if !result.HasFailures() || result.Failed[0].LayerID != failing {
		t.Fatalf("Failed = %+v, want failure for layer %d", result.Failed, failing)
	}
	var callErr *domain.ExternalCallError
	if !errors.As(result.Failed[0].Err, &callErr) {
		t.Errorf("failure should be an ExternalCallError, got %v", result.Failed[0].Err)
	}
	if l, _ := reg.Get(failing); l.SelectedCount() != 1 {
		t.Errorf("failing layer must keep its selection, got %d", l.SelectedCount())
	}
	if result.Total != 1 {
		t.Errorf("Total = %d, want 1", result.Total)
	}
}

func TestSelectionEngine_StaleResultDiscarded(t *testing.T) {
	engine, reg, view := newTestEngine(SelectionConfig{})
	ctx := context.Background()

	id := addTestLayer(t, reg, view, "slow", square(0, 0, 0, 1, 1))
	lv := view.layerView(nativeOf(t, reg, id).id)
	lv.gate = make(chan struct{})
	lv.started = make(chan struct{}, 1)

	done := make(chan *domain.SelectionResult)
	go func() {
		result, _ := engine.SelectExtent(ctx, domain.Extent{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1})
		done <- result
	}()

	<-lv.started
	if _, err := reg.ToggleVisibility(id); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.ToggleVisibility(id); err != nil {
		t.Fatal(err)
	}
	close(lv.gate)
	result := <-done

	if result.Total != 0 || reg.TotalSelected() != 0 {
		t.Errorf("stale result was applied, total = %d", reg.TotalSelected())
	}
	if lv.liveHandles() != 0 {
		t.Error("stale result must not highlight")
	}
}

func TestSelectionEngine_DragGesture(t *testing.T) {
	engine, reg, view := newTestEngine(SelectionConfig{})
	ctx := context.Background()
	addTestLayer(t, reg, view, "a", square(0, 0, 0, 1, 1), square(1, 8, 8, 9, 9))

	ev := func(x, y float64, shift bool) domain.PointerEvent {
		return domain.PointerEvent{Screen: domain.ScreenPoint{X: x, Y: y}, Shift: shift}
	}

	if _, ok, _ := engine.HandleDrag(ctx, domain.DragStart, ev(0, 0, false)); ok {
		t.Error("drag without Shift should not start")
	}
	if _, ok, _ := engine.HandleDrag(ctx, domain.DragStart, domain.PointerEvent{Button: 2, Shift: true}); ok {
		t.Error("drag with secondary button should not start")
	}
	if _, ok, _ := engine.HandleDrag(ctx, domain.DragEnd, ev(5, 5, true)); ok {
		t.Error("end without start should be ignored")
	}

	if _, ok, _ := engine.HandleDrag(ctx, domain.DragStart, ev(5, 5, true)); !ok {
		t.Fatal("drag with Shift should start")
	}
	if len(view.overlays) != 1 {
		t.Fatalf("expected one overlay, got %d", len(view.overlays))
	}
	if _, ok, _ := engine.HandleDrag(ctx, domain.DragUpdate, ev(-1, 2, true)); !ok {
		t.Fatal("update should be accepted during a drag")
	}
	overlay := view.overlays[0]
	want := domain.Extent{MinX: -1, MinY: 2, MaxX: 5, MaxY: 5, SRID: domain.SRIDWebMercator}
	if overlay.ext != want {
		t.Errorf("overlay = %+v, want %+v", overlay.ext, want)
	}

	result, ok, err := engine.HandleDrag(ctx, domain.DragEnd, ev(-1, -1, true))
	if err != nil || !ok {
		t.Fatalf("HandleDrag(end) = %v, %v", ok, err)
	}
	if !overlay.removed {
		t.Error("overlay should be removed at the end of the drag")
	}
	if result.Total != 1 {
		t.Errorf("Total = %d, want 1", result.Total)
	}

	if _, _, err := engine.HandleDrag(ctx, domain.DragAction("cancel"), ev(0, 0, true)); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("unknown action error = %v", err)
	}
}

func TestSelectionEngine_MultiSelectMode(t *testing.T) {
	engine, _, _ := newTestEngine(SelectionConfig{})
	ctx := context.Background()

	if engine.StartDrag(ctx, domain.PointerEvent{}) {
		t.Error("drag without Shift should not start")
	}
	engine.SetMultiSelectMode(true)
	if !engine.MultiSelectMode() {
		t.Error("MultiSelectMode() = false")
	}
	if !engine.StartDrag(ctx, domain.PointerEvent{}) {
		t.Error("drag should start in multi-select mode")
	}
}

func TestSelectionEngine_PointSelectToggle(t *testing.T) {
	engine, reg, view := newTestEngine(SelectionConfig{})
	ctx := context.Background()

	id := addTestLayer(t, reg, view, "a", square(0, 0, 0, 1, 1), square(1, 0, 0, 1, 1))
	nl := nativeOf(t, reg, id)
	lv := view.layerView(nl.id)
	stranger := &mockNativeLayer{id: "not-registered"}

	click := domain.PointerEvent{Ctrl: true}

	if _, ok, _ := engine.PointSelect(ctx, domain.PointerEvent{}); ok {
		t.Error("click without Ctrl should not select")
	}
	if _, ok, err := engine.PointSelect(ctx, click); ok || err != nil {
		t.Errorf("click on nothing = %v, %v, want no-op", ok, err)
	}

	view.hits = []output.Hit{
		{Layer: stranger, Feature: domain.Feature{OID: 7}},
		{Layer: nl, Feature: domain.Feature{OID: 1}},
	}

	steps := []struct {
		name      string
		wantIDs   []domain.ObjectID
		wantLive  int
		wantTotal int
	}{
		{"select", []domain.ObjectID{1}, 1, 1},
		{"deselect", nil, 0, 0},
		{"select again", []domain.ObjectID{1}, 1, 1},
	}

	for _, step := range steps {
		result, ok, err := engine.PointSelect(ctx, click)
		if err != nil || !ok {
			t.Fatalf("%s: PointSelect() = %v, %v", step.name, ok, err)
		}
		layer, _ := reg.Get(id)
		if len(layer.Selected) != len(step.wantIDs) || (len(step.wantIDs) > 0 && layer.Selected[0] != step.wantIDs[0]) {
			t.Errorf("%s: Selected = %v, want %v", step.name, layer.Selected, step.wantIDs)
		}
		if result.Total != step.wantTotal {
			t.Errorf("%s: Total = %d, want %d", step.name, result.Total, step.wantTotal)
		}
		if lv.liveHandles() != step.wantLive || lv.overRemoved() {
			t.Errorf("%s: live highlights = %d, want %d", step.name, lv.liveHandles(), step.wantLive)
		}
	}

	view.hits = []output.Hit{{Layer: nl, Feature: domain.Feature{OID: 0}}}
	if _, _, err := engine.PointSelect(ctx, click); err != nil {
		t.Fatal(err)
	}
	layer, _ := reg.Get(id)
	if layer.SelectedCount() != 2 {
		t.Errorf("SelectedCount() = %d, want 2", layer.SelectedCount())
	}
	if lv.liveHandles() != 1 {
		t.Errorf("live highlights = %d, want 1", lv.liveHandles())
	}
	last := lv.handles[len(lv.handles)-1]
	if len(last.ids) != 2 {
		t.Errorf("highlight covers %v, want both features", last.ids)
	}
}

func TestSelectionEngine_PointSelectIgnoresHiddenLayers(t *testing.T) {
	engine, reg, view := newTestEngine(SelectionConfig{})
	ctx := context.Background()

	hidden := addTestLayer(t, reg, view, "hidden", square(0, 0, 0, 1, 1))
	shown := addTestLayer(t, reg, view, "shown", square(0, 0, 0, 1, 1))
	if _, err := reg.ToggleVisibility(hidden); err != nil {
		t.Fatal(err)
	}

	view.hits = []output.Hit{{Layer: nativeOf(t, reg, hidden), Feature: domain.Feature{OID: 0}}}
	if _, ok, err := engine.PointSelect(ctx, domain.PointerEvent{Ctrl: true}); ok || err != nil {
		t.Errorf("click on hidden layer = %v, %v, want no-op", ok, err)
	}

	view.hits = append(view.hits, output.Hit{Layer: nativeOf(t, reg, shown), Feature: domain.Feature{OID: 0}})
	result, ok, err := engine.PointSelect(ctx, domain.PointerEvent{Ctrl: true})
	if err != nil || !ok {
		t.Fatalf("PointSelect() = %v, %v", ok, err)
	}
	if len(result.Layers) != 1 || result.Layers[0].LayerID != shown {
		t.Errorf("selected layers = %+v, want only %d", result.Layers, shown)
	}
	if layer, _ := reg.Get(hidden); layer.SelectedCount() != 0 {
		t.Errorf("hidden layer selection = %v, want empty", layer.Selected)
	}
}

func TestSelectionEngine_PointSelectHitTestError(t *testing.T) {
	engine, _, view := newTestEngine(SelectionConfig{MultiSelect: true})
	view.hitErr = errors.New("no view")

	_, ok, err := engine.PointSelect(context.Background(), domain.PointerEvent{})
	var callErr *domain.ExternalCallError
	if ok || !errors.As(err, &callErr) {
		t.Errorf("PointSelect() = %v, %v, want ExternalCallError", ok, err)
	}
}

func TestSelectionEngine_DeselectAllAndSummary(t *testing.T) {
	engine, reg, view := newTestEngine(SelectionConfig{})
	ctx := context.Background()

	poly := addTestLayer(t, reg, view, "poly", square(0, 0, 0, 1, 1))
	if _, err := engine.SelectExtent(ctx, domain.Extent{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}); err != nil {
		t.Fatal(err)
	}

	summary := engine.Summary(ctx)
	if summary.Total != 1 || !summary.HasPolygonSelection {
		t.Errorf("Summary() = %+v", summary)
	}

	result := engine.DeselectAll(ctx)
	if result.Total != 0 {
		t.Errorf("DeselectAll() Total = %d", result.Total)
	}
	if view.layerView(nativeOf(t, reg, poly).id).liveHandles() != 0 {
		t.Error("DeselectAll() must release highlights")
	}
	summary = engine.Summary(ctx)
	if summary.Total != 0 || summary.HasPolygonSelection {
		t.Errorf("Summary() after DeselectAll = %+v", summary)
	}
}

func TestSelectionEngine_ZeroLayers(t *testing.T) {
	engine, _, _ := newTestEngine(SelectionConfig{})

	result, err := engine.SelectExtent(context.Background(), domain.Extent{MaxX: 1, MaxY: 1})
	if err != nil || result.Total != 0 || len(result.Layers) != 0 {
		t.Errorf("SelectExtent() with no layers = %+v, %v", result, err)
	}
}
