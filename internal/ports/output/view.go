package output

import (
	"context"

	"github.com/jobrunner/shapeview/internal/domain"
)

// SpatialView defines the secondary port for the map engine's view. It owns
// rendering, projection, hit testing and highlighting.
type SpatialView interface {
	// ScreenToMap projects a screen point to a map coordinate. It returns
	// false if the point cannot be projected.
	ScreenToMap(p domain.ScreenPoint) (domain.Coordinate, bool)

	// AddLayer creates a native layer from client-side features.
	AddLayer(ctx context.Context, src LayerSource) (NativeLayer, error)

	// RemoveLayer removes a native layer from the view and releases it.
	RemoveLayer(ctx context.Context, layer NativeLayer) error

	// WhenLayerReady blocks until the layer view is ready for queries.
	WhenLayerReady(ctx context.Context, layer NativeLayer) (LayerView, error)

	// HitTest returns the features under a screen point, top-most first.
	HitTest(ctx context.Context, p domain.ScreenPoint) ([]Hit, error)

	// GoTo fits the view to an extent with padding in pixels.
	GoTo(ctx context.Context, ext domain.Extent, paddingPx int) error

	// SetViewpoint moves the view to a center and zoom.
	SetViewpoint(ctx context.Context, vp domain.Viewpoint) error

	// Viewpoint returns the current camera state.
	Viewpoint() domain.Viewpoint

	// DrawRectangle adds a transient rectangle overlay to the view.
	DrawRectangle(ext domain.Extent) Overlay
}

// LayerSource describes a client-side layer handed to the engine.
type LayerSource struct {
	Name         string
	Features     []domain.Feature // Geometries in WGS84
	Fields       []domain.Field
	GeometryKind domain.GeometryKind
	Color        domain.Color
	Visible      bool
}

// NativeLayer is an engine layer owned by exactly one registry entry.
type NativeLayer interface {
	// ID returns the engine's identifier for the layer.
	ID() string

	// SetVisible shows or hides the layer.
	SetVisible(visible bool)

	// QueryExtent returns the full extent of the layer's features.
	QueryExtent(ctx context.Context) (*domain.Extent, error)

	// QueryFeatures returns the features matching the query.
	QueryFeatures(ctx context.Context, q FeatureQuery) ([]domain.Feature, error)

	// ApplyEdits updates feature attributes and reports per-feature results.
	ApplyEdits(ctx context.Context, updates []AttributeUpdate) ([]EditResult, error)
}

// LayerView is the engine's render-side handle of a ready layer.
type LayerView interface {
	// QueryFeatures returns the features matching the query.
	QueryFeatures(ctx context.Context, q FeatureQuery) ([]domain.Feature, error)

	// Highlight highlights features until the returned handle is removed.
	// Implementations must not block and must not call back into the caller.
	Highlight(features []domain.Feature) HighlightHandle
}

// HighlightHandle releases a highlight.
type HighlightHandle interface {
	Remove()
}

// Overlay is a transient graphic drawn on top of the view.
type Overlay interface {
	Update(ext domain.Extent)
	Remove()
}

// Renderer is implemented by views that support an explicit redraw.
type Renderer interface {
	RequestRender()
}

// FeatureQuery selects features of a layer. A zero query matches all features.
type FeatureQuery struct {
	Extent         *domain.Extent    // Intersects filter in view coordinates
	ObjectIDs      []domain.ObjectID // Object ID filter
	ReturnGeometry bool              // Include geometries
	OutFields      []string          // Attributes to return (empty = all)
}

// Hit is a feature found by a hit test.
type Hit struct {
	Layer   NativeLayer
	Feature domain.Feature
}

// AttributeUpdate sets attributes of one feature.
type AttributeUpdate struct {
	OID        domain.ObjectID
	Attributes map[string]interface{}
}

// EditResult is the engine's outcome for one AttributeUpdate.
type EditResult struct {
	OID     domain.ObjectID
	Success bool
	Err     error
}
