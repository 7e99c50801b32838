package domain

import (
	"path/filepath"
	"strings"
	"time"
)

// LayerID identifies a loaded layer. IDs increase monotonically and are never
// reused within a process.
type LayerID int64

// LayerStatus represents the lifecycle state of a layer.
type LayerStatus string

const (
	StatusLoading LayerStatus = "loading"
	StatusReady   LayerStatus = "ready"
)

// Layer is a read-only snapshot of a loaded layer.
type Layer struct {
	ID           LayerID      // Layer identifier
	Name         string       // File base name, unique among loaded layers
	Source       string       // Storage key or uploaded file name
	Visible      bool         // Visibility in the view
	Ready        bool         // Engine reported the layer ready
	Selected     []ObjectID   // Selected features
	Extent       *Extent      // Full extent, nil if unknown
	Color        Color        // Render color
	Fields       []Field      // Attribute schema
	GeometryKind GeometryKind // Geometry family
	FeatureCount int          // Number of features
	LoadedAt     time.Time    // Load timestamp
}

// Status returns the lifecycle state.
func (l *Layer) Status() LayerStatus {
	if l.Ready {
		return StatusReady
	}
	return StatusLoading
}

// SelectedCount returns the number of selected features.
func (l *Layer) SelectedCount() int {
	return len(l.Selected)
}

// IsPolygonLayer returns true if the layer contains polygon geometries.
func (l *Layer) IsPolygonLayer() bool {
	return l.GeometryKind == KindPolygon
}

// FieldByName returns the field with the given name.
func (l *Layer) FieldByName(name string) (Field, bool) {
	for _, f := range l.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// LayerNameFromFile derives a layer name from a file name: the base name with
// its extension removed.
func LayerNameFromFile(fileName string) string {
	base := filepath.Base(fileName)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// KindFromGeometryType maps an interchange geometry type name to the layer's
// geometry kind. Anything that is neither a point nor a line is a polygon.
func KindFromGeometryType(geomType string) GeometryKind {
	switch {
	case geomType == "Point":
		return KindPoint
	case strings.Contains(geomType, "Line"):
		return KindPolyline
	default:
		return KindPolygon
	}
}

// IsLayerFile reports whether a file name has an extension the viewer can
// load: a zipped shapefile or GeoJSON.
func IsLayerFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".zip", ".geojson", ".json":
		return true
	}
	return false
}
