package domain

import "time"

// ObjectIDField is the attribute that carries a feature's ObjectID.
const ObjectIDField = "OBJECTID"

// ObjectID identifies a feature within its layer. It equals the feature's
// index in the source file.
type ObjectID int64

// Feature represents a geo feature with geometry and attributes.
type Feature struct {
	OID        ObjectID               // Object ID
	Geometry   *Geometry              // Geometry, nil when not requested
	Attributes map[string]interface{} // Attribute data, OBJECTID included
}

// GetProperty returns an attribute value by key.
func (f *Feature) GetProperty(key string) (interface{}, bool) {
	if f.Attributes == nil {
		return nil, false
	}
	v, ok := f.Attributes[key]
	return v, ok
}

// GetStringProperty returns an attribute as string.
func (f *Feature) GetStringProperty(key string) string {
	if v, ok := f.GetProperty(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetFloatProperty returns an attribute as float64.
func (f *Feature) GetFloatProperty(key string) float64 {
	if v, ok := f.GetProperty(key); ok {
		switch i := v.(type) {
		case float64:
			return i
		case float32:
			return float64(i)
		case int:
			return float64(i)
		case int64:
			return float64(i)
		}
	}
	return 0
}

// GeometryKind is the native geometry family of a layer or geometry.
type GeometryKind string

// Geometry kinds.
const (
	KindPoint    GeometryKind = "point"
	KindPolyline GeometryKind = "polyline"
	KindPolygon  GeometryKind = "polygon"
)

// Point is a single vertex.
type Point struct {
	X float64
	Y float64
}

// Geometry is the engine's native geometry: a point, a polyline made of
// paths or a polygon made of rings.
type Geometry struct {
	Kind  GeometryKind
	Point Point     // KindPoint
	Paths [][]Point // KindPolyline
	Rings [][]Point // KindPolygon
	WKID  int       // Spatial reference
}

// NewPoint creates a native point.
func NewPoint(x, y float64, wkid int) *Geometry {
	return &Geometry{Kind: KindPoint, Point: Point{X: x, Y: y}, WKID: wkid}
}

// IsPoint returns true if the geometry is a point.
func (g *Geometry) IsPoint() bool { return g.Kind == KindPoint }

// IsPolyline returns true if the geometry is a polyline.
func (g *Geometry) IsPolyline() bool { return g.Kind == KindPolyline }

// IsPolygon returns true if the geometry is a polygon.
func (g *Geometry) IsPolygon() bool { return g.Kind == KindPolygon }

// Extent returns the bounding box of the geometry, false if it has no vertices.
func (g *Geometry) Extent() (Extent, bool) {
	if g.Kind == KindPoint {
		return Extent{MinX: g.Point.X, MinY: g.Point.Y, MaxX: g.Point.X, MaxY: g.Point.Y, SRID: g.WKID}, true
	}
	parts := g.Paths
	if g.Kind == KindPolygon {
		parts = g.Rings
	}
	var (
		ext   Extent
		found bool
	)
	for _, part := range parts {
		for _, p := range part {
			pe := Extent{MinX: p.X, MinY: p.Y, MaxX: p.X, MaxY: p.Y, SRID: g.WKID}
			if !found {
				ext, found = pe, true
				continue
			}
			ext = ext.Union(pe)
		}
	}
	return ext, found
}

// FieldType is the attribute type of a layer field.
type FieldType string

// Field types.
const (
	FieldOID          FieldType = "oid"
	FieldInteger      FieldType = "integer"
	FieldSmallInteger FieldType = "small-integer"
	FieldDouble       FieldType = "double"
	FieldDate         FieldType = "date"
	FieldBoolean      FieldType = "boolean"
	FieldString       FieldType = "string"
)

// Field describes a layer attribute.
type Field struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
}

// InferFieldType maps a decoded property value to a field type.
// Numbers always become double, unknown values and nil become string.
func InferFieldType(v interface{}) FieldType {
	switch v.(type) {
	case float64, float32, int, int32, int64:
		return FieldDouble
	case bool:
		return FieldBoolean
	case time.Time:
		return FieldDate
	default:
		return FieldString
	}
}
