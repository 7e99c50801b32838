package output

import (
	"context"

	"github.com/paulmach/orb/geojson"

	"github.com/jobrunner/shapeview/internal/domain"
)

// FeatureCodec defines the secondary port for the interchange codec.
type FeatureCodec interface {
	// Parse decodes a zipped shapefile or a GeoJSON document into WGS84
	// features.
	Parse(ctx context.Context, data []byte) (*geojson.FeatureCollection, error)

	// Zip encodes features as a zipped shapefile, one file set per geometry
	// family. Features without a point, line or polygon geometry are left out
	// of the archive and of ZipResult.Written.
	Zip(ctx context.Context, fc *geojson.FeatureCollection, opts ZipOptions) (*ZipResult, error)

	// Georeferenced reports whether the data carries a projection. For zip
	// archives this means a .prj entry.
	Georeferenced(data []byte) (bool, error)
}

// ZipOptions configures shapefile encoding.
type ZipOptions struct {
	Name string // Base name of the files inside the archive
}

// ZipResult is an encoded shapefile archive.
type ZipResult struct {
	Data    []byte
	Written int // Features written across all file sets
}

// Reprojector converts native geometries to geographic coordinates.
type Reprojector interface {
	// ToGeographic returns the geometry in WGS84. Geometries already in
	// WGS84 are returned unchanged.
	ToGeographic(g *domain.Geometry) (*domain.Geometry, error)
}
