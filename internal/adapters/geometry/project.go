package geometry

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"github.com/jobrunner/shapeview/internal/domain"
)

// Reprojector converts native geometries between WGS84 and Web Mercator.
type Reprojector struct{}

// NewReprojector creates a new Reprojector.
func NewReprojector() *Reprojector {
	return &Reprojector{}
}

// ToGeographic returns g in WGS84. Geometries without a spatial reference are
// assumed to be geographic already.
func (r *Reprojector) ToGeographic(g *domain.Geometry) (*domain.Geometry, error) {
	switch g.WKID {
	case domain.SRIDWGS84, 0:
		return g, nil
	case domain.SRIDWebMercator:
		return transform(g, project.Mercator.ToWGS84, domain.SRIDWGS84)
	}
	return nil, fmt.Errorf("reproject from wkid %d: %w", g.WKID, domain.ErrUnsupported)
}

// ToMercator returns g in Web Mercator.
func (r *Reprojector) ToMercator(g *domain.Geometry) (*domain.Geometry, error) {
	switch g.WKID {
	case domain.SRIDWebMercator:
		return g, nil
	case domain.SRIDWGS84, 0:
		return transform(g, project.WGS84.ToMercator, domain.SRIDWebMercator)
	}
	return nil, fmt.Errorf("reproject from wkid %d: %w", g.WKID, domain.ErrUnsupported)
}

// PointToGeographic converts a Web Mercator coordinate to WGS84.
func PointToGeographic(c domain.Coordinate) domain.Coordinate {
	if c.SRID != domain.SRIDWebMercator {
		return c
	}
	p := project.Mercator.ToWGS84(orb.Point{c.X, c.Y})
	return domain.NewWGS84Coordinate(p[0], p[1])
}

// PointToMercator converts a WGS84 coordinate to Web Mercator.
func PointToMercator(c domain.Coordinate) domain.Coordinate {
	if c.SRID == domain.SRIDWebMercator {
		return c
	}
	p := project.WGS84.ToMercator(orb.Point{c.X, c.Y})
	return domain.NewCoordinate(p[0], p[1], domain.SRIDWebMercator)
}

func transform(g *domain.Geometry, proj orb.Projection, wkid int) (*domain.Geometry, error) {
	src := ToInterchange(g)
	if src == nil {
		return nil, fmt.Errorf("reproject %q geometry: %w", g.Kind, domain.ErrUnsupported)
	}
	// project.Geometry works in place.
	out, ok := ToNative(project.Geometry(orb.Clone(src), proj))
	if !ok {
		return nil, fmt.Errorf("reproject %q geometry: %w", g.Kind, domain.ErrUnsupported)
	}
	out.WKID = wkid
	return out, nil
}
