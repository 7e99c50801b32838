// Package geometry converts between orb interchange geometries and the map
// engine's native geometries.
package geometry

import (
	"github.com/paulmach/orb"

	"github.com/jobrunner/shapeview/internal/domain"
)

// ToNative converts an interchange geometry to a native geometry in WGS84.
//
// LineString and MultiLineString become polylines with one or many paths.
// Polygon rings are copied as they are, without winding correction.
// MultiPolygon is flattened into a single polygon holding every ring, so
// converting it back yields one Polygon. A bare Ring is read as a single-ring
// polygon. Any other type returns false.
func ToNative(g orb.Geometry) (*domain.Geometry, bool) {
	switch v := g.(type) {
	case orb.Point:
		return domain.NewPoint(v[0], v[1], domain.SRIDWGS84), true
	case orb.LineString:
		return &domain.Geometry{
			Kind:  domain.KindPolyline,
			Paths: [][]domain.Point{toPoints(v)},
			WKID:  domain.SRIDWGS84,
		}, true
	case orb.MultiLineString:
		paths := make([][]domain.Point, 0, len(v))
		for _, ls := range v {
			paths = append(paths, toPoints(ls))
		}
		return &domain.Geometry{Kind: domain.KindPolyline, Paths: paths, WKID: domain.SRIDWGS84}, true
	case orb.Polygon:
		return &domain.Geometry{Kind: domain.KindPolygon, Rings: ringsOf(v), WKID: domain.SRIDWGS84}, true
	case orb.Ring:
		return &domain.Geometry{
			Kind:  domain.KindPolygon,
			Rings: [][]domain.Point{toPoints(v)},
			WKID:  domain.SRIDWGS84,
		}, true
	case orb.MultiPolygon:
		var rings [][]domain.Point
		for _, p := range v {
			rings = append(rings, ringsOf(p)...)
		}
		return &domain.Geometry{Kind: domain.KindPolygon, Rings: rings, WKID: domain.SRIDWGS84}, true
	}
	return nil, false
}

// ToInterchange converts a native geometry to an interchange geometry. It
// returns nil for unknown kinds.
func ToInterchange(g *domain.Geometry) orb.Geometry {
	if g == nil {
		return nil
	}
	switch g.Kind {
	case domain.KindPoint:
		return orb.Point{g.Point.X, g.Point.Y}
	case domain.KindPolyline:
		if len(g.Paths) == 1 {
			return fromPoints(g.Paths[0])
		}
		mls := make(orb.MultiLineString, 0, len(g.Paths))
		for _, p := range g.Paths {
			mls = append(mls, fromPoints(p))
		}
		return mls
	case domain.KindPolygon:
		poly := make(orb.Polygon, 0, len(g.Rings))
		for _, r := range g.Rings {
			poly = append(poly, orb.Ring(fromPoints(r)))
		}
		return poly
	}
	return nil
}

func ringsOf(p orb.Polygon) [][]domain.Point {
	rings := make([][]domain.Point, 0, len(p))
	for _, r := range p {
		rings = append(rings, toPoints(r))
	}
	return rings
}

func toPoints[T ~[]orb.Point](pts T) []domain.Point {
	out := make([]domain.Point, len(pts))
	for i, p := range pts {
		out[i] = domain.Point{X: p[0], Y: p[1]}
	}
	return out
}

func fromPoints(pts []domain.Point) orb.LineString {
	out := make(orb.LineString, len(pts))
	for i, p := range pts {
		out[i] = orb.Point{p.X, p.Y}
	}
	return out
}
