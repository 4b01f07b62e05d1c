// Package geo provides the horizontal and vertical geometry of operational
// volumes. Points are orb.Point values in {lon, lat} order.
package geo

import (
	"math"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"

	"traffic_engine/internal/errors"
)

// Circle is a horizontal disc given by a centre and a radius in metres.
type Circle struct {
	Center  orb.Point `json:"center"`
	RadiusM float64   `json:"radius_m"`
}

// Footprint is the horizontal extent of a sub-volume. Exactly one of Polygon
// or Circle is set.
type Footprint struct {
	Polygon orb.Polygon `json:"polygon,omitempty"`
	Circle  *Circle     `json:"circle,omitempty"`
}

// NewCircle returns a circular footprint.
func NewCircle(center orb.Point, radiusM float64) Footprint {
	return Footprint{Circle: &Circle{Center: center, RadiusM: radiusM}}
}

// NewPolygon returns a polygonal footprint from an outer ring and optional holes.
func NewPolygon(outer orb.Ring, holes ...orb.Ring) Footprint {
	poly := orb.Polygon{outer}
	poly = append(poly, holes...)
	return Footprint{Polygon: poly}
}

// Validate reports structural problems with the footprint as a validation error.
func (f Footprint) Validate() error {
	if err := f.check(); err != nil {
		return errors.Mark(err, errors.ErrValidation)
	}
	return nil
}

// check returns a geometry error describing why f cannot be evaluated.
func (f Footprint) check() error {
	switch {
	case f.Circle != nil && len(f.Polygon) > 0:
		return errors.Geometryf("footprint has both a polygon and a circle")
	case f.Circle == nil && len(f.Polygon) == 0:
		return errors.Geometryf("footprint has neither a polygon nor a circle")
	case f.Circle != nil:
		if !validPoint(f.Circle.Center) {
			return errors.Geometryf("circle centre %v out of range", f.Circle.Center)
		}
		if !(f.Circle.RadiusM > 0) || math.IsInf(f.Circle.RadiusM, 0) {
			return errors.Geometryf("circle radius %v must be positive and finite", f.Circle.RadiusM)
		}
		return nil
	}

	for i, ring := range f.Polygon {
		if n := distinctVertices(ring); n < 3 {
			return errors.Geometryf("ring %d has %d distinct vertices, need at least 3", i, n)
		}
		for _, p := range ring {
			if !validPoint(p) {
				return errors.Geometryf("ring %d vertex %v out of range", i, p)
			}
		}
	}
	if math.Abs(planar.Area(f.Polygon[0])) == 0 {
		return errors.Geometryf("outer ring has zero area")
	}
	return nil
}

// Contains reports whether p lies within the footprint. Boundary points are
// inside. A footprint that cannot be evaluated yields an ErrGeometry error.
func (f Footprint) Contains(p orb.Point) (bool, error) {
	if err := f.check(); err != nil {
		return false, err
	}
	if !validPoint(p) {
		return false, errors.Validationf("point %v out of range", p)
	}
	if f.Circle != nil {
		return orbgeo.Distance(f.Circle.Center, p) <= f.Circle.RadiusM, nil
	}
	return planar.PolygonContains(f.Polygon, p), nil
}

// Bound returns the bounding box of the footprint.
func (f Footprint) Bound() orb.Bound {
	if f.Circle != nil {
		return orbgeo.NewBoundAroundPoint(f.Circle.Center, f.Circle.RadiusM)
	}
	if len(f.Polygon) == 0 {
		return orb.Bound{}
	}
	return f.Polygon.Bound()
}

// Intersects reports whether the bounding boxes of f and other intersect.
// This is conservative: it may report true for disjoint shapes.
func (f Footprint) Intersects(other Footprint) bool {
	return f.Bound().Intersects(other.Bound())
}

// Centroid returns a representative point of the footprint.
func (f Footprint) Centroid() orb.Point {
	if f.Circle != nil {
		return f.Circle.Center
	}
	return f.Bound().Center()
}

func validPoint(p orb.Point) bool {
	lon, lat := p.Lon(), p.Lat()
	if math.IsNaN(lon) || math.IsNaN(lat) {
		return false
	}
	return lon >= -180 && lon <= 180 && lat >= -90 && lat <= 90
}

func distinctVertices(r orb.Ring) int {
	seen := make(map[orb.Point]struct{}, len(r))
	for _, p := range r {
		seen[p] = struct{}{}
	}
	return len(seen)
}
