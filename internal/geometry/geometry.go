package geometry

import (
	"errors"
	"math"
)

var (
	ErrInsufficientVertices = errors.New("insufficient_vertices")
	ErrSelfIntersecting     = errors.New("self_intersecting")
	ErrDegenerateRing       = errors.New("degenerate_ring")
)

const epsilon = 1e-12

// Point is a single (lat, lon) coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Ring is a validated simple polygon. The closing point is implicit:
// the edge from the last vertex back to the first is always present.
type Ring []Point

// Validate normalizes and validates a coordinate sequence as a simple polygon.
// An explicit closing point equal to the first vertex is dropped before the
// distinct-vertex count is taken.
func Validate(points []Point) (Ring, error) {
	normalized := normalize(points)
	if len(normalized) < 3 {
		return nil, ErrInsufficientVertices
	}
	// checked before the area test: a symmetric bowtie encloses zero
	// signed area and must still be reported as self-intersecting
	if selfIntersects(normalized) {
		return nil, ErrSelfIntersecting
	}
	if math.Abs(signedArea(normalized)) < epsilon {
		return nil, ErrDegenerateRing
	}
	return Ring(normalized), nil
}

// Intersects reports whether two rings share any area: crossing edges,
// or either ring fully containing a vertex of the other.
func Intersects(a, b Ring) bool {
	if len(a) < 3 || len(b) < 3 {
		return false
	}
	for i := range a {
		p1 := a[i]
		p2 := a[(i+1)%len(a)]
		for j := range b {
			q1 := b[j]
			q2 := b[(j+1)%len(b)]
			if segmentsIntersect(p1, p2, q1, q2) {
				return true
			}
		}
	}
	if contains(a, b[0]) {
		return true
	}
	return contains(b, a[0])
}

func normalize(points []Point) []Point {
	out := make([]Point, 0, len(points))
	for _, p := range points {
		if len(out) > 0 && samePoint(out[len(out)-1], p) {
			continue
		}
		out = append(out, p)
	}
	if len(out) > 1 && samePoint(out[0], out[len(out)-1]) {
		out = out[:len(out)-1]
	}
	return out
}

func samePoint(a, b Point) bool {
	return math.Abs(a.Lat-b.Lat) < epsilon && math.Abs(a.Lon-b.Lon) < epsilon
}

func signedArea(ring []Point) float64 {
	area := 0.0
	for i := range ring {
		j := (i + 1) % len(ring)
		area += ring[i].Lon*ring[j].Lat - ring[j].Lon*ring[i].Lat
	}
	return area / 2
}

func selfIntersects(ring []Point) bool {
	n := len(ring)
	for i := 0; i < n; i++ {
		p1 := ring[i]
		p2 := ring[(i+1)%n]
		for j := i + 1; j < n; j++ {
			// adjacent edges share a vertex and never count as crossing
			if j == i || (j+1)%n == i || j == (i+1)%n {
				continue
			}
			q1 := ring[j]
			q2 := ring[(j+1)%n]
			if segmentsIntersect(p1, p2, q1, q2) {
				return true
			}
		}
	}
	return false
}

func segmentsIntersect(p1, p2, q1, q2 Point) bool {
	d1 := cross(q1, q2, p1)
	d2 := cross(q1, q2, p2)
	d3 := cross(p1, p2, q1)
	d4 := cross(p1, p2, q2)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}

	if math.Abs(d1) < epsilon && onSegment(q1, q2, p1) {
		return true
	}
	if math.Abs(d2) < epsilon && onSegment(q1, q2, p2) {
		return true
	}
	if math.Abs(d3) < epsilon && onSegment(p1, p2, q1) {
		return true
	}
	if math.Abs(d4) < epsilon && onSegment(p1, p2, q2) {
		return true
	}
	return false
}

func cross(a, b, c Point) float64 {
	return (b.Lon-a.Lon)*(c.Lat-a.Lat) - (b.Lat-a.Lat)*(c.Lon-a.Lon)
}

func onSegment(a, b, c Point) bool {
	return math.Min(a.Lon, b.Lon)-epsilon <= c.Lon && c.Lon <= math.Max(a.Lon, b.Lon)+epsilon &&
		math.Min(a.Lat, b.Lat)-epsilon <= c.Lat && c.Lat <= math.Max(a.Lat, b.Lat)+epsilon
}

// contains implements the ray casting test for a point inside a ring.
func contains(ring Ring, p Point) bool {
	inside := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi := ring[i]
		pj := ring[j]
		if (pi.Lat > p.Lat) != (pj.Lat > p.Lat) {
			x := (pj.Lon-pi.Lon)*(p.Lat-pi.Lat)/(pj.Lat-pi.Lat) + pi.Lon
			if p.Lon < x {
				inside = !inside
			}
		}
	}
	return inside
}
