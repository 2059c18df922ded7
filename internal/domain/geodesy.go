package domain

import (
	"math"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean Earth radius used for geodesic distances.
const EarthRadiusMeters = 6371008.8

// GeodesicDistance returns the great-circle distance in meters between two WGS84 points.
func GeodesicDistance(lon1, lat1, lon2, lat2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// BufferBounds grows b by meters. Geographic extents are grown in degrees,
// widening longitude by the latitude of the extent's center.
func BufferBounds(b Bounds, meters float64, geographic bool) Bounds {
	if !geographic {
		return b.Expand(meters)
	}
	dLat := s1.Angle(meters / EarthRadiusMeters).Degrees()
	centerLat := (b.MinY + b.MaxY) / 2
	cos := math.Cos(centerLat * math.Pi / 180)
	dLon := dLat
	if cos > 1e-6 {
		dLon = dLat / cos
	}
	return Bounds{
		MinX: math.Max(b.MinX-dLon, -180),
		MinY: math.Max(b.MinY-dLat, -90),
		MaxX: math.Min(b.MaxX+dLon, 180),
		MaxY: math.Min(b.MaxY+dLat, 90),
	}
}
