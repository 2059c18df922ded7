package domain

import (
	"math"
	"time"
)

// SamplePoint is a single scalar measurement at a location in the deployment CRS.
// A NaN Value marks a null measurement.
type SamplePoint struct {
	X     float64   `json:"x"`
	Y     float64   `json:"y"`
	Value float64   `json:"value"`
	Time  time.Time `json:"time,omitzero"`
}

// Valid reports whether the coordinates and value are finite.
func (s SamplePoint) Valid() bool {
	return isFinite(s.X) && isFinite(s.Y) && isFinite(s.Value)
}

// Bounds is an axis-aligned extent in CRS units.
type Bounds struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

func (b Bounds) Width() float64  { return b.MaxX - b.MinX }
func (b Bounds) Height() float64 { return b.MaxY - b.MinY }

// Validate requires finite coordinates and a positive width and height.
func (b Bounds) Validate() error {
	if !isFinite(b.MinX) || !isFinite(b.MinY) || !isFinite(b.MaxX) || !isFinite(b.MaxY) {
		return InvalidParameterf("bounds must be finite, got %+v", b)
	}
	if b.Width() <= 0 || b.Height() <= 0 {
		return InvalidParameterf("bounds must have positive width and height, got %+v", b)
	}
	return nil
}

// Intersects reports whether the two extents overlap with a positive area.
func (b Bounds) Intersects(o Bounds) bool {
	return b.MinX < o.MaxX && o.MinX < b.MaxX && b.MinY < o.MaxY && o.MinY < b.MaxY
}

// Contains reports whether the point lies inside or on the edge of b.
func (b Bounds) Contains(x, y float64) bool {
	return x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

// Expand grows b by d on every side.
func (b Bounds) Expand(d float64) Bounds {
	return Bounds{MinX: b.MinX - d, MinY: b.MinY - d, MaxX: b.MaxX + d, MaxY: b.MaxY + d}
}

// Extend returns the smallest extent containing b and the point.
func (b Bounds) Extend(x, y float64) Bounds {
	return Bounds{
		MinX: math.Min(b.MinX, x),
		MinY: math.Min(b.MinY, y),
		MaxX: math.Max(b.MaxX, x),
		MaxY: math.Max(b.MaxY, y),
	}
}

// EmptyBounds is the identity for Extend.
func EmptyBounds() Bounds {
	return Bounds{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
}

// SampleBounds returns the extent of the valid samples, or false when there are none.
func SampleBounds(samples []SamplePoint) (Bounds, bool) {
	b := EmptyBounds()
	n := 0
	for _, s := range samples {
		if !s.Valid() {
			continue
		}
		b = b.Extend(s.X, s.Y)
		n++
	}
	return b, n > 0
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
