package domain

import (
	"math"
)

// DefaultNoData is the sentinel written to cells without a value.
const DefaultNoData = -9999.0

// GeoTransform maps pixel (col, row) to world coordinates. Rotation is always zero.
type GeoTransform struct {
	OriginX     float64 `json:"origin_x"`
	OriginY     float64 `json:"origin_y"`
	PixelWidth  float64 `json:"pixel_width"`
	PixelHeight float64 `json:"pixel_height"` // negative for north-up grids
}

// Grid is a single-band north-up raster held in memory.
type Grid struct {
	Width     int
	Height    int
	Data      []float32 // row-major, len Width*Height
	Transform GeoTransform
	SRID      int // 0 when no CRS is assigned
	NoData    float64
}

// NewGrid allocates a grid filled with nodata.
func NewGrid(width, height int, transform GeoTransform, srid int, nodata float64) *Grid {
	g := &Grid{
		Width:     width,
		Height:    height,
		Data:      make([]float32, width*height),
		Transform: transform,
		SRID:      srid,
		NoData:    nodata,
	}
	fill := float32(nodata)
	for i := range g.Data {
		g.Data[i] = fill
	}
	return g
}

// Validate checks the grid's shape and transform.
func (g *Grid) Validate() error {
	if g == nil {
		return InvalidParameterf("grid is nil")
	}
	if g.Width <= 0 || g.Height <= 0 {
		return InvalidParameterf("grid dimensions must be positive, got %dx%d", g.Width, g.Height)
	}
	if len(g.Data) != g.Width*g.Height {
		return InvalidParameterf("grid has %d values, want %d", len(g.Data), g.Width*g.Height)
	}
	if g.Transform.PixelWidth <= 0 || g.Transform.PixelHeight >= 0 {
		return InvalidParameterf("grid must be north-up with positive pixel width, got %+v", g.Transform)
	}
	return nil
}

func (g *Grid) At(col, row int) float32 {
	return g.Data[row*g.Width+col]
}

func (g *Grid) Set(col, row int, v float32) {
	g.Data[row*g.Width+col] = v
}

// IsNoData reports whether v is the grid's nodata sentinel or NaN.
func (g *Grid) IsNoData(v float32) bool {
	return v != v || float64(v) == float64(float32(g.NoData))
}

// Bounds returns the outer extent of the grid.
func (g *Grid) Bounds() Bounds {
	t := g.Transform
	x1 := t.OriginX + float64(g.Width)*t.PixelWidth
	y1 := t.OriginY + float64(g.Height)*t.PixelHeight
	return Bounds{
		MinX: math.Min(t.OriginX, x1),
		MinY: math.Min(t.OriginY, y1),
		MaxX: math.Max(t.OriginX, x1),
		MaxY: math.Max(t.OriginY, y1),
	}
}

// PixelCenter returns the world coordinate of a cell center.
func (g *Grid) PixelCenter(col, row int) (x, y float64) {
	t := g.Transform
	return t.OriginX + (float64(col)+0.5)*t.PixelWidth, t.OriginY + (float64(row)+0.5)*t.PixelHeight
}

// WorldToPixel returns continuous pixel coordinates; (0,0) is the top-left corner
// of the first cell and (0.5,0.5) its center.
func (g *Grid) WorldToPixel(x, y float64) (px, py float64) {
	t := g.Transform
	return (x - t.OriginX) / t.PixelWidth, (y - t.OriginY) / t.PixelHeight
}

// Stats returns the minimum and maximum of the non-nodata cells.
func (g *Grid) Stats() (minV, maxV float64, ok bool) {
	minV, maxV = math.Inf(1), math.Inf(-1)
	for _, v := range g.Data {
		if g.IsNoData(v) {
			continue
		}
		f := float64(v)
		if f < minV {
			minV = f
		}
		if f > maxV {
			maxV = f
		}
		ok = true
	}
	if !ok {
		return 0, 0, false
	}
	return minV, maxV, true
}

// Clone returns a deep copy.
func (g *Grid) Clone() *Grid {
	c := *g
	c.Data = make([]float32, len(g.Data))
	copy(c.Data, g.Data)
	return &c
}
