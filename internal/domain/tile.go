package domain

import "math"

// TileSize is the edge length of rendered tiles in pixels.
const TileSize = 256

// WebMercatorSRID is the CRS of XYZ tiles.
const WebMercatorSRID = 3857

// webMercatorRadius is the sphere radius of EPSG:3857.
const webMercatorRadius = 6378137.0

// MaxTileZoom is the deepest zoom level accepted by TileBounds.
const MaxTileZoom = 30

// TileCoord is an XYZ slippy-map address.
type TileCoord struct {
	Z, X, Y int
}

// Validate checks z against maxZoom and x, y against 0..2^z-1.
func (t TileCoord) Validate(maxZoom int) error {
	if maxZoom <= 0 || maxZoom > MaxTileZoom {
		maxZoom = MaxTileZoom
	}
	if t.Z < 0 || t.Z > maxZoom {
		return InvalidParameterf("zoom %d outside 0..%d", t.Z, maxZoom)
	}
	n := 1 << t.Z
	if t.X < 0 || t.X >= n || t.Y < 0 || t.Y >= n {
		return InvalidParameterf("tile %d/%d/%d outside 0..%d", t.Z, t.X, t.Y, n-1)
	}
	return nil
}

// TileGeo holds the geographic and Web Mercator extents of a tile.
type TileGeo struct {
	Coord     TileCoord
	LonLat    Bounds // west, south, east, north in degrees
	Mercator  Bounds // EPSG:3857 meters
	PixelSize float64
}

// TileBounds converts an XYZ address into its extents using
// lon = x/2^z*360-180 and lat = atan(sinh(π(1-2y/2^z)))*180/π at the corners
// (x, y) and (x+1, y+1).
func TileBounds(z, x, y, maxZoom int) (TileGeo, error) {
	c := TileCoord{Z: z, X: x, Y: y}
	if err := c.Validate(maxZoom); err != nil {
		return TileGeo{}, err
	}
	west, north := tileCorner(z, x, y)
	east, south := tileCorner(z, x+1, y+1)
	minX, minY := LonLatToMercator(west, south)
	maxX, maxY := LonLatToMercator(east, north)
	return TileGeo{
		Coord:     c,
		LonLat:    Bounds{MinX: west, MinY: south, MaxX: east, MaxY: north},
		Mercator:  Bounds{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY},
		PixelSize: (maxX - minX) / TileSize,
	}, nil
}

func tileCorner(z, x, y int) (lon, lat float64) {
	n := math.Exp2(float64(z))
	lon = float64(x)/n*360 - 180
	lat = math.Atan(math.Sinh(math.Pi*(1-2*float64(y)/n))) * 180 / math.Pi
	return lon, lat
}

// LonLatToMercator projects degrees onto the EPSG:3857 plane.
func LonLatToMercator(lon, lat float64) (x, y float64) {
	x = webMercatorRadius * lon * math.Pi / 180
	y = webMercatorRadius * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))
	return x, y
}

// MercatorResolution returns the ground size of one tile pixel at zoom z on the equator.
func MercatorResolution(z int) float64 {
	return 2 * math.Pi * webMercatorRadius / (TileSize * math.Exp2(float64(z)))
}

// ZoomForResolution returns the shallowest zoom whose pixel is no larger than res meters.
func ZoomForResolution(res float64, maxZoom int) int {
	if res <= 0 {
		return maxZoom
	}
	z := int(math.Ceil(math.Log2(2 * math.Pi * webMercatorRadius / (TileSize * res))))
	return max(0, min(z, maxZoom))
}
