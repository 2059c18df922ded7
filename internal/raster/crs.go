// Package raster assigns and transforms coordinate reference systems of grids.
package raster

import (
	"fmt"
	"math"
	"sync"

	"github.com/ctessum/geom/proj"

	"github.com/couchcryptid/urban-raster-service/internal/domain"
)

// CRS is a supported coordinate reference system.
type CRS struct {
	SRID       int    `json:"srid"`
	Name       string `json:"name"`
	Proj4      string `json:"proj4"`
	Geographic bool   `json:"geographic"`
}

const (
	wgs84    = 4326
	mercator = domain.WebMercatorSRID

	webMercatorProj4 = "+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0 +k=1.0 +units=m +nadgrids=@null +no_defs"
)

var registry = buildRegistry()

func buildRegistry() map[int]CRS {
	r := map[int]CRS{
		4326: {SRID: 4326, Name: "WGS 84", Proj4: "+proj=longlat +datum=WGS84 +no_defs", Geographic: true},
		4258: {SRID: 4258, Name: "ETRS89", Proj4: "+proj=longlat +ellps=GRS80 +towgs84=0,0,0,0,0,0,0 +no_defs", Geographic: true},
		3857: {SRID: 3857, Name: "WGS 84 / Pseudo-Mercator", Proj4: webMercatorProj4},
		27700: {SRID: 27700, Name: "OSGB36 / British National Grid", Proj4: "+proj=tmerc +lat_0=49 +lon_0=-2 +k=0.9996012717 +x_0=400000 +y_0=-100000 +ellps=airy +towgs84=446.448,-125.157,542.06,0.15,0.247,0.842,-20.489 +units=m +no_defs"},
	}
	for zone := 1; zone <= 60; zone++ {
		r[32600+zone] = CRS{
			SRID:  32600 + zone,
			Name:  fmt.Sprintf("WGS 84 / UTM zone %dN", zone),
			Proj4: fmt.Sprintf("+proj=utm +zone=%d +datum=WGS84 +units=m +no_defs", zone),
		}
		r[32700+zone] = CRS{
			SRID:  32700 + zone,
			Name:  fmt.Sprintf("WGS 84 / UTM zone %dS", zone),
			Proj4: fmt.Sprintf("+proj=utm +zone=%d +south +datum=WGS84 +units=m +no_defs", zone),
		}
	}
	for zone := 28; zone <= 38; zone++ {
		r[25800+zone] = CRS{
			SRID:  25800 + zone,
			Name:  fmt.Sprintf("ETRS89 / UTM zone %dN", zone),
			Proj4: fmt.Sprintf("+proj=utm +zone=%d +ellps=GRS80 +towgs84=0,0,0,0,0,0,0 +units=m +no_defs", zone),
		}
	}
	return r
}

// LookupCRS returns the registered CRS for srid.
func LookupCRS(srid int) (CRS, error) {
	c, ok := registry[srid]
	if !ok {
		return CRS{}, domain.InvalidParameterf("unsupported CRS code EPSG:%d", srid)
	}
	return c, nil
}

// IsGeographic reports whether srid uses degrees. Unknown codes are treated as projected.
func IsGeographic(srid int) bool {
	return registry[srid].Geographic
}

// Transformer maps a coordinate from one CRS to another.
type Transformer func(x, y float64) (float64, float64, error)

var (
	srMu    sync.Mutex
	srCache = map[int]*proj.SR{}
)

func spatialRef(c CRS) (*proj.SR, error) {
	srMu.Lock()
	defer srMu.Unlock()
	if sr, ok := srCache[c.SRID]; ok {
		return sr, nil
	}
	sr, err := proj.Parse(c.Proj4)
	if err != nil {
		return nil, domain.IOError(fmt.Sprintf("parse EPSG:%d", c.SRID), err)
	}
	srCache[c.SRID] = sr
	return sr, nil
}

// NewTransformer builds a coordinate transform between two registered codes.
// WGS84 and Web Mercator convert with closed-form spherical formulas.
func NewTransformer(src, dst int) (Transformer, error) {
	srcCRS, err := LookupCRS(src)
	if err != nil {
		return nil, err
	}
	dstCRS, err := LookupCRS(dst)
	if err != nil {
		return nil, err
	}
	switch {
	case src == dst:
		return func(x, y float64) (float64, float64, error) { return x, y, nil }, nil
	case src == wgs84 && dst == mercator:
		return lonLatToMercator, nil
	case src == mercator && dst == wgs84:
		return mercatorToLonLat, nil
	}

	srcSR, err := spatialRef(srcCRS)
	if err != nil {
		return nil, err
	}
	dstSR, err := spatialRef(dstCRS)
	if err != nil {
		return nil, err
	}
	t, err := srcSR.NewTransform(dstSR)
	if err != nil {
		return nil, domain.IOError(fmt.Sprintf("transform EPSG:%d to EPSG:%d", src, dst), err)
	}
	return Transformer(t), nil
}

func lonLatToMercator(lon, lat float64) (float64, float64, error) {
	if lat <= -90 || lat >= 90 {
		return 0, 0, fmt.Errorf("latitude %g outside the mercator domain", lat)
	}
	x, y := domain.LonLatToMercator(lon, lat)
	return x, y, nil
}

func mercatorToLonLat(x, y float64) (float64, float64, error) {
	const r = 6378137.0
	lon := x / r * 180 / math.Pi
	lat := (2*math.Atan(math.Exp(y/r)) - math.Pi/2) * 180 / math.Pi
	return lon, lat, nil
}
