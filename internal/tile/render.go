package tile

import (
	"bytes"
	"image"
	"image/png"
	"runtime"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/urban-raster-service/internal/domain"
	"github.com/couchcryptid/urban-raster-service/internal/raster"
)

var encoder = png.Encoder{CompressionLevel: png.BestSpeed}

// chooseLevel picks the coarsest level whose pixels are no larger than the
// tile's pixels, or the full-resolution image when none qualifies.
func chooseLevel(ds *dataset, tilePixel float64) int {
	levels := ds.file.Levels()
	for i := len(levels) - 1; i > 0; i-- {
		if ds.levelPixelSize(i) <= tilePixel {
			return i
		}
	}
	return 0
}

// render samples the tile's pixel centers from the chosen level with nearest
// neighbour. An empty result means no pixel had data.
func (s *Service) render(ds *dataset, geo domain.TileGeo, rs renderStyle) ([]byte, error) {
	g, err := s.level(ds, chooseLevel(ds, geo.PixelSize))
	if err != nil {
		return nil, err
	}

	img := image.NewNRGBA(image.Rect(0, 0, domain.TileSize, domain.TileSize))
	stepX := geo.Mercator.Width() / domain.TileSize
	stepY := geo.Mercator.Height() / domain.TileSize
	var painted atomic.Bool

	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for row := range domain.TileSize {
		eg.Go(func() error {
			my := geo.Mercator.MaxY - (float64(row)+0.5)*stepY
			for col := range domain.TileSize {
				mx := geo.Mercator.MinX + (float64(col)+0.5)*stepX
				x, y, err := ds.fromMerc(mx, my)
				if err != nil {
					continue
				}
				px, py := g.WorldToPixel(x, y)
				v, ok := raster.Sample(g, px, py, raster.Nearest)
				if !ok {
					continue
				}
				img.SetNRGBA(col, row, rs.color(v))
				painted.Store(true)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if !painted.Load() {
		return []byte{}, nil
	}

	var buf bytes.Buffer
	if err := encoder.Encode(&buf, img); err != nil {
		return nil, domain.IOError("encode png", err)
	}
	return buf.Bytes(), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
