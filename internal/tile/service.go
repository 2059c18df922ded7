// Package tile renders XYZ Web Mercator PNG tiles from exported COGs.
package tile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/couchcryptid/urban-raster-service/internal/domain"
	"github.com/couchcryptid/urban-raster-service/internal/geotiff"
	"github.com/couchcryptid/urban-raster-service/internal/observability"
	"github.com/couchcryptid/urban-raster-service/internal/raster"
)

// LayerResolver finds the exported raster behind a layer key. Unknown layers
// and rasters without a recorded artifact are ErrNotFound.
type LayerResolver interface {
	ResolveLayer(ctx context.Context, ref domain.LayerRef) (domain.Layer, error)
}

// Options tunes caching and the accepted zoom range.
type Options struct {
	MaxZoom          int
	TileCacheSize    int64
	DatasetCacheSize int
	TileTTL          time.Duration
}

// Service answers tile and info requests.
type Service struct {
	layers   LayerResolver
	opts     Options
	datasets *lruCache[fileKey, *dataset]
	levels   *lruCache[levelKey, *domain.Grid]
	tiles    *ccache.Cache[[]byte]
	renders  singleflight.Group
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewService creates a tile service. Zero options fall back to defaults.
func NewService(layers LayerResolver, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if opts.MaxZoom <= 0 {
		opts.MaxZoom = 24
	}
	if opts.TileCacheSize <= 0 {
		opts.TileCacheSize = 2048
	}
	if opts.DatasetCacheSize <= 0 {
		opts.DatasetCacheSize = 16
	}
	if opts.TileTTL <= 0 {
		opts.TileTTL = 10 * time.Minute
	}
	return &Service{
		layers:   layers,
		opts:     opts,
		datasets: newLRUCache[fileKey, *dataset](opts.DatasetCacheSize),
		levels:   newLRUCache[levelKey, *domain.Grid](opts.DatasetCacheSize * 4),
		tiles:    ccache.New(ccache.Configure[[]byte]().MaxSize(opts.TileCacheSize)),
		logger:   logger,
		metrics:  metrics,
	}
}

// MaxZoom is the deepest zoom served.
func (s *Service) MaxZoom() int { return s.opts.MaxZoom }

// Close stops the tile cache's background worker.
func (s *Service) Close() {
	s.tiles.Stop()
}

// GetTile renders tile z/x/y of layerKey as a 256x256 PNG. ok is false when
// there is nothing to draw: unknown layer, missing artifact, or a tile outside
// the raster's coverage. Style overrides the layer's render defaults.
func (s *Service) GetTile(ctx context.Context, layerKey string, z, x, y int, style domain.Style) ([]byte, bool, error) {
	png, ok, err := s.getTile(ctx, layerKey, z, x, y, style)
	switch {
	case errors.Is(err, domain.ErrInvalidParameter):
		s.metrics.TileRequests.WithLabelValues("invalid").Inc()
	case err != nil:
		s.metrics.TileRequests.WithLabelValues("error").Inc()
	case !ok:
		s.metrics.TileRequests.WithLabelValues("no_data").Inc()
	default:
		s.metrics.TileRequests.WithLabelValues("ok").Inc()
	}
	return png, ok, err
}

func (s *Service) getTile(ctx context.Context, layerKey string, z, x, y int, style domain.Style) ([]byte, bool, error) {
	geo, err := domain.TileBounds(z, x, y, s.opts.MaxZoom)
	if err != nil {
		return nil, false, err
	}
	if style.Colormap != "" {
		if _, err := LookupColormap(style.Colormap); err != nil {
			return nil, false, err
		}
	}

	layer, ok, err := s.lookup(ctx, layerKey)
	if err != nil || !ok {
		return nil, false, err
	}
	ds, ok, err := s.open(layer)
	if err != nil || !ok {
		return nil, false, err
	}
	if !ds.mercator.Intersects(geo.Mercator) {
		return nil, false, nil
	}
	rs, err := resolveStyle(layer, style, ds.min, ds.max)
	if err != nil {
		return nil, false, err
	}

	key := fmt.Sprintf("%s|%d/%d/%d|%s", ds.key, z, x, y, rs.cacheKey())
	if item := s.tiles.Get(key); item != nil && !item.Expired() {
		s.metrics.TileCache.WithLabelValues("hit").Inc()
		png := item.Value()
		return png, len(png) > 0, nil
	}
	s.metrics.TileCache.WithLabelValues("miss").Inc()

	v, err, _ := s.renders.Do(key, func() (any, error) {
		start := time.Now()
		png, err := s.render(ds, geo, rs)
		if err != nil {
			return nil, err
		}
		s.metrics.TileRenderDuration.Observe(time.Since(start).Seconds())
		s.tiles.Set(key, png, s.opts.TileTTL)
		return png, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("render tile %s %d/%d/%d: %w", layerKey, z, x, y, err)
	}
	png := v.([]byte)
	return png, len(png) > 0, nil
}

// lookup resolves a layer key for tile requests. Malformed and unknown keys
// both mean no data.
func (s *Service) lookup(ctx context.Context, layerKey string) (domain.Layer, bool, error) {
	ref, err := domain.ParseLayerKey(layerKey)
	if err != nil {
		s.logger.Debug("tile for unparseable layer key", "layer", layerKey, "error", err)
		return domain.Layer{}, false, nil
	}
	layer, err := s.layers.ResolveLayer(ctx, ref)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Layer{}, false, nil
	}
	if err != nil {
		return domain.Layer{}, false, fmt.Errorf("resolve layer %s: %w", layerKey, err)
	}
	if layer.Path == "" {
		return domain.Layer{}, false, nil
	}
	return layer, true, nil
}

// Info describes the exported raster behind layerKey.
type Info struct {
	Layer           string        `json:"layer"`
	Name            string        `json:"name"`
	Key             string        `json:"key"`
	Bounds          domain.Bounds `json:"bounds"`
	WGS84Bounds     domain.Bounds `json:"wgs84_bounds"`
	SRID            int           `json:"srid"`
	Width           int           `json:"width"`
	Height          int           `json:"height"`
	NoData          float64       `json:"nodata"`
	Overviews       []LevelSize   `json:"overviews"`
	MinZoom         int           `json:"minzoom"`
	MaxZoom         int           `json:"maxzoom"`
	Categorical     bool          `json:"categorical"`
	Colormap        string        `json:"colormap"`
	Rescale         [2]float64    `json:"rescale"`
	PixelSizeMeters float64       `json:"pixel_size_m"`
	ObservedAt      time.Time     `json:"observed_at"`
	ExportedAt      time.Time     `json:"exported_at"`
}

// LevelSize is the pixel size of one overview.
type LevelSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Info reads the artifact header of layerKey. Unknown layers and rasters that
// were never exported are ErrNotFound.
func (s *Service) Info(ctx context.Context, layerKey string) (Info, error) {
	ref, err := domain.ParseLayerKey(layerKey)
	if err != nil {
		return Info{}, err
	}
	layer, err := s.layers.ResolveLayer(ctx, ref)
	if err != nil {
		return Info{}, fmt.Errorf("resolve layer %s: %w", layerKey, err)
	}
	if layer.Path == "" {
		return Info{}, domain.NotFoundf("layer %s has no exported artifact", layerKey)
	}
	ds, ok, err := s.open(layer)
	if err != nil {
		return Info{}, err
	}
	if !ok {
		return Info{}, domain.NotFoundf("artifact of layer %s is missing", layerKey)
	}
	rs, err := resolveStyle(layer, domain.Style{}, ds.min, ds.max)
	if err != nil {
		return Info{}, err
	}

	levels := ds.file.Levels()
	info := Info{
		Layer:           layer.Key,
		Name:            layer.Name,
		Key:             layerKey,
		Bounds:          ds.file.Bounds(),
		WGS84Bounds:     ds.lonLat,
		SRID:            ds.file.SRID,
		Width:           ds.file.Width,
		Height:          ds.file.Height,
		NoData:          ds.file.NoData,
		MinZoom:         domain.ZoomForResolution(ds.levelPixelSize(len(levels)-1), s.opts.MaxZoom),
		MaxZoom:         domain.ZoomForResolution(ds.levelPixelSize(0), s.opts.MaxZoom),
		Categorical:     layer.Categorical,
		Colormap:        rs.cmap.Name,
		Rescale:         [2]float64{rs.min, rs.max},
		PixelSizeMeters: ds.groundPixel,
		ObservedAt:      layer.ObservedAt,
		ExportedAt:      layer.ExportedAt,
	}
	for _, l := range levels[1:] {
		info.Overviews = append(info.Overviews, LevelSize{Width: l.Width, Height: l.Height})
	}
	return info, nil
}

// fileKey identifies one version of an artifact on disk. A re-export changes
// mtime or size, which invalidates every cache entry derived from the file.
type fileKey struct {
	path  string
	mtime int64
	size  int64
}

func (k fileKey) String() string {
	return k.path + "|" + strconv.FormatInt(k.mtime, 10) + "|" + strconv.FormatInt(k.size, 10)
}

type levelKey struct {
	file  fileKey
	level int
}

// dataset is a decoded artifact plus the derived geometry tiles need.
type dataset struct {
	key         fileKey
	file        *geotiff.Dataset
	fromMerc    raster.Transformer
	mercator    domain.Bounds
	lonLat      domain.Bounds
	groundPixel float64
	min, max    float64
}

// levelPixelSize is the Web Mercator width of one pixel of level i.
func (d *dataset) levelPixelSize(i int) float64 {
	levels := d.file.Levels()
	if i < 0 || i >= len(levels) {
		return 0
	}
	return d.mercator.Width() / float64(levels[i].Width)
}

// open returns the decoded dataset of layer's artifact. ok is false when the
// recorded file no longer exists.
func (s *Service) open(layer domain.Layer) (*dataset, bool, error) {
	info, err := os.Stat(layer.Path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("recorded artifact missing on disk", "layer", layer.Key, "path", layer.Path)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, domain.IOError("stat "+layer.Path, err)
	}
	key := fileKey{path: layer.Path, mtime: info.ModTime().UnixNano(), size: info.Size()}
	if ds, ok := s.datasets.get(key); ok {
		return ds, true, nil
	}

	file, err := geotiff.ReadFile(layer.Path)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	ds, err := s.prepare(key, file)
	if err != nil {
		return nil, false, fmt.Errorf("open %s: %w", layer.Path, err)
	}
	s.datasets.put(key, ds)
	return ds, true, nil
}

func (s *Service) prepare(key fileKey, file *geotiff.Dataset) (*dataset, error) {
	if file.SRID == 0 {
		return nil, domain.IOError("read CRS", errors.New("artifact has no CRS"))
	}
	toMerc, err := raster.NewTransformer(file.SRID, domain.WebMercatorSRID)
	if err != nil {
		return nil, domain.IOError("transform to web mercator", err)
	}
	fromMerc, err := raster.NewTransformer(domain.WebMercatorSRID, file.SRID)
	if err != nil {
		return nil, domain.IOError("transform from web mercator", err)
	}
	toLonLat, err := raster.NewTransformer(file.SRID, 4326)
	if err != nil {
		return nil, domain.IOError("transform to WGS84", err)
	}
	native := file.Bounds()
	merc, err := raster.TransformBounds(native, toMerc)
	if err != nil {
		return nil, err
	}
	lonLat, err := raster.TransformBounds(native, toLonLat)
	if err != nil {
		return nil, err
	}

	ds := &dataset{
		key:      key,
		file:     file,
		fromMerc: fromMerc,
		mercator: merc,
		lonLat:   lonLat,
	}

	cx, cy := (native.MinX+native.MaxX)/2, (native.MinY+native.MaxY)/2
	lon1, lat1, err1 := toLonLat(cx, cy)
	lon2, lat2, err2 := toLonLat(cx+file.Transform.PixelWidth, cy)
	if err1 == nil && err2 == nil {
		ds.groundPixel = domain.GeodesicDistance(lon1, lat1, lon2, lat2)
	}

	base, err := s.level(ds, 0)
	if err != nil {
		return nil, err
	}
	ds.min, ds.max, _ = base.Stats()
	return ds, nil
}

// level returns overview i of ds, decoding it on first use.
func (s *Service) level(ds *dataset, i int) (*domain.Grid, error) {
	key := levelKey{file: ds.key, level: i}
	if g, ok := s.levels.get(key); ok {
		return g, nil
	}
	g, err := ds.file.ReadLevel(i)
	if err != nil {
		return nil, err
	}
	s.levels.put(key, g)
	return g, nil
}
