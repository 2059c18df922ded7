package raster

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/urban-raster-service/internal/domain"
)

// Resampling selects how destination pixels read the source grid.
type Resampling int

const (
	// Nearest copies the closest source cell. Required for categorical rasters.
	Nearest Resampling = iota
	// Bilinear blends the four surrounding cell centers. For continuous rasters.
	Bilinear
)

func (r Resampling) String() string {
	if r == Bilinear {
		return "bilinear"
	}
	return "nearest"
}

// ParseResampling accepts "nearest" and "bilinear".
func ParseResampling(s string) (Resampling, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nearest", "near":
		return Nearest, nil
	case "bilinear":
		return Bilinear, nil
	default:
		return Nearest, domain.InvalidParameterf("unknown resampling %q", s)
	}
}

// ResamplingFor picks nearest for class rasters so no class values are invented.
func ResamplingFor(categorical bool) Resampling {
	if categorical {
		return Nearest
	}
	return Bilinear
}

// edgeSamples is the number of segments each source edge is split into when
// estimating the destination extent.
const edgeSamples = 20

// AssignCRS labels a grid with srid without touching pixels or transform. It
// is a metadata operation, not a reprojection.
func AssignCRS(g *domain.Grid, srid int) (*domain.Grid, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if _, err := LookupCRS(srid); err != nil {
		return nil, err
	}
	out := g.Clone()
	out.SRID = srid
	return out, nil
}

// Reproject warps g from srcSRID to dstSRID. A zero srcSRID falls back to the
// grid's own SRID; when both are zero the target is assigned, not warped.
func Reproject(ctx context.Context, g *domain.Grid, srcSRID, dstSRID int, rs Resampling) (*domain.Grid, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if srcSRID == 0 {
		srcSRID = g.SRID
	}
	if dstSRID == 0 {
		return nil, domain.InvalidParameterf("target CRS is required")
	}
	if srcSRID == 0 {
		return AssignCRS(g, dstSRID)
	}
	if srcSRID == dstSRID {
		if _, err := LookupCRS(dstSRID); err != nil {
			return nil, err
		}
		out := g.Clone()
		out.SRID = dstSRID
		return out, nil
	}

	fwd, err := NewTransformer(srcSRID, dstSRID)
	if err != nil {
		return nil, err
	}
	inv, err := NewTransformer(dstSRID, srcSRID)
	if err != nil {
		return nil, err
	}

	out, err := SuggestedGrid(g, fwd, dstSRID)
	if err != nil {
		return nil, err
	}
	if err := warp(ctx, g, inv, out, rs); err != nil {
		return nil, fmt.Errorf("reproject EPSG:%d to EPSG:%d: %w", srcSRID, dstSRID, err)
	}
	return out, nil
}

// Warp resamples g, georeferenced in srcSRID, onto the prepared grid dst,
// which keeps its own transform, size and SRID. Cells outside g stay nodata.
// Warping back onto the source grid's shape restores its extent exactly,
// which a second Reproject does not: the bounding box grows wherever the two
// grids are rotated against each other.
func Warp(ctx context.Context, g *domain.Grid, srcSRID int, dst *domain.Grid, rs Resampling) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if err := dst.Validate(); err != nil {
		return err
	}
	if srcSRID == 0 {
		srcSRID = g.SRID
	}
	if srcSRID == 0 || dst.SRID == 0 {
		return domain.InvalidParameterf("warp needs a source and a target CRS")
	}
	inv, err := NewTransformer(dst.SRID, srcSRID)
	if err != nil {
		return err
	}
	if err := warp(ctx, g, inv, dst, rs); err != nil {
		return fmt.Errorf("warp EPSG:%d to EPSG:%d: %w", srcSRID, dst.SRID, err)
	}
	return nil
}

// warp fills out by mapping each pixel center through inv into g.
func warp(ctx context.Context, g *domain.Grid, inv Transformer, out *domain.Grid, rs Resampling) error {
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for row := range out.Height {
		eg.Go(func() error {
			if err := egctx.Err(); err != nil {
				return err
			}
			for col := range out.Width {
				x, y := out.PixelCenter(col, row)
				sx, sy, err := inv(x, y)
				if err != nil {
					continue
				}
				px, py := g.WorldToPixel(sx, sy)
				if v, ok := Sample(g, px, py, rs); ok {
					out.Set(col, row, v)
				}
			}
			return nil
		})
	}
	return eg.Wait()
}

// TransformBounds maps b through fwd by sampling its edges and returns the
// bounding box of the transformed points.
func TransformBounds(b domain.Bounds, fwd Transformer) (domain.Bounds, error) {
	ext := domain.EmptyBounds()
	n := 0
	add := func(x, y float64) {
		tx, ty, err := fwd(x, y)
		if err != nil || math.IsNaN(tx) || math.IsNaN(ty) || math.IsInf(tx, 0) || math.IsInf(ty, 0) {
			return
		}
		ext = ext.Extend(tx, ty)
		n++
	}
	for i := 0; i <= edgeSamples; i++ {
		t := float64(i) / edgeSamples
		x := b.MinX + t*b.Width()
		y := b.MinY + t*b.Height()
		add(x, b.MinY)
		add(x, b.MaxY)
		add(b.MinX, y)
		add(b.MaxX, y)
	}
	if n < 2 || ext.Width() <= 0 || ext.Height() <= 0 {
		return domain.Bounds{}, domain.IOError("transform bounds", fmt.Errorf("extent %+v has no valid image", b))
	}
	return ext, nil
}

// SuggestedGrid computes the destination grid for warping g with fwd: the
// bounding box of the transformed edges, sized to keep the number of pixels
// along the diagonal.
func SuggestedGrid(g *domain.Grid, fwd Transformer, dstSRID int) (*domain.Grid, error) {
	ext, err := TransformBounds(g.Bounds(), fwd)
	if err != nil {
		return nil, fmt.Errorf("suggest EPSG:%d grid: %w", dstSRID, err)
	}

	res := math.Hypot(ext.Width(), ext.Height()) / math.Hypot(float64(g.Width), float64(g.Height))
	width := max(1, int(math.Round(ext.Width()/res)))
	height := max(1, int(math.Round(ext.Height()/res)))

	// Pixels are stretched slightly so the grid covers the extent exactly.
	return domain.NewGrid(width, height, domain.GeoTransform{
		OriginX:     ext.MinX,
		OriginY:     ext.MaxY,
		PixelWidth:  ext.Width() / float64(width),
		PixelHeight: -ext.Height() / float64(height),
	}, dstSRID, g.NoData), nil
}

// Sample reads g at continuous pixel coordinates (px, py). It reports false
// outside the grid or on nodata.
func Sample(g *domain.Grid, px, py float64, rs Resampling) (float32, bool) {
	if px < 0 || py < 0 || px >= float64(g.Width) || py >= float64(g.Height) {
		return 0, false
	}
	if rs == Bilinear {
		if v, ok := bilinear(g, px, py); ok {
			return v, true
		}
	}
	v := g.At(int(px), int(py))
	if g.IsNoData(v) {
		return 0, false
	}
	return v, true
}

// bilinear weights the four cell centers around (px, py). Edges clamp; any
// nodata neighbour makes the caller fall back to nearest.
func bilinear(g *domain.Grid, px, py float64) (float32, bool) {
	fx, fy := px-0.5, py-0.5
	x0, y0 := int(math.Floor(fx)), int(math.Floor(fy))
	dx, dy := fx-float64(x0), fy-float64(y0)
	x1, y1 := x0+1, y0+1
	x0, x1 = clamp(x0, 0, g.Width-1), clamp(x1, 0, g.Width-1)
	y0, y1 = clamp(y0, 0, g.Height-1), clamp(y1, 0, g.Height-1)

	v00, v10, v01, v11 := g.At(x0, y0), g.At(x1, y0), g.At(x0, y1), g.At(x1, y1)
	if g.IsNoData(v00) || g.IsNoData(v10) || g.IsNoData(v01) || g.IsNoData(v11) {
		return 0, false
	}
	v := float64(v00)*(1-dx)*(1-dy) +
		float64(v10)*dx*(1-dy) +
		float64(v01)*(1-dx)*dy +
		float64(v11)*dx*dy
	return float32(v), true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
