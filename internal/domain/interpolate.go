package domain

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// idwEpsilon keeps the weight finite when a node coincides with a sample.
const idwEpsilon = 1e-10

// maxGridCells bounds the allocation of a single interpolation (~400 MB of float32).
const maxGridCells = 100_000_000

// InterpolationRequest describes one interpolation run. The output grid uses
// DefaultNoData and carries SRID unchanged.
type InterpolationRequest struct {
	Samples    []SamplePoint
	Bounds     Bounds
	Resolution float64
	Method     Method
	SRID       int
}

// GridShape returns the column and row counts for bounds at resolution.
func GridShape(b Bounds, resolution float64) (width, height int, err error) {
	if math.IsNaN(resolution) || math.IsInf(resolution, 0) || resolution <= 0 {
		return 0, 0, InvalidParameterf("resolution must be a positive number, got %g", resolution)
	}
	if err := b.Validate(); err != nil {
		return 0, 0, err
	}
	w := math.Ceil(b.Width() / resolution)
	h := math.Ceil(b.Height() / resolution)
	if w*h > maxGridCells {
		return 0, 0, InvalidParameterf("grid of %.0fx%.0f cells exceeds the limit of %d", w, h, maxGridCells)
	}
	return int(w), int(h), nil
}

// Interpolate turns scattered samples into a north-up grid covering req.Bounds.
// It has no side effects; rows are evaluated concurrently and ctx cancels the run.
func Interpolate(ctx context.Context, req InterpolationRequest) (*Grid, error) {
	width, height, err := GridShape(req.Bounds, req.Resolution)
	if err != nil {
		return nil, err
	}
	if !req.Method.Valid() {
		return nil, InvalidParameterf("unknown interpolation method %q", req.Method)
	}

	samples := validSamples(req.Samples)
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no valid sample points among %d", ErrInsufficientData, len(req.Samples))
	}

	eval, err := newEvaluator(req.Method, samples)
	if err != nil {
		return nil, err
	}

	b := req.Bounds
	res := req.Resolution
	grid := NewGrid(width, height, GeoTransform{
		OriginX:     b.MinX,
		OriginY:     b.MaxY,
		PixelWidth:  res,
		PixelHeight: -res,
	}, req.SRID, DefaultNoData)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for row := range height {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			y := b.MinY + float64(height-1-row)*res
			for col := range width {
				x := b.MinX + float64(col)*res
				grid.Set(col, row, float32(eval(x, y)))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("interpolate %s: %w", req.Method, err)
	}
	return grid, nil
}

// evaluator returns the interpolated value at a world coordinate.
type evaluator func(x, y float64) float64

func newEvaluator(method Method, samples []SamplePoint) (evaluator, error) {
	if v, ok := constantValue(samples); ok {
		return func(_, _ float64) float64 { return v }, nil
	}
	switch method {
	case MethodIDW:
		return newIDW(samples), nil
	case MethodLinear, MethodKriging:
		return newRBF(method, samples)
	default:
		return nil, InvalidParameterf("unknown interpolation method %q", method)
	}
}

func newIDW(samples []SamplePoint) evaluator {
	return func(x, y float64) float64 {
		var num, den float64
		for _, s := range samples {
			w := 1 / (math.Hypot(x-s.X, y-s.Y) + idwEpsilon)
			num += w * s.Value
			den += w
		}
		return num / den
	}
}

// constantValue reports the shared value of zero-variance input. RBF systems
// are degenerate for it, so every method short-circuits to a flat grid.
func constantValue(samples []SamplePoint) (float64, bool) {
	v := samples[0].Value
	for _, s := range samples[1:] {
		if s.Value != v {
			return 0, false
		}
	}
	return v, true
}

func validSamples(in []SamplePoint) []SamplePoint {
	out := make([]SamplePoint, 0, len(in))
	for _, s := range in {
		if s.Valid() {
			out = append(out, s)
		}
	}
	return out
}
