package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/couchcryptid/urban-raster-service/internal/domain"
	"github.com/couchcryptid/urban-raster-service/internal/observability"
	"github.com/couchcryptid/urban-raster-service/internal/raster"
)

// SampleSource returns the latest station values of a variable.
type SampleSource interface {
	SamplesNear(ctx context.Context, variable string, at time.Time, window time.Duration, within *domain.Bounds) ([]domain.SamplePoint, error)
}

// RasterSaver persists a generated raster and assigns its ID.
type RasterSaver interface {
	SaveRaster(ctx context.Context, r *domain.SourceRaster) (domain.OwnerRef, error)
}

// GridExporter writes a saved raster as a COG and records it.
type GridExporter interface {
	ExportGrid(ctx context.Context, src *domain.SourceRaster) (domain.Artifact, error)
}

// GeneratorOptions bounds the work done for a single job.
type GeneratorOptions struct {
	SRID       int
	MaxSamples int
	Timeout    time.Duration
	Window     time.Duration
	BufferM    float64
}

// RasterGenerator turns raster jobs into exported COGs and their announcement
// events. It implements Transformer.
type RasterGenerator struct {
	samples  SampleSource
	saver    RasterSaver
	exporter GridExporter
	opts     GeneratorOptions
	logger   *slog.Logger
	metrics  *observability.Metrics
	newID    func() string
}

// NewGenerator wires a RasterGenerator.
func NewGenerator(samples SampleSource, saver RasterSaver, exporter GridExporter, opts GeneratorOptions, logger *slog.Logger, metrics *observability.Metrics) *RasterGenerator {
	return &RasterGenerator{
		samples:  samples,
		saver:    saver,
		exporter: exporter,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
		newID:    uuid.NewString,
	}
}

// Transform runs one job: collect samples, interpolate, optionally reproject,
// save, export, and build the ArtifactExported event.
func (g *RasterGenerator) Transform(ctx context.Context, raw domain.RawEvent) (domain.OutputEvent, error) {
	job, err := domain.ParseRasterJob(raw)
	if err != nil {
		return domain.OutputEvent{}, err
	}

	src, err := g.Generate(ctx, job)
	if err != nil {
		return domain.OutputEvent{}, err
	}

	artifact, err := g.exporter.ExportGrid(ctx, src)
	if err != nil {
		return domain.OutputEvent{}, fmt.Errorf("export %s: %w", src.Owner, err)
	}
	return domain.SerializeArtifactExported(domain.NewArtifactExported(g.newID(), src, artifact))
}

// Generate interpolates and saves the raster of job without exporting it.
func (g *RasterGenerator) Generate(ctx context.Context, job domain.RasterJob) (*domain.SourceRaster, error) {
	geographic := raster.IsGeographic(g.opts.SRID)
	window := time.Duration(job.Window)
	if window == 0 {
		window = g.opts.Window
	}

	var within *domain.Bounds
	if job.Bounds != nil {
		b := domain.BufferBounds(*job.Bounds, g.opts.BufferM, geographic)
		within = &b
	}
	samples, err := g.samples.SamplesNear(ctx, job.Variable, job.ObservedAt, window, within)
	if err != nil {
		return nil, fmt.Errorf("load %s samples: %w", job.Variable, err)
	}
	if len(samples) > g.opts.MaxSamples {
		return nil, domain.InvalidParameterf("%d samples exceed the limit of %d", len(samples), g.opts.MaxSamples)
	}

	bounds, err := jobBounds(job, samples, g.opts.BufferM, geographic)
	if err != nil {
		return nil, err
	}

	ictx, cancel := ctx, context.CancelFunc(func() {})
	if g.opts.Timeout > 0 {
		ictx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
	}
	defer cancel()
	start := time.Now()
	grid, err := domain.Interpolate(ictx, domain.InterpolationRequest{
		Samples:    samples,
		Bounds:     bounds,
		Resolution: job.Resolution,
		Method:     job.Method,
		SRID:       g.opts.SRID,
	})
	if err != nil {
		return nil, err
	}
	g.metrics.InterpolationDuration.WithLabelValues(string(job.Method)).Observe(time.Since(start).Seconds())

	if job.TargetSRID != 0 && job.TargetSRID != g.opts.SRID {
		grid, err = raster.Reproject(ictx, grid, g.opts.SRID, job.TargetSRID, raster.ResamplingFor(job.Categorical))
		if err != nil {
			return nil, err
		}
	}

	src := &domain.SourceRaster{
		Owner:       domain.OwnerRef{Group: job.Group, Model: job.Model},
		Name:        job.Name,
		ObservedAt:  job.ObservedAt.UTC(),
		Grid:        grid,
		Categorical: job.Categorical,
		Style:       job.Style,
		Resolution:  job.Resolution,
		Method:      job.Method,
		Metadata: map[string]any{
			"variable": job.Variable,
			"samples":  len(samples),
			"window":   window.String(),
		},
	}
	if _, err := g.saver.SaveRaster(ctx, src); err != nil {
		return nil, err
	}
	g.logger.Info("raster generated",
		"layer", src.Owner.LayerKey(),
		"variable", job.Variable,
		"method", job.Method,
		"samples", len(samples),
		"width", grid.Width,
		"height", grid.Height,
		"srid", grid.SRID,
	)
	return src, nil
}

// jobBounds returns the job's extent, or the buffered extent of the samples
// when the job names none.
func jobBounds(job domain.RasterJob, samples []domain.SamplePoint, bufferM float64, geographic bool) (domain.Bounds, error) {
	if job.Bounds != nil {
		return *job.Bounds, nil
	}
	b, ok := domain.SampleBounds(samples)
	if !ok {
		return domain.Bounds{}, fmt.Errorf("%w: no %s measurements near %s",
			domain.ErrInsufficientData, job.Variable, job.ObservedAt.Format(time.RFC3339))
	}
	b = domain.BufferBounds(b, bufferM, geographic)
	if err := b.Validate(); err != nil {
		return domain.Bounds{}, err
	}
	return b, nil
}

// errorReason labels a job failure for the job_errors_total metric.
func errorReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidParameter):
		return "invalid"
	case errors.Is(err, domain.ErrInsufficientData):
		return "insufficient"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrIO):
		return "io"
	default:
		return "other"
	}
}
