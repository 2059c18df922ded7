// Package cog exports rasters as Cloud-Optimized GeoTIFFs at deterministic
// paths and records them on their owning records.
package cog

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/couchcryptid/urban-raster-service/internal/domain"
	"github.com/couchcryptid/urban-raster-service/internal/geotiff"
	"github.com/couchcryptid/urban-raster-service/internal/observability"
)

// RasterSource loads the owning record of a raster. A missing record is ErrNotFound.
type RasterSource interface {
	LoadRaster(ctx context.Context, owner domain.OwnerRef) (*domain.SourceRaster, error)
}

// ArtifactRecorder stores the artifact location on the owning record and
// returns the path that was recorded before, if any.
type ArtifactRecorder interface {
	RecordArtifact(ctx context.Context, artifact domain.Artifact) (previous string, err error)
}

// ObjectMirror copies a written artifact to object storage under key.
type ObjectMirror interface {
	Mirror(ctx context.Context, key, path string) error
}

// Exporter writes COGs under a root directory. Exports of the same owner are
// serialized; readers never observe a partially written file.
type Exporter struct {
	root     string
	opts     geotiff.EncodeOptions
	source   RasterSource
	recorder ArtifactRecorder
	mirror   ObjectMirror
	locks    *keyedMutex
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// Option configures optional Exporter collaborators.
type Option func(*Exporter)

// WithMirror uploads every exported artifact. Mirror failures are logged, not returned.
func WithMirror(m ObjectMirror) Option {
	return func(e *Exporter) { e.mirror = m }
}

// NewExporter creates an Exporter writing to root with the given encoding options.
func NewExporter(root string, opts geotiff.EncodeOptions, source RasterSource, recorder ArtifactRecorder, logger *slog.Logger, metrics *observability.Metrics, options ...Option) *Exporter {
	e := &Exporter{
		root:     root,
		opts:     opts,
		source:   source,
		recorder: recorder,
		locks:    newKeyedMutex(),
		logger:   logger,
		metrics:  metrics,
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// Root is the artifact directory.
func (e *Exporter) Root() string { return e.root }

// Export loads the raster owned by owner and exports it.
func (e *Exporter) Export(ctx context.Context, owner domain.OwnerRef) (domain.Artifact, error) {
	if err := owner.Validate(); err != nil {
		return domain.Artifact{}, err
	}
	src, err := e.source.LoadRaster(ctx, owner)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("load raster %s: %w", owner, err)
	}
	return e.ExportGrid(ctx, src)
}

// ExportGrid writes src to its artifact path, records it, and removes the
// previously recorded artifact when the path changed.
func (e *Exporter) ExportGrid(ctx context.Context, src *domain.SourceRaster) (domain.Artifact, error) {
	if src == nil {
		return domain.Artifact{}, domain.InvalidParameterf("source raster is nil")
	}
	if err := src.Owner.Validate(); err != nil {
		return domain.Artifact{}, err
	}
	if src.Grid == nil {
		return domain.Artifact{}, domain.NotFoundf("raster %s has no grid data", src.Owner)
	}

	unlock := e.locks.lock(src.Owner.LayerKey())
	defer unlock()
	if err := ctx.Err(); err != nil {
		return domain.Artifact{}, err
	}

	start := time.Now()
	key := src.ArtifactKey()
	path := key.Path(e.root)

	size, sum, err := e.WriteCOG(src.Grid, path)
	if err != nil {
		return domain.Artifact{}, err
	}

	artifact := domain.Artifact{
		Owner:      src.Owner,
		Path:       path,
		Key:        key.Key(),
		Size:       size,
		SHA256:     sum,
		ExportedAt: domain.Now(),
	}
	previous, err := e.recorder.RecordArtifact(ctx, artifact)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("record artifact %s: %w", src.Owner, err)
	}
	if previous != "" && previous != path {
		e.removeStale(previous)
	}

	if e.mirror != nil {
		if err := e.mirror.Mirror(ctx, artifact.Key, path); err != nil {
			e.logger.Warn("artifact mirror failed", "layer", src.Owner.LayerKey(), "key", artifact.Key, "error", err)
			e.metrics.MirrorErrors.Inc()
		}
	}

	e.metrics.ArtifactsExported.Inc()
	e.metrics.ExportDuration.Observe(time.Since(start).Seconds())
	e.metrics.ExportBytes.Observe(float64(size))
	e.logger.Info("artifact exported",
		"layer", src.Owner.LayerKey(),
		"path", path,
		"bytes", size,
		"width", src.Grid.Width,
		"height", src.Grid.Height,
		"duration", time.Since(start),
	)
	return artifact, nil
}

// WriteCOG encodes g to a unique temp file next to dest, syncs it, and renames
// it over dest. On failure the temp file is removed and any previous file at
// dest is left untouched. It returns the file size and SHA-256.
func (e *Exporter) WriteCOG(g *domain.Grid, dest string) (int64, string, error) {
	if err := g.Validate(); err != nil {
		return 0, "", err
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, "", domain.IOError("create artifact directory", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return 0, "", domain.IOError("create temp file", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	h := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(tmp, h)}
	bw := bufio.NewWriterSize(cw, 1<<20)
	if err := geotiff.Encode(bw, g, e.opts); err != nil {
		return 0, "", err
	}
	if err := bw.Flush(); err != nil {
		return 0, "", domain.IOError("write "+tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, "", domain.IOError("sync "+tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return 0, "", domain.IOError("close "+tmp.Name(), err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return 0, "", domain.IOError("chmod "+tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return 0, "", domain.IOError("rename to "+dest, err)
	}
	committed = true
	return cw.n, hex.EncodeToString(h.Sum(nil)), nil
}

// removeStale deletes a superseded artifact. Paths outside the root are never touched.
func (e *Exporter) removeStale(path string) {
	rel, err := filepath.Rel(e.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		e.logger.Warn("previous artifact outside artifact root, not removed", "path", path)
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.logger.Warn("remove previous artifact failed", "path", path, "error", err)
		return
	}
	e.logger.Debug("previous artifact removed", "path", path)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
