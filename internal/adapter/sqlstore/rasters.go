package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/couchcryptid/urban-raster-service/internal/domain"
)

// SaveRaster stores r and returns its owner with the assigned id. A raster of
// the same model and observation time is replaced in place, keeping its id and
// recorded artifact.
func (s *Store) SaveRaster(ctx context.Context, r *domain.SourceRaster) (domain.OwnerRef, error) {
	if r == nil {
		return domain.OwnerRef{}, domain.InvalidParameterf("raster is nil")
	}
	if err := s.requireModel(r.Owner); err != nil {
		return domain.OwnerRef{}, err
	}
	if err := r.Grid.Validate(); err != nil {
		return domain.OwnerRef{}, err
	}
	if r.ObservedAt.IsZero() {
		return domain.OwnerRef{}, domain.InvalidParameterf("raster %s has no observation time", r.Owner.ModelKey())
	}
	blob, err := encodeValues(r.Grid.Data)
	if err != nil {
		return domain.OwnerRef{}, fmt.Errorf("encode grid: %w", err)
	}
	meta := r.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return domain.OwnerRef{}, domain.InvalidParameterf("raster metadata: %v", err)
	}

	g := r.Grid
	var id int64
	err = s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO rasters (
			group_name, model, name, observed_at, width, height, srid,
			origin_x, origin_y, pixel_width, pixel_height, nodata, data,
			categorical, colormap, rescale_min, rescale_max, resolution, method, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (group_name, model, observed_at) DO UPDATE SET
			name = excluded.name, width = excluded.width, height = excluded.height,
			srid = excluded.srid, origin_x = excluded.origin_x, origin_y = excluded.origin_y,
			pixel_width = excluded.pixel_width, pixel_height = excluded.pixel_height,
			nodata = excluded.nodata, data = excluded.data, categorical = excluded.categorical,
			colormap = excluded.colormap, rescale_min = excluded.rescale_min,
			rescale_max = excluded.rescale_max, resolution = excluded.resolution,
			method = excluded.method, metadata = excluded.metadata
		RETURNING id`),
		r.Owner.Group, r.Owner.Model, r.Name, toMillis(r.ObservedAt), g.Width, g.Height, g.SRID,
		g.Transform.OriginX, g.Transform.OriginY, g.Transform.PixelWidth, g.Transform.PixelHeight,
		g.NoData, blob, r.Categorical, r.Style.Colormap, nullFloat(r.Style.RescaleMin),
		nullFloat(r.Style.RescaleMax), r.Resolution, string(r.Method), string(metaJSON),
	).Scan(&id)
	if err != nil {
		return domain.OwnerRef{}, fmt.Errorf("save raster %s: %w", r.Owner.ModelKey(), err)
	}
	r.Owner.ID = id
	return r.Owner, nil
}

// LoadRaster reads the owning record and its grid.
func (s *Store) LoadRaster(ctx context.Context, owner domain.OwnerRef) (*domain.SourceRaster, error) {
	if !s.models[owner.ModelKey()] {
		return nil, domain.NotFoundf("model %s is not a registered raster model", owner.ModelKey())
	}
	var (
		r                  = &domain.SourceRaster{Owner: owner, Grid: &domain.Grid{}}
		observed           int64
		blob               []byte
		rescaleMin, resMax sql.NullFloat64
		method, meta       string
		path               sql.NullString
		exported           sql.NullInt64
	)
	g := r.Grid
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT name, observed_at, width, height, srid, origin_x, origin_y, pixel_width, pixel_height,
			nodata, data, categorical, colormap, rescale_min, rescale_max, resolution, method, metadata,
			artifact_path, exported_at
		FROM rasters WHERE id = ? AND group_name = ? AND model = ?`),
		owner.ID, owner.Group, owner.Model,
	).Scan(&r.Name, &observed, &g.Width, &g.Height, &g.SRID,
		&g.Transform.OriginX, &g.Transform.OriginY, &g.Transform.PixelWidth, &g.Transform.PixelHeight,
		&g.NoData, &blob, &r.Categorical, &r.Style.Colormap, &rescaleMin, &resMax, &r.Resolution,
		&method, &meta, &path, &exported)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundf("raster %s", owner)
	}
	if err != nil {
		return nil, fmt.Errorf("load raster %s: %w", owner, err)
	}

	if g.Data, err = decodeValues(blob, g.Width*g.Height); err != nil {
		return nil, domain.IOError("decode raster "+owner.String(), err)
	}
	r.ObservedAt = fromMillis(observed)
	r.Method = domain.Method(method)
	r.Style.RescaleMin = floatPtr(rescaleMin)
	r.Style.RescaleMax = floatPtr(resMax)
	r.ArtifactPath = path.String
	if exported.Valid {
		r.ExportedAt = fromMillis(exported.Int64)
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
			s.logger.Warn("raster metadata is not valid JSON", "layer", owner.LayerKey(), "error", err)
		}
	}
	return r, nil
}

// RecordArtifact stores the artifact location on its owning record and returns
// the previously recorded path.
func (s *Store) RecordArtifact(ctx context.Context, a domain.Artifact) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin artifact tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var previous sql.NullString
	err = tx.QueryRowContext(ctx, s.rebind(
		`SELECT artifact_path FROM rasters WHERE id = ? AND group_name = ? AND model = ?`),
		a.Owner.ID, a.Owner.Group, a.Owner.Model,
	).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.NotFoundf("raster %s", a.Owner)
	}
	if err != nil {
		return "", fmt.Errorf("read artifact of %s: %w", a.Owner, err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE rasters SET artifact_path = ?, artifact_key = ?, artifact_sha256 = ?,
			artifact_size = ?, exported_at = ?
		WHERE id = ?`),
		a.Path, a.Key, a.SHA256, a.Size, toMillis(a.ExportedAt), a.Owner.ID)
	if err != nil {
		return "", fmt.Errorf("record artifact of %s: %w", a.Owner, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit artifact of %s: %w", a.Owner, err)
	}
	return previous.String, nil
}

const layerColumns = `id, group_name, model, name, observed_at, categorical, colormap,
	rescale_min, rescale_max, artifact_path, exported_at`

// ResolveLayer finds the raster named by ref. A model reference resolves to
// the raster with the newest observation that has been exported. Unregistered
// models and unknown ids are ErrNotFound; a raster that was never exported
// resolves with an empty Path.
func (s *Store) ResolveLayer(ctx context.Context, ref domain.LayerRef) (domain.Layer, error) {
	if !s.models[ref.ModelKey()] {
		return domain.Layer{}, domain.NotFoundf("model %s is not a registered raster model", ref.ModelKey())
	}
	var row *sql.Row
	if ref.Latest() {
		row = s.db.QueryRowContext(ctx, s.rebind(`
			SELECT `+layerColumns+` FROM rasters
			WHERE group_name = ? AND model = ? AND artifact_path IS NOT NULL
			ORDER BY observed_at DESC, id DESC LIMIT 1`), ref.Group, ref.Model)
	} else {
		row = s.db.QueryRowContext(ctx, s.rebind(`
			SELECT `+layerColumns+` FROM rasters
			WHERE id = ? AND group_name = ? AND model = ?`), ref.ID, ref.Group, ref.Model)
	}
	layer, err := scanLayer(row)
	if errors.Is(err, sql.ErrNoRows) {
		if ref.Latest() {
			return domain.Layer{}, domain.NotFoundf("model %s has no exported raster", ref.ModelKey())
		}
		return domain.Layer{}, domain.NotFoundf("raster %s.%d", ref.ModelKey(), ref.ID)
	}
	if err != nil {
		return domain.Layer{}, fmt.Errorf("resolve layer %s: %w", ref.ModelKey(), err)
	}
	return layer, nil
}

// ListLayers returns every registered model with its exported rasters, newest first.
func (s *Store) ListLayers(ctx context.Context) ([]domain.ModelLayers, error) {
	out := make([]domain.ModelLayers, 0, len(s.order))
	for _, key := range s.order {
		group, model, _ := domain.ParseModelKey(key)
		layers, err := s.queryLayers(ctx, group, model, true)
		if err != nil {
			return nil, err
		}
		ml := domain.ModelLayers{Model: key, Layers: layers}
		if len(layers) > 0 {
			ml.Latest = key
		}
		out = append(out, ml)
	}
	return out, nil
}

// Rasters lists all rasters of a registered model, exported or not, newest first.
func (s *Store) Rasters(ctx context.Context, modelKey string) ([]domain.Layer, error) {
	if !s.models[modelKey] {
		return nil, domain.NotFoundf("model %s is not a registered raster model", modelKey)
	}
	group, model, _ := domain.ParseModelKey(modelKey)
	return s.queryLayers(ctx, group, model, false)
}

func (s *Store) queryLayers(ctx context.Context, group, model string, exportedOnly bool) ([]domain.Layer, error) {
	query := `SELECT ` + layerColumns + ` FROM rasters WHERE group_name = ? AND model = ?`
	if exportedOnly {
		query += ` AND artifact_path IS NOT NULL`
	}
	query += ` ORDER BY observed_at DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), group, model)
	if err != nil {
		return nil, fmt.Errorf("query rasters of %s.%s: %w", group, model, err)
	}
	defer rows.Close()

	var out []domain.Layer
	for rows.Next() {
		l, err := scanLayer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan raster of %s.%s: %w", group, model, err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLayer(sc scanner) (domain.Layer, error) {
	var (
		l                  domain.Layer
		observed           int64
		rescaleMin, resMax sql.NullFloat64
		path               sql.NullString
		exported           sql.NullInt64
	)
	err := sc.Scan(&l.Owner.ID, &l.Owner.Group, &l.Owner.Model, &l.Name, &observed, &l.Categorical,
		&l.Style.Colormap, &rescaleMin, &resMax, &path, &exported)
	if err != nil {
		return domain.Layer{}, err
	}
	l.Key = l.Owner.LayerKey()
	l.ObservedAt = fromMillis(observed)
	l.Style.RescaleMin = floatPtr(rescaleMin)
	l.Style.RescaleMax = floatPtr(resMax)
	l.Path = path.String
	if exported.Valid {
		l.ExportedAt = fromMillis(exported.Int64)
	}
	return l, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
