package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/urban-raster-service/internal/adapter/sqlstore"
	"github.com/couchcryptid/urban-raster-service/internal/cog"
	"github.com/couchcryptid/urban-raster-service/internal/domain"
	"github.com/couchcryptid/urban-raster-service/internal/geotiff"
	"github.com/couchcryptid/urban-raster-service/internal/observability"
)

var models = []string{"weather.TemperatureRaster", "weather.HumidityRaster"}

func openStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "rasters.db") + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	s, err := sqlstore.Open(context.Background(), sqlstore.DriverSQLite, dsn, models, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func saveRaster(t *testing.T, s *sqlstore.Store, model string, day int) domain.OwnerRef {
	t.Helper()
	g := domain.NewGrid(4, 3, domain.GeoTransform{OriginX: 691000, OriginY: 5336000, PixelWidth: 50, PixelHeight: -50}, 25832, domain.DefaultNoData)
	for i := range g.Data {
		g.Data[i] = float32(i)
	}
	owner, err := s.SaveRaster(context.Background(), &domain.SourceRaster{
		Owner:      domain.OwnerRef{Group: "weather", Model: model},
		Name:       model,
		ObservedAt: time.Date(2024, 7, day, 12, 0, 0, 0, time.UTC),
		Grid:       g,
		Resolution: 50,
		Method:     domain.MethodIDW,
	})
	require.NoError(t, err)
	return owner
}

func TestCheckFlags(t *testing.T) {
	tests := []struct {
		name    string
		model   string
		id      int64
		wantErr string
	}{
		{name: "everything"},
		{name: "one model", model: "weather.TemperatureRaster"},
		{name: "one raster", model: "weather.TemperatureRaster", id: 3},
		{name: "id without model", id: 3, wantErr: "-id requires -model"},
		{name: "negative id", model: "weather.TemperatureRaster", id: -1, wantErr: "-id must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkFlags(tt.model, tt.id)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSelectOwners(t *testing.T) {
	s := openStore(t)
	t1 := saveRaster(t, s, "TemperatureRaster", 3)
	t2 := saveRaster(t, s, "TemperatureRaster", 4)
	h1 := saveRaster(t, s, "HumidityRaster", 3)

	tests := []struct {
		name    string
		model   string
		id      int64
		want    []domain.OwnerRef
		wantErr string
	}{
		{name: "all models", want: []domain.OwnerRef{t1, t2, h1}},
		{name: "one model", model: "weather.HumidityRaster", want: []domain.OwnerRef{h1}},
		{name: "one raster", model: "weather.TemperatureRaster", id: t2.ID, want: []domain.OwnerRef{t2}},
		{name: "malformed key", model: "TemperatureRaster", wantErr: "TemperatureRaster"},
		{name: "unregistered model", model: "weather.TmrtRaster", wantErr: "not registered"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := selectOwners(context.Background(), s, tt.model, tt.id)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestExportOne(t *testing.T) {
	s := openStore(t)
	owner := saveRaster(t, s, "TemperatureRaster", 3)
	root := t.TempDir()
	exporter := cog.NewExporter(root, geotiff.DefaultEncodeOptions(), s, s, slog.Default(), observability.NewMetricsForTesting())

	ev, err := exportOne(context.Background(), s, exporter, owner)
	require.NoError(t, err)
	assert.Equal(t, owner, ev.Owner)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, filepath.Join(root, "weather", "TemperatureRaster", ev.Key[len("weather/TemperatureRaster/"):]), ev.Path)
	info, err := os.Stat(ev.Path)
	require.NoError(t, err)
	assert.Equal(t, ev.Size, info.Size())

	_, err = exportOne(context.Background(), s, exporter, domain.OwnerRef{Group: "weather", Model: "TemperatureRaster", ID: 999})
	require.ErrorIs(t, err, domain.ErrNotFound)
}
