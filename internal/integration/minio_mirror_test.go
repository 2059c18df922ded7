//go:build integration

package integration_test

import (
	"context"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	minioadapter "github.com/couchcryptid/urban-raster-service/internal/adapter/minio"
	"github.com/couchcryptid/urban-raster-service/internal/cog"
	"github.com/couchcryptid/urban-raster-service/internal/domain"
	"github.com/couchcryptid/urban-raster-service/internal/geotiff"
	"github.com/couchcryptid/urban-raster-service/internal/observability"
)

// TestExportMirrorsToMinio exports a stored raster twice and checks that the
// bucket holds the current artifact under its relative key.
func TestExportMirrorsToMinio(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	srv := startMinio(ctx, t)
	opts := minioadapter.Options{
		Endpoint:  srv.endpoint,
		AccessKey: srv.accessKey,
		SecretKey: srv.secretKey,
		Bucket:    "cogs",
	}
	mirror, err := minioadapter.NewMirror(ctx, opts, discardLogger())
	require.NoError(t, err)
	// A second client finds the bucket already present.
	_, err = minioadapter.NewMirror(ctx, opts, discardLogger())
	require.NoError(t, err)

	store := openStore(t)
	g := domain.NewGrid(40, 30, domain.GeoTransform{OriginX: 691000, OriginY: 5336000, PixelWidth: 25, PixelHeight: -25}, 25832, domain.DefaultNoData)
	for i := range g.Data {
		g.Data[i] = float32(i % 17)
	}
	owner, err := store.SaveRaster(ctx, &domain.SourceRaster{
		Owner:      domain.OwnerRef{Group: "weather", Model: "HumidityRaster"},
		Name:       "Relative humidity",
		ObservedAt: observed,
		Grid:       g,
		Resolution: 25,
		Method:     domain.MethodIDW,
	})
	require.NoError(t, err)

	metrics := observability.NewMetricsForTesting()
	exporter := cog.NewExporter(t.TempDir(), geotiff.DefaultEncodeOptions(), store, store, discardLogger(), metrics, cog.WithMirror(mirror))
	first, err := exporter.Export(ctx, owner)
	require.NoError(t, err)
	second, err := exporter.Export(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, first.Key, second.Key)

	client, err := minio.New(srv.endpoint, &minio.Options{Creds: credentials.NewStaticV4(srv.accessKey, srv.secretKey, "")})
	require.NoError(t, err)
	stat, err := client.StatObject(ctx, "cogs", second.Key, minio.StatObjectOptions{})
	require.NoError(t, err)
	assert.Equal(t, second.Size, stat.Size)
	assert.Equal(t, minioadapter.ContentType, stat.ContentType)

	require.NoError(t, mirror.Remove(ctx, second.Key))
	_, err = client.StatObject(ctx, "cogs", second.Key, minio.StatObjectOptions{})
	assert.Error(t, err)
}
