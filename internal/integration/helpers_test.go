//go:build integration

package integration_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"

	"github.com/couchcryptid/urban-raster-service/internal/adapter/sqlstore"
	"github.com/couchcryptid/urban-raster-service/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startKafka runs a single-node KRaft broker and returns its address.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	ctr, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("raster-test"))
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start kafka container")

	brokers, err := ctr.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	cc, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer cc.Close()

	require.NoError(t, cc.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

type minioServer struct {
	endpoint  string
	accessKey string
	secretKey string
}

func startMinio(ctx context.Context, t *testing.T) minioServer {
	t.Helper()
	ctr, err := tcminio.Run(ctx, "minio/minio:RELEASE.2024-01-16T16-07-38Z")
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start minio container")

	endpoint, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)
	return minioServer{endpoint: endpoint, accessKey: ctr.Username, secretKey: ctr.Password}
}

var testModels = []string{"weather.TemperatureRaster", "weather.HumidityRaster"}

func openStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "rasters.db") + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	s, err := sqlstore.Open(context.Background(), sqlstore.DriverSQLite, dsn, testModels, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var observed = time.Date(2024, 7, 3, 12, 0, 0, 0, time.UTC)

// seedStations stores a 3x3 station lattice with one temperature reading each.
func seedStations(ctx context.Context, t *testing.T, store *sqlstore.Store) {
	t.Helper()
	var ms []domain.Measurement
	for i := range 9 {
		st := domain.Station{
			ID:     "st-" + strconv.Itoa(i),
			Name:   "Station " + strconv.Itoa(i),
			X:      691000 + float64(i%3)*500,
			Y:      5335000 + float64(i/3)*500,
			Active: true,
		}
		require.NoError(t, store.UpsertStation(ctx, st))
		ms = append(ms, domain.Measurement{
			StationID:  st.ID,
			ObservedAt: observed,
			Variable:   domain.VarTemperature,
			Value:      18 + float64(i),
		})
	}
	n, err := store.SaveMeasurements(ctx, ms)
	require.NoError(t, err)
	require.Equal(t, len(ms), n)
}
