//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/urban-raster-service/internal/adapter/kafka"
	"github.com/couchcryptid/urban-raster-service/internal/cog"
	"github.com/couchcryptid/urban-raster-service/internal/config"
	"github.com/couchcryptid/urban-raster-service/internal/domain"
	"github.com/couchcryptid/urban-raster-service/internal/geotiff"
	"github.com/couchcryptid/urban-raster-service/internal/observability"
	"github.com/couchcryptid/urban-raster-service/internal/pipeline"
)

const (
	testJobTopic   = "test-raster-jobs"
	testEventTopic = "test-raster-artifacts"
)

// announcement holds a deserialized message read from the event topic.
type announcement struct {
	Event   domain.ArtifactExported
	Key     string
	Headers map[string]string
}

func readAnnouncement(ctx context.Context, t *testing.T, consumer *kafkago.Reader) announcement {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "read from event topic")

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	var ev domain.ArtifactExported
	require.NoError(t, json.Unmarshal(msg.Value, &ev), "unmarshal artifact event")
	return announcement{Event: ev, Key: string(msg.Key), Headers: headers}
}

func kafkaConfig(broker, group string) *config.Config {
	return &config.Config{
		KafkaEnabled:       true,
		KafkaBrokers:       []string{broker},
		KafkaJobTopic:      testJobTopic,
		KafkaEventTopic:    testEventTopic,
		KafkaGroupID:       fmt.Sprintf("%s-%d", group, time.Now().UnixNano()),
		BatchFlushInterval: 2 * time.Second,
	}
}

func eventConsumer(t *testing.T, broker string) *kafkago.Reader {
	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testEventTopic,
		GroupID:     fmt.Sprintf("test-events-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })
	return consumer
}

func temperatureJob() domain.RasterJob {
	return domain.RasterJob{
		Group:      "weather",
		Model:      "TemperatureRaster",
		Name:       "Air temperature 2024-07-03 12:00",
		Variable:   domain.VarTemperature,
		ObservedAt: observed,
		Window:     domain.Duration(time.Hour),
		Resolution: 100,
		Method:     domain.MethodIDW,
	}
}

// TestKafkaReaderWriter round-trips a job through the reader and an artifact
// event through the writer.
func TestKafkaReaderWriter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testJobTopic)
	createTopic(t, broker, testEventTopic)
	cfg := kafkaConfig(broker, "test-reader")

	payload, err := json.Marshal(temperatureJob())
	require.NoError(t, err)
	producer := &kafkago.Writer{Addr: kafkago.TCP(broker), Topic: testJobTopic}
	t.Cleanup(func() { _ = producer.Close() })
	require.NoError(t, producer.WriteMessages(ctx, kafkago.Message{Key: []byte("weather.TemperatureRaster"), Value: payload}))

	// The consumer group may need a rebalance before partitions are assigned.
	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })
	var batch []domain.RawEvent
	for len(batch) == 0 {
		batch, err = reader.ExtractBatch(ctx, 1)
		require.NoError(t, err)
	}
	require.Len(t, batch, 1)
	raw := batch[0]
	assert.Equal(t, payload, raw.Value)
	assert.Equal(t, testJobTopic, raw.Topic)
	require.NotNil(t, raw.Commit)
	require.NoError(t, raw.Commit(ctx))

	job, err := domain.ParseRasterJob(raw)
	require.NoError(t, err)
	assert.Equal(t, "TemperatureRaster", job.Model)

	ev := domain.ArtifactExported{
		ID:         "evt-1",
		Owner:      domain.OwnerRef{Group: "weather", Model: "TemperatureRaster", ID: 3},
		Layer:      "weather.TemperatureRaster.3",
		Key:        "weather/TemperatureRaster/3_20240703.tif",
		ObservedAt: observed,
		ExportedAt: observed.Add(time.Minute),
	}
	out, err := domain.SerializeArtifactExported(ev)
	require.NoError(t, err)

	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })
	require.NoError(t, writer.LoadBatch(ctx, []domain.OutputEvent{out}))

	got := readAnnouncement(ctx, t, eventConsumer(t, broker))
	assert.Equal(t, "weather.TemperatureRaster.3", got.Key)
	assert.Equal(t, "artifact_exported", got.Headers["event_type"])
	assert.Equal(t, ev.Key, got.Event.Key)
	assert.True(t, ev.ExportedAt.Equal(got.Event.ExportedAt))
}

// TestPipelineEndToEnd consumes jobs from Kafka, interpolates stored station
// readings, writes COGs, and announces them on the event topic. The invalid
// job in front is skipped.
func TestPipelineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testJobTopic)
	createTopic(t, broker, testEventTopic)
	cfg := kafkaConfig(broker, "test-pipeline")

	store := openStore(t)
	seedStations(ctx, t, store)

	root := t.TempDir()
	metrics := observability.NewMetricsForTesting()
	exporter := cog.NewExporter(root, geotiff.DefaultEncodeOptions(), store, store, discardLogger(), metrics)
	generator := pipeline.NewGenerator(store, store, exporter, pipeline.GeneratorOptions{
		SRID:       25832,
		MaxSamples: 1000,
		Timeout:    30 * time.Second,
		Window:     time.Hour,
		BufferM:    500,
	}, discardLogger(), metrics)

	good, err := json.Marshal(temperatureJob())
	require.NoError(t, err)
	producer := &kafkago.Writer{Addr: kafkago.TCP(broker), Topic: testJobTopic}
	t.Cleanup(func() { _ = producer.Close() })
	require.NoError(t, producer.WriteMessages(ctx,
		kafkago.Message{Key: []byte("bad"), Value: []byte("not-json{{{")},
		kafkago.Message{Key: []byte("weather.TemperatureRaster"), Value: good},
	))

	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })
	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	p := pipeline.New(reader, generator, writer, discardLogger(), metrics, 10)
	pipelineCtx, pipelineCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(pipelineCtx) }()

	consumer := eventConsumer(t, broker)
	got := readAnnouncement(ctx, t, consumer)

	assert.Equal(t, "artifact_exported", got.Headers["event_type"])
	assert.Equal(t, got.Event.Layer, got.Key)
	assert.Equal(t, "weather", got.Event.Owner.Group)
	assert.Equal(t, 25832, got.Event.SRID)
	assert.Equal(t, fmt.Sprintf("weather/TemperatureRaster/%d_20240703.tif", got.Event.Owner.ID), got.Event.Key)
	assert.Equal(t, filepath.Join(root, filepath.FromSlash(got.Event.Key)), got.Event.Path)

	info, err := os.Stat(got.Event.Path)
	require.NoError(t, err)
	assert.Equal(t, got.Event.Size, info.Size())

	ds, err := geotiff.ReadFile(got.Event.Path)
	require.NoError(t, err)
	assert.Equal(t, got.Event.Width, ds.Width)
	assert.Equal(t, 25832, ds.SRID)

	layer, err := store.ResolveLayer(ctx, domain.LayerRef{Group: "weather", Model: "TemperatureRaster"})
	require.NoError(t, err)
	assert.Equal(t, got.Event.Path, layer.Path)

	// Only one announcement: the malformed job was skipped.
	readCtx, readCancel := context.WithTimeout(ctx, 5*time.Second)
	_, err = consumer.ReadMessage(readCtx)
	readCancel()
	assert.Error(t, err, "expected no second artifact event")

	pipelineCancel()
	require.NoError(t, <-errCh)
}
