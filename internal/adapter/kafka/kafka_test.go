package kafka

import (
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/urban-raster-service/internal/domain"
)

func TestMapMessageToRawEvent(t *testing.T) {
	now := time.Now()
	msg := kafkago.Message{
		Key:       []byte("weather.TemperatureRaster"),
		Value:     []byte(`{"variable":"temperature_c"}`),
		Topic:     "raster-jobs",
		Partition: 2,
		Offset:    42,
		Time:      now,
		Headers: []kafkago.Header{
			{Key: "source", Value: []byte("scheduler")},
		},
	}

	raw := mapMessageToRawEvent(msg)

	assert.Equal(t, []byte("weather.TemperatureRaster"), raw.Key)
	assert.JSONEq(t, `{"variable":"temperature_c"}`, string(raw.Value))
	assert.Equal(t, "raster-jobs", raw.Topic)
	assert.Equal(t, 2, raw.Partition)
	assert.Equal(t, int64(42), raw.Offset)
	assert.Equal(t, now, raw.Timestamp)
	assert.Equal(t, "scheduler", raw.Headers["source"])
	assert.Nil(t, raw.Commit)
}

func TestToMessage(t *testing.T) {
	exported := time.Date(2024, 7, 3, 13, 0, 0, 0, time.UTC)
	src := &domain.SourceRaster{
		Owner:      domain.OwnerRef{Group: "weather", Model: "TemperatureRaster", ID: 3},
		ObservedAt: time.Date(2024, 7, 3, 12, 0, 0, 0, time.UTC),
		Grid:       domain.NewGrid(4, 2, domain.GeoTransform{PixelWidth: 1, PixelHeight: -1}, 25832, domain.DefaultNoData),
	}
	ev := domain.NewArtifactExported("evt-1", src, domain.Artifact{
		Owner: src.Owner, Path: "/cogs/x.tif", Key: "weather/TemperatureRaster/3_20240703.tif", ExportedAt: exported,
	})
	out, err := domain.SerializeArtifactExported(ev)
	require.NoError(t, err)

	msg := toMessage(out)

	assert.Equal(t, []byte("weather.TemperatureRaster.3"), msg.Key)
	assert.Contains(t, string(msg.Value), `"layer":"weather.TemperatureRaster.3"`)
	assert.Contains(t, string(msg.Value), `"width":4`)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, []byte("artifact_exported"), msg.Headers[0].Value)
	assert.Equal(t, "exported_at", msg.Headers[1].Key)
	assert.Equal(t, []byte(exported.Format(time.RFC3339)), msg.Headers[1].Value)
}
