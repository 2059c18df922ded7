package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestJSONLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "json", slog.LevelWarn)
	logger.Info("hidden")
	logger.Warn("export slow", "layer", "weather.TemperatureRaster.1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "export slow", line["msg"])
	assert.Equal(t, "weather.TemperatureRaster.1", line["layer"])
	assert.Equal(t, "urban-raster-service", line["app"])
}

func TestTextLoggerIsNotJSON(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "text", slog.LevelInfo).Info("tile rendered")
	assert.Contains(t, buf.String(), "tile rendered")
	assert.False(t, json.Valid(buf.Bytes()))
}

func TestMetricsForTestingAreUsable(t *testing.T) {
	m := NewMetricsForTesting()
	m.TileRequests.WithLabelValues("no_data").Inc()
	m.JobErrors.WithLabelValues("invalid").Add(2)
	assert.InDelta(t, 1, testutil.ToFloat64(m.TileRequests.WithLabelValues("no_data")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.JobErrors.WithLabelValues("invalid")), 0)
}

func TestMetricsWithPrivateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)
	m.ArtifactsExported.Inc()

	n, err := testutil.GatherAndCount(reg, "raster_pipeline_artifacts_exported_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ArtifactsExported), 0)

	// A second set on another registry does not collide.
	assert.NotPanics(t, func() { NewMetricsWith(prometheus.NewRegistry()) })
}
