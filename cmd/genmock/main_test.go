package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/urban-raster-service/internal/domain"
)

var testLayout = layout{count: 10, centerX: 691000, centerY: 5335000, spacing: 750, seed: 42}

func TestMockStations_Deterministic(t *testing.T) {
	a := mockStations(testLayout)
	b := mockStations(testLayout)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("stations differ between runs (-a +b):\n%s", diff)
	}

	require.Len(t, a, 10)
	assert.Equal(t, "mock-001", a[0].ID)
	assert.False(t, a[9].Active)
	ids := map[string]bool{}
	for _, st := range a {
		ids[st.ID] = true
		// 4x4 lattice, jitter at most 15% of the spacing.
		assert.InDelta(t, 691000, st.X, 1.5*750+0.15*750)
		assert.InDelta(t, 5335000, st.Y, 1.5*750+0.15*750)
	}
	assert.Len(t, ids, 10)
}

func TestMockMeasurements(t *testing.T) {
	start := time.Date(2024, 7, 3, 0, 0, 0, 0, time.UTC)
	stations := mockStations(testLayout)

	ms := mockMeasurements(stations, start, 24, 42)
	require.Len(t, ms, 24*10*6)
	assert.Equal(t, ms, mockMeasurements(stations, start, 24, 42))

	temps := map[int][]float64{}
	for _, m := range ms {
		require.True(t, domain.KnownVariable(m.Variable), m.Variable)
		switch m.Variable {
		case domain.VarHumidity:
			assert.GreaterOrEqual(t, m.Value, 5.0)
			assert.LessOrEqual(t, m.Value, 100.0)
		case domain.VarPrecipitation, domain.VarWindSpeed, domain.VarSolarRadiation:
			assert.GreaterOrEqual(t, m.Value, 0.0)
		case domain.VarTemperature:
			temps[m.ObservedAt.Hour()] = append(temps[m.ObservedAt.Hour()], m.Value)
		}
	}
	assert.Greater(t, mean(temps[15]), mean(temps[3])+8)
}

func TestMockJobs_AreValid(t *testing.T) {
	start := time.Date(2024, 7, 3, 0, 0, 0, 0, time.UTC)
	jobs := mockJobs(start, 2, 50)
	require.Len(t, jobs, 2*len(jobModels))

	for _, job := range jobs {
		data, err := json.Marshal(job)
		require.NoError(t, err)
		parsed, err := domain.ParseRasterJob(domain.RawEvent{Value: data})
		require.NoError(t, err)
		assert.Equal(t, job.Variable, parsed.Variable)
		assert.Equal(t, time.Hour, time.Duration(parsed.Window))
	}
	assert.Equal(t, domain.MethodKriging, jobs[0].Method)

	models := map[string]string{}
	for _, job := range jobs {
		models[job.Model] = job.Variable
	}
	assert.Equal(t, domain.VarTmrt, models["TmrtRaster"])
}

func TestWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "jobs.json")
	require.NoError(t, writeJSON(path, []int{1, 2}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(data))
}

func mean(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}
