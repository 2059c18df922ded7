// Command genmock seeds deterministic mock stations and hourly measurements
// into the store and writes matching raster jobs as a JSON fixture. Values
// follow a diurnal cycle plus seeded noise, so reruns produce identical data.
//
// Usage:
//
//	go run ./cmd/genmock \
//	  -stations 16 -start 2024-07-03T00:00:00Z -hours 24 \
//	  -jobs-out data/mock/raster_jobs_20240703.json
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/couchcryptid/urban-raster-service/internal/adapter/sqlstore"
	"github.com/couchcryptid/urban-raster-service/internal/config"
	"github.com/couchcryptid/urban-raster-service/internal/domain"
	"github.com/couchcryptid/urban-raster-service/internal/observability"
)

// layout places mock stations on a jittered square lattice around a center
// given in the deployment CRS.
type layout struct {
	count   int
	centerX float64
	centerY float64
	spacing float64
	seed    uint64
}

// jobModels maps the seeded variables to the raster models that render them.
var jobModels = []struct {
	variable string
	model    string
	name     string
	colormap string
}{
	{domain.VarTemperature, "TemperatureRaster", "Air temperature", "rdylbu_r"},
	{domain.VarHumidity, "HumidityRaster", "Relative humidity", "blues"},
	{domain.VarPrecipitation, "PrecipitationRaster", "Precipitation", "blues"},
	{domain.VarTmrt, "TmrtRaster", "Mean radiant temperature", "magma"},
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	count := flag.Int("stations", 16, "number of stations")
	centerX := flag.Float64("center-x", 691000, "lattice center easting in RASTER_SRID units")
	centerY := flag.Float64("center-y", 5335000, "lattice center northing in RASTER_SRID units")
	spacing := flag.Float64("spacing", 750, "lattice spacing in RASTER_SRID units")
	start := flag.String("start", "2024-07-03T00:00:00Z", "first observation (RFC3339)")
	hours := flag.Int("hours", 24, "number of hourly observations per station")
	seed := flag.Uint64("seed", 42, "noise seed")
	resolution := flag.Float64("resolution", 50, "resolution of the generated raster jobs")
	jobsOut := flag.String("jobs-out", "", "optional output path for a raster job JSON fixture")
	flag.Parse()

	if *count <= 0 || *hours <= 0 {
		flag.Usage()
		return errors.New("-stations and -hours must be positive")
	}
	t0, err := time.Parse(time.RFC3339, *start)
	if err != nil {
		return fmt.Errorf("invalid -start: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := observability.NewLogger(cfg)
	ctx := context.Background()

	store, err := sqlstore.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL, cfg.RasterModels, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	l := layout{count: *count, centerX: *centerX, centerY: *centerY, spacing: *spacing, seed: *seed}
	stations := mockStations(l)
	for _, st := range stations {
		if err := store.UpsertStation(ctx, st); err != nil {
			return err
		}
	}
	log.Printf("stations: %d upserted", len(stations))

	ms := mockMeasurements(stations, t0.UTC(), *hours, *seed)
	stored, err := store.SaveMeasurements(ctx, ms)
	if err != nil {
		return fmt.Errorf("save measurements: %w", err)
	}
	log.Printf("measurements: %d generated, %d stored", len(ms), stored)

	if *jobsOut != "" {
		jobs := mockJobs(t0.UTC(), *hours, *resolution)
		if err := writeJSON(*jobsOut, jobs); err != nil {
			return fmt.Errorf("writing job fixture: %w", err)
		}
		log.Printf("wrote %d raster jobs: %s", len(jobs), *jobsOut)
	}
	return nil
}

// mockStations returns count stations on a jittered lattice. Every tenth
// station is inactive.
func mockStations(l layout) []domain.Station {
	rng := rand.New(rand.NewPCG(l.seed, 1))
	side := int(math.Ceil(math.Sqrt(float64(l.count))))
	half := float64(side-1) / 2
	out := make([]domain.Station, l.count)
	for i := range out {
		col, row := i%side, i/side
		out[i] = domain.Station{
			ID:         fmt.Sprintf("mock-%03d", i+1),
			Name:       fmt.Sprintf("Mock station %d", i+1),
			X:          l.centerX + (float64(col)-half)*l.spacing + (rng.Float64()-0.5)*l.spacing*0.3,
			Y:          l.centerY + (float64(row)-half)*l.spacing + (rng.Float64()-0.5)*l.spacing*0.3,
			ElevationM: math.Round(500 + rng.Float64()*60),
			Active:     (i+1)%10 != 0,
		}
	}
	return out
}

// mockMeasurements generates hourly values of every variable for every station.
func mockMeasurements(stations []domain.Station, start time.Time, hours int, seed uint64) []domain.Measurement {
	rng := rand.New(rand.NewPCG(seed, 2))
	out := make([]domain.Measurement, 0, len(stations)*hours*6)
	for h := range hours {
		at := start.Add(time.Duration(h) * time.Hour)
		// Peaks at 15:00 UTC, troughs at 03:00.
		diurnal := math.Sin(2 * math.Pi * (float64(at.Hour()) - 9) / 24)
		for _, st := range stations {
			noise := func(scale float64) float64 { return (rng.Float64() - 0.5) * scale }
			temp := 20 + 7*diurnal + noise(1.5) - (st.ElevationM-500)*0.0065
			humidity := clamp(60-20*diurnal+noise(8), 5, 100)
			rain := math.Max(0, noise(1.2)-0.35)
			wind := math.Max(0, 2.5+noise(2))
			solar := math.Max(0, 850*diurnal+noise(40))
			pressure := 1013 - st.ElevationM*0.12 + noise(1)
			for _, v := range []struct {
				variable string
				value    float64
			}{
				{domain.VarTemperature, temp},
				{domain.VarHumidity, humidity},
				{domain.VarPrecipitation, rain},
				{domain.VarWindSpeed, wind},
				{domain.VarSolarRadiation, solar},
				{domain.VarPressure, pressure},
			} {
				out = append(out, domain.Measurement{
					StationID:  st.ID,
					ObservedAt: at,
					Variable:   v.variable,
					Value:      math.Round(v.value*100) / 100,
				})
			}
		}
	}
	return out
}

// mockJobs returns one raster job per rendered variable and hour.
func mockJobs(start time.Time, hours int, resolution float64) []domain.RasterJob {
	out := make([]domain.RasterJob, 0, hours*len(jobModels))
	for h := range hours {
		at := start.Add(time.Duration(h) * time.Hour)
		for _, m := range jobModels {
			method := domain.MethodIDW
			if m.variable == domain.VarTemperature {
				method = domain.MethodKriging
			}
			out = append(out, domain.RasterJob{
				Group:      "weather",
				Model:      m.model,
				Name:       fmt.Sprintf("%s %s", m.name, at.Format("2006-01-02 15:04")),
				Variable:   m.variable,
				ObservedAt: at,
				Window:     domain.Duration(time.Hour),
				Resolution: resolution,
				Method:     method,
				Style:      domain.Style{Colormap: m.colormap},
			})
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}
