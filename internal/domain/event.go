package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RawEvent is an unprocessed message from the job topic.
type RawEvent struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}

// OutputEvent is the serialized form destined for the event topic.
type OutputEvent struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Duration is a time.Duration that reads and writes Go duration strings in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// RasterJob asks the pipeline to interpolate one variable at one instant and
// export the result.
type RasterJob struct {
	Group       string    `json:"group"`
	Model       string    `json:"model"`
	Name        string    `json:"name"`
	Variable    string    `json:"variable"`
	ObservedAt  time.Time `json:"observed_at"`
	Window      Duration  `json:"window,omitempty"`
	Bounds      *Bounds   `json:"bounds,omitempty"`
	Resolution  float64   `json:"resolution"`
	Method      Method    `json:"method"`
	TargetSRID  int       `json:"target_srid,omitempty"`
	Categorical bool      `json:"categorical,omitempty"`
	Style       Style     `json:"style,omitzero"`
}

// ParseRasterJob decodes and validates a job payload.
func ParseRasterJob(raw RawEvent) (RasterJob, error) {
	var job RasterJob
	if err := json.Unmarshal(raw.Value, &job); err != nil {
		return RasterJob{}, InvalidParameterf("decode raster job: %v", err)
	}
	if err := job.Validate(); err != nil {
		return RasterJob{}, err
	}
	return job, nil
}

// Validate checks the job fields that do not depend on stored data.
func (j *RasterJob) Validate() error {
	if _, _, err := ParseModelKey(j.Group + "." + j.Model); err != nil {
		return err
	}
	if strings.TrimSpace(j.Name) == "" {
		return InvalidParameterf("raster job name is required")
	}
	if !RasterVariable(j.Variable) {
		return InvalidParameterf("unknown measurement variable %q", j.Variable)
	}
	if j.ObservedAt.IsZero() {
		return InvalidParameterf("raster job observed_at is required")
	}
	if j.Window < 0 {
		return InvalidParameterf("raster job window must not be negative")
	}
	if j.Resolution <= 0 {
		return InvalidParameterf("resolution must be a positive number, got %g", j.Resolution)
	}
	m, err := ParseMethod(string(j.Method))
	if err != nil {
		return err
	}
	j.Method = m
	if j.Bounds != nil {
		if err := j.Bounds.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ArtifactExported announces a recorded COG to downstream consumers.
type ArtifactExported struct {
	ID         string    `json:"id"`
	Owner      OwnerRef  `json:"owner"`
	Layer      string    `json:"layer"`
	Path       string    `json:"path"`
	Key        string    `json:"key"`
	SHA256     string    `json:"sha256"`
	Size       int64     `json:"size"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	SRID       int       `json:"srid"`
	ObservedAt time.Time `json:"observed_at"`
	ExportedAt time.Time `json:"exported_at"`
}

// NewArtifactExported builds the announcement for an exported raster.
func NewArtifactExported(id string, src *SourceRaster, a Artifact) ArtifactExported {
	ev := ArtifactExported{
		ID:         id,
		Owner:      a.Owner,
		Layer:      a.Owner.LayerKey(),
		Path:       a.Path,
		Key:        a.Key,
		SHA256:     a.SHA256,
		Size:       a.Size,
		ObservedAt: src.ObservedAt.UTC(),
		ExportedAt: a.ExportedAt.UTC(),
	}
	if src.Grid != nil {
		ev.Width, ev.Height, ev.SRID = src.Grid.Width, src.Grid.Height, src.Grid.SRID
	}
	return ev
}

// SerializeArtifactExported encodes ev for the event topic, keyed by its layer.
func SerializeArtifactExported(ev ArtifactExported) (OutputEvent, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return OutputEvent{}, fmt.Errorf("serialize artifact event: %w", err)
	}
	return OutputEvent{
		Key:   []byte(ev.Layer),
		Value: data,
		Headers: map[string]string{
			"event_type":  "artifact_exported",
			"exported_at": ev.ExportedAt.Format(time.RFC3339),
		},
	}, nil
}

// Measurement variables stored per station.
const (
	VarTemperature    = "temperature_c"
	VarHumidity       = "humidity_pct"
	VarPrecipitation  = "precipitation_mm"
	VarWindSpeed      = "wind_speed_m_s"
	VarSolarRadiation = "solar_radiation_w_m2"
	VarPressure       = "pressure_hpa"
)

// VarTmrt is mean radiant temperature. It is not stored; it is derived per
// station and instant from temperature, solar radiation and wind speed.
const VarTmrt = "tmrt_c"

// KnownVariable reports whether v is a stored measurement variable.
func KnownVariable(v string) bool {
	switch v {
	case VarTemperature, VarHumidity, VarPrecipitation, VarWindSpeed, VarSolarRadiation, VarPressure:
		return true
	}
	return false
}

// RasterVariable reports whether a raster job may interpolate v: any stored
// variable plus the derived ones.
func RasterVariable(v string) bool {
	return KnownVariable(v) || v == VarTmrt
}

// TmrtInputs lists the stored variables VarTmrt is derived from.
var TmrtInputs = []string{VarTemperature, VarSolarRadiation, VarWindSpeed}

// MeanRadiantTemperature approximates Tmrt as T + S/100 - 0.5*W. Without both
// solar radiation and wind speed it falls back to the air temperature.
func MeanRadiantTemperature(temperature float64, solar, wind *float64) float64 {
	if solar == nil || wind == nil {
		return temperature
	}
	return temperature + *solar/100 - *wind*0.5
}

// Station is a measurement site in the deployment CRS.
type Station struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	ElevationM float64 `json:"elevation_m"`
	Active     bool    `json:"active"`
}

// Measurement is one variable reported by a station at an instant.
type Measurement struct {
	StationID  string    `json:"station_id"`
	ObservedAt time.Time `json:"observed_at"`
	Variable   string    `json:"variable"`
	Value      float64   `json:"value"`
}
