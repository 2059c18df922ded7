package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/urban-raster-service/internal/domain"
	"github.com/couchcryptid/urban-raster-service/internal/geotiff"
)

// DefaultRasterModels lists the raster-bearing models registered when RASTER_MODELS is unset.
const DefaultRasterModels = "weather.TmrtRaster,weather.TemperatureRaster,weather.PrecipitationRaster," +
	"weather.HumidityRaster,urbanHeat.MeanRadiantTemperature,urbanHeat.UTCI"

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Raster pipeline.
	RasterSRID        int
	ArtifactRoot      string
	COG               geotiff.EncodeOptions
	RasterModels      []string
	MaxSamples        int
	InterpolationTime time.Duration
	MeasurementWindow time.Duration
	StationBufferM    float64

	// Record store.
	StoreDriver string
	DatabaseURL string

	// Tile serving.
	TileCacheSize    int
	DatasetCacheSize int
	TileMaxZoom      int

	// Kafka job transport.
	KafkaEnabled       bool
	KafkaBrokers       []string
	KafkaJobTopic      string
	KafkaEventTopic    string
	KafkaGroupID       string
	BatchSize          int
	BatchFlushInterval time.Duration

	// MinIO artifact mirror; disabled when MinioEndpoint is empty.
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// MQTT station telemetry; disabled when MQTTBroker is empty.
	MQTTBroker   string
	MQTTPort     int
	MQTTClientID string
	MQTTTopic    string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	var errs []error
	cfg := &Config{
		HTTPAddr:     envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:     envOrDefault("LOG_LEVEL", "info"),
		LogFormat:    envOrDefault("LOG_FORMAT", "json"),
		ArtifactRoot: envOrDefault("ARTIFACT_ROOT", "cogs"),
		RasterModels: parseList(envOrDefault("RASTER_MODELS", DefaultRasterModels)),
		StoreDriver:  envOrDefault("STORE_DRIVER", "sqlite"),
		DatabaseURL: envOrDefault("DATABASE_URL",
			"file:rasters.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"),

		KafkaBrokers:    parseList(envOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaJobTopic:   envOrDefault("KAFKA_JOB_TOPIC", "raster-jobs"),
		KafkaEventTopic: envOrDefault("KAFKA_EVENT_TOPIC", "raster-artifacts"),
		KafkaGroupID:    envOrDefault("KAFKA_GROUP_ID", "raster-pipeline"),

		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    envOrDefault("MINIO_BUCKET", "cogs"),

		MQTTBroker:   os.Getenv("MQTT_BROKER"),
		MQTTClientID: envOrDefault("MQTT_CLIENT_ID", "raster-pipeline"),
		MQTTTopic:    envOrDefault("MQTT_TOPIC", "stations/+/telemetry"),
	}

	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	cfg.ShutdownTimeout, err = parseDuration("SHUTDOWN_TIMEOUT", "10s")
	collect(err)
	cfg.RasterSRID, err = parseInt("RASTER_SRID", 25832, 1, 999999)
	collect(err)
	cfg.COG.OverviewLevels, err = parseInt("COG_OVERVIEW_LEVELS", 6, 0, 12)
	collect(err)
	cfg.COG.TileSize, err = parseInt("COG_TILE_SIZE", 512, 16, 4096)
	collect(err)
	if cfg.COG.TileSize%16 != 0 {
		collect(fmt.Errorf("invalid COG_TILE_SIZE %d: must be a multiple of 16", cfg.COG.TileSize))
	}
	cfg.COG.Compression, err = geotiff.ParseCompression(envOrDefault("COG_COMPRESSION", "deflate"))
	if err != nil {
		collect(fmt.Errorf("invalid COG_COMPRESSION: %w", err))
	}
	cfg.MaxSamples, err = parseInt("INTERPOLATION_MAX_SAMPLES", 5000, 1, 1_000_000)
	collect(err)
	cfg.InterpolationTime, err = parseDuration("INTERPOLATION_TIMEOUT", "2m")
	collect(err)
	cfg.MeasurementWindow, err = parseDuration("MEASUREMENT_WINDOW", "1h")
	collect(err)
	cfg.StationBufferM, err = parseFloat("STATION_BUFFER_M", 1000)
	collect(err)
	cfg.TileCacheSize, err = parseInt("TILE_CACHE_SIZE", 2048, 1, 1_000_000)
	collect(err)
	cfg.DatasetCacheSize, err = parseInt("DATASET_CACHE_SIZE", 16, 1, 10_000)
	collect(err)
	cfg.TileMaxZoom, err = parseInt("TILE_MAX_ZOOM", 24, 0, domain.MaxTileZoom)
	collect(err)
	cfg.KafkaEnabled, err = parseBool("KAFKA_ENABLED", true)
	collect(err)
	cfg.BatchSize, err = parseInt("BATCH_SIZE", 10, 1, 1000)
	collect(err)
	cfg.BatchFlushInterval, err = parseDuration("BATCH_FLUSH_INTERVAL", "500ms")
	collect(err)
	cfg.MinioUseSSL, err = parseBool("MINIO_USE_SSL", false)
	collect(err)
	cfg.MQTTPort, err = parseInt("MQTT_PORT", 1883, 1, 65535)
	collect(err)

	collect(cfg.validate())
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	switch c.StoreDriver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("invalid STORE_DRIVER %q (allowed: sqlite, postgres)", c.StoreDriver))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if strings.TrimSpace(c.ArtifactRoot) == "" {
		errs = append(errs, errors.New("ARTIFACT_ROOT is required"))
	}
	if len(c.RasterModels) == 0 {
		errs = append(errs, errors.New("RASTER_MODELS must name at least one model"))
	}
	for _, m := range c.RasterModels {
		if _, _, err := domain.ParseModelKey(m); err != nil {
			errs = append(errs, fmt.Errorf("invalid RASTER_MODELS entry: %w", err))
		}
	}
	if c.StationBufferM < 0 {
		errs = append(errs, errors.New("STATION_BUFFER_M must not be negative"))
	}
	if c.KafkaEnabled {
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required"))
		}
		if c.KafkaJobTopic == "" {
			errs = append(errs, errors.New("KAFKA_JOB_TOPIC is required"))
		}
		if c.KafkaEventTopic == "" {
			errs = append(errs, errors.New("KAFKA_EVENT_TOPIC is required"))
		}
	}
	if c.MinioEndpoint != "" && (c.MinioAccessKey == "" || c.MinioSecretKey == "") {
		errs = append(errs, errors.New("MINIO_ENDPOINT is set but MINIO_ACCESS_KEY or MINIO_SECRET_KEY is not"))
	}
	return errors.Join(errs...)
}

// MirrorEnabled reports whether exported COGs are uploaded to object storage.
func (c *Config) MirrorEnabled() bool { return c.MinioEndpoint != "" }

// IngestEnabled reports whether station telemetry is consumed over MQTT.
func (c *Config) IngestEnabled() bool { return c.MQTTBroker != "" }

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parseList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInt(key string, def, lo, hi int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < lo || n > hi {
		return def, fmt.Errorf("invalid %s %q: must be an integer in %d..%d", key, s, lo, hi)
	}
	return n, nil
}

func parseFloat(key string, def float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return def, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return f, nil
}

func parseDuration(key, def string) (time.Duration, error) {
	s := envOrDefault(key, def)
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive duration", key, s)
	}
	return d, nil
}

func parseBool(key string, def bool) (bool, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return def, fmt.Errorf("invalid %s %q: must be true or false", key, s)
	}
	return b, nil
}
