// Command rasterd runs the raster service: the Kafka job pipeline, the tile
// server, and the optional MQTT telemetry ingest.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	httpadapter "github.com/couchcryptid/urban-raster-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/urban-raster-service/internal/adapter/kafka"
	minioadapter "github.com/couchcryptid/urban-raster-service/internal/adapter/minio"
	mqttadapter "github.com/couchcryptid/urban-raster-service/internal/adapter/mqtt"
	"github.com/couchcryptid/urban-raster-service/internal/adapter/sqlstore"
	"github.com/couchcryptid/urban-raster-service/internal/cog"
	"github.com/couchcryptid/urban-raster-service/internal/config"
	"github.com/couchcryptid/urban-raster-service/internal/observability"
	"github.com/couchcryptid/urban-raster-service/internal/pipeline"
	"github.com/couchcryptid/urban-raster-service/internal/tile"
)

// readiness passes when every check passes.
type readiness []func(ctx context.Context) error

func (r readiness) CheckReadiness(ctx context.Context) error {
	for _, check := range r {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

type runner interface {
	Run(ctx context.Context) error
}

// runInBackground starts r and returns a channel closed once Run returned.
func runInBackground(ctx context.Context, r runner, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := r.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()
	return done
}

// awaitStop waits for done until ctx expires. A nil done means nothing runs.
func awaitStop(ctx context.Context, done <-chan struct{}) bool {
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlstore.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL, cfg.RasterModels, logger)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var exportOpts []cog.Option
	if cfg.MirrorEnabled() {
		mirror, err := minioadapter.NewMirror(ctx, minioadapter.OptionsFromConfig(cfg), logger)
		if err != nil {
			logger.Error("failed to create artifact mirror", "endpoint", cfg.MinioEndpoint, "error", err)
			os.Exit(1)
		}
		exportOpts = append(exportOpts, cog.WithMirror(mirror))
		logger.Info("artifact mirror enabled", "endpoint", cfg.MinioEndpoint, "bucket", cfg.MinioBucket)
	}
	exporter := cog.NewExporter(cfg.ArtifactRoot, cfg.COG, store, store, logger, metrics, exportOpts...)

	tiles := tile.NewService(store, tile.Options{
		MaxZoom:          cfg.TileMaxZoom,
		TileCacheSize:    int64(cfg.TileCacheSize),
		DatasetCacheSize: cfg.DatasetCacheSize,
	}, logger, metrics)
	defer tiles.Close()

	ready := readiness{store.Ping}

	var reader *kafkaadapter.Reader
	var writer *kafkaadapter.Writer
	var pipelineDone <-chan struct{}
	if cfg.KafkaEnabled {
		reader = kafkaadapter.NewReader(cfg, logger)
		writer = kafkaadapter.NewWriter(cfg, logger)
		generator := pipeline.NewGenerator(store, store, exporter, pipeline.GeneratorOptions{
			SRID:       cfg.RasterSRID,
			MaxSamples: cfg.MaxSamples,
			Timeout:    cfg.InterpolationTime,
			Window:     cfg.MeasurementWindow,
			BufferM:    cfg.StationBufferM,
		}, logger, metrics)
		p := pipeline.New(reader, generator, writer, logger, metrics, cfg.BatchSize)
		ready = append(ready, p.CheckReadiness)

		pipelineDone = runInBackground(ctx, p, logger)
	} else {
		logger.Info("kafka job pipeline disabled")
	}

	var subscriber *mqttadapter.Subscriber
	if cfg.IngestEnabled() {
		subscriber = mqttadapter.NewSubscriber(cfg, store, logger, metrics)
		go func() {
			if err := subscriber.Connect(ctx); err != nil && ctx.Err() == nil {
				logger.Error("mqtt connect error", "error", err)
			}
		}()
	} else {
		logger.Info("mqtt telemetry ingest disabled")
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, tiles, store, ready, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if subscriber != nil {
		subscriber.Disconnect()
	}
	// The job in flight still uses the store, which closes on return.
	if !awaitStop(shutdownCtx, pipelineDone) {
		logger.Warn("pipeline did not stop before the shutdown timeout")
	}
	if reader != nil {
		if err := reader.Close(); err != nil {
			logger.Error("kafka reader close error", "error", err)
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
