// Command exportcogs exports stored rasters as Cloud-Optimized GeoTIFFs.
//
// Usage:
//
//	go run ./cmd/exportcogs -list
//	go run ./cmd/exportcogs -model weather.TmrtRaster [-id 7]
//	go run ./cmd/exportcogs -publish
//
// Without -model every raster of every registered model is exported.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	kafkaadapter "github.com/couchcryptid/urban-raster-service/internal/adapter/kafka"
	minioadapter "github.com/couchcryptid/urban-raster-service/internal/adapter/minio"
	"github.com/couchcryptid/urban-raster-service/internal/adapter/sqlstore"
	"github.com/couchcryptid/urban-raster-service/internal/cog"
	"github.com/couchcryptid/urban-raster-service/internal/config"
	"github.com/couchcryptid/urban-raster-service/internal/domain"
	"github.com/couchcryptid/urban-raster-service/internal/observability"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "exportcogs: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	list := flag.Bool("list", false, "list registered raster models and their record counts")
	model := flag.String("model", "", "export rasters of one model (e.g. weather.TmrtRaster)")
	id := flag.Int64("id", 0, "export a single raster of -model by ID")
	publish := flag.Bool("publish", false, "announce each export on the Kafka event topic")
	flag.Parse()

	if err := checkFlags(*model, *id); err != nil {
		flag.Usage()
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlstore.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL, cfg.RasterModels, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if *list {
		return listModels(ctx, store)
	}

	var opts []cog.Option
	if cfg.MirrorEnabled() {
		mirror, err := minioadapter.NewMirror(ctx, minioadapter.OptionsFromConfig(cfg), logger)
		if err != nil {
			return fmt.Errorf("create artifact mirror: %w", err)
		}
		opts = append(opts, cog.WithMirror(mirror))
	}
	exporter := cog.NewExporter(cfg.ArtifactRoot, cfg.COG, store, store, logger, metrics, opts...)

	var writer *kafkaadapter.Writer
	if *publish {
		writer = kafkaadapter.NewWriter(cfg, logger)
		defer writer.Close()
	}

	owners, err := selectOwners(ctx, store, *model, *id)
	if err != nil {
		return err
	}

	var failed int
	var events []domain.OutputEvent
	for _, owner := range owners {
		ev, err := exportOne(ctx, store, exporter, owner)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "  FAIL %s: %v\n", owner, err)
			continue
		}
		fmt.Printf("  OK   %s -> %s\n", owner, ev.Path)
		if writer != nil {
			out, err := domain.SerializeArtifactExported(ev)
			if err != nil {
				return err
			}
			events = append(events, out)
		}
	}
	if writer != nil && len(events) > 0 {
		if err := writer.LoadBatch(ctx, events); err != nil {
			return fmt.Errorf("publish %d events: %w", len(events), err)
		}
	}

	fmt.Printf("\nexported %d of %d rasters\n", len(owners)-failed, len(owners))
	if failed > 0 {
		return fmt.Errorf("%d exports failed", failed)
	}
	return nil
}

func checkFlags(model string, id int64) error {
	if id != 0 && model == "" {
		return errors.New("-id requires -model")
	}
	if id < 0 {
		return fmt.Errorf("-id must be positive, got %d", id)
	}
	return nil
}

func listModels(ctx context.Context, store *sqlstore.Store) error {
	fmt.Println("Registered raster models:")
	for _, key := range store.Models() {
		rasters, err := store.Rasters(ctx, key)
		if err != nil {
			return err
		}
		exported := 0
		for _, r := range rasters {
			if r.Path != "" {
				exported++
			}
		}
		fmt.Printf("  %-40s %d records, %d exported\n", key, len(rasters), exported)
	}
	return nil
}

// selectOwners resolves the flags to the rasters to export.
func selectOwners(ctx context.Context, store *sqlstore.Store, model string, id int64) ([]domain.OwnerRef, error) {
	if model != "" {
		group, name, err := domain.ParseModelKey(model)
		if err != nil {
			return nil, err
		}
		if !store.Registered(model) {
			return nil, fmt.Errorf("model %q is not registered, use -list to see options", model)
		}
		if id != 0 {
			return []domain.OwnerRef{{Group: group, Model: name, ID: id}}, nil
		}
		return ownersOf(ctx, store, model)
	}

	var all []domain.OwnerRef
	for _, key := range store.Models() {
		owners, err := ownersOf(ctx, store, key)
		if err != nil {
			return nil, err
		}
		all = append(all, owners...)
	}
	return all, nil
}

func ownersOf(ctx context.Context, store *sqlstore.Store, model string) ([]domain.OwnerRef, error) {
	rasters, err := store.Rasters(ctx, model)
	if err != nil {
		return nil, err
	}
	owners := make([]domain.OwnerRef, len(rasters))
	for i, r := range rasters {
		owners[i] = r.Owner
	}
	return owners, nil
}

func exportOne(ctx context.Context, store *sqlstore.Store, exporter *cog.Exporter, owner domain.OwnerRef) (domain.ArtifactExported, error) {
	src, err := store.LoadRaster(ctx, owner)
	if err != nil {
		return domain.ArtifactExported{}, err
	}
	artifact, err := exporter.ExportGrid(ctx, src)
	if err != nil {
		return domain.ArtifactExported{}, err
	}
	return domain.NewArtifactExported(uuid.NewString(), src, artifact), nil
}
