// Package sqlstore persists stations, measurements, rasters and their
// artifacts in SQLite or PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/couchcryptid/urban-raster-service/internal/domain"
)

//go:embed schema_sqlite.sql schema_postgres.sql
var schemas embed.FS

// Supported STORE_DRIVER values.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type dialect struct {
	name   string
	schema string
	// numbered rewrites ? placeholders to $1, $2, ...
	numbered bool
}

var dialects = map[string]dialect{
	DriverSQLite:   {name: DriverSQLite, schema: "schema_sqlite.sql"},
	DriverPostgres: {name: DriverPostgres, schema: "schema_postgres.sql", numbered: true},
}

// Store implements the record ports of the exporter, tile service and pipeline.
type Store struct {
	db      *sql.DB
	dialect dialect
	models  map[string]bool
	order   []string
	logger  *slog.Logger
}

// Open connects to the database, checks the connection and creates the schema.
func Open(ctx context.Context, driver, dsn string, models []string, logger *slog.Logger) (*Store, error) {
	if _, ok := dialects[driver]; !ok {
		return nil, domain.InvalidParameterf("unsupported store driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s store: %w", driver, err)
	}
	s, err := New(db, driver, models, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("store opened", "driver", driver, "models", len(s.order))
	return s, nil
}

// New wraps an open database. models is the raster model manifest
// ("group.Model" keys); rasters of other models are rejected.
func New(db *sql.DB, driver string, models []string, logger *slog.Logger) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, domain.InvalidParameterf("unsupported store driver %q", driver)
	}
	s := &Store{db: db, dialect: d, models: make(map[string]bool, len(models)), logger: logger}
	for _, m := range models {
		if _, _, err := domain.ParseModelKey(m); err != nil {
			return nil, fmt.Errorf("raster model manifest: %w", err)
		}
		if s.models[m] {
			continue
		}
		s.models[m] = true
		s.order = append(s.order, m)
	}
	if len(s.order) == 0 {
		return nil, domain.InvalidParameterf("raster model manifest is empty")
	}
	return s, nil
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	raw, err := schemas.ReadFile(s.dialect.schema)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	for _, stmt := range strings.Split(string(raw), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Models returns the registered raster models in manifest order.
func (s *Store) Models() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Registered reports whether modelKey is in the manifest.
func (s *Store) Registered(modelKey string) bool {
	return s.models[modelKey]
}

func (s *Store) requireModel(o domain.OwnerRef) error {
	if !s.models[o.ModelKey()] {
		return domain.InvalidParameterf("model %s is not a registered raster model", o.ModelKey())
	}
	return nil
}

// rebind rewrites a query written with ? placeholders for the dialect.
func (s *Store) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	return rebindNumbered(query)
}

func rebindNumbered(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inString := false
	for _, r := range query {
		switch {
		case r == '\'':
			inString = !inString
			b.WriteRune(r)
		case r == '?' && !inString:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
