package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/urban-raster-service/internal/domain"
	"github.com/couchcryptid/urban-raster-service/internal/tile"
)

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// TileService renders tiles and describes layers.
type TileService interface {
	GetTile(ctx context.Context, layerKey string, z, x, y int, style domain.Style) ([]byte, bool, error)
	Info(ctx context.Context, layerKey string) (tile.Info, error)
}

// LayerLister enumerates registered models and their exported rasters.
type LayerLister interface {
	ListLayers(ctx context.Context) ([]domain.ModelLayers, error)
}

const tileCacheControl = "public, max-age=300"

// Server exposes the tile, layer, health, readiness, and metrics endpoints.
type Server struct {
	httpServer *http.Server
	tiles      TileService
	layers     LayerLister
	logger     *slog.Logger
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(addr string, tiles TileService, layers LayerLister, ready ReadinessChecker, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		tiles:  tiles,
		layers: layers,
		logger: logger,
	}

	mux.HandleFunc("GET /tiles/{layer}/{z}/{x}/{file}", withCORS(s.handleTile))
	mux.HandleFunc("GET /rasters/{layer}/info", withCORS(s.handleInfo))
	mux.HandleFunc("GET /layers", withCORS(s.handleLayers))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", handleReady(ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next(w, r)
	}
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	yStr, ok := strings.CutSuffix(r.PathValue("file"), ".png")
	if !ok {
		http.NotFound(w, r)
		return
	}
	z, errZ := strconv.Atoi(r.PathValue("z"))
	x, errX := strconv.Atoi(r.PathValue("x"))
	y, errY := strconv.Atoi(yStr)
	if err := errors.Join(errZ, errX, errY); err != nil {
		s.writeError(w, r, domain.InvalidParameterf("tile coordinates must be integers"))
		return
	}
	style, err := parseStyle(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	png, found, err := s.tiles.GetTile(r.Context(), r.PathValue("layer"), z, x, y, style)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", tileCacheControl)
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// parseStyle reads the optional colormap, rescale_min, and rescale_max query parameters.
func parseStyle(r *http.Request) (domain.Style, error) {
	q := r.URL.Query()
	style := domain.Style{Colormap: q.Get("colormap")}
	for _, p := range []struct {
		name string
		dst  **float64
	}{
		{"rescale_min", &style.RescaleMin},
		{"rescale_max", &style.RescaleMax},
	} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return domain.Style{}, domain.InvalidParameterf("%s must be a number, got %q", p.name, raw)
		}
		*p.dst = &v
	}
	return style, nil
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.tiles.Info(r.Context(), r.PathValue("layer"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleLayers(w http.ResponseWriter, r *http.Request) {
	models, err := s.layers.ListLayers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleReady(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := checker.CheckReadiness(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// writeError maps domain errors to status codes. Only unexpected errors are
// logged; their detail is not sent to the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidParameter):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, context.Canceled):
		// Client went away.
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // client may have disconnected
}
