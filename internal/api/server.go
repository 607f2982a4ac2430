// Package api serves the operations HTTP surface of the engine: health,
// Prometheus metrics, runtime statistics and the aircraft image cache.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/evroon/web1090/internal/enrichment"
	"github.com/evroon/web1090/internal/images"
	"github.com/evroon/web1090/internal/model"
)

// Counter reports the size of the reference store.
type Counter interface {
	Counts(ctx context.Context) (model.Counts, error)
}

// Backlog reports the size of the gap backlog.
type Backlog interface {
	Sizes() (routes, aircraft int)
}

// Engine reports the enrichment loop status.
type Engine interface {
	State() enrichment.State
	DrainActive() bool
	Last() ([]enrichment.EnrichedAircraft, time.Time)
}

// KeyPool reports the remaining credentials of a quota-limited provider.
type KeyPool interface {
	KeysRemaining() int
}

// ImageCache serves aircraft photos.
type ImageCache interface {
	GetImages(ctx context.Context, hex string) ([]model.AircraftImage, error)
	Open(ctx context.Context, hex string, seq int, thumbnail bool, w io.Writer) (int64, error)
	CooldownUntil() time.Time
}

// Archive reports the number of archived telemetry signals.
type Archive interface {
	CountSignals(ctx context.Context) (uint64, error)
}

// Config holds configuration for the ops server.
type Config struct {
	Listen      string
	AuthEnabled bool
	APIKeys     []string // List of valid API keys.
}

// Deps are the components the server reports on. Store, Backlog and Engine
// are required; the rest are omitted from the output when nil.
type Deps struct {
	Store   Counter
	Backlog Backlog
	Engine  Engine
	Keys    KeyPool
	Images  ImageCache
	Archive Archive
}

// Server is the ops HTTP server.
type Server struct {
	cfg     Config
	deps    Deps
	apiKeys map[string]bool
	log     zerolog.Logger
	started time.Time
}

// NewServer creates the ops server.
func NewServer(cfg Config, deps Deps, log zerolog.Logger) *Server {
	keys := make(map[string]bool)
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys[k] = true
		}
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		apiKeys: keys,
		log:     log.With().Str("component", "api").Logger(),
		started: time.Now(),
	}
}

// Router returns the configured chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	// Health and metrics stay open for probes and scrapers.
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.AuthEnabled {
			r.Use(s.authMiddleware)
		}
		r.Get("/stats", s.handleStats)
		if s.deps.Images != nil {
			r.Get("/images/{hex}", s.handleListImages)
			r.Get("/images/{hex}/{seq}", s.handleImage)
		}
	})
	return r
}

// Serve runs the server until ctx is done. It implements suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("listen", s.cfg.Listen).Bool("auth", s.cfg.AuthEnabled).Msg("ops server starting")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (s *Server) String() string { return "api" }

// corsMiddleware adds CORS headers for browser access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates API key authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")

		// Fall back to Authorization: Bearer <key>.
		if apiKey == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}
		if !s.apiKeys[apiKey] {
			writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if s.deps.Engine != nil {
		resp["state"] = s.deps.Engine.State().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatsResponse is the body of GET /api/v1/stats.
type StatsResponse struct {
	State         string       `json:"state"`
	Draining      bool         `json:"draining"`
	Uptime        string       `json:"uptime"`
	Store         model.Counts `json:"store"`
	Backlog       BacklogStats `json:"backlog"`
	AircraftSeen  int          `json:"aircraft_seen"`
	LastSnapshot  string       `json:"last_snapshot,omitempty"`
	KeysRemaining *int         `json:"keys_remaining,omitempty"`
	ImageCooldown string       `json:"image_cooldown_until,omitempty"`
	Signals       *uint64      `json:"archived_signals,omitempty"`
	SignalsHuman  string       `json:"archived_signals_human,omitempty"`
}

// BacklogStats counts pending gap entries.
type BacklogStats struct {
	Routes   int `json:"routes"`
	Aircraft int `json:"aircraft"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := s.deps.Store.Counts(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := StatsResponse{
		State:    s.deps.Engine.State().String(),
		Draining: s.deps.Engine.DrainActive(),
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Store:    counts,
	}
	resp.Backlog.Routes, resp.Backlog.Aircraft = s.deps.Backlog.Sizes()

	last, at := s.deps.Engine.Last()
	resp.AircraftSeen = len(last)
	if !at.IsZero() {
		resp.LastSnapshot = humanize.Time(at)
	}

	if s.deps.Keys != nil {
		n := s.deps.Keys.KeysRemaining()
		resp.KeysRemaining = &n
	}
	if s.deps.Images != nil {
		if until := s.deps.Images.CooldownUntil(); until.After(time.Now()) {
			resp.ImageCooldown = until.UTC().Format(time.RFC3339)
		}
	}
	if s.deps.Archive != nil {
		n, err := s.deps.Archive.CountSignals(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("count archived signals")
		} else {
			resp.Signals = &n
			resp.SignalsHuman = humanize.Comma(int64(n))
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	hex, err := model.NormaliseHex(chi.URLParam(r, "hex"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	imgs, err := s.deps.Images.GetImages(r.Context(), hex)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if imgs == nil {
		imgs = []model.AircraftImage{}
	}
	writeJSON(w, http.StatusOK, imgs)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	hex, err := model.NormaliseHex(chi.URLParam(r, "hex"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	seq, err := strconv.Atoi(chi.URLParam(r, "seq"))
	if err != nil || seq < 0 || seq >= model.MaxImagesPerAircraft {
		writeError(w, http.StatusBadRequest, "Invalid image sequence number")
		return
	}
	thumb := r.URL.Query().Get("thumbnail") != ""

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	n, err := s.deps.Images.Open(r.Context(), hex, seq, thumb, w)
	switch {
	case errors.Is(err, images.ErrNotCached):
		writeError(w, http.StatusNotFound, "Image not found")
	case err != nil && n == 0:
		writeError(w, http.StatusBadGateway, err.Error())
	case err != nil:
		s.log.Warn().Err(err).Str("hex", hex).Int("seq", seq).Msg("image stream interrupted")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
