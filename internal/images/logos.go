package images

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultLogoURL is the airline logo CDN. The IATA code is appended.
const DefaultLogoURL = "https://images.kiwi.com/airlines/64/"

// LogoConfig configures the logo cache.
type LogoConfig struct {
	BaseURL string
	Dir     string
	Timeout time.Duration
}

// Logos caches 64px airline logos by IATA code. Misses are remembered with a
// .404 marker file so the CDN is asked only once per airline.
type Logos struct {
	cfg    LogoConfig
	client *http.Client
	log    zerolog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewLogos creates a logo cache.
func NewLogos(cfg LogoConfig, log zerolog.Logger) *Logos {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultLogoURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join("data", "logos")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Logos{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		log:     log.With().Str("component", "logos").Logger(),
		pending: make(map[string]struct{}),
	}
}

// ValidIATA reports whether code looks like a two character airline code.
func ValidIATA(code string) bool {
	if len(code) != 2 {
		return false
	}
	for _, r := range code {
		if !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// Path returns the cache file of a logo.
func (l *Logos) Path(iata string) string {
	return filepath.Join(l.cfg.Dir, iata+"-64.png")
}

func (l *Logos) missPath(iata string) string {
	return l.Path(iata) + ".404"
}

// Reference returns the cached logo path for iata, or "" when it is not
// cached yet. Uncached codes without a miss marker are queued for Fetch.
func (l *Logos) Reference(iata string) string {
	iata = strings.ToUpper(strings.TrimSpace(iata))
	if !ValidIATA(iata) {
		return ""
	}
	if fileExists(l.Path(iata)) {
		return l.Path(iata)
	}
	if !fileExists(l.missPath(iata)) {
		l.mu.Lock()
		l.pending[iata] = struct{}{}
		l.mu.Unlock()
	}
	return ""
}

// Pending returns and clears the queued codes.
func (l *Logos) Pending() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.pending))
	for k := range l.pending {
		out = append(out, k)
	}
	clear(l.pending)
	return out
}

// Fetch downloads the logo for iata unless it is cached or known missing.
func (l *Logos) Fetch(ctx context.Context, iata string) error {
	iata = strings.ToUpper(strings.TrimSpace(iata))
	if !ValidIATA(iata) {
		return fmt.Errorf("invalid airline IATA code %q", iata)
	}
	if fileExists(l.Path(iata)) || fileExists(l.missPath(iata)) {
		return nil
	}

	_, err := download(ctx, l.client, l.cfg.BaseURL+iata+".png", l.Path(iata), nil)
	var status *statusError
	if errors.As(err, &status) && status.code == http.StatusNotFound {
		if err := os.MkdirAll(l.cfg.Dir, 0o755); err != nil {
			return fmt.Errorf("create logo dir: %w", err)
		}
		if err := os.WriteFile(l.missPath(iata), nil, 0o644); err != nil {
			return fmt.Errorf("write miss marker: %w", err)
		}
		l.log.Debug().Str("iata", iata).Msg("no logo available")
		return nil
	}
	if err != nil {
		return fmt.Errorf("logo %s: %w", iata, err)
	}
	l.log.Debug().Str("iata", iata).Msg("cached airline logo")
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
