// Package images caches aircraft photo metadata and bytes, and airline logos.
package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/evroon/web1090/internal/metrics"
	"github.com/evroon/web1090/internal/model"
	"github.com/evroon/web1090/internal/provider"
)

const (
	// DefaultURL is the airport-data.com thumbnail API.
	DefaultURL = "https://www.airport-data.com/api/ac_thumb.json"

	// minCachedSize is the smallest file accepted as a valid cached image.
	minCachedSize = 128
)

// ErrNotCached is returned by Open for images the store does not know.
var ErrNotCached = errors.New("image not cached")

// Store is the subset of the reference store the image cache needs.
type Store interface {
	GetAircraft(ctx context.Context, icao string) (*model.Aircraft, error)
	GetImages(ctx context.Context, icao string) ([]model.AircraftImage, error)
	CreateImage(ctx context.Context, img model.AircraftImage) error
	SetHasNoImages(ctx context.Context, icao string) error
}

// Config configures the image cache.
type Config struct {
	BaseURL string
	Dir     string
	// Count is the number of images requested per aircraft.
	Count   int
	Timeout time.Duration
}

// Cache serves aircraft images from the store and the cache directory,
// querying the provider once per aircraft.
type Cache struct {
	cfg    Config
	store  Store
	http   *provider.HTTPClient
	client *http.Client
	log    zerolog.Logger
	now    func() time.Time

	mu            sync.Mutex
	cooldownUntil time.Time
	noImages      map[string]bool
}

type thumbResponse struct {
	Status int          `json:"status"`
	Count  int          `json:"count"`
	Data   []thumbEntry `json:"data" validate:"dive"`
}

type thumbEntry struct {
	Image        string `json:"image" validate:"required"`
	Link         string `json:"link"`
	Photographer string `json:"photographer"`
}

// New creates an image cache.
func New(cfg Config, store Store, log zerolog.Logger) *Cache {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultURL
	}
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join("data", "images")
	}
	if cfg.Count <= 0 || cfg.Count > model.MaxImagesPerAircraft {
		cfg.Count = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Cache{
		cfg:      cfg,
		store:    store,
		http:     provider.NewHTTPClient(provider.ClientConfig{Name: "airport-data", Timeout: cfg.Timeout}, nil),
		client:   &http.Client{Timeout: cfg.Timeout},
		log:      log.With().Str("component", "images").Logger(),
		now:      time.Now,
		noImages: make(map[string]bool),
	}
}

// CooldownUntil returns the end of the current rate limit window, if any.
func (c *Cache) CooldownUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cooldownUntil
}

func (c *Cache) inCooldown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Before(c.cooldownUntil)
}

// GetImages returns the images of an aircraft. The provider is only queried
// for known aircraft with no stored images and no has-no-images flag, and
// not at all during a rate limit window.
func (c *Cache) GetImages(ctx context.Context, hex string) ([]model.AircraftImage, error) {
	icao, err := model.NormaliseHex(hex)
	if err != nil {
		return nil, err
	}

	aircraft, err := c.store.GetAircraft(ctx, icao)
	if err != nil {
		return nil, fmt.Errorf("get aircraft %s: %w", icao, err)
	}
	if aircraft == nil {
		return nil, nil
	}

	stored, err := c.store.GetImages(ctx, icao)
	if err != nil {
		return nil, fmt.Errorf("get images %s: %w", icao, err)
	}
	c.mu.Lock()
	flagged := c.noImages[icao]
	c.mu.Unlock()
	if len(stored) > 0 || aircraft.HasNoImages || flagged {
		metrics.ImageFetches.WithLabelValues("cached").Inc()
		return stored, nil
	}
	if c.inCooldown() {
		metrics.ImageFetches.WithLabelValues("cooldown").Inc()
		return nil, nil
	}

	return c.fetch(ctx, icao)
}

func (c *Cache) fetch(ctx context.Context, icao string) ([]model.AircraftImage, error) {
	params := url.Values{}
	params.Set("m", icao)
	params.Set("n", strconv.Itoa(c.cfg.Count))

	resp, err := c.http.Get(ctx, c.cfg.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		metrics.ImageFetches.WithLabelValues("error").Inc()
		return nil, err
	}
	if !resp.OK() {
		metrics.ImageFetches.WithLabelValues("error").Inc()
		c.log.Warn().Str("icao", icao).Int("status", resp.StatusCode).Msg("image lookup failed")
		return nil, c.markNoImages(ctx, icao)
	}

	var body thumbResponse
	if err := c.http.Decode(resp.Body, &body); err != nil {
		metrics.ImageFetches.WithLabelValues("error").Inc()
		return nil, err
	}

	if body.Data == nil {
		if until, ok := resetTime(resp.Header.Get("X-RateLimit-Reset"), c.now()); ok {
			c.mu.Lock()
			c.cooldownUntil = until
			c.mu.Unlock()
			metrics.ImageFetches.WithLabelValues("rate_limited").Inc()
			c.log.Warn().Time("until", until).Msg("image provider rate limited")
		}
		return nil, c.markNoImages(ctx, icao)
	}
	if len(body.Data) == 0 {
		metrics.ImageFetches.WithLabelValues("empty").Inc()
		return nil, c.markNoImages(ctx, icao)
	}

	out := make([]model.AircraftImage, 0, len(body.Data))
	for i, entry := range body.Data {
		if i >= model.MaxImagesPerAircraft {
			break
		}
		img := model.AircraftImage{
			ICAO:         icao,
			Seq:          i,
			ThumbnailURL: entry.Image,
			ImageURL:     strings.Replace(entry.Image, "/thumbnails", "", 1),
			Photographer: entry.Photographer,
		}
		if err := c.store.CreateImage(ctx, img); err != nil {
			return out, fmt.Errorf("create image %s/%d: %w", icao, i, err)
		}
		out = append(out, img)
	}
	metrics.ImageFetches.WithLabelValues("stored").Inc()
	c.log.Debug().Str("icao", icao).Int("images", len(out)).Msg("stored aircraft images")
	return out, nil
}

func (c *Cache) markNoImages(ctx context.Context, icao string) error {
	c.mu.Lock()
	c.noImages[icao] = true
	c.mu.Unlock()
	if err := c.store.SetHasNoImages(ctx, icao); err != nil {
		return fmt.Errorf("set has-no-images %s: %w", icao, err)
	}
	return nil
}

// resetTime interprets a rate limit reset header as a unix timestamp or as a
// number of seconds from now.
func resetTime(h string, now time.Time) (time.Time, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(h), 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}, false
	}
	if n > 1_000_000_000 {
		return time.Unix(n, 0), true
	}
	return now.Add(time.Duration(n) * time.Second), true
}

// Path returns the cache file of an image.
func (c *Cache) Path(icao string, seq int, thumbnail bool) string {
	kind := "i"
	if thumbnail {
		kind = "t"
	}
	return filepath.Join(c.cfg.Dir, fmt.Sprintf("%s-%d-%s.png", icao, seq, kind))
}

// Open writes the bytes of an image to w, from the cache directory when a
// valid copy exists and from the provider otherwise.
func (c *Cache) Open(ctx context.Context, hex string, seq int, thumbnail bool, w io.Writer) (int64, error) {
	icao, err := model.NormaliseHex(hex)
	if err != nil {
		return 0, err
	}
	path := c.Path(icao, seq, thumbnail)

	if f, err := os.Open(path); err == nil {
		defer f.Close()
		if st, err := f.Stat(); err == nil && st.Size() > minCachedSize {
			return io.Copy(w, f)
		}
	}

	imgs, err := c.store.GetImages(ctx, icao)
	if err != nil {
		return 0, fmt.Errorf("get images %s: %w", icao, err)
	}
	for _, img := range imgs {
		if img.Seq != seq {
			continue
		}
		src := img.ImageURL
		if thumbnail {
			src = img.ThumbnailURL
		}
		return download(ctx, c.client, src, path, w)
	}
	return 0, fmt.Errorf("%s/%d: %w", icao, seq, ErrNotCached)
}

type statusError struct {
	url  string
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("get %s: status %d", e.url, e.code)
}

// download streams url into path and w. A transfer shorter than the declared
// content length removes the file.
func download(ctx context.Context, client *http.Client, src, path string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", src, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &statusError{url: src, code: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create cache dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}

	var dst io.Writer = f
	if w != nil {
		dst = io.MultiWriter(f, w)
	}
	n, copyErr := io.Copy(dst, resp.Body)
	closeErr := f.Close()

	short := resp.ContentLength >= 0 && n < resp.ContentLength
	if copyErr != nil || closeErr != nil || short {
		_ = os.Remove(path)
		if copyErr == nil {
			copyErr = closeErr
		}
		if copyErr == nil {
			copyErr = fmt.Errorf("short read: %d of %d bytes", n, resp.ContentLength)
		}
		return n, fmt.Errorf("download %s: %w", src, copyErr)
	}
	return n, nil
}
