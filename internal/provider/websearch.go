package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/evroon/web1090/internal/model"
)

const (
	// WebSearchName identifies the provider in logs and metrics.
	WebSearchName = "websearch"

	// DefaultWebSearchURL is the Google Custom Search JSON API endpoint.
	DefaultWebSearchURL = "https://www.googleapis.com/customsearch/v1"

	maxPageFetches = 3
)

// Metadata tags that count towards a candidate's score.
var scoredTags = []string{"title", "origin", "airline", "destination", "aircrafttype"}

// WebSearchConfig configures the web search fallback.
type WebSearchConfig struct {
	BaseURL    string
	Key        string
	CX         string
	SiteSearch string
	// MinScore is the lowest accepted candidate score. Zero accepts any result.
	MinScore int
	Timeout  time.Duration
}

// WebSearch resolves flights and aircraft from structured metadata on the
// pages returned by a restricted web search.
type WebSearch struct {
	cfg  WebSearchConfig
	http *HTTPClient
	log  zerolog.Logger
}

type searchResponse struct {
	Items []searchItem `json:"items" validate:"dive"`
}

type searchItem struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Pagemap struct {
		Metatags []map[string]string `json:"metatags"`
	} `json:"pagemap"`
}

// Candidate is one set of metadata tags found for a query.
type Candidate map[string]string

// Score counts the present scored tags, adding one for live pages and
// subtracting one for history pages.
func (c Candidate) Score() int {
	score := 0
	for _, tag := range scoredTags {
		if strings.TrimSpace(c[tag]) != "" {
			score++
		}
	}
	u := c["og:url"]
	switch {
	case strings.Contains(u, "/live/"):
		score++
	case strings.Contains(u, "/history/"):
		score--
	}
	return score
}

// Best returns the highest scoring candidate. Ties keep the earlier one.
func Best(candidates []Candidate) (Candidate, int, bool) {
	var best Candidate
	bestScore := 0
	for _, c := range candidates {
		s := c.Score()
		if best == nil || s > bestScore {
			best, bestScore = c, s
		}
	}
	return best, bestScore, best != nil
}

// NewWebSearch creates a web search client.
func NewWebSearch(cfg WebSearchConfig, log zerolog.Logger) *WebSearch {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultWebSearchURL
	}
	return &WebSearch{
		cfg:  cfg,
		http: NewHTTPClient(ClientConfig{Name: WebSearchName, Timeout: cfg.Timeout}, nil),
		log:  log.With().Str("component", WebSearchName).Logger(),
	}
}

// Name implements RouteLookup and AircraftLookup.
func (w *WebSearch) Name() string { return WebSearchName }

// Available reports whether credentials are configured.
func (w *WebSearch) Available() bool { return w.cfg.Key != "" && w.cfg.CX != "" }

// LookupRoute implements RouteLookup.
func (w *WebSearch) LookupRoute(ctx context.Context, code string) (*Match, error) {
	code = model.NormaliseCallsign(code)
	c, err := w.best(ctx, code)
	if err != nil {
		return nil, err
	}

	r := model.Route{
		Code:        code,
		AirlineICAO: c["airline"],
		Departure:   model.Airport{ICAO: c["origin"]},
		Arrival:     model.Airport{ICAO: c["destination"]},
	}
	if fields := strings.Fields(c["title"]); len(fields) > 0 {
		r.IATA = fields[0]
	}
	return &Match{Route: r}, nil
}

// LookupAircraft implements AircraftLookup. The registration is searched
// when known, the hex address otherwise.
func (w *WebSearch) LookupAircraft(ctx context.Context, hex, registration string) (*model.Aircraft, error) {
	icao, err := model.NormaliseHex(hex)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", WebSearchName, err)
	}
	query := registration
	if query == "" {
		query = icao
	}

	c, err := w.best(ctx, query)
	if err != nil {
		return nil, err
	}
	typeCode := strings.TrimSpace(c["aircrafttype"])
	if typeCode == "" {
		return nil, fmt.Errorf("%s: no aircraft type for %s: %w", WebSearchName, query, ErrNotFound)
	}
	return &model.Aircraft{ICAO: icao, Registration: registration, TypeCode: typeCode}, nil
}

func (w *WebSearch) best(ctx context.Context, query string) (Candidate, error) {
	candidates, err := w.search(ctx, query)
	if err != nil {
		return nil, err
	}
	c, score, ok := Best(candidates)
	if !ok || score < w.cfg.MinScore {
		return nil, fmt.Errorf("%s: %s: %w", WebSearchName, query, ErrNotFound)
	}
	w.log.Debug().Str("query", query).Int("score", score).Int("candidates", len(candidates)).Msg("selected result")
	return c, nil
}

// search runs the query and collects candidates in result order. Items
// without metadata tags have their page fetched, up to maxPageFetches.
func (w *WebSearch) search(ctx context.Context, query string) ([]Candidate, error) {
	params := url.Values{}
	params.Set("key", w.cfg.Key)
	params.Set("cx", w.cfg.CX)
	params.Set("q", query)
	if w.cfg.SiteSearch != "" {
		params.Set("siteSearch", w.cfg.SiteSearch)
	}

	resp, err := w.http.Get(ctx, w.cfg.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		w.log.Warn().Int("status", resp.StatusCode).Msg("search failed")
		return nil, fmt.Errorf("%s: status %d: %w", WebSearchName, resp.StatusCode, ErrUnavailable)
	}

	var body searchResponse
	if err := w.http.Decode(resp.Body, &body); err != nil {
		return nil, err
	}

	var out []Candidate
	fetches := 0
	for _, item := range body.Items {
		if len(item.Pagemap.Metatags) > 0 {
			for _, tags := range item.Pagemap.Metatags {
				out = append(out, Candidate(tags))
			}
			continue
		}
		if item.Link == "" || fetches >= maxPageFetches {
			continue
		}
		fetches++
		tags, err := w.pageMeta(ctx, item.Link)
		if err != nil {
			w.log.Debug().Err(err).Str("link", item.Link).Msg("fetch result page")
			continue
		}
		out = append(out, tags)
	}
	return out, nil
}

// pageMeta fetches a page and returns its <meta> name/property tags.
func (w *WebSearch) pageMeta(ctx context.Context, link string) (Candidate, error) {
	resp, err := w.http.Get(ctx, link, nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return ParseMeta(resp.Body)
}

// ParseMeta extracts meta tags from an HTML document. Keys are lowercased.
func ParseMeta(body []byte) (Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &MalformedError{Provider: WebSearchName, Err: err}
	}
	tags := Candidate{}
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		key, ok := s.Attr("name")
		if !ok {
			key, ok = s.Attr("property")
		}
		content, hasContent := s.Attr("content")
		if !ok || !hasContent {
			return
		}
		tags[strings.ToLower(key)] = content
	})
	return tags, nil
}
