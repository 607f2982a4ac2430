// Package enrichment joins live telemetry with cached reference data and
// drains the gap backlog through the external providers.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/evroon/web1090/internal/images"
	"github.com/evroon/web1090/internal/ledger"
	"github.com/evroon/web1090/internal/metrics"
	"github.com/evroon/web1090/internal/model"
	"github.com/evroon/web1090/internal/provider"
	"github.com/evroon/web1090/internal/refdata"
	"github.com/evroon/web1090/internal/storage"
	"github.com/evroon/web1090/internal/telemetry"
)

// State is the current activity of the engine.
type State int32

const (
	Idle State = iota
	FetchingTelemetry
	Enriching
	Draining
)

func (s State) String() string {
	switch s {
	case FetchingTelemetry:
		return "fetching_telemetry"
	case Enriching:
		return "enriching"
	case Draining:
		return "draining"
	default:
		return "idle"
	}
}

// Feed produces telemetry snapshots.
type Feed interface {
	Fetch(ctx context.Context) (*telemetry.Snapshot, error)
}

// Cache is the read side of the reference data.
type Cache interface {
	LookupRoute(ctx context.Context, code string) (*model.Route, error)
	LookupAircraft(ctx context.Context, hex string) (*model.Aircraft, error)
}

// Ledger is the gap backlog.
type Ledger interface {
	RecordRouteGap(code string) bool
	RecordAircraftGap(hex, registration string) bool
	Compact(ctx context.Context) error
	DrainBatch(limit int) ([]ledger.Entry, error)
	Sizes() (routes, aircraft int)
}

// Reconciler writes provider answers to the reference store.
type Reconciler interface {
	MergeRoute(ctx context.Context, candidate model.Route, source string) (model.Route, error)
	MergeAircraft(ctx context.Context, candidate model.Aircraft, source string) (model.Aircraft, error)
}

// Images loads aircraft photos.
type Images interface {
	GetImages(ctx context.Context, hex string) ([]model.AircraftImage, error)
}

// Logos resolves airline logos.
type Logos interface {
	Reference(iata string) string
	Pending() []string
	Fetch(ctx context.Context, iata string) error
}

// Archive stores raw telemetry.
type Archive interface {
	Add(ctx context.Context, signals []storage.Signal) error
}

// availability is implemented by providers that can become unusable for the
// rest of the process, such as a key pool running dry.
type availability interface {
	Available() bool
}

// Config tunes the drain cycle.
type Config struct {
	// BatchSize is the number of backlog entries drained per cycle.
	BatchSize int
	// ImagesPerCycle bounds the photo lookups made per drain cycle.
	ImagesPerCycle int
	// RequeueTransient puts entries whose every provider attempt failed
	// transiently back into the backlog, after RetryBackoff doubled per attempt.
	RequeueTransient bool
	MaxRetries       int
	RetryBackoff     time.Duration
}

// Deps are the collaborators of an Engine. Feed, Cache, Ledger and Reconciler
// are required.
type Deps struct {
	Feed              Feed
	Cache             Cache
	Ledger            Ledger
	Reconciler        Reconciler
	Tables            *refdata.Tables
	RouteProviders    []provider.RouteLookup
	AircraftProviders []provider.AircraftLookup
	Images            Images
	Logos             Logos
	Archive           Archive
	Live              *Live
}

// EnrichedAircraft is one telemetry entry with whatever reference data is
// cached for it.
type EnrichedAircraft struct {
	telemetry.Aircraft
	Route        *model.Route    `json:"route,omitempty"`
	Reference    *model.Aircraft `json:"reference,omitempty"`
	IconCategory string          `json:"icon_category,omitempty"`
	Logo         string          `json:"logo,omitempty"`
}

// DrainStats summarises one drain cycle.
type DrainStats struct {
	Drained  int
	Resolved int
	NotFound int
	Failed   int
	Requeued int
	// Returned counts drained entries put back unattempted after the cycle
	// was cancelled.
	Returned int
	Images   int
	Logos    int
}

// Engine is the long-lived enrichment context. All per-process state such as
// the last snapshot and the retry schedule lives here.
type Engine struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
	now  func() time.Time

	// telemetry and drain cycles run concurrently, each tracks its own activity.
	telemetryState atomic.Int32
	drainState     atomic.Int32

	mu         sync.Mutex
	last       []EnrichedAircraft
	lastAt     time.Time
	retries    map[ledger.Entry]*retry
	imagesSeen map[string]bool
}

type retry struct {
	attempts int
	due      time.Time
	queued   bool
}

// New creates an engine.
func New(cfg Config, deps Deps, log zerolog.Logger) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Minute
	}
	if deps.Live == nil {
		deps.Live = NewLive()
	}
	if deps.Tables == nil {
		deps.Tables = &refdata.Tables{}
	}
	return &Engine{
		cfg:        cfg,
		deps:       deps,
		log:        log.With().Str("component", "enrichment").Logger(),
		now:        time.Now,
		retries:    make(map[ledger.Entry]*retry),
		imagesSeen: make(map[string]bool),
	}
}

// State returns the current activity. A running telemetry cycle is reported
// over a concurrent drain; Draining shows while only the drain is active.
func (e *Engine) State() State {
	if s := State(e.telemetryState.Load()); s != Idle {
		return s
	}
	return State(e.drainState.Load())
}

// DrainActive reports whether a drain cycle is running.
func (e *Engine) DrainActive() bool {
	return State(e.drainState.Load()) == Draining
}

// Live returns the view of the last snapshot used for schedule correlation.
func (e *Engine) Live() *Live {
	return e.deps.Live
}

// Last returns the last enriched snapshot and when it was taken.
func (e *Engine) Last() ([]EnrichedAircraft, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, e.lastAt
}

// TelemetryCycle fetches one snapshot and enriches it from the cache,
// recording every unresolved route and aircraft in the backlog. Nothing is
// fetched from providers. An unreachable feed is returned as an error.
func (e *Engine) TelemetryCycle(ctx context.Context) ([]EnrichedAircraft, error) {
	start := e.now()
	defer e.telemetryState.Store(int32(Idle))

	e.telemetryState.Store(int32(FetchingTelemetry))
	snap, err := e.deps.Feed.Fetch(ctx)
	if err != nil {
		metrics.TelemetryCycles.WithLabelValues("feed_error").Inc()
		return nil, fmt.Errorf("telemetry feed: %w", err)
	}

	e.telemetryState.Store(int32(Enriching))
	out := make([]EnrichedAircraft, 0, len(snap.Aircraft))
	var signals []storage.Signal
	var live []provider.LiveAircraft
	for _, a := range snap.Aircraft {
		ea := e.enrich(ctx, a)
		out = append(out, ea)

		if ea.Reference != nil && ea.Reference.Registration != "" && ea.Flight != "" {
			live = append(live, provider.LiveAircraft{
				ICAO:         ea.Hex,
				Callsign:     ea.Flight,
				Registration: ea.Reference.Registration,
			})
		}
		if s, ok := toSignal(snap.Time(), ea.Aircraft); ok {
			signals = append(signals, s)
		}
	}

	e.deps.Live.update(live)
	e.mu.Lock()
	e.last = out
	e.lastAt = snap.Time()
	e.mu.Unlock()

	if e.deps.Archive != nil && len(signals) > 0 {
		if err := e.deps.Archive.Add(ctx, signals); err != nil {
			e.log.Warn().Err(err).Int("signals", len(signals)).Msg("archive telemetry")
		}
	}

	metrics.AircraftSeen.Set(float64(len(out)))
	metrics.TelemetryCycles.WithLabelValues("ok").Inc()
	metrics.TelemetryDuration.Observe(e.now().Sub(start).Seconds())
	return out, nil
}

// enrich attaches cached reference data to one entry. Entries with an invalid
// address are passed through untouched.
func (e *Engine) enrich(ctx context.Context, a telemetry.Aircraft) EnrichedAircraft {
	ea := EnrichedAircraft{Aircraft: a}
	ea.Flight = model.NormaliseCallsign(a.Flight)

	hex, err := model.NormaliseHex(a.Hex)
	if err != nil {
		ea.IconCategory = e.deps.Tables.IconCategory("", a.Category)
		return ea
	}
	ea.Hex = hex

	if ea.Flight != "" {
		route, err := e.deps.Cache.LookupRoute(ctx, ea.Flight)
		switch {
		case err != nil:
			e.log.Warn().Err(err).Str("flight", ea.Flight).Msg("route lookup")
		case route == nil:
			e.deps.Ledger.RecordRouteGap(ea.Flight)
		default:
			ea.Route = route
		}
	}

	ac, err := e.deps.Cache.LookupAircraft(ctx, hex)
	if err != nil {
		e.log.Warn().Err(err).Str("hex", hex).Msg("aircraft lookup")
	} else {
		ea.Reference = ac
		if !ac.Complete() {
			var reg string
			if ac != nil {
				reg = ac.Registration
			}
			e.deps.Ledger.RecordAircraftGap(hex, reg)
		}
	}

	var category string
	if ea.Reference != nil {
		category = ea.Reference.Category
	}
	ea.IconCategory = e.deps.Tables.IconCategory(category, a.Category)

	if e.deps.Logos != nil {
		if iata := airlineIATA(ea); images.ValidIATA(iata) {
			ea.Logo = e.deps.Logos.Reference(iata)
		}
	}
	return ea
}

func airlineIATA(ea EnrichedAircraft) string {
	if ea.Route != nil && ea.Route.AirlineIATA != "" {
		return ea.Route.AirlineIATA
	}
	if ea.Reference != nil {
		return ea.Reference.AirlineIATA
	}
	return ""
}

func toSignal(t time.Time, a telemetry.Aircraft) (storage.Signal, bool) {
	if a.Latitude == nil || a.Longitude == nil {
		return storage.Signal{}, false
	}
	s := storage.Signal{
		Time:      t,
		ICAO:      a.Hex,
		Flight:    a.Flight,
		Latitude:  *a.Latitude,
		Longitude: *a.Longitude,
		Squawk:    a.Squawk,
	}
	if a.AltBaro != nil && !a.AltBaro.Ground {
		s.Altitude = int32(a.AltBaro.Feet)
	}
	if a.GroundSpeed != nil {
		s.GroundSpeed = float32(*a.GroundSpeed)
	}
	if a.Track != nil {
		s.Track = float32(*a.Track)
	}
	if a.RSSI != nil {
		s.RSSI = float32(*a.RSSI)
	}
	return s, true
}

// result of resolving one backlog entry.
type result int

const (
	resolved result = iota
	notFound
	transient
)

// DrainCycle compacts the backlog, drains one batch through the providers and
// then fetches photos and airline logos for recently seen aircraft. Backlog
// and store failures are logged and skipped.
func (e *Engine) DrainCycle(ctx context.Context) (DrainStats, error) {
	e.drainState.Store(int32(Draining))
	defer e.drainState.Store(int32(Idle))

	log := e.log.With().Str("cycle", uuid.NewString()).Logger()
	var stats DrainStats

	e.requeueDue(log)

	if err := e.deps.Ledger.Compact(ctx); err != nil {
		log.Warn().Err(err).Msg("compact backlog")
	}

	entries, err := e.deps.Ledger.DrainBatch(e.cfg.BatchSize)
	if err != nil {
		log.Warn().Err(err).Msg("drain backlog")
	}
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			stats.Returned = e.restore(entries[i:])
			log.Warn().
				Err(err).
				Int("unattempted", len(entries)-i).
				Int("returned", stats.Returned).
				Msg("drain cycle interrupted")
			return stats, err
		}
		stats.Drained++

		var res result
		switch entry.Kind {
		case ledger.KindRoute:
			res = e.resolveRoute(ctx, log, entry.Key)
		case ledger.KindAircraft:
			res = e.resolveAircraft(ctx, log, entry)
		}

		switch res {
		case resolved:
			stats.Resolved++
			e.clearRetry(entry)
		case notFound:
			stats.NotFound++
			e.clearRetry(entry)
		case transient:
			stats.Failed++
			if e.scheduleRetry(entry) {
				stats.Requeued++
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return stats, err
	}
	stats.Images = e.fetchImages(ctx, log)
	stats.Logos = e.fetchLogos(ctx, log)

	log.Info().
		Int("drained", stats.Drained).
		Int("resolved", stats.Resolved).
		Int("not_found", stats.NotFound).
		Int("failed", stats.Failed).
		Int("requeued", stats.Requeued).
		Int("images", stats.Images).
		Int("logos", stats.Logos).
		Msg("drain cycle")
	return stats, nil
}

// restore records entries that were drained but never attempted back into the
// backlog and returns how many were added.
func (e *Engine) restore(entries []ledger.Entry) int {
	n := 0
	for _, entry := range entries {
		var added bool
		switch entry.Kind {
		case ledger.KindRoute:
			added = e.deps.Ledger.RecordRouteGap(entry.Key)
		case ledger.KindAircraft:
			added = e.deps.Ledger.RecordAircraftGap(entry.Key, entry.Registration)
		}
		if added {
			n++
		}
	}
	return n
}

// resolveRoute tries the route providers in priority order and stops at the
// first answer.
func (e *Engine) resolveRoute(ctx context.Context, log zerolog.Logger, code string) result {
	res := notFound
	for _, p := range e.deps.RouteProviders {
		if !available(p) {
			continue
		}
		m, err := p.LookupRoute(ctx, code)
		outcome := observe(p.Name(), err)
		switch outcome {
		case provider.OutcomeFound:
			if _, err := e.deps.Reconciler.MergeRoute(ctx, m.Route, p.Name()); err != nil {
				log.Warn().Err(err).Str("flight", code).Msg("merge route")
				return transient
			}
			if m.Aircraft != nil {
				if _, err := e.deps.Reconciler.MergeAircraft(ctx, *m.Aircraft, p.Name()); err != nil {
					log.Warn().Err(err).Str("hex", m.Aircraft.ICAO).Msg("merge aircraft")
				}
			}
			log.Debug().Str("flight", code).Str("provider", p.Name()).Msg("route resolved")
			return resolved
		case provider.OutcomeNotFound:
		default:
			log.Warn().Err(err).Str("flight", code).Str("provider", p.Name()).Msg("route lookup failed")
			res = transient
		}
	}
	return res
}

func (e *Engine) resolveAircraft(ctx context.Context, log zerolog.Logger, entry ledger.Entry) result {
	res := notFound
	for _, p := range e.deps.AircraftProviders {
		if !available(p) {
			continue
		}
		a, err := p.LookupAircraft(ctx, entry.Key, entry.Registration)
		outcome := observe(p.Name(), err)
		switch outcome {
		case provider.OutcomeFound:
			a.ICAO = entry.Key
			if a.Registration == "" {
				a.Registration = entry.Registration
			}
			if _, err := e.deps.Reconciler.MergeAircraft(ctx, *a, p.Name()); err != nil {
				log.Warn().Err(err).Str("hex", entry.Key).Msg("merge aircraft")
				return transient
			}
			log.Debug().Str("hex", entry.Key).Str("provider", p.Name()).Msg("aircraft resolved")
			return resolved
		case provider.OutcomeNotFound:
		default:
			log.Warn().Err(err).Str("hex", entry.Key).Str("provider", p.Name()).Msg("aircraft lookup failed")
			res = transient
		}
	}
	return res
}

func available(p any) bool {
	a, ok := p.(availability)
	return !ok || a.Available()
}

func observe(name string, err error) provider.Outcome {
	outcome := provider.Classify(err)
	metrics.ProviderAttempts.WithLabelValues(name, string(outcome)).Inc()
	return outcome
}

// scheduleRetry reports whether entry will be requeued.
func (e *Engine) scheduleRetry(entry ledger.Entry) bool {
	if !e.cfg.RequeueTransient {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.retries[entry]
	if !ok {
		r = &retry{}
		e.retries[entry] = r
	}
	r.attempts++
	if r.attempts > e.cfg.MaxRetries {
		delete(e.retries, entry)
		return false
	}
	r.due = e.now().Add(e.cfg.RetryBackoff << (r.attempts - 1))
	r.queued = false
	return true
}

func (e *Engine) clearRetry(entry ledger.Entry) {
	e.mu.Lock()
	delete(e.retries, entry)
	e.mu.Unlock()
}

// requeueDue returns entries whose backoff elapsed to the backlog. The attempt
// count is kept until the entry resolves or runs out of retries.
func (e *Engine) requeueDue(log zerolog.Logger) {
	now := e.now()
	var due []ledger.Entry
	e.mu.Lock()
	for entry, r := range e.retries {
		if !r.queued && !now.Before(r.due) {
			r.queued = true
			due = append(due, entry)
		}
	}
	e.mu.Unlock()

	for _, entry := range due {
		switch entry.Kind {
		case ledger.KindRoute:
			e.deps.Ledger.RecordRouteGap(entry.Key)
		case ledger.KindAircraft:
			e.deps.Ledger.RecordAircraftGap(entry.Key, entry.Registration)
		}
	}
	if len(due) > 0 {
		log.Debug().Int("entries", len(due)).Msg("requeued backlog entries")
	}
}

// fetchImages asks the image cache about aircraft from the last snapshot that
// have a reference record, once per aircraft per process.
func (e *Engine) fetchImages(ctx context.Context, log zerolog.Logger) int {
	if e.deps.Images == nil || e.cfg.ImagesPerCycle <= 0 {
		return 0
	}

	var hexes []string
	e.mu.Lock()
	for _, ea := range e.last {
		if len(hexes) == e.cfg.ImagesPerCycle {
			break
		}
		if ea.Reference == nil || ea.Reference.HasNoImages || e.imagesSeen[ea.Hex] {
			continue
		}
		e.imagesSeen[ea.Hex] = true
		hexes = append(hexes, ea.Hex)
	}
	e.mu.Unlock()

	n := 0
	for _, hex := range hexes {
		imgs, err := e.deps.Images.GetImages(ctx, hex)
		if err != nil {
			log.Warn().Err(err).Str("hex", hex).Msg("aircraft images")
			continue
		}
		n += len(imgs)
	}
	return n
}

func (e *Engine) fetchLogos(ctx context.Context, log zerolog.Logger) int {
	if e.deps.Logos == nil {
		return 0
	}
	n := 0
	for _, iata := range e.deps.Logos.Pending() {
		if err := e.deps.Logos.Fetch(ctx, iata); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			log.Warn().Err(err).Str("iata", iata).Msg("airline logo")
			continue
		}
		n++
	}
	return n
}
