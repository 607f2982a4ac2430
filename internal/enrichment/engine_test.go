package enrichment

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/evroon/web1090/internal/events"
	"github.com/evroon/web1090/internal/ledger"
	"github.com/evroon/web1090/internal/model"
	"github.com/evroon/web1090/internal/provider"
	"github.com/evroon/web1090/internal/reconcile"
	"github.com/evroon/web1090/internal/refcache"
	"github.com/evroon/web1090/internal/refdata"
	"github.com/evroon/web1090/internal/storage"
	"github.com/evroon/web1090/internal/telemetry"
)

type staticFeed struct {
	snap *telemetry.Snapshot
	err  error
}

func (f *staticFeed) Fetch(context.Context) (*telemetry.Snapshot, error) {
	return f.snap, f.err
}

// fakeRoutes answers from a fixed table. Codes not in the table are NotFound.
type fakeRoutes struct {
	name        string
	matches     map[string]*provider.Match
	err         error
	unavailable bool

	mu    sync.Mutex
	calls []string
}

func (f *fakeRoutes) Name() string    { return f.name }
func (f *fakeRoutes) Available() bool { return !f.unavailable }

func (f *fakeRoutes) LookupRoute(_ context.Context, code string) (*provider.Match, error) {
	f.mu.Lock()
	f.calls = append(f.calls, code)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if m, ok := f.matches[code]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("%s: %w", f.name, provider.ErrNotFound)
}

type fakeAircraft struct {
	found map[string]model.Aircraft

	mu   sync.Mutex
	regs []string
}

func (f *fakeAircraft) Name() string { return "fake-aircraft" }

func (f *fakeAircraft) LookupAircraft(_ context.Context, hex, registration string) (*model.Aircraft, error) {
	f.mu.Lock()
	f.regs = append(f.regs, registration)
	f.mu.Unlock()
	if a, ok := f.found[hex]; ok {
		return &a, nil
	}
	return nil, provider.ErrNotFound
}

type countingImages struct {
	mu    sync.Mutex
	calls []string
}

func (c *countingImages) GetImages(_ context.Context, hex string) ([]model.AircraftImage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, hex)
	return []model.AircraftImage{{ICAO: hex, Seq: 0}}, nil
}

type fakeLogos struct {
	pending map[string]bool
	fetched []string
}

func (f *fakeLogos) Reference(iata string) string {
	if f.pending == nil {
		f.pending = make(map[string]bool)
	}
	f.pending[iata] = true
	return ""
}

func (f *fakeLogos) Pending() []string {
	var out []string
	for k := range f.pending {
		out = append(out, k)
	}
	f.pending = nil
	return out
}

func (f *fakeLogos) Fetch(_ context.Context, iata string) error {
	f.fetched = append(f.fetched, iata)
	return nil
}

type recordingArchive struct {
	signals []storage.Signal
}

func (a *recordingArchive) Add(_ context.Context, s []storage.Signal) error {
	a.signals = append(a.signals, s...)
	return nil
}

type fixture struct {
	db     *storage.SQLiteDB
	cache  *refcache.Cache
	ledger *ledger.Ledger
	rec    *reconcile.Reconciler
	feed   *staticFeed
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	db, err := storage.OpenSQLite(filepath.Join(dir, "ref.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cache := refcache.New(db)
	l, err := ledger.Open(ledger.Config{
		RoutesPath:   filepath.Join(dir, "missing_routes.txt"),
		AircraftPath: filepath.Join(dir, "missing_aircraft.txt"),
	}, cache, rand.New(rand.NewPCG(1, 2)), zerolog.Nop())
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}

	tables := &refdata.Tables{Countries: refdata.NewCountries(nil)}
	return &fixture{
		db:     db,
		cache:  cache,
		ledger: l,
		rec:    reconcile.New(db, tables, cache, events.Nop{}, zerolog.Nop()),
		feed:   &staticFeed{snap: &telemetry.Snapshot{Now: 1700000000}},
	}
}

func (f *fixture) engine(cfg Config, deps Deps) *Engine {
	deps.Feed = f.feed
	deps.Cache = f.cache
	deps.Ledger = f.ledger
	deps.Reconciler = f.rec
	return New(cfg, deps, zerolog.Nop())
}

func ptr[T any](v T) *T { return &v }

func TestTelemetryCycleRecordsGaps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.db.UpsertRoute(ctx, model.Route{Code: "KLM1234", AirlineIATA: "KL"}); err != nil {
		t.Fatal(err)
	}
	if err := f.db.UpsertAircraft(ctx, model.Aircraft{ICAO: "4840D6", Registration: "PH-BXA", TypeCode: "B738"}); err != nil {
		t.Fatal(err)
	}
	if err := f.db.UpsertAircraft(ctx, model.Aircraft{ICAO: "A1B2C3", Registration: "N123AB"}); err != nil {
		t.Fatal(err)
	}

	f.feed.snap.Aircraft = []telemetry.Aircraft{
		{Hex: "4840d6", Flight: "KLM1234 ", Latitude: ptr(52.3), Longitude: ptr(4.76)},
		{Hex: "abcdef", Flight: "TRA456"},
		{Hex: "~123456", Flight: "TIS1"},
		{Hex: "a1b2c3"},
	}
	logos := &fakeLogos{}
	archive := &recordingArchive{}
	eng := f.engine(Config{}, Deps{Logos: logos, Archive: archive})

	out, err := eng.TelemetryCycle(ctx)
	if err != nil {
		t.Fatalf("TelemetryCycle: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("got %d entries, want 4", len(out))
	}

	if out[0].Route == nil || out[0].Reference == nil {
		t.Fatalf("resolved entry missing reference data: %+v", out[0])
	}
	if out[0].Flight != "KLM1234" || out[0].Hex != "4840D6" {
		t.Errorf("entry not normalised: hex %q flight %q", out[0].Hex, out[0].Flight)
	}
	if out[1].Route != nil || out[1].Reference != nil {
		t.Errorf("unresolved entry carries reference data: %+v", out[1])
	}

	tests := []struct {
		kind ledger.Kind
		key  string
		want bool
	}{
		{ledger.KindRoute, "KLM1234", false},
		{ledger.KindRoute, "TRA456", true},
		{ledger.KindRoute, "TIS1", false},
		{ledger.KindAircraft, "4840D6", false},
		{ledger.KindAircraft, "ABCDEF", true},
		{ledger.KindAircraft, "A1B2C3", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+tt.key, func(t *testing.T) {
			if got := f.ledger.Contains(tt.kind, tt.key); got != tt.want {
				t.Errorf("Contains = %v, want %v", got, tt.want)
			}
		})
	}

	var reg string
	for _, e := range f.ledger.Entries(ledger.KindAircraft) {
		if e.Key == "A1B2C3" {
			reg = e.Registration
		}
	}
	if reg != "N123AB" {
		t.Errorf("incomplete aircraft gap registration = %q, want N123AB", reg)
	}

	if len(logos.pending) != 1 || !logos.pending["KL"] {
		t.Errorf("logo references = %v, want KL only", logos.pending)
	}
	if len(archive.signals) != 1 || archive.signals[0].ICAO != "4840D6" {
		t.Errorf("archived signals = %+v, want one for 4840D6", archive.signals)
	}

	live := eng.Live().LiveAircraft()
	if len(live) != 1 || live[0].Registration != "PH-BXA" || live[0].Callsign != "KLM1234" {
		t.Errorf("live view = %+v", live)
	}
	if eng.State() != Idle {
		t.Errorf("state after cycle = %v, want idle", eng.State())
	}
}

func TestTelemetryCycleFeedError(t *testing.T) {
	f := newFixture(t)
	f.feed.err = errors.New("connection refused")
	eng := f.engine(Config{}, Deps{})

	if _, err := eng.TelemetryCycle(context.Background()); err == nil {
		t.Fatal("expected feed error")
	}
	if eng.State() != Idle {
		t.Errorf("state = %v, want idle", eng.State())
	}
}

func TestDrainCycleProviderOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.RecordRouteGap("KLM1234")

	first := &fakeRoutes{name: "first"}
	second := &fakeRoutes{name: "second", matches: map[string]*provider.Match{
		"KLM1234": {
			Route:    model.Route{Code: "KLM1234", IATA: "KL1234", AirlineIATA: "KL"},
			Aircraft: &model.Aircraft{ICAO: "4840D6", Registration: "PH-BXA"},
		},
	}}
	third := &fakeRoutes{name: "third"}
	eng := f.engine(Config{}, Deps{RouteProviders: []provider.RouteLookup{first, second, third}})

	stats, err := eng.DrainCycle(ctx)
	if err != nil {
		t.Fatalf("DrainCycle: %v", err)
	}
	if stats.Drained != 1 || stats.Resolved != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if len(first.calls) != 1 || len(second.calls) != 1 {
		t.Errorf("calls: first %v second %v", first.calls, second.calls)
	}
	if len(third.calls) != 0 {
		t.Errorf("provider after a match was called: %v", third.calls)
	}

	r, err := f.db.GetRoute(ctx, "KLM1234")
	if err != nil || r == nil || r.IATA != "KL1234" {
		t.Fatalf("stored route = %+v, %v", r, err)
	}
	a, err := f.db.GetAircraft(ctx, "4840D6")
	if err != nil || a == nil || a.Registration != "PH-BXA" {
		t.Fatalf("aircraft from route match = %+v, %v", a, err)
	}
	if f.ledger.Contains(ledger.KindRoute, "KLM1234") {
		t.Error("resolved route still pending")
	}
}

func TestDrainCycleOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		providers []*fakeRoutes
		want      DrainStats
		wantCalls []int
	}{
		{
			name:      "all not found",
			providers: []*fakeRoutes{{name: "a"}, {name: "b"}},
			want:      DrainStats{Drained: 1, NotFound: 1},
			wantCalls: []int{1, 1},
		},
		{
			name: "transient then not found",
			providers: []*fakeRoutes{
				{name: "a", err: fmt.Errorf("a: %w", provider.ErrUnavailable)},
				{name: "b"},
			},
			want:      DrainStats{Drained: 1, Failed: 1},
			wantCalls: []int{1, 1},
		},
		{
			name: "quota exhausted falls through",
			providers: []*fakeRoutes{
				{name: "a", err: provider.ErrQuotaExhausted},
				{name: "b", matches: map[string]*provider.Match{"TRA456": {Route: model.Route{Code: "TRA456"}}}},
			},
			want:      DrainStats{Drained: 1, Resolved: 1},
			wantCalls: []int{1, 1},
		},
		{
			name: "unavailable provider skipped",
			providers: []*fakeRoutes{
				{name: "a", unavailable: true},
				{name: "b", matches: map[string]*provider.Match{"TRA456": {Route: model.Route{Code: "TRA456"}}}},
			},
			want:      DrainStats{Drained: 1, Resolved: 1},
			wantCalls: []int{0, 1},
		},
		{
			name: "malformed is transient",
			providers: []*fakeRoutes{
				{name: "a", err: &provider.MalformedError{Provider: "a", Err: errors.New("bad json")}},
			},
			want:      DrainStats{Drained: 1, Failed: 1},
			wantCalls: []int{1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.ledger.RecordRouteGap("TRA456")

			var routes []provider.RouteLookup
			for _, p := range tt.providers {
				routes = append(routes, p)
			}
			eng := f.engine(Config{}, Deps{RouteProviders: routes})

			got, err := eng.DrainCycle(context.Background())
			if err != nil {
				t.Fatalf("DrainCycle: %v", err)
			}
			if got != tt.want {
				t.Errorf("stats = %+v, want %+v", got, tt.want)
			}
			for i, p := range tt.providers {
				if len(p.calls) != tt.wantCalls[i] {
					t.Errorf("provider %s called %d times, want %d", p.name, len(p.calls), tt.wantCalls[i])
				}
			}
			if f.ledger.Contains(ledger.KindRoute, "TRA456") {
				t.Error("drained entry re-inserted without requeue")
			}
		})
	}
}

func TestDrainCycleRequeueBackoff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.RecordRouteGap("TRA456")

	failing := &fakeRoutes{name: "a", err: provider.ErrUnavailable}
	eng := f.engine(Config{RequeueTransient: true, MaxRetries: 2, RetryBackoff: time.Minute},
		Deps{RouteProviders: []provider.RouteLookup{failing}})
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng.now = func() time.Time { return clock }

	steps := []struct {
		advance     time.Duration
		wantDrained int
		wantQueued  int
	}{
		{0, 1, 1},
		{30 * time.Second, 0, 0},
		{30 * time.Second, 1, 1},
		{time.Minute, 0, 0},
		// The third failure exceeds MaxRetries.
		{time.Minute, 1, 0},
		{time.Hour, 0, 0},
	}
	for i, s := range steps {
		clock = clock.Add(s.advance)
		stats, err := eng.DrainCycle(ctx)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if stats.Drained != s.wantDrained || stats.Requeued != s.wantQueued {
			t.Errorf("step %d: drained %d requeued %d, want %d and %d",
				i, stats.Drained, stats.Requeued, s.wantDrained, s.wantQueued)
		}
	}
	if len(failing.calls) != 3 {
		t.Errorf("provider called %d times, want 3", len(failing.calls))
	}
}

func TestDrainCycleAircraft(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.RecordAircraftGap("ABCDEF", "N12345")
	f.ledger.RecordAircraftGap("123456", "")

	ac := &fakeAircraft{found: map[string]model.Aircraft{
		"ABCDEF": {TypeCode: "A320"},
	}}
	eng := f.engine(Config{}, Deps{AircraftProviders: []provider.AircraftLookup{ac}})

	stats, err := eng.DrainCycle(ctx)
	if err != nil {
		t.Fatalf("DrainCycle: %v", err)
	}
	if stats.Resolved != 1 || stats.NotFound != 1 {
		t.Errorf("stats = %+v", stats)
	}

	a, err := f.cache.LookupAircraft(ctx, "ABCDEF")
	if err != nil || a == nil {
		t.Fatalf("LookupAircraft = %v, %v", a, err)
	}
	if a.Registration != "N12345" || a.TypeCode != "A320" {
		t.Errorf("aircraft = %+v", a)
	}

	if err := f.ledger.Compact(ctx); err != nil {
		t.Fatal(err)
	}
	if f.ledger.Contains(ledger.KindAircraft, "ABCDEF") {
		t.Error("resolved aircraft still pending after compact")
	}
}

func TestDrainCycleImagesAndLogos(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, hex := range []string{"4840D6", "4840D7", "4840D8"} {
		if err := f.db.UpsertAircraft(ctx, model.Aircraft{ICAO: hex, Registration: "PH-" + hex[3:], TypeCode: "B738", AirlineIATA: "KL"}); err != nil {
			t.Fatal(err)
		}
	}
	f.feed.snap.Aircraft = []telemetry.Aircraft{{Hex: "4840D6"}, {Hex: "4840D7"}, {Hex: "4840D8"}, {Hex: "ABCDEF"}}

	imgs := &countingImages{}
	logos := &fakeLogos{}
	eng := f.engine(Config{ImagesPerCycle: 2}, Deps{Images: imgs, Logos: logos})

	if _, err := eng.TelemetryCycle(ctx); err != nil {
		t.Fatal(err)
	}
	first, err := eng.DrainCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := eng.DrainCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = eng.DrainCycle(ctx)

	if first.Images != 2 || second.Images != 1 {
		t.Errorf("images per cycle = %d, %d; want 2, 1", first.Images, second.Images)
	}
	if len(imgs.calls) != 3 {
		t.Errorf("image lookups = %v, want each known aircraft once", imgs.calls)
	}
	if first.Logos != 1 || len(logos.fetched) != 1 {
		t.Errorf("logos fetched = %v", logos.fetched)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		Idle:              "idle",
		FetchingTelemetry: "fetching_telemetry",
		Enriching:         "enriching",
		Draining:          "draining",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}

// blockingRoutes holds every lookup until release is closed.
type blockingRoutes struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingRoutes) Name() string { return "blocking" }

func (b *blockingRoutes) LookupRoute(ctx context.Context, _ string) (*provider.Match, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil, provider.ErrNotFound
}

func TestStateDuringConcurrentCycles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.RecordRouteGap("KLM1234")

	blocking := &blockingRoutes{entered: make(chan struct{}), release: make(chan struct{})}
	eng := f.engine(Config{BatchSize: 1}, Deps{RouteProviders: []provider.RouteLookup{blocking}})

	done := make(chan error, 1)
	go func() {
		_, err := eng.DrainCycle(ctx)
		done <- err
	}()

	select {
	case <-blocking.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("drain cycle never reached the provider")
	}

	if _, err := eng.TelemetryCycle(ctx); err != nil {
		t.Fatalf("TelemetryCycle: %v", err)
	}
	if eng.State() != Draining || !eng.DrainActive() {
		t.Errorf("state after telemetry cycle = %v, drain active = %v, want draining", eng.State(), eng.DrainActive())
	}

	close(blocking.release)
	if err := <-done; err != nil {
		t.Fatalf("DrainCycle: %v", err)
	}
	if eng.State() != Idle || eng.DrainActive() {
		t.Errorf("state after both cycles = %v, want idle", eng.State())
	}
}

// cancellingRoutes cancels the cycle context on its first lookup.
type cancellingRoutes struct {
	cancel context.CancelFunc
}

func (c *cancellingRoutes) Name() string { return "cancelling" }

func (c *cancellingRoutes) LookupRoute(context.Context, string) (*provider.Match, error) {
	c.cancel()
	return nil, provider.ErrNotFound
}

func TestDrainCycleCancelledReturnsUnattempted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	for _, code := range []string{"KLM1", "KLM2", "KLM3"} {
		f.ledger.RecordRouteGap(code)
	}
	eng := f.engine(Config{BatchSize: 3}, Deps{RouteProviders: []provider.RouteLookup{&cancellingRoutes{cancel: cancel}}})

	stats, err := eng.DrainCycle(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("DrainCycle error = %v, want context.Canceled", err)
	}
	if stats.Drained != 1 || stats.Returned != 2 {
		t.Errorf("drained = %d, returned = %d, want 1 and 2", stats.Drained, stats.Returned)
	}
	if routes, _ := f.ledger.Sizes(); routes != 2 {
		t.Errorf("backlog routes = %d, want 2", routes)
	}
}
