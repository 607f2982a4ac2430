package ledger

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/evroon/web1090/internal/model"
	"github.com/evroon/web1090/internal/refcache"
)

// setResolver treats keys in the maps as resolved.
type setResolver struct {
	mu       sync.Mutex
	routes   map[string]bool
	aircraft map[string]bool
}

func newSetResolver() *setResolver {
	return &setResolver{routes: map[string]bool{}, aircraft: map[string]bool{}}
}

func (r *setResolver) KnownRoute(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routes[code]
}

func (r *setResolver) KnownAircraft(hex string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aircraft[hex]
}

func (r *setResolver) RouteResolved(_ context.Context, code string) (bool, error) {
	return r.KnownRoute(code), nil
}

func (r *setResolver) AircraftResolved(_ context.Context, hex string) (bool, error) {
	return r.KnownAircraft(hex), nil
}

func openTestLedger(t *testing.T, resolver Resolver) (*Ledger, Config) {
	t.Helper()

	dir := t.TempDir()
	cfg := Config{
		RoutesPath:   filepath.Join(dir, "missing_routes.txt"),
		AircraftPath: filepath.Join(dir, "missing_aircraft.txt"),
	}
	l, err := Open(cfg, resolver, rand.New(rand.NewPCG(1, 2)), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l, cfg
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func TestRecordRouteGap(t *testing.T) {
	resolver := newSetResolver()
	resolver.routes["BAW1"] = true
	l, cfg := openTestLedger(t, resolver)

	tests := []struct {
		code string
		want bool
	}{
		{"klm123  ", true},
		{"KLM123", false}, // already pending
		{"", false},
		{"   ", false},
		{"BAW1", false}, // already resolved
		{"EZY45", true},
	}
	for _, tt := range tests {
		if got := l.RecordRouteGap(tt.code); got != tt.want {
			t.Errorf("RecordRouteGap(%q) = %v, want %v", tt.code, got, tt.want)
		}
	}

	want := []string{"KLM123", "EZY45"}
	if got := readLines(t, cfg.RoutesPath); !reflect.DeepEqual(got, want) {
		t.Errorf("routes file = %v, want %v", got, want)
	}
}

func TestRecordAircraftGap(t *testing.T) {
	l, cfg := openTestLedger(t, newSetResolver())

	for _, hex := range []string{"", "ABCDE", "ABCDEF0", "ZZZZZZ", "  "} {
		if l.RecordAircraftGap(hex, "") {
			t.Errorf("RecordAircraftGap(%q) accepted an invalid address", hex)
		}
	}

	if !l.RecordAircraftGap("abcdef", "") {
		t.Fatal("RecordAircraftGap(abcdef) rejected")
	}
	if l.RecordAircraftGap("ABCDEF", "") {
		t.Error("duplicate entry accepted")
	}
	if !l.RecordAircraftGap("ABCDEF", "N12345") {
		t.Error("registration update rejected")
	}
	if l.RecordAircraftGap("ABCDEF", "N99999") {
		t.Error("second registration accepted")
	}

	if !l.Contains(KindAircraft, "ABCDEF") {
		t.Error("ledger does not contain ABCDEF")
	}
	got := l.Entries(KindAircraft)
	if len(got) != 1 || got[0].Registration != "N12345" {
		t.Errorf("Entries = %+v", got)
	}

	// A reopened ledger collapses the repeated line.
	l2, err := Open(cfg, newSetResolver(), rand.New(rand.NewPCG(1, 2)), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	got = l2.Entries(KindAircraft)
	if len(got) != 1 || got[0].String() != "ABCDEF N12345" {
		t.Errorf("reopened Entries = %+v", got)
	}
}

func TestOpenIgnoresBlankLines(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		RoutesPath:   filepath.Join(dir, "routes.txt"),
		AircraftPath: filepath.Join(dir, "aircraft.txt"),
	}
	if err := os.WriteFile(cfg.RoutesPath, []byte("KLM1\n\n   \nKLM2\n\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.AircraftPath, []byte("ABCDEF N1\n\n484506\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := Open(cfg, newSetResolver(), rand.New(rand.NewPCG(3, 4)), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if r, a := l.Sizes(); r != 2 || a != 2 {
		t.Errorf("Sizes = %d, %d; want 2, 2", r, a)
	}
}

func TestCompactRemovesResolvedAndIsIdempotent(t *testing.T) {
	resolver := newSetResolver()
	l, cfg := openTestLedger(t, resolver)
	ctx := context.Background()

	for _, code := range []string{"KLM1", "KLM2", "KLM3"} {
		l.RecordRouteGap(code)
	}
	l.RecordAircraftGap("ABCDEF", "N12345")
	l.RecordAircraftGap("484506", "")

	resolver.mu.Lock()
	resolver.routes["KLM2"] = true
	resolver.aircraft["484506"] = true
	resolver.mu.Unlock()

	if err := l.Compact(ctx); err != nil {
		t.Fatal(err)
	}
	routes1 := readLines(t, cfg.RoutesPath)
	aircraft1 := readLines(t, cfg.AircraftPath)

	if want := []string{"KLM1", "KLM3"}; !reflect.DeepEqual(routes1, want) {
		t.Errorf("routes after compact = %v, want %v", routes1, want)
	}
	if want := []string{"ABCDEF N12345"}; !reflect.DeepEqual(aircraft1, want) {
		t.Errorf("aircraft after compact = %v, want %v", aircraft1, want)
	}

	if err := l.Compact(ctx); err != nil {
		t.Fatal(err)
	}
	if got := readLines(t, cfg.RoutesPath); !reflect.DeepEqual(got, routes1) {
		t.Errorf("second compact changed routes: %v -> %v", routes1, got)
	}
	if got := readLines(t, cfg.AircraftPath); !reflect.DeepEqual(got, aircraft1) {
		t.Errorf("second compact changed aircraft: %v -> %v", aircraft1, got)
	}
}

// routeStore is a reference store holding routes only.
type routeStore struct {
	mu     sync.Mutex
	routes map[string]*model.Route
}

func (s *routeStore) GetRoute(_ context.Context, code string) (*model.Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routes[code], nil
}

func (s *routeStore) GetAircraft(context.Context, string) (*model.Aircraft, error) {
	return nil, nil
}

func TestCompactSeesExternalResolutionDespiteMemoisedAbsence(t *testing.T) {
	store := &routeStore{routes: map[string]*model.Route{}}
	cache := refcache.New(store)
	l, cfg := openTestLedger(t, cache)
	ctx := context.Background()

	if r, _ := cache.LookupRoute(ctx, "KLM123"); r != nil {
		t.Fatal("unexpected route")
	}
	if !l.RecordRouteGap("KLM123") {
		t.Fatal("gap not recorded")
	}

	// Another process writes the route straight into the store.
	store.mu.Lock()
	store.routes["KLM123"] = &model.Route{Code: "KLM123", IATA: "KL123"}
	store.mu.Unlock()

	if r, _ := cache.LookupRoute(ctx, "KLM123"); r != nil {
		t.Fatal("memoised absence expected before compact")
	}
	if err := l.Compact(ctx); err != nil {
		t.Fatal(err)
	}
	if l.Contains(KindRoute, "KLM123") {
		t.Error("KLM123 still pending after compact")
	}
	if got := readLines(t, cfg.RoutesPath); len(got) != 0 {
		t.Errorf("routes file = %v, want empty", got)
	}
}

func TestDrainBatch(t *testing.T) {
	l, cfg := openTestLedger(t, newSetResolver())

	want := map[string]bool{}
	for _, code := range []string{"A1", "A2", "A3", "A4", "A5", "A6", "A7"} {
		l.RecordRouteGap(code)
		want[code] = true
	}
	for _, hex := range []string{"000001", "000002", "000003"} {
		l.RecordAircraftGap(hex, "")
		want[hex] = true
	}

	seen := map[string]bool{}
	for {
		batch, err := l.DrainBatch(3)
		if err != nil {
			t.Fatal(err)
		}
		if len(batch) == 0 {
			break
		}
		if len(batch) > 3 {
			t.Fatalf("batch of %d exceeds limit", len(batch))
		}
		for _, e := range batch {
			if seen[e.Key] {
				t.Fatalf("entry %s drained twice", e.Key)
			}
			seen[e.Key] = true
			if l.Contains(e.Kind, e.Key) {
				t.Errorf("drained entry %s still pending", e.Key)
			}
		}
	}

	if !reflect.DeepEqual(seen, want) {
		t.Errorf("drained %v, want %v", seen, want)
	}
	if got := readLines(t, cfg.RoutesPath); len(got) != 0 {
		t.Errorf("routes file not empty: %v", got)
	}
	if batch, _ := l.DrainBatch(0); batch != nil {
		t.Errorf("DrainBatch(0) = %v", batch)
	}
}

func TestDrainBatchSamplesBeyondHead(t *testing.T) {
	firsts := map[string]bool{}
	for seed := uint64(0); seed < 20; seed++ {
		dir := t.TempDir()
		cfg := Config{RoutesPath: filepath.Join(dir, "r.txt"), AircraftPath: filepath.Join(dir, "a.txt")}
		l, err := Open(cfg, newSetResolver(), rand.New(rand.NewPCG(seed, seed)), zerolog.Nop())
		if err != nil {
			t.Fatal(err)
		}
		for _, code := range []string{"C1", "C2", "C3", "C4", "C5"} {
			l.RecordRouteGap(code)
		}
		batch, err := l.DrainBatch(1)
		if err != nil || len(batch) != 1 {
			t.Fatalf("DrainBatch = %v, %v", batch, err)
		}
		firsts[batch[0].Key] = true
	}
	if len(firsts) < 2 {
		t.Errorf("sampling always picked %v", firsts)
	}
}

func TestRecordDegradesOnIOFailure(t *testing.T) {
	l, cfg := openTestLedger(t, newSetResolver())

	// Replace the aircraft file location with a directory so appends fail.
	if err := os.MkdirAll(cfg.AircraftPath, 0o755); err != nil {
		t.Fatal(err)
	}
	if l.RecordAircraftGap("ABCDEF", "") {
		t.Error("gap reported recorded despite IO failure")
	}
	if l.Contains(KindAircraft, "ABCDEF") {
		t.Error("failed gap kept in memory")
	}
	if _, err := l.DrainBatch(5); err == nil {
		t.Error("expected drain error")
	}
	if err := l.Compact(context.Background()); err == nil {
		t.Error("expected compact error")
	}

	// Route recording still works.
	if !l.RecordRouteGap("KLM1") {
		t.Error("route gap rejected")
	}
}
