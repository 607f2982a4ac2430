// Package ledger keeps the durable backlog of unresolved flight codes and
// aircraft addresses. The backlog is two line-oriented text files: one flight
// code per line, and one "HEX [REGISTRATION]" per line.
package ledger

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/evroon/web1090/internal/metrics"
	"github.com/evroon/web1090/internal/model"
)

// Kind distinguishes the two backlogs.
type Kind string

const (
	KindRoute    Kind = "route"
	KindAircraft Kind = "aircraft"
)

// Entry is one backlog item.
type Entry struct {
	Kind         Kind
	Key          string // flight code or ICAO24 address
	Registration string // best known registration, aircraft only
}

func (e Entry) String() string {
	if e.Registration != "" {
		return e.Key + " " + e.Registration
	}
	return e.Key
}

// Resolver decides what counts as resolved. The Known methods consult only
// in-memory state; the Resolved methods go to the store.
type Resolver interface {
	KnownRoute(code string) bool
	KnownAircraft(hex string) bool
	RouteResolved(ctx context.Context, code string) (bool, error)
	AircraftResolved(ctx context.Context, hex string) (bool, error)
}

// Config locates the backlog files.
type Config struct {
	RoutesPath   string
	AircraftPath string
	// LockPath defaults to ".ledger.lock" next to RoutesPath.
	LockPath string
}

// Ledger is the gap backlog. All methods are safe for concurrent use. Mutations
// of the files are serialised in-process by a mutex and across processes by an
// advisory lock on LockPath.
type Ledger struct {
	cfg      Config
	resolver Resolver
	log      zerolog.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	routes   *entrySet
	aircraft *entrySet
}

// Open loads the backlog files, creating their directories if needed.
// Missing files are treated as empty backlogs.
func Open(cfg Config, resolver Resolver, rng *rand.Rand, log zerolog.Logger) (*Ledger, error) {
	if cfg.LockPath == "" {
		cfg.LockPath = filepath.Join(filepath.Dir(cfg.RoutesPath), ".ledger.lock")
	}
	for _, p := range []string{cfg.RoutesPath, cfg.AircraftPath, cfg.LockPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	l := &Ledger{
		cfg:      cfg,
		resolver: resolver,
		log:      log.With().Str("component", "ledger").Logger(),
		rng:      rng,
	}

	var err error
	if l.routes, err = readSet(cfg.RoutesPath); err != nil {
		return nil, err
	}
	if l.aircraft, err = readSet(cfg.AircraftPath); err != nil {
		return nil, err
	}
	l.updateGauges()
	return l, nil
}

// RecordRouteGap adds a flight code to the backlog. It reports whether the code
// was added; blank, already pending and already resolved codes are skipped.
func (l *Ledger) RecordRouteGap(code string) bool {
	code = model.NormaliseCallsign(code)
	if code == "" || strings.ContainsAny(code, " \t") {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.routes.has(code) || l.resolver.KnownRoute(code) {
		return false
	}
	return l.appendLocked(KindRoute, Entry{Kind: KindRoute, Key: code})
}

// RecordAircraftGap adds an ICAO24 address with an optional registration to the
// backlog. Invalid addresses are rejected. A pending entry without registration
// is updated when a registration becomes known.
func (l *Ledger) RecordAircraftGap(hex, registration string) bool {
	icao, err := model.NormaliseHex(hex)
	if err != nil {
		return false
	}
	reg := strings.Join(strings.Fields(registration), "")

	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.aircraft.get(icao); ok {
		if prev != "" || reg == "" {
			return false
		}
	} else if l.resolver.KnownAircraft(icao) {
		return false
	}
	return l.appendLocked(KindAircraft, Entry{Kind: KindAircraft, Key: icao, Registration: reg})
}

func (l *Ledger) appendLocked(kind Kind, e Entry) bool {
	path, set := l.fileFor(kind)

	err := l.withFileLock(func() error {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		if _, err := f.WriteString(e.String() + "\n"); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	})
	if err != nil {
		metrics.LedgerErrors.Inc()
		l.log.Warn().Err(err).Str("kind", string(kind)).Str("key", e.Key).Msg("could not record gap")
		return false
	}

	set.put(e.Key, e.Registration)
	metrics.GapsRecorded.WithLabelValues(string(kind)).Inc()
	metrics.LedgerSize.WithLabelValues(string(kind)).Set(float64(set.len()))
	return true
}

// Compact re-reads both backlog files, drops every entry the resolver now
// reports as resolved and rewrites the files. Resolution is checked without
// holding the ledger lock, so gap recording is not held up by store queries.
// Entries whose resolution cannot be checked because of a store error are kept.
func (l *Ledger) Compact(ctx context.Context) error {
	var routes, aircraft *entrySet
	l.mu.Lock()
	err := l.withFileLock(func() error {
		var err error
		routes, aircraft, err = l.reloadLocked()
		return err
	})
	l.mu.Unlock()
	if err != nil {
		return l.compactFailed(err)
	}

	var resolvedRoutes, resolvedAircraft []string
	for _, code := range routes.order {
		ok, err := l.resolver.RouteResolved(ctx, code)
		if err != nil {
			l.log.Warn().Err(err).Str("code", code).Msg("route resolution check failed")
		}
		if ok {
			resolvedRoutes = append(resolvedRoutes, code)
		}
	}
	for _, icao := range aircraft.order {
		ok, err := l.resolver.AircraftResolved(ctx, icao)
		if err != nil {
			l.log.Warn().Err(err).Str("icao", icao).Msg("aircraft resolution check failed")
		}
		if ok {
			resolvedAircraft = append(resolvedAircraft, icao)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	err = l.withFileLock(func() error {
		// Re-read: entries may have been appended while resolution was checked.
		routes, aircraft, err := l.reloadLocked()
		if err != nil {
			return err
		}
		for _, code := range resolvedRoutes {
			routes.remove(code)
		}
		for _, icao := range resolvedAircraft {
			aircraft.remove(icao)
		}
		return l.writeLocked(routes, aircraft)
	})
	if err != nil {
		return l.compactFailed(err)
	}

	l.log.Debug().
		Int("routes_removed", len(resolvedRoutes)).
		Int("aircraft_removed", len(resolvedAircraft)).
		Msg("ledger compacted")
	return nil
}

func (l *Ledger) compactFailed(err error) error {
	metrics.LedgerErrors.Inc()
	l.log.Warn().Err(err).Msg("ledger compaction skipped")
	return fmt.Errorf("compact ledger: %w", err)
}

// DrainBatch removes and returns up to limit entries chosen uniformly at
// random from both backlogs.
func (l *Ledger) DrainBatch(limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var batch []Entry
	err := l.withFileLock(func() error {
		routes, aircraft, err := l.reloadLocked()
		if err != nil {
			return err
		}

		all := make([]Entry, 0, routes.len()+aircraft.len())
		for _, code := range routes.order {
			all = append(all, Entry{Kind: KindRoute, Key: code})
		}
		for _, icao := range aircraft.order {
			all = append(all, Entry{Kind: KindAircraft, Key: icao, Registration: aircraft.regs[icao]})
		}

		n := min(limit, len(all))
		// Partial Fisher-Yates: the first n elements become a uniform sample.
		for i := 0; i < n; i++ {
			j := i + l.rng.IntN(len(all)-i)
			all[i], all[j] = all[j], all[i]
		}
		picked := all[:n]

		for _, e := range picked {
			if e.Kind == KindRoute {
				routes.remove(e.Key)
			} else {
				aircraft.remove(e.Key)
			}
		}
		if err := l.writeLocked(routes, aircraft); err != nil {
			return err
		}
		batch = append([]Entry(nil), picked...)
		return nil
	})
	if err != nil {
		metrics.LedgerErrors.Inc()
		l.log.Warn().Err(err).Msg("ledger drain skipped")
		return nil, fmt.Errorf("drain ledger: %w", err)
	}
	return batch, nil
}

// Contains reports whether key is pending in the given backlog.
func (l *Ledger) Contains(kind Kind, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, set := l.fileFor(kind)
	return set.has(key)
}

// Entries returns a copy of the pending entries of one backlog in file order.
func (l *Ledger) Entries(kind Kind) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, set := l.fileFor(kind)
	out := make([]Entry, 0, set.len())
	for _, k := range set.order {
		out = append(out, Entry{Kind: kind, Key: k, Registration: set.regs[k]})
	}
	return out
}

// Sizes returns the number of pending routes and aircraft.
func (l *Ledger) Sizes() (routes, aircraft int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.routes.len(), l.aircraft.len()
}

func (l *Ledger) fileFor(kind Kind) (string, *entrySet) {
	if kind == KindAircraft {
		return l.cfg.AircraftPath, l.aircraft
	}
	return l.cfg.RoutesPath, l.routes
}

// reloadLocked reads both files fresh so that edits by other processes are seen.
func (l *Ledger) reloadLocked() (*entrySet, *entrySet, error) {
	routes, err := readSet(l.cfg.RoutesPath)
	if err != nil {
		return nil, nil, err
	}
	aircraft, err := readSet(l.cfg.AircraftPath)
	if err != nil {
		return nil, nil, err
	}
	return routes, aircraft, nil
}

func (l *Ledger) writeLocked(routes, aircraft *entrySet) error {
	if err := writeSet(l.cfg.RoutesPath, routes); err != nil {
		return err
	}
	if err := writeSet(l.cfg.AircraftPath, aircraft); err != nil {
		return err
	}
	l.routes, l.aircraft = routes, aircraft
	l.updateGauges()
	return nil
}

func (l *Ledger) updateGauges() {
	metrics.LedgerSize.WithLabelValues(string(KindRoute)).Set(float64(l.routes.len()))
	metrics.LedgerSize.WithLabelValues(string(KindAircraft)).Set(float64(l.aircraft.len()))
}

// readSet parses a backlog file. Blank lines are ignored and repeated keys are
// collapsed, keeping the last non-empty registration.
func readSet(path string) (*entrySet, error) {
	set := newEntrySet()

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return set, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		switch len(fields) {
		case 0:
			continue
		case 1:
			set.put(fields[0], "")
		default:
			set.put(fields[0], fields[1])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return set, nil
}

// writeSet replaces path atomically with the contents of set.
func writeSet(path string, set *entrySet) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, k := range set.order {
		line := k
		if reg := set.regs[k]; reg != "" {
			line += " " + reg
		}
		if _, err := w.WriteString(line + "\n"); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// entrySet is an insertion-ordered set of keys with optional registrations.
type entrySet struct {
	order []string
	regs  map[string]string
}

func newEntrySet() *entrySet {
	return &entrySet{regs: make(map[string]string)}
}

func (s *entrySet) has(key string) bool {
	_, ok := s.regs[key]
	return ok
}

func (s *entrySet) get(key string) (string, bool) {
	reg, ok := s.regs[key]
	return reg, ok
}

func (s *entrySet) put(key, reg string) {
	_, ok := s.regs[key]
	if !ok {
		s.order = append(s.order, key)
	}
	if reg != "" || !ok {
		s.regs[key] = reg
	}
}

func (s *entrySet) remove(key string) {
	if _, ok := s.regs[key]; !ok {
		return
	}
	delete(s.regs, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *entrySet) len() int {
	return len(s.order)
}
