// Package refcache memoises route and aircraft lookups against the reference
// store for the lifetime of the process.
package refcache

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/evroon/web1090/internal/metrics"
	"github.com/evroon/web1090/internal/model"
)

// Store is the subset of the reference store the cache reads from.
type Store interface {
	GetRoute(ctx context.Context, code string) (*model.Route, error)
	GetAircraft(ctx context.Context, icao string) (*model.Aircraft, error)
}

// Cache memoises lookups, including absent results. A memoised absence is
// only replaced by a Resolved call or a Remember call.
type Cache struct {
	store Store
	group singleflight.Group

	mu       sync.RWMutex
	routes   map[string]*model.Route
	aircraft map[string]*model.Aircraft
}

// New creates an empty cache over store.
func New(store Store) *Cache {
	return &Cache{
		store:    store,
		routes:   make(map[string]*model.Route),
		aircraft: make(map[string]*model.Aircraft),
	}
}

// LookupRoute returns the route for a flight code, or nil if the store has none.
func (c *Cache) LookupRoute(ctx context.Context, code string) (*model.Route, error) {
	code = model.NormaliseCallsign(code)
	if code == "" {
		return nil, nil
	}

	c.mu.RLock()
	r, ok := c.routes[code]
	c.mu.RUnlock()
	if ok {
		metrics.CacheLookups.WithLabelValues("route", "hit").Inc()
		return r, nil
	}
	metrics.CacheLookups.WithLabelValues("route", "miss").Inc()
	return c.loadRoute(ctx, code)
}

// LookupAircraft returns the aircraft for an ICAO24 address, or nil if the
// store has none. Invalid addresses return (nil, nil).
func (c *Cache) LookupAircraft(ctx context.Context, hex string) (*model.Aircraft, error) {
	icao, err := model.NormaliseHex(hex)
	if err != nil {
		return nil, nil
	}

	c.mu.RLock()
	a, ok := c.aircraft[icao]
	c.mu.RUnlock()
	if ok {
		metrics.CacheLookups.WithLabelValues("aircraft", "hit").Inc()
		return a, nil
	}
	metrics.CacheLookups.WithLabelValues("aircraft", "miss").Inc()
	return c.loadAircraft(ctx, icao)
}

// RouteResolved queries the store, bypassing the memo, and reports whether a
// route exists for code.
func (c *Cache) RouteResolved(ctx context.Context, code string) (bool, error) {
	code = model.NormaliseCallsign(code)
	if code == "" {
		return false, nil
	}
	r, err := c.loadRoute(ctx, code)
	return r != nil, err
}

// AircraftResolved queries the store, bypassing the memo, and reports whether
// a complete aircraft record exists for hex.
func (c *Cache) AircraftResolved(ctx context.Context, hex string) (bool, error) {
	icao, err := model.NormaliseHex(hex)
	if err != nil {
		return false, nil
	}
	a, err := c.loadAircraft(ctx, icao)
	return a.Complete(), err
}

// KnownRoute reports whether the memo holds a route for code, without store IO.
func (c *Cache) KnownRoute(code string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.routes[model.NormaliseCallsign(code)] != nil
}

// KnownAircraft reports whether the memo holds a complete aircraft for hex,
// without store IO.
func (c *Cache) KnownAircraft(hex string) bool {
	icao, err := model.NormaliseHex(hex)
	if err != nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.aircraft[icao].Complete()
}

// RememberRoute replaces the memoised route after a write to the store.
func (c *Cache) RememberRoute(r model.Route) {
	c.mu.Lock()
	c.routes[r.Code] = &r
	c.mu.Unlock()
}

// RememberAircraft replaces the memoised aircraft after a write to the store.
func (c *Cache) RememberAircraft(a model.Aircraft) {
	c.mu.Lock()
	c.aircraft[a.ICAO] = &a
	c.mu.Unlock()
}

// Len returns the number of memoised routes and aircraft, absences included.
func (c *Cache) Len() (routes, aircraft int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.routes), len(c.aircraft)
}

func (c *Cache) loadRoute(ctx context.Context, code string) (*model.Route, error) {
	v, err, _ := c.group.Do("route:"+code, func() (any, error) {
		r, err := c.store.GetRoute(ctx, code)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.routes[code] = r
		c.mu.Unlock()
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("lookup route %s: %w", code, err)
	}
	return v.(*model.Route), nil
}

func (c *Cache) loadAircraft(ctx context.Context, icao string) (*model.Aircraft, error) {
	v, err, _ := c.group.Do("aircraft:"+icao, func() (any, error) {
		a, err := c.store.GetAircraft(ctx, icao)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.aircraft[icao] = a
		c.mu.Unlock()
		return a, nil
	})
	if err != nil {
		return nil, fmt.Errorf("lookup aircraft %s: %w", icao, err)
	}
	return v.(*model.Aircraft), nil
}
