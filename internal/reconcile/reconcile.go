// Package reconcile merges provider answers into the reference store and
// propagates airport metadata between routes that share an airport.
package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/evroon/web1090/internal/events"
	"github.com/evroon/web1090/internal/metrics"
	"github.com/evroon/web1090/internal/model"
	"github.com/evroon/web1090/internal/refdata"
	"github.com/evroon/web1090/internal/storage"
)

// Store is the subset of the reference store used for merging.
type Store interface {
	GetAircraft(ctx context.Context, icao string) (*model.Aircraft, error)
	UpsertAircraft(ctx context.Context, a model.Aircraft) error
	GetRoute(ctx context.Context, code string) (*model.Route, error)
	UpsertRoute(ctx context.Context, r model.Route) error
	FindRouteByAirport(ctx context.Context, side storage.Side, iata, exclude string) (*model.Route, error)
	GetAirline(ctx context.Context, iata string) (*model.Airline, error)
	UpsertAirline(ctx context.Context, a model.Airline) error
}

// Cache receives merged records so that lookups observe them immediately.
type Cache interface {
	RememberRoute(r model.Route)
	RememberAircraft(a model.Aircraft)
}

// Reconciler applies field-wise merges. Tables, cache and publisher are optional.
type Reconciler struct {
	store  Store
	tables *refdata.Tables
	cache  Cache
	events events.Publisher
	log    zerolog.Logger
}

// New creates a Reconciler.
func New(store Store, tables *refdata.Tables, cache Cache, pub events.Publisher, log zerolog.Logger) *Reconciler {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Reconciler{
		store:  store,
		tables: tables,
		cache:  cache,
		events: pub,
		log:    log.With().Str("component", "reconcile").Logger(),
	}
}

// MergeAircraft applies the present fields of candidate over the stored
// aircraft, derives category, family and country, and upserts the result.
func (r *Reconciler) MergeAircraft(ctx context.Context, candidate model.Aircraft, source string) (model.Aircraft, error) {
	icao, err := model.NormaliseHex(candidate.ICAO)
	if err != nil {
		return model.Aircraft{}, err
	}
	candidate.ICAO = icao
	candidate.Registration = strings.TrimSpace(candidate.Registration)
	candidate.TypeCode = strings.ToUpper(strings.TrimSpace(candidate.TypeCode))
	candidate.DeliveryDate = model.NormaliseDate(candidate.DeliveryDate)
	candidate.FirstFlightDate = model.NormaliseDate(candidate.FirstFlightDate)
	candidate.RegistrationDate = model.NormaliseDate(candidate.RegistrationDate)
	candidate.RolloutDate = model.NormaliseDate(candidate.RolloutDate)

	existing, err := r.store.GetAircraft(ctx, icao)
	if err != nil {
		return model.Aircraft{}, fmt.Errorf("get aircraft %s: %w", icao, err)
	}

	merged := model.MergeAircraft(existing, candidate)
	r.deriveAircraft(&merged)

	if err := r.store.UpsertAircraft(ctx, merged); err != nil {
		return model.Aircraft{}, fmt.Errorf("upsert aircraft %s: %w", icao, err)
	}
	metrics.Merges.WithLabelValues("aircraft", op(existing == nil)).Inc()

	if r.cache != nil {
		r.cache.RememberAircraft(merged)
	}
	r.publish(ctx, events.SubjectAircraftResolved, icao, source, merged)
	return merged, nil
}

func (r *Reconciler) deriveAircraft(a *model.Aircraft) {
	if r.tables == nil {
		return
	}
	if a.TypeCode != "" {
		a.Category = r.tables.Category(a.TypeCode)
		a.Family = r.tables.Family(a.TypeCode)
	}
	if c := r.tables.Country(a.ICAO); c != "" {
		a.Country = c
	}
}

// MergeRoute applies the present fields of candidate over the stored route.
// An incomplete airport block is then filled from another route through the
// same airport, without overriding any value already known for it. A
// candidate that adds nothing leaves the stored route untouched.
func (r *Reconciler) MergeRoute(ctx context.Context, candidate model.Route, source string) (model.Route, error) {
	code := model.NormaliseCallsign(candidate.Code)
	if code == "" {
		return model.Route{}, fmt.Errorf("merge route: empty flight code")
	}
	candidate.Code = code
	normaliseAirport(&candidate.Departure)
	normaliseAirport(&candidate.Arrival)

	existing, err := r.store.GetRoute(ctx, code)
	if err != nil {
		return model.Route{}, fmt.Errorf("get route %s: %w", code, err)
	}

	merged := model.MergeRoute(existing, candidate)
	if existing != nil && merged.Equal(*existing) {
		if r.cache != nil {
			r.cache.RememberRoute(*existing)
		}
		return *existing, nil
	}
	if !merged.Departure.Complete() || !merged.Arrival.Complete() {
		merged, _, err = r.propagate(ctx, merged, fillIncomplete)
		if err != nil {
			return model.Route{}, err
		}
	}
	r.deriveCountryIDs(&merged)

	if err := r.store.UpsertRoute(ctx, merged); err != nil {
		return model.Route{}, fmt.Errorf("upsert route %s: %w", code, err)
	}
	metrics.Merges.WithLabelValues("route", op(existing == nil)).Inc()

	if r.cache != nil {
		r.cache.RememberRoute(merged)
	}
	r.publish(ctx, events.SubjectRouteResolved, code, source, merged)
	return merged, nil
}

// PropagateAirportData copies the departure and arrival blocks of other
// routes sharing this route's airport IATA codes onto the stored route.
// A side without a complete source route is left unchanged.
func (r *Reconciler) PropagateAirportData(ctx context.Context, route model.Route) (model.Route, error) {
	route.Code = model.NormaliseCallsign(route.Code)
	updated, changed, err := r.propagate(ctx, route, copyBlock)
	if err != nil || !changed {
		return route, err
	}
	if err := r.store.UpsertRoute(ctx, updated); err != nil {
		return route, fmt.Errorf("upsert route %s: %w", updated.Code, err)
	}
	if r.cache != nil {
		r.cache.RememberRoute(updated)
	}
	return updated, nil
}

// propagation decides how a source block is applied to a route's block.
type propagation int

const (
	// copyBlock replaces the block with the source block.
	copyBlock propagation = iota
	// fillIncomplete only fills the absent fields of an incomplete block.
	fillIncomplete
)

func (r *Reconciler) propagate(ctx context.Context, route model.Route, mode propagation) (model.Route, bool, error) {
	changed := false
	for _, side := range []storage.Side{storage.Departure, storage.Arrival} {
		block := &route.Departure
		if side == storage.Arrival {
			block = &route.Arrival
		}
		if block.IATA == "" {
			continue
		}
		if mode == fillIncomplete && block.Complete() {
			continue
		}

		src, err := r.store.FindRouteByAirport(ctx, side, block.IATA, route.Code)
		if err != nil {
			return route, false, fmt.Errorf("find %s airport %s: %w", side, block.IATA, err)
		}
		if src == nil {
			continue
		}

		from := src.Departure
		if side == storage.Arrival {
			from = src.Arrival
		}
		if mode == fillIncomplete {
			from = model.MergeAirport(from, *block)
		}
		if !block.Equal(from) {
			*block = from
			changed = true
			metrics.Propagations.WithLabelValues(side.String()).Inc()
			r.log.Debug().
				Str("route", route.Code).
				Str("side", side.String()).
				Str("iata", from.IATA).
				Str("source", src.Code).
				Msg("propagated airport data")
		}
	}
	return route, changed, nil
}

func (r *Reconciler) deriveCountryIDs(route *model.Route) {
	if r.tables == nil || r.tables.Countries == nil {
		return
	}
	for _, a := range []*model.Airport{&route.Departure, &route.Arrival} {
		if a.Country != "" && a.CountryID == "" {
			a.CountryID = r.tables.Countries.ID(a.Country)
		}
	}
}

func normaliseAirport(a *model.Airport) {
	a.IATA = strings.ToUpper(strings.TrimSpace(a.IATA))
	a.ICAO = strings.ToUpper(strings.TrimSpace(a.ICAO))
}

// MergeAirline applies the present fields of candidate over the stored airline.
func (r *Reconciler) MergeAirline(ctx context.Context, candidate model.Airline) (model.Airline, error) {
	iata := strings.ToUpper(strings.TrimSpace(candidate.IATA))
	if iata == "" {
		return model.Airline{}, fmt.Errorf("merge airline: empty IATA code")
	}
	candidate.IATA = iata

	existing, err := r.store.GetAirline(ctx, iata)
	if err != nil {
		return model.Airline{}, fmt.Errorf("get airline %s: %w", iata, err)
	}
	merged := model.MergeAirline(existing, candidate)
	if merged.CountryISO2 == "" && merged.Country != "" && r.tables != nil && r.tables.Countries != nil {
		merged.CountryISO2 = r.tables.Countries.ID(merged.Country)
	}
	if err := r.store.UpsertAirline(ctx, merged); err != nil {
		return model.Airline{}, fmt.Errorf("upsert airline %s: %w", iata, err)
	}
	metrics.Merges.WithLabelValues("airline", op(existing == nil)).Inc()
	return merged, nil
}

func (r *Reconciler) publish(ctx context.Context, typ, key, source string, data any) {
	if err := r.events.Publish(ctx, events.NewEvent(typ, key, source, data)); err != nil {
		r.log.Warn().Err(err).Str("type", typ).Str("key", key).Msg("publish event")
	}
}

func op(inserted bool) string {
	if inserted {
		return "insert"
	}
	return "update"
}
