// Package storage provides the persistent reference store used by the enrichment
// engine (PostgreSQL or SQLite) and the optional ClickHouse telemetry archive.
package storage

import (
	"context"
	"fmt"

	"github.com/evroon/web1090/internal/model"
)

// Side selects one end of a route.
type Side int

const (
	Departure Side = iota
	Arrival
)

func (s Side) String() string {
	if s == Arrival {
		return "arrival"
	}
	return "departure"
}

// Store is the reference data contract the engine depends on. Lookups return
// (nil, nil) when no record exists.
//
// Upserts replace the stored fields with the given record, except for the
// favorite and has-no-images flags which are only written on insert. Callers
// merge before upserting.
type Store interface {
	GetAircraft(ctx context.Context, icao string) (*model.Aircraft, error)
	UpsertAircraft(ctx context.Context, a model.Aircraft) error
	SetHasNoImages(ctx context.Context, icao string) error

	GetRoute(ctx context.Context, code string) (*model.Route, error)
	UpsertRoute(ctx context.Context, r model.Route) error
	// FindRouteByAirport returns a route other than exclude whose airport on
	// the given side has the IATA code and a complete airport block.
	FindRouteByAirport(ctx context.Context, side Side, iata, exclude string) (*model.Route, error)
	ListRoutes(ctx context.Context) ([]model.Route, error)

	GetAirline(ctx context.Context, iata string) (*model.Airline, error)
	UpsertAirline(ctx context.Context, a model.Airline) error

	GetImages(ctx context.Context, icao string) ([]model.AircraftImage, error)
	CreateImage(ctx context.Context, img model.AircraftImage) error

	Counts(ctx context.Context) (model.Counts, error)
	Close() error
}

// Config selects and configures the reference store.
type Config struct {
	Driver     string // "postgres" or "sqlite"
	SQLitePath string
	Postgres   PostgresConfig
}

// DefaultConfig returns a configuration with default local development settings.
func DefaultConfig() Config {
	return Config{
		Driver:     "sqlite",
		SQLitePath: "web1090.db",
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "web1090",
			User:     "web1090",
			Password: "web1090",
		},
	}
}

// Open opens the configured store and ensures its schema exists.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if err := pg.CreateSchema(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		return pg, nil
	case "sqlite", "":
		db, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
