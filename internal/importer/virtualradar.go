package importer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/evroon/web1090/internal/model"
)

// VirtualRadarURL is the VirtualRadar Server standing data snapshot.
const VirtualRadarURL = "https://www.virtualradarserver.co.uk/Files/StandingData.sqb.gz"

const routeViewQuery = `SELECT Callsign, OperatorName, OperatorIata, OperatorIcao,
	FromAirportName, FromAirportIcao, FromAirportIata, FromAirportLatitude,
	FromAirportLongitude, FromAirportAltitude, FromAirportLocation, FromAirportCountry,
	ToAirportName, ToAirportIcao, ToAirportIata, ToAirportLatitude,
	ToAirportLongitude, ToAirportAltitude, ToAirportLocation, ToAirportCountry
	FROM RouteView ORDER BY RouteId DESC`

// Routes imports the RouteView of a VirtualRadar StandingData.sqb file.
func (i *Importer) Routes(ctx context.Context, path string) (Stats, error) {
	p := i.begin("virtualradar")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return p.stats, fmt.Errorf("open %s: %w", path, err)
	}
	defer db.Close()

	// Read everything first so the snapshot is not held open across store
	// writes, which may go to another SQLite file.
	routes, err := readRouteView(ctx, db)
	if err != nil {
		return p.stats, err
	}

	for _, r := range routes {
		if err := ctx.Err(); err != nil {
			return p.stats, err
		}
		p.row()
		if r.Code == "" {
			p.skip()
			continue
		}
		_, err := i.merger.MergeRoute(ctx, r, "virtualradar")
		if err := p.merged(err); err != nil {
			return p.stats, err
		}
	}
	return p.done(), nil
}

func readRouteView(ctx context.Context, db *sql.DB) ([]model.Route, error) {
	rows, err := db.QueryContext(ctx, routeViewQuery)
	if err != nil {
		return nil, fmt.Errorf("query RouteView: %w", err)
	}
	defer rows.Close()

	var out []model.Route
	for rows.Next() {
		var (
			callsign, opName, opIATA, opICAO sql.NullString
			from, to                         airportColumns
		)
		err := rows.Scan(&callsign, &opName, &opIATA, &opICAO,
			&from.name, &from.icao, &from.iata, &from.lat, &from.lon, &from.alt, &from.location, &from.country,
			&to.name, &to.icao, &to.iata, &to.lat, &to.lon, &to.alt, &to.location, &to.country)
		if err != nil {
			return nil, fmt.Errorf("scan RouteView: %w", err)
		}
		out = append(out, model.Route{
			Code:        model.NormaliseCallsign(callsign.String),
			AirlineName: opName.String,
			AirlineIATA: opIATA.String,
			AirlineICAO: opICAO.String,
			Departure:   from.airport(),
			Arrival:     to.airport(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read RouteView: %w", err)
	}
	return out, nil
}

type airportColumns struct {
	name, icao, iata  sql.NullString
	lat, lon, alt     sql.NullFloat64
	location, country sql.NullString
}

func (c airportColumns) airport() model.Airport {
	return model.Airport{
		Name:      c.name.String,
		ICAO:      strings.ToUpper(c.icao.String),
		IATA:      strings.ToUpper(c.iata.String),
		Latitude:  nullFloat(c.lat),
		Longitude: nullFloat(c.lon),
		Altitude:  nullFloat(c.alt),
		Location:  c.location.String,
		Country:   c.country.String,
	}
}

func nullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	return &f.Float64
}
