package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/evroon/web1090/internal/model"
)

// schema is shared by PostgreSQL and SQLite; both accept these column types.
const schema = `
	CREATE TABLE IF NOT EXISTS aircraft (
		icao              TEXT PRIMARY KEY,
		registration      TEXT,
		type_code         TEXT,
		category          TEXT,
		family            TEXT,
		country           TEXT,
		airline_iata      TEXT,
		owner             TEXT,
		model_name        TEXT,
		model_code        TEXT,
		production_line   TEXT,
		delivery_date     TEXT,
		first_flight_date TEXT,
		registration_date TEXT,
		rollout_date      TEXT,
		active            BOOLEAN,
		favorite          BOOLEAN NOT NULL DEFAULT FALSE,
		has_no_images     BOOLEAN NOT NULL DEFAULT FALSE,
		source_id         BIGINT
	);

	CREATE INDEX IF NOT EXISTS idx_aircraft_registration ON aircraft(registration);

	CREATE TABLE IF NOT EXISTS routes (
		code            TEXT PRIMARY KEY,
		iata            TEXT,
		number          TEXT,
		airline_name    TEXT,
		airline_iata    TEXT,
		airline_icao    TEXT,
		dep_name        TEXT,
		dep_icao        TEXT,
		dep_iata        TEXT,
		dep_lat         DOUBLE PRECISION,
		dep_lon         DOUBLE PRECISION,
		dep_alt         DOUBLE PRECISION,
		dep_location    TEXT,
		dep_country     TEXT,
		dep_country_id  TEXT,
		arr_name        TEXT,
		arr_icao        TEXT,
		arr_iata        TEXT,
		arr_lat         DOUBLE PRECISION,
		arr_lon         DOUBLE PRECISION,
		arr_alt         DOUBLE PRECISION,
		arr_location    TEXT,
		arr_country     TEXT,
		arr_country_id  TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_routes_dep_iata ON routes(dep_iata);
	CREATE INDEX IF NOT EXISTS idx_routes_arr_iata ON routes(arr_iata);

	CREATE TABLE IF NOT EXISTS airlines (
		iata         TEXT PRIMARY KEY,
		icao         TEXT,
		name         TEXT,
		callsign     TEXT,
		country      TEXT,
		country_iso2 TEXT,
		fleet_size   INTEGER,
		hub_code     TEXT,
		status       TEXT
	);

	CREATE TABLE IF NOT EXISTS aircraft_images (
		id            BIGINT PRIMARY KEY,
		icao          TEXT NOT NULL,
		seq           INTEGER NOT NULL,
		image_url     TEXT NOT NULL,
		thumbnail_url TEXT NOT NULL,
		photographer  TEXT,
		UNIQUE (icao, seq)
	);
`

const aircraftColumns = `icao, registration, type_code, category, family, country, airline_iata,
	owner, model_name, model_code, production_line,
	delivery_date, first_flight_date, registration_date, rollout_date,
	active, favorite, has_no_images, source_id`

const routeColumns = `code, iata, number, airline_name, airline_iata, airline_icao,
	dep_name, dep_icao, dep_iata, dep_lat, dep_lon, dep_alt, dep_location, dep_country, dep_country_id,
	arr_name, arr_icao, arr_iata, arr_lat, arr_lon, arr_alt, arr_location, arr_country, arr_country_id`

const airlineColumns = `iata, icao, name, callsign, country, country_iso2, fleet_size, hub_code, status`

var (
	upsertAircraftSQL = `INSERT INTO aircraft (` + aircraftColumns + `)
		VALUES (` + placeholders(19) + `)
		ON CONFLICT (icao) DO UPDATE SET ` + excludedSet(aircraftColumns, "icao", "favorite", "has_no_images")

	upsertRouteSQL = `INSERT INTO routes (` + routeColumns + `)
		VALUES (` + placeholders(24) + `)
		ON CONFLICT (code) DO UPDATE SET ` + excludedSet(routeColumns, "code")

	upsertAirlineSQL = `INSERT INTO airlines (` + airlineColumns + `)
		VALUES (` + placeholders(9) + `)
		ON CONFLICT (iata) DO UPDATE SET ` + excludedSet(airlineColumns, "iata")

	findRouteByDepartureSQL = `SELECT ` + routeColumns + ` FROM routes
		WHERE dep_iata = ? AND code <> ?
		  AND dep_name IS NOT NULL AND dep_icao IS NOT NULL AND dep_lat IS NOT NULL AND dep_lon IS NOT NULL
		ORDER BY code LIMIT 1`

	findRouteByArrivalSQL = `SELECT ` + routeColumns + ` FROM routes
		WHERE arr_iata = ? AND code <> ?
		  AND arr_name IS NOT NULL AND arr_icao IS NOT NULL AND arr_lat IS NOT NULL AND arr_lon IS NOT NULL
		ORDER BY code LIMIT 1`
)

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// excludedSet builds "col = EXCLUDED.col, ..." for every column except skip.
func excludedSet(columns string, skip ...string) string {
	var parts []string
	for _, c := range strings.Split(columns, ",") {
		c = strings.TrimSpace(c)
		skipped := false
		for _, s := range skip {
			if c == s {
				skipped = true
				break
			}
		}
		if !skipped {
			parts = append(parts, c+" = EXCLUDED."+c)
		}
	}
	return strings.Join(parts, ", ")
}

// rebindDollar rewrites ? placeholders to $1, $2, ... for PostgreSQL.
func rebindDollar(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// scanner is satisfied by pgx.Row, *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

type rowIter interface {
	scanner
	Next() bool
	Err() error
	Close()
}

// querier hides the differences between pgxpool and database/sql.
type querier interface {
	exec(ctx context.Context, q string, args ...any) error
	queryRow(ctx context.Context, q string, args ...any) scanner
	query(ctx context.Context, q string, args ...any) (rowIter, error)
	isNoRows(err error) bool
}

// sqlStore implements Store on top of a querier.
type sqlStore struct {
	q querier
}

func (s *sqlStore) GetAircraft(ctx context.Context, icao string) (*model.Aircraft, error) {
	a, err := scanAircraft(s.q.queryRow(ctx, `SELECT `+aircraftColumns+` FROM aircraft WHERE icao = ?`, icao))
	if s.q.isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get aircraft %s: %w", icao, err)
	}
	return a, nil
}

func (s *sqlStore) UpsertAircraft(ctx context.Context, a model.Aircraft) error {
	if err := s.q.exec(ctx, upsertAircraftSQL, aircraftArgs(a)...); err != nil {
		return fmt.Errorf("upsert aircraft %s: %w", a.ICAO, err)
	}
	return nil
}

func (s *sqlStore) SetHasNoImages(ctx context.Context, icao string) error {
	err := s.q.exec(ctx, `UPDATE aircraft SET has_no_images = TRUE WHERE icao = ?`, icao)
	if err != nil {
		return fmt.Errorf("set has_no_images %s: %w", icao, err)
	}
	return nil
}

func (s *sqlStore) GetRoute(ctx context.Context, code string) (*model.Route, error) {
	r, err := scanRoute(s.q.queryRow(ctx, `SELECT `+routeColumns+` FROM routes WHERE code = ?`, code))
	if s.q.isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get route %s: %w", code, err)
	}
	return r, nil
}

func (s *sqlStore) UpsertRoute(ctx context.Context, r model.Route) error {
	if err := s.q.exec(ctx, upsertRouteSQL, routeArgs(r)...); err != nil {
		return fmt.Errorf("upsert route %s: %w", r.Code, err)
	}
	return nil
}

func (s *sqlStore) FindRouteByAirport(ctx context.Context, side Side, iata, exclude string) (*model.Route, error) {
	q := findRouteByDepartureSQL
	if side == Arrival {
		q = findRouteByArrivalSQL
	}
	r, err := scanRoute(s.q.queryRow(ctx, q, iata, exclude))
	if s.q.isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find route by %s %s: %w", side, iata, err)
	}
	return r, nil
}

func (s *sqlStore) ListRoutes(ctx context.Context) ([]model.Route, error) {
	rows, err := s.q.query(ctx, `SELECT `+routeColumns+` FROM routes ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()

	var routes []model.Route
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		routes = append(routes, *r)
	}
	return routes, rows.Err()
}

func (s *sqlStore) GetAirline(ctx context.Context, iata string) (*model.Airline, error) {
	var a model.Airline
	var icao, name, callsign, country, iso2, hub, status *string
	var fleet *int
	err := s.q.queryRow(ctx, `SELECT `+airlineColumns+` FROM airlines WHERE iata = ?`, iata).
		Scan(&a.IATA, &icao, &name, &callsign, &country, &iso2, &fleet, &hub, &status)
	if s.q.isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get airline %s: %w", iata, err)
	}
	a.ICAO, a.Name, a.Callsign = deref(icao), deref(name), deref(callsign)
	a.Country, a.CountryISO2, a.HubCode, a.Status = deref(country), deref(iso2), deref(hub), deref(status)
	a.FleetSize = fleet
	return &a, nil
}

func (s *sqlStore) UpsertAirline(ctx context.Context, a model.Airline) error {
	err := s.q.exec(ctx, upsertAirlineSQL,
		a.IATA, opt(a.ICAO), opt(a.Name), opt(a.Callsign), opt(a.Country), opt(a.CountryISO2),
		a.FleetSize, opt(a.HubCode), opt(a.Status))
	if err != nil {
		return fmt.Errorf("upsert airline %s: %w", a.IATA, err)
	}
	return nil
}

func (s *sqlStore) GetImages(ctx context.Context, icao string) ([]model.AircraftImage, error) {
	rows, err := s.q.query(ctx, `
		SELECT icao, seq, image_url, thumbnail_url, photographer
		FROM aircraft_images WHERE icao = ? ORDER BY seq`, icao)
	if err != nil {
		return nil, fmt.Errorf("get images %s: %w", icao, err)
	}
	defer rows.Close()

	var images []model.AircraftImage
	for rows.Next() {
		var img model.AircraftImage
		var photographer *string
		if err := rows.Scan(&img.ICAO, &img.Seq, &img.ImageURL, &img.ThumbnailURL, &photographer); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		img.Photographer = deref(photographer)
		images = append(images, img)
	}
	return images, rows.Err()
}

func (s *sqlStore) CreateImage(ctx context.Context, img model.AircraftImage) error {
	id, err := model.ImageID(img.ICAO, img.Seq)
	if err != nil {
		return err
	}
	err = s.q.exec(ctx, `
		INSERT INTO aircraft_images (id, icao, seq, image_url, thumbnail_url, photographer)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		id, img.ICAO, img.Seq, img.ImageURL, img.ThumbnailURL, opt(img.Photographer))
	if err != nil {
		return fmt.Errorf("create image %s/%d: %w", img.ICAO, img.Seq, err)
	}
	return nil
}

func (s *sqlStore) Counts(ctx context.Context) (model.Counts, error) {
	var c model.Counts
	err := s.q.queryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM aircraft),
			(SELECT COUNT(*) FROM routes),
			(SELECT COUNT(*) FROM airlines),
			(SELECT COUNT(*) FROM aircraft_images)`).
		Scan(&c.Aircraft, &c.Routes, &c.Airlines, &c.Images)
	if err != nil {
		return c, fmt.Errorf("counts: %w", err)
	}
	return c, nil
}

func aircraftArgs(a model.Aircraft) []any {
	return []any{
		a.ICAO, opt(a.Registration), opt(a.TypeCode), opt(a.Category), opt(a.Family), opt(a.Country), opt(a.AirlineIATA),
		opt(a.Owner), opt(a.ModelName), opt(a.ModelCode), opt(a.ProductionLine),
		opt(a.DeliveryDate), opt(a.FirstFlightDate), opt(a.RegistrationDate), opt(a.RolloutDate),
		a.Active, a.Favorite, a.HasNoImages, a.SourceID,
	}
}

func scanAircraft(row scanner) (*model.Aircraft, error) {
	var a model.Aircraft
	var reg, typ, cat, fam, country, airline *string
	var owner, modelName, modelCode, line *string
	var delivery, firstFlight, registered, rollout *string
	err := row.Scan(&a.ICAO, &reg, &typ, &cat, &fam, &country, &airline,
		&owner, &modelName, &modelCode, &line,
		&delivery, &firstFlight, &registered, &rollout,
		&a.Active, &a.Favorite, &a.HasNoImages, &a.SourceID)
	if err != nil {
		return nil, err
	}
	a.Registration, a.TypeCode, a.Category, a.Family = deref(reg), deref(typ), deref(cat), deref(fam)
	a.Country, a.AirlineIATA, a.Owner = deref(country), deref(airline), deref(owner)
	a.ModelName, a.ModelCode, a.ProductionLine = deref(modelName), deref(modelCode), deref(line)
	a.DeliveryDate, a.FirstFlightDate = deref(delivery), deref(firstFlight)
	a.RegistrationDate, a.RolloutDate = deref(registered), deref(rollout)
	return &a, nil
}

func routeArgs(r model.Route) []any {
	args := []any{r.Code, opt(r.IATA), opt(r.Number), opt(r.AirlineName), opt(r.AirlineIATA), opt(r.AirlineICAO)}
	args = append(args, airportArgs(r.Departure)...)
	return append(args, airportArgs(r.Arrival)...)
}

func airportArgs(a model.Airport) []any {
	return []any{
		opt(a.Name), opt(a.ICAO), opt(a.IATA), a.Latitude, a.Longitude, a.Altitude,
		opt(a.Location), opt(a.Country), opt(a.CountryID),
	}
}

// airportDest holds scan targets for one airport block.
type airportDest struct {
	name, icao, iata, location, country, countryID *string
	lat, lon, alt                                  *float64
}

func (d *airportDest) targets() []any {
	return []any{&d.name, &d.icao, &d.iata, &d.lat, &d.lon, &d.alt, &d.location, &d.country, &d.countryID}
}

func (d *airportDest) airport() model.Airport {
	return model.Airport{
		Name: deref(d.name), ICAO: deref(d.icao), IATA: deref(d.iata),
		Latitude: d.lat, Longitude: d.lon, Altitude: d.alt,
		Location: deref(d.location), Country: deref(d.country), CountryID: deref(d.countryID),
	}
}

func scanRoute(row scanner) (*model.Route, error) {
	var r model.Route
	var iata, number, name, airIATA, airICAO *string
	var dep, arr airportDest
	dest := []any{&r.Code, &iata, &number, &name, &airIATA, &airICAO}
	dest = append(dest, dep.targets()...)
	dest = append(dest, arr.targets()...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	r.IATA, r.Number, r.AirlineName = deref(iata), deref(number), deref(name)
	r.AirlineIATA, r.AirlineICAO = deref(airIATA), deref(airICAO)
	r.Departure = dep.airport()
	r.Arrival = arr.airport()
	return &r, nil
}

// opt maps an absent string to NULL.
func opt(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
