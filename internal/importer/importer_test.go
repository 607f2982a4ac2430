package importer

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/evroon/web1090/internal/model"
)

type recordingMerger struct {
	aircraft []model.Aircraft
	routes   []model.Route
	airlines []model.Airline
	err      error
}

func (m *recordingMerger) MergeAircraft(_ context.Context, a model.Aircraft, _ string) (model.Aircraft, error) {
	hex, err := model.NormaliseHex(a.ICAO)
	if err != nil {
		return model.Aircraft{}, err
	}
	if m.err != nil {
		return model.Aircraft{}, m.err
	}
	a.ICAO = hex
	m.aircraft = append(m.aircraft, a)
	return a, nil
}

func (m *recordingMerger) MergeRoute(_ context.Context, r model.Route, _ string) (model.Route, error) {
	if m.err != nil {
		return model.Route{}, m.err
	}
	m.routes = append(m.routes, r)
	return r, nil
}

func (m *recordingMerger) MergeAirline(_ context.Context, a model.Airline) (model.Airline, error) {
	if m.err != nil {
		return model.Airline{}, m.err
	}
	m.airlines = append(m.airlines, a)
	return a, nil
}

const openSkyCSV = `icao24,registration,manufacturericao,manufacturername,model,typecode,serialnumber,linenumber,icaoaircrafttype,operator,operatorcallsign,operatoricao,operatoriata,owner,testreg,registered,reguntil,status,built,firstflightdate,seatconfiguration,engines,modes,adsb,acars,notes,categoryDescription
4840d6,PH-BXA,BOEING,Boeing,737-8K2,B738,29131,195,L2J,KLM,KLM,KLM,KL,KLM Royal Dutch Airlines,,1999-01-22,,,1998-12-15,1998-12-01,,,false,false,false,,
abc,N1,,,,C172,,,,,,,,,,,,,,,,,false,false,false,,
zzzzzz,N2,,,,C172,,,,,,,,,,,,,,,,,false,false,false,,
a00001,N3,,,Cessna 172,C172,,,,,,,,Private,,2011,,,,,,,false,false,false,,
`

func TestOpenSky(t *testing.T) {
	m := &recordingMerger{}
	imp := New(m, zerolog.Nop())

	stats, err := imp.OpenSky(context.Background(), strings.NewReader(openSkyCSV))
	if err != nil {
		t.Fatalf("OpenSky: %v", err)
	}
	if stats != (Stats{Rows: 4, Merged: 2, Skipped: 2}) {
		t.Errorf("stats = %+v", stats)
	}
	if len(m.aircraft) != 2 {
		t.Fatalf("merged %d aircraft, want 2", len(m.aircraft))
	}

	got := m.aircraft[0]
	want := model.Aircraft{
		ICAO:             "4840D6",
		Registration:     "PH-BXA",
		TypeCode:         "B738",
		AirlineIATA:      "KL",
		Owner:            "KLM Royal Dutch Airlines",
		ModelName:        "737-8K2",
		ModelCode:        "B738",
		ProductionLine:   "195",
		DeliveryDate:     "1998-12-15",
		RegistrationDate: "1999-01-22",
		FirstFlightDate:  "1998-12-01",
	}
	if got != want {
		t.Errorf("aircraft = %+v\nwant %+v", got, want)
	}
	if m.aircraft[1].RegistrationDate != "" {
		t.Errorf("truncated date kept: %q", m.aircraft[1].RegistrationDate)
	}
}

func TestOpenSkyMergeErrorAborts(t *testing.T) {
	m := &recordingMerger{err: errors.New("database is locked")}
	imp := New(m, zerolog.Nop())

	if _, err := imp.OpenSky(context.Background(), strings.NewReader(openSkyCSV)); err == nil {
		t.Fatal("expected store error to abort the import")
	}
}

func TestAircraftTypes(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"48.json":   `{"40D6": {"r": "PH-BXA", "t": "B738"}, "40d7": {"r": "PH-BXB"}, "children": ["0", "1"]}`,
		"A.json":    `{"00001": {"r": "N1", "t": "C172", "f": "00"}}`,
		"notes.txt": `ignored`,
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	m := &recordingMerger{}
	stats, err := New(m, zerolog.Nop()).AircraftTypes(context.Background(), dir)
	if err != nil {
		t.Fatalf("AircraftTypes: %v", err)
	}
	if stats != (Stats{Rows: 3, Merged: 2, Skipped: 1}) {
		t.Errorf("stats = %+v", stats)
	}

	want := map[string]string{"4840D6": "B738", "A00001": "C172"}
	for _, a := range m.aircraft {
		if want[a.ICAO] != a.TypeCode {
			t.Errorf("unexpected aircraft %+v", a)
		}
		delete(want, a.ICAO)
	}
	if len(want) != 0 {
		t.Errorf("missing aircraft %v", want)
	}
}

func TestRoutes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "StandingData.sqb")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.Exec(`CREATE TABLE RouteView (
		RouteId INTEGER, Callsign TEXT, OperatorName TEXT, OperatorIata TEXT, OperatorIcao TEXT,
		FromAirportName TEXT, FromAirportIcao TEXT, FromAirportIata TEXT, FromAirportLatitude REAL,
		FromAirportLongitude REAL, FromAirportAltitude REAL, FromAirportLocation TEXT, FromAirportCountry TEXT,
		ToAirportName TEXT, ToAirportIcao TEXT, ToAirportIata TEXT, ToAirportLatitude REAL,
		ToAirportLongitude REAL, ToAirportAltitude REAL, ToAirportLocation TEXT, ToAirportCountry TEXT)`)
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.Exec(`INSERT INTO RouteView VALUES
		(1, 'KLM1234', 'KLM', 'KL', 'KLM', 'Schiphol', 'EHAM', 'AMS', 52.31, 4.76, -11, 'Amsterdam', 'Netherlands',
		 'Heathrow', 'EGLL', 'LHR', 51.47, -0.46, 83, 'London', 'United Kingdom'),
		(2, 'BAW1', 'British Airways', 'BA', 'BAW', 'Heathrow', 'EGLL', 'LHR', 51.47, -0.46, 83, 'London', 'United Kingdom',
		 'JFK', 'KJFK', 'JFK', NULL, NULL, NULL, 'New York', 'United States'),
		(3, NULL, NULL, NULL, NULL, NULL, NULL, NULL, NULL, NULL, NULL, NULL, NULL,
		 NULL, NULL, NULL, NULL, NULL, NULL, NULL, NULL)`)
	if err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	m := &recordingMerger{}
	stats, err := New(m, zerolog.Nop()).Routes(context.Background(), path)
	if err != nil {
		t.Fatalf("Routes: %v", err)
	}
	if stats != (Stats{Rows: 3, Merged: 2, Skipped: 1}) {
		t.Errorf("stats = %+v", stats)
	}
	if len(m.routes) != 2 || m.routes[0].Code != "BAW1" || m.routes[1].Code != "KLM1234" {
		t.Fatalf("routes = %+v, want BAW1 then KLM1234", m.routes)
	}

	klm := m.routes[1]
	if klm.AirlineIATA != "KL" || klm.Departure.IATA != "AMS" || klm.Arrival.ICAO != "EGLL" {
		t.Errorf("route = %+v", klm)
	}
	if klm.Departure.Latitude == nil || *klm.Departure.Latitude != 52.31 {
		t.Errorf("departure latitude = %v", klm.Departure.Latitude)
	}
	if m.routes[0].Arrival.Latitude != nil {
		t.Errorf("NULL latitude decoded as %v", *m.routes[0].Arrival.Latitude)
	}
}

type pagedAirlines [][]model.Airline

func (p pagedAirlines) Airlines(ctx context.Context, fn func([]model.Airline) error) error {
	for _, page := range p {
		if err := fn(page); err != nil {
			return err
		}
	}
	return nil
}

type pagedAircraft [][]model.Aircraft

func (p pagedAircraft) Airplanes(ctx context.Context, fn func([]model.Aircraft) error) error {
	for _, page := range p {
		if err := fn(page); err != nil {
			return err
		}
	}
	return nil
}

func TestDirectories(t *testing.T) {
	m := &recordingMerger{}
	imp := New(m, zerolog.Nop())
	ctx := context.Background()

	stats, err := imp.Airlines(ctx, pagedAirlines{
		{{IATA: "KL", Name: "KLM"}, {IATA: "BA", Name: "British Airways"}},
		{{IATA: "LH", Name: "Lufthansa"}},
	})
	if err != nil {
		t.Fatalf("Airlines: %v", err)
	}
	if stats.Merged != 3 || len(m.airlines) != 3 {
		t.Errorf("airline stats = %+v", stats)
	}

	stats, err = imp.Airplanes(ctx, pagedAircraft{
		{{ICAO: "4840D6", TypeCode: "B738"}, {ICAO: "bogus"}},
	})
	if err != nil {
		t.Fatalf("Airplanes: %v", err)
	}
	if stats != (Stats{Rows: 2, Merged: 1, Skipped: 1}) {
		t.Errorf("airplane stats = %+v", stats)
	}
}

func TestDownload(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/missing.csv" {
			http.NotFound(w, r)
			return
		}
		if strings.HasSuffix(r.URL.Path, ".gz") {
			gz := gzip.NewWriter(w)
			_, _ = gz.Write([]byte("compressed payload"))
			_ = gz.Close()
			return
		}
		_, _ = w.Write([]byte("plain payload"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	imp := New(&recordingMerger{}, zerolog.Nop())
	ctx := context.Background()

	tests := []struct {
		name    string
		src     string
		want    string
		wantErr bool
	}{
		{"plain", "/data.csv", "plain payload", false},
		{"gzip", "/StandingData.sqb.gz", "compressed payload", false},
		{"not found", "/missing.csv", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			err := imp.Download(ctx, srv.Client(), srv.URL+tt.src, path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Download error = %v, wantErr %v", err, tt.wantErr)
			}
			got, readErr := os.ReadFile(path)
			if tt.wantErr {
				if readErr == nil {
					t.Error("failed download left a file behind")
				}
				return
			}
			if !bytes.Equal(got, []byte(tt.want)) {
				t.Errorf("content = %q, want %q", got, tt.want)
			}
		})
	}

	before := hits.Load()
	if err := imp.Download(ctx, srv.Client(), srv.URL+"/data.csv", filepath.Join(dir, "plain")); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != before {
		t.Error("existing download fetched again")
	}
}
