package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type staticLive []LiveAircraft

func (s staticLive) LiveAircraft() []LiveAircraft { return s }

const schipholPage = `{"flights": [
	{"flightName": "KL1002", "flightNumber": 1002, "flightDirection": "A", "prefixIATA": "KL", "prefixICAO": "KLM",
	 "aircraftRegistration": "PHBXA", "aircraftType": {"iataMain": "738"}, "route": {"destinations": ["LHR"]}},
	{"flightName": "XX1", "flightNumber": 1, "flightDirection": "D", "prefixIATA": "XX",
	 "aircraftRegistration": "PHBXA", "route": {"destinations": ["CDG"]}},
	{"flightName": "HV5001", "flightNumber": 5001, "flightDirection": "D", "prefixIATA": "HV", "prefixICAO": "TRA",
	 "aircraftRegistration": "PH-HSD", "route": {"destinations": ["BCN"]}}
]}`

func newSchipholServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("app_id") != "id" || r.Header.Get("app_key") != "key" || r.Header.Get("ResourceVersion") != "v4" {
			t.Errorf("missing auth headers: %v", r.Header)
		}
		q := r.URL.Query()
		if q.Get("page") != "0" || q.Get("searchDateTimeField") != "estimatedLandingTime" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write([]byte(schipholPage))
	}))
}

func TestSchipholLookupRouteMatchesRegistration(t *testing.T) {
	var hits atomic.Int32
	srv := newSchipholServer(t, &hits)
	defer srv.Close()

	live := staticLive{
		{ICAO: "4841a1", Callsign: "KLM1002 ", Registration: "PH-BXA"},
		{ICAO: "485000", Callsign: "TRA5001", Registration: ""},
	}
	s, err := NewSchiphol(SchipholConfig{BaseURL: srv.URL, AppID: "id", AppKey: "key"}, live, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSchiphol() error: %v", err)
	}

	m, err := s.LookupRoute(context.Background(), "KLM1002")
	if err != nil {
		t.Fatalf("LookupRoute() error: %v", err)
	}
	r := m.Route
	if r.Code != "KLM1002" || r.IATA != "KL1002" || r.Number != "1002" || r.AirlineICAO != "KLM" {
		t.Errorf("route = %+v", r)
	}
	if r.Departure.IATA != "LHR" || r.Arrival.IATA != "AMS" {
		t.Errorf("airports = %s -> %s, want LHR -> AMS", r.Departure.IATA, r.Arrival.IATA)
	}
	if m.Aircraft == nil || m.Aircraft.ICAO != "4841A1" || m.Aircraft.TypeCode != "738" {
		t.Errorf("aircraft = %+v", m.Aircraft)
	}

	// Arrivals page 0 and 1, departures page 0.
	if hits.Load() != 3 {
		t.Errorf("server hit %d times, want 3", hits.Load())
	}

	// Cached within the TTL.
	if _, err := s.LookupRoute(context.Background(), "KLM1002"); err != nil {
		t.Fatalf("second LookupRoute() error: %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("cached lookup hit the server")
	}
}

func TestSchipholLookupRouteWithoutRegistration(t *testing.T) {
	var hits atomic.Int32
	srv := newSchipholServer(t, &hits)
	defer srv.Close()

	live := staticLive{{ICAO: "485000", Callsign: "TRA5001"}}
	s, err := NewSchiphol(SchipholConfig{BaseURL: srv.URL, AppID: "id", AppKey: "key"}, live, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.LookupRoute(context.Background(), "TRA5001"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if hits.Load() != 0 {
		t.Errorf("server hit %d times, want 0", hits.Load())
	}
}

func TestSchipholTimeWindows(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	windows := map[string][2]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		windows[q.Get("searchDateTimeField")] = [2]string{q.Get("fromDateTime"), q.Get("toDateTime")}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	live := staticLive{{ICAO: "4841A1", Callsign: "KLM1", Registration: "PH-BXA"}}
	s, err := NewSchiphol(SchipholConfig{BaseURL: srv.URL}, live, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return now }

	if _, err := s.LookupRoute(context.Background(), "KLM1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// Amsterdam is UTC+2 in June.
	want := map[string][2]string{
		"estimatedLandingTime": {"2024-06-01T11:50:00", "2024-06-01T13:00:00"},
		"actualOffBlockTime":   {"2024-06-01T10:30:00", "2024-06-01T12:00:00"},
	}
	for field, w := range want {
		if windows[field] != w {
			t.Errorf("%s window = %v, want %v", field, windows[field], w)
		}
	}
}

func TestSchipholServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message": "bad key"}`))
	}))
	defer srv.Close()

	live := staticLive{{ICAO: "4841A1", Callsign: "KLM1", Registration: "PH-BXA"}}
	s, err := NewSchiphol(SchipholConfig{BaseURL: srv.URL}, live, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.LookupRoute(context.Background(), "KLM1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
