package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/evroon/web1090/internal/metrics"
	"github.com/evroon/web1090/internal/model"
)

const (
	// AviationstackName identifies the provider in logs and metrics.
	AviationstackName = "aviationstack"

	// DefaultAviationstackURL is the public API root.
	DefaultAviationstackURL = "http://api.aviationstack.com/v1"

	aviationstackPageSize = 100
	usageLimitReached     = "usage_limit_reached"
)

// AviationstackConfig configures the aviationstack client.
type AviationstackConfig struct {
	BaseURL       string
	Keys          []string
	Timeout       time.Duration
	RatePerSecond float64
}

// Aviationstack is the quota-limited real-time flight lookup. It holds a pool
// of interchangeable API keys; a key that reports its usage limit is dropped
// for the lifetime of the client.
type Aviationstack struct {
	baseURL string
	http    *HTTPClient
	keys    *keyPool
	log     zerolog.Logger
}

// NewAviationstack creates a client. rng selects keys; nil seeds a new one.
func NewAviationstack(cfg AviationstackConfig, rng *rand.Rand, log zerolog.Logger) *Aviationstack {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultAviationstackURL
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Aviationstack{
		baseURL: base,
		http: NewHTTPClient(ClientConfig{
			Name:          AviationstackName,
			Timeout:       cfg.Timeout,
			RatePerSecond: cfg.RatePerSecond,
		}, nil),
		keys: newKeyPool(cfg.Keys, rng),
		log:  log.With().Str("component", AviationstackName).Logger(),
	}
}

// Name implements RouteLookup.
func (a *Aviationstack) Name() string { return AviationstackName }

// Available reports whether any key is left.
func (a *Aviationstack) Available() bool { return a.keys.remaining() > 0 }

// KeysRemaining returns the number of active keys.
func (a *Aviationstack) KeysRemaining() int { return a.keys.remaining() }

// KeyUsage returns how many requests were issued with key.
func (a *Aviationstack) KeyUsage(key string) int { return a.keys.usageOf(key) }

type avsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type avsPagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Count  int `json:"count"`
	Total  int `json:"total"`
}

type avsEnvelope[T any] struct {
	Pagination *avsPagination `json:"pagination"`
	Data       []T            `json:"data" validate:"dive"`
	Error      *avsError      `json:"error"`
}

type avsEndpoint struct {
	Airport  string `json:"airport"`
	Timezone string `json:"timezone"`
	IATA     string `json:"iata"`
	ICAO     string `json:"icao"`
}

type avsFlight struct {
	Departure avsEndpoint `json:"departure"`
	Arrival   avsEndpoint `json:"arrival"`
	Airline   struct {
		Name string `json:"name"`
		IATA string `json:"iata"`
		ICAO string `json:"icao"`
	} `json:"airline"`
	Flight struct {
		Number string `json:"number"`
		IATA   string `json:"iata"`
		ICAO   string `json:"icao" validate:"required"`
	} `json:"flight"`
	Aircraft *struct {
		Registration string `json:"registration"`
		IATA         string `json:"iata"`
		ICAO         string `json:"icao"`
		ICAO24       string `json:"icao24"`
	} `json:"aircraft"`
}

type avsAirline struct {
	ID          string `json:"id" validate:"required"`
	Name        string `json:"airline_name"`
	IATA        string `json:"iata_code"`
	ICAO        string `json:"icao_code"`
	Callsign    string `json:"callsign"`
	Status      string `json:"status"`
	FleetSize   string `json:"fleet_size"`
	HubCode     string `json:"hub_code"`
	CountryName string `json:"country_name"`
	CountryISO2 string `json:"country_iso2"`
}

type avsAirplane struct {
	ID               string `json:"id" validate:"required"`
	Hex              string `json:"icao_code_hex"`
	Registration     string `json:"registration_number"`
	IATAType         string `json:"iata_type"`
	IATACodeShort    string `json:"iata_code_short"`
	ProductionLine   string `json:"production_line"`
	AirlineIATA      string `json:"airline_iata_code"`
	ModelName        string `json:"model_name"`
	ModelCode        string `json:"model_code"`
	Owner            string `json:"plane_owner"`
	DeliveryDate     string `json:"delivery_date"`
	FirstFlightDate  string `json:"first_flight_date"`
	RegistrationDate string `json:"registration_date"`
	RolloutDate      string `json:"rollout_date"`
	Status           string `json:"plane_status"`
}

// LookupRoute implements RouteLookup using the real-time flights endpoint.
func (a *Aviationstack) LookupRoute(ctx context.Context, code string) (*Match, error) {
	code = model.NormaliseCallsign(code)
	params := url.Values{}
	params.Set("flight_icao", code)

	var env avsEnvelope[avsFlight]
	if err := a.get(ctx, "flights", params, &env); err != nil {
		return nil, err
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%s: flight %s: %w", AviationstackName, code, ErrNotFound)
	}

	f := env.Data[0]
	m := &Match{Route: flightToRoute(code, f)}
	if f.Aircraft != nil {
		if hex, err := model.NormaliseHex(f.Aircraft.ICAO24); err == nil {
			m.Aircraft = &model.Aircraft{
				ICAO:         hex,
				Registration: f.Aircraft.Registration,
				TypeCode:     f.Aircraft.IATA,
				ModelCode:    f.Aircraft.ICAO,
			}
		}
	}
	return m, nil
}

func flightToRoute(code string, f avsFlight) model.Route {
	return model.Route{
		Code:        code,
		IATA:        f.Flight.IATA,
		Number:      f.Flight.Number,
		AirlineName: f.Airline.Name,
		AirlineIATA: f.Airline.IATA,
		AirlineICAO: f.Airline.ICAO,
		Departure: model.Airport{
			Name: f.Departure.Airport,
			ICAO: f.Departure.ICAO,
			IATA: f.Departure.IATA,
		},
		Arrival: model.Airport{
			Name: f.Arrival.Airport,
			ICAO: f.Arrival.ICAO,
			IATA: f.Arrival.IATA,
		},
	}
}

// Airlines pages through the airline directory, passing every page to fn.
// Entries without a name are skipped.
func (a *Aviationstack) Airlines(ctx context.Context, fn func([]model.Airline) error) error {
	return paginate(ctx, a, "airlines", func(rows []avsAirline) error {
		out := make([]model.Airline, 0, len(rows))
		for _, r := range rows {
			if r.Name == "" || r.IATA == "" {
				continue
			}
			al := model.Airline{
				IATA:        strings.ToUpper(r.IATA),
				ICAO:        r.ICAO,
				Name:        r.Name,
				Callsign:    r.Callsign,
				Country:     r.CountryName,
				CountryISO2: r.CountryISO2,
				HubCode:     r.HubCode,
				Status:      r.Status,
			}
			if n, err := strconv.Atoi(r.FleetSize); err == nil {
				al.FleetSize = &n
			}
			out = append(out, al)
		}
		return fn(out)
	})
}

// Airplanes pages through the aircraft directory, passing every page to fn.
// Entries without a valid hex address are skipped.
func (a *Aviationstack) Airplanes(ctx context.Context, fn func([]model.Aircraft) error) error {
	return paginate(ctx, a, "airplanes", func(rows []avsAirplane) error {
		out := make([]model.Aircraft, 0, len(rows))
		for _, r := range rows {
			hex, err := model.NormaliseHex(r.Hex)
			if err != nil {
				continue
			}
			ac := model.Aircraft{
				ICAO:             hex,
				Registration:     r.Registration,
				TypeCode:         r.IATACodeShort,
				AirlineIATA:      r.AirlineIATA,
				Owner:            r.Owner,
				ModelName:        r.ModelName,
				ModelCode:        r.ModelCode,
				ProductionLine:   r.ProductionLine,
				DeliveryDate:     model.NormaliseDate(r.DeliveryDate),
				FirstFlightDate:  model.NormaliseDate(r.FirstFlightDate),
				RegistrationDate: model.NormaliseDate(r.RegistrationDate),
				RolloutDate:      model.NormaliseDate(r.RolloutDate),
			}
			if ac.TypeCode == "" {
				ac.TypeCode = r.IATAType
			}
			if r.Status != "" {
				ac.Active = model.Bool(strings.EqualFold(r.Status, "active"))
			}
			if id, err := strconv.ParseInt(r.ID, 10, 64); err == nil {
				ac.SourceID = &id
			}
			out = append(out, ac)
		}
		return fn(out)
	})
}

// paginate walks a directory endpoint until the reported total is reached or
// the provider stops returning data. A key running out mid-walk retries the
// same page with another key.
func paginate[T any](ctx context.Context, a *Aviationstack, endpoint string, fn func([]T) error) error {
	offset := 0
	for {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(aviationstackPageSize))
		params.Set("offset", strconv.Itoa(offset))

		var env avsEnvelope[T]
		err := a.get(ctx, endpoint, params, &env)
		if errors.Is(err, ErrQuotaExhausted) && a.Available() {
			continue
		}
		if err != nil {
			return fmt.Errorf("%s offset %d: %w", endpoint, offset, err)
		}
		if env.Data == nil {
			return nil
		}
		if err := fn(env.Data); err != nil {
			return err
		}

		offset += aviationstackPageSize
		if env.Pagination == nil || offset >= env.Pagination.Total || len(env.Data) == 0 {
			return nil
		}
	}
}

// get issues one request with a randomly chosen key and decodes the envelope.
func (a *Aviationstack) get(ctx context.Context, endpoint string, params url.Values, v any) error {
	key, ok := a.keys.pick()
	if !ok {
		return fmt.Errorf("%s: no keys left: %w", AviationstackName, ErrQuotaExhausted)
	}
	params.Set("access_key", key)

	resp, err := a.http.Get(ctx, a.baseURL+"/"+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}

	var probe struct {
		Error *avsError `json:"error"`
	}
	if decodeErr := a.http.Decode(resp.Body, &probe); decodeErr != nil && resp.OK() {
		return decodeErr
	}
	if probe.Error != nil && probe.Error.Code == usageLimitReached {
		a.keys.remove(key)
		metrics.KeysExhausted.WithLabelValues(AviationstackName).Inc()
		a.log.Warn().
			Str("endpoint", endpoint).
			Int("keys_remaining", a.keys.remaining()).
			Msg("api key reached its usage limit")
		return fmt.Errorf("%s: %w", AviationstackName, ErrQuotaExhausted)
	}
	if !resp.OK() || probe.Error != nil {
		code := ""
		if probe.Error != nil {
			code = probe.Error.Code
		}
		a.log.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_code", code).
			Msg("request failed")
		return fmt.Errorf("%s: status %d %s: %w", AviationstackName, resp.StatusCode, code, ErrUnavailable)
	}

	return a.http.Decode(resp.Body, v)
}

// keyPool hands out API keys at random and tracks their usage.
type keyPool struct {
	mu     sync.Mutex
	rng    *rand.Rand
	active []string
	usage  map[string]int
}

func newKeyPool(keys []string, rng *rand.Rand) *keyPool {
	p := &keyPool{rng: rng, usage: make(map[string]int)}
	seen := make(map[string]bool)
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		p.active = append(p.active, k)
	}
	return p
}

func (p *keyPool) pick() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.active) == 0 {
		return "", false
	}
	k := p.active[p.rng.IntN(len(p.active))]
	p.usage[k]++
	return k, true
}

func (p *keyPool) remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, k := range p.active {
		if k == key {
			p.active = append(p.active[:i], p.active[i+1:]...)
			return
		}
	}
}

func (p *keyPool) remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

func (p *keyPool) usageOf(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage[key]
}
