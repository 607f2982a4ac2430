// Package model holds the reference data types shared by the enrichment engine:
// aircraft, routes, airlines and aircraft images, plus the normalisation and
// field-wise merge rules applied to them.
//
// Absent values are represented by empty strings and nil pointers. A merge never
// replaces a present value with an absent one.
package model

// Aircraft is the reference record for one ICAO24 transponder address.
type Aircraft struct {
	ICAO         string `json:"icao"`
	Registration string `json:"registration,omitempty"`
	TypeCode     string `json:"type_code,omitempty"`
	Category     string `json:"category,omitempty"`
	Family       string `json:"family,omitempty"`
	Country      string `json:"country,omitempty"`
	AirlineIATA  string `json:"airline_iata,omitempty"`

	Owner          string `json:"owner,omitempty"`
	ModelName      string `json:"model_name,omitempty"`
	ModelCode      string `json:"model_code,omitempty"`
	ProductionLine string `json:"production_line,omitempty"`

	DeliveryDate     string `json:"delivery_date,omitempty"`
	FirstFlightDate  string `json:"first_flight_date,omitempty"`
	RegistrationDate string `json:"registration_date,omitempty"`
	RolloutDate      string `json:"rollout_date,omitempty"`

	Active      *bool  `json:"active,omitempty"`
	Favorite    bool   `json:"favorite"`
	HasNoImages bool   `json:"has_no_images"`
	SourceID    *int64 `json:"source_id,omitempty"`
}

// Complete reports whether the record carries both registration and type code.
// Incomplete aircraft stay in the gap backlog.
func (a *Aircraft) Complete() bool {
	return a != nil && a.Registration != "" && a.TypeCode != ""
}

// Airport is one endpoint of a route.
type Airport struct {
	Name      string   `json:"name,omitempty"`
	ICAO      string   `json:"icao,omitempty"`
	IATA      string   `json:"iata,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Location  string   `json:"location,omitempty"`
	Country   string   `json:"country,omitempty"`
	CountryID string   `json:"country_id,omitempty"`
}

// Complete reports whether the block has enough data to serve as a
// propagation source for other routes through the same airport.
func (a Airport) Complete() bool {
	return a.Name != "" && a.ICAO != "" && a.IATA != "" && a.Latitude != nil && a.Longitude != nil
}

// Equal reports whether both blocks hold the same values.
func (a Airport) Equal(b Airport) bool {
	return a.Name == b.Name && a.ICAO == b.ICAO && a.IATA == b.IATA &&
		floatEqual(a.Latitude, b.Latitude) && floatEqual(a.Longitude, b.Longitude) &&
		floatEqual(a.Altitude, b.Altitude) && a.Location == b.Location &&
		a.Country == b.Country && a.CountryID == b.CountryID
}

func floatEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Route is the reference record for one flight code.
type Route struct {
	Code        string  `json:"code"`
	IATA        string  `json:"iata,omitempty"`
	Number      string  `json:"number,omitempty"`
	AirlineName string  `json:"airline_name,omitempty"`
	AirlineIATA string  `json:"airline_iata,omitempty"`
	AirlineICAO string  `json:"airline_icao,omitempty"`
	Departure   Airport `json:"departure"`
	Arrival     Airport `json:"arrival"`
}

// Equal reports whether both routes hold the same values.
func (r Route) Equal(o Route) bool {
	return r.Code == o.Code && r.IATA == o.IATA && r.Number == o.Number &&
		r.AirlineName == o.AirlineName && r.AirlineIATA == o.AirlineIATA &&
		r.AirlineICAO == o.AirlineICAO &&
		r.Departure.Equal(o.Departure) && r.Arrival.Equal(o.Arrival)
}

// Airline is keyed by its two-letter IATA code.
type Airline struct {
	IATA        string `json:"iata"`
	ICAO        string `json:"icao,omitempty"`
	Name        string `json:"name,omitempty"`
	Callsign    string `json:"callsign,omitempty"`
	Country     string `json:"country,omitempty"`
	CountryISO2 string `json:"country_iso2,omitempty"`
	FleetSize   *int   `json:"fleet_size,omitempty"`
	HubCode     string `json:"hub_code,omitempty"`
	Status      string `json:"status,omitempty"`
}

// MaxImagesPerAircraft bounds the sequence number of an AircraftImage.
const MaxImagesPerAircraft = 100

// AircraftImage is one photo of an aircraft, keyed by (ICAO, Seq).
type AircraftImage struct {
	ICAO         string `json:"icao"`
	Seq          int    `json:"seq"`
	ImageURL     string `json:"image_url"`
	ThumbnailURL string `json:"thumbnail_url"`
	Photographer string `json:"photographer,omitempty"`
}

// ID returns the derived numeric image id, or 0 if the ICAO is invalid.
func (img AircraftImage) ID() int64 {
	id, err := ImageID(img.ICAO, img.Seq)
	if err != nil {
		return 0
	}
	return id
}

// Counts summarises the size of the reference store.
type Counts struct {
	Aircraft int64 `json:"aircraft"`
	Routes   int64 `json:"routes"`
	Airlines int64 `json:"airlines"`
	Images   int64 `json:"images"`
}
