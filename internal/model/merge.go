package model

// MergeAircraft applies the present fields of candidate over existing.
// A nil existing means there is no stored record yet and the candidate is returned as is.
// The ICAO key, the favorite flag and the has-no-images flag are owned by the
// stored record and never taken from a candidate once a record exists.
func MergeAircraft(existing *Aircraft, candidate Aircraft) Aircraft {
	if existing == nil {
		return candidate
	}
	out := *existing
	str(&out.Registration, candidate.Registration)
	str(&out.TypeCode, candidate.TypeCode)
	str(&out.Category, candidate.Category)
	str(&out.Family, candidate.Family)
	str(&out.Country, candidate.Country)
	str(&out.AirlineIATA, candidate.AirlineIATA)
	str(&out.Owner, candidate.Owner)
	str(&out.ModelName, candidate.ModelName)
	str(&out.ModelCode, candidate.ModelCode)
	str(&out.ProductionLine, candidate.ProductionLine)
	str(&out.DeliveryDate, candidate.DeliveryDate)
	str(&out.FirstFlightDate, candidate.FirstFlightDate)
	str(&out.RegistrationDate, candidate.RegistrationDate)
	str(&out.RolloutDate, candidate.RolloutDate)
	if candidate.Active != nil {
		v := *candidate.Active
		out.Active = &v
	}
	if candidate.SourceID != nil {
		v := *candidate.SourceID
		out.SourceID = &v
	}
	return out
}

// MergeRoute applies the present fields of candidate over existing, including
// each airport block field by field. A nil existing returns the candidate.
func MergeRoute(existing *Route, candidate Route) Route {
	if existing == nil {
		return candidate
	}
	out := *existing
	str(&out.IATA, candidate.IATA)
	str(&out.Number, candidate.Number)
	str(&out.AirlineName, candidate.AirlineName)
	str(&out.AirlineIATA, candidate.AirlineIATA)
	str(&out.AirlineICAO, candidate.AirlineICAO)
	out.Departure = MergeAirport(out.Departure, candidate.Departure)
	out.Arrival = MergeAirport(out.Arrival, candidate.Arrival)
	return out
}

// MergeAirport applies the present fields of candidate over existing.
func MergeAirport(existing, candidate Airport) Airport {
	out := existing
	str(&out.Name, candidate.Name)
	str(&out.ICAO, candidate.ICAO)
	str(&out.IATA, candidate.IATA)
	num(&out.Latitude, candidate.Latitude)
	num(&out.Longitude, candidate.Longitude)
	num(&out.Altitude, candidate.Altitude)
	str(&out.Location, candidate.Location)
	str(&out.Country, candidate.Country)
	str(&out.CountryID, candidate.CountryID)
	return out
}

// MergeAirline applies the present fields of candidate over existing.
func MergeAirline(existing *Airline, candidate Airline) Airline {
	if existing == nil {
		return candidate
	}
	out := *existing
	str(&out.ICAO, candidate.ICAO)
	str(&out.Name, candidate.Name)
	str(&out.Callsign, candidate.Callsign)
	str(&out.Country, candidate.Country)
	str(&out.CountryISO2, candidate.CountryISO2)
	str(&out.HubCode, candidate.HubCode)
	str(&out.Status, candidate.Status)
	if candidate.FleetSize != nil {
		v := *candidate.FleetSize
		out.FleetSize = &v
	}
	return out
}

func str(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func num(dst **float64, v *float64) {
	if v != nil {
		f := *v
		*dst = &f
	}
}

// Float returns a pointer to f, for building records with optional coordinates.
func Float(f float64) *float64 { return &f }

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }
