package model

import (
	"errors"
	"reflect"
	"testing"
)

func TestNormaliseHex(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"abcdef", "ABCDEF", false},
		{" 4ca7b5 ", "4CA7B5", false},
		{"ABCDE", "", true},
		{"ABCDEF0", "", true},
		{"", "", true},
		{"XYZ123", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormaliseHex(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidHex) {
					t.Fatalf("NormaliseHex(%q) error = %v, want ErrInvalidHex", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormaliseHex(%q) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("NormaliseHex(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormaliseCallsignAndRegistration(t *testing.T) {
	if got := NormaliseCallsign("klm123  "); got != "KLM123" {
		t.Errorf("NormaliseCallsign = %q, want KLM123", got)
	}
	if got := NormaliseRegistration("ph-bxa"); got != "PHBXA" {
		t.Errorf("NormaliseRegistration = %q, want PHBXA", got)
	}
}

func TestNormaliseDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2003-01-15", "2003-01-15"},
		{"0000-00-00", ""},
		{"0000-00-00 00:00:00", ""},
		{"", ""},
		{"not a date", ""},
		{"2019-06-01T10:00:00Z", "2019-06-01"},
		{"2012-03-04 12:00:00", "2012-03-04"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormaliseDate(tt.in); got != tt.want {
				t.Errorf("NormaliseDate(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestImageIDMonotonic(t *testing.T) {
	for _, hex := range []string{"000000", "ABCDEF", "4ca7b5", "FFFFFF"} {
		for i := 0; i < MaxImagesPerAircraft-1; i++ {
			a, err := ImageID(hex, i)
			if err != nil {
				t.Fatalf("ImageID(%s, %d): %v", hex, i, err)
			}
			b, err := ImageID(hex, i+1)
			if err != nil {
				t.Fatalf("ImageID(%s, %d): %v", hex, i+1, err)
			}
			if b-a != 1 {
				t.Fatalf("ImageID(%s, %d) - ImageID(%s, %d) = %d, want 1", hex, i+1, hex, i, b-a)
			}
		}
	}

	if id, _ := ImageID("000001", 5); id != 105 {
		t.Errorf("ImageID(000001, 5) = %d, want 105", id)
	}
	if _, err := ImageID("ABCDEF", MaxImagesPerAircraft); !errors.Is(err, ErrImageSeq) {
		t.Errorf("expected ErrImageSeq, got %v", err)
	}
	if _, err := ImageID("ABC", 0); !errors.Is(err, ErrInvalidHex) {
		t.Errorf("expected ErrInvalidHex, got %v", err)
	}
}

func TestMergeRouteAbsentCandidateIsNoop(t *testing.T) {
	existing := Route{
		Code:        "KLM123",
		IATA:        "KL123",
		AirlineICAO: "KLM",
		Departure: Airport{
			Name: "Amsterdam Airport Schiphol", ICAO: "EHAM", IATA: "AMS",
			Latitude: Float(52.3086), Longitude: Float(4.7639), Altitude: Float(-11),
			Country: "Netherlands", CountryID: "NL",
		},
		Arrival: Airport{IATA: "LHR"},
	}

	got := MergeRoute(&existing, Route{Code: "KLM123"})
	if !reflect.DeepEqual(got, existing) {
		t.Errorf("merge with empty candidate changed record:\n got  %+v\n want %+v", got, existing)
	}
}

func TestMergeRouteFieldWise(t *testing.T) {
	existing := Route{Code: "KLM123", IATA: "KL123", Arrival: Airport{IATA: "LHR"}}
	candidate := Route{
		Code:        "KLM123",
		AirlineName: "KLM",
		Arrival:     Airport{Name: "London Heathrow", Latitude: Float(51.47)},
	}

	got := MergeRoute(&existing, candidate)
	if got.IATA != "KL123" {
		t.Errorf("IATA = %q, want kept KL123", got.IATA)
	}
	if got.AirlineName != "KLM" {
		t.Errorf("AirlineName = %q, want KLM", got.AirlineName)
	}
	if got.Arrival.IATA != "LHR" || got.Arrival.Name != "London Heathrow" {
		t.Errorf("Arrival = %+v", got.Arrival)
	}
	if got.Arrival.Latitude == nil || *got.Arrival.Latitude != 51.47 {
		t.Errorf("Arrival.Latitude = %v", got.Arrival.Latitude)
	}
}

func TestMergeAircraft(t *testing.T) {
	var id int64 = 42
	existing := &Aircraft{ICAO: "ABCDEF", Registration: "N12345", Favorite: true, HasNoImages: true}
	candidate := Aircraft{ICAO: "ABCDEF", TypeCode: "A320", Active: Bool(false), SourceID: &id}

	got := MergeAircraft(existing, candidate)
	if got.Registration != "N12345" || got.TypeCode != "A320" {
		t.Errorf("got %+v", got)
	}
	if !got.Favorite || !got.HasNoImages {
		t.Errorf("flags not preserved: %+v", got)
	}
	if got.Active == nil || *got.Active {
		t.Errorf("Active = %v, want false", got.Active)
	}
	if got.SourceID == nil || *got.SourceID != 42 {
		t.Errorf("SourceID = %v", got.SourceID)
	}

	if got := MergeAircraft(nil, candidate); !reflect.DeepEqual(got, candidate) {
		t.Errorf("MergeAircraft(nil) = %+v, want candidate", got)
	}
}

func TestAircraftComplete(t *testing.T) {
	var nilAircraft *Aircraft
	if nilAircraft.Complete() {
		t.Error("nil aircraft reported complete")
	}
	if (&Aircraft{ICAO: "ABCDEF", Registration: "N1"}).Complete() {
		t.Error("aircraft without type reported complete")
	}
	if !(&Aircraft{ICAO: "ABCDEF", Registration: "N1", TypeCode: "B738"}).Complete() {
		t.Error("full aircraft reported incomplete")
	}
}
