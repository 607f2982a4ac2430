// Package refdata loads the static reference tables used to derive aircraft
// attributes: ICAO24 address ranges per country, type code categories and
// families, and country name aliases.
package refdata

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// File names inside the reference data directory.
const (
	CountriesFile  = "ac_countries.json"
	CategoriesFile = "ac_categories.json"
	FamiliesFile   = "ac_families.json"
	AliasesFile    = "country_aliases.json"
)

// Fallback values for type codes missing from the tables.
const (
	UnknownCategory = "unknown"
	OtherFamily     = "Other"
)

// Range maps a block of ICAO24 addresses to the country of registration.
type Range struct {
	Start   uint32
	End     uint32
	Country string
}

type rawRange struct {
	Start   string `json:"start"`
	End     string `json:"end"`
	Country string `json:"country"`
}

type rawCategories struct {
	TypeCodes      map[string]string `json:"ac_types"`
	ADSBCategories map[string]string `json:"adsb_categories"`
}

// Tables holds the static reference data. It is read-only after Load.
type Tables struct {
	Ranges         []Range
	Categories     map[string]string
	ADSBCategories map[string]string
	Families       map[string]string
	Countries      *Countries
}

// Load reads the tables from dir. A missing file leaves its table empty and
// logs a warning; a malformed file is an error.
func Load(dir string, log zerolog.Logger) (*Tables, error) {
	t := &Tables{
		Categories:     map[string]string{},
		ADSBCategories: map[string]string{},
		Families:       map[string]string{},
	}

	var ranges []rawRange
	if err := readJSON(filepath.Join(dir, CountriesFile), &ranges, log); err != nil {
		return nil, err
	}
	for _, r := range ranges {
		start, err1 := strconv.ParseUint(r.Start, 16, 32)
		end, err2 := strconv.ParseUint(r.End, 16, 32)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("%s: bad range %s-%s", CountriesFile, r.Start, r.End)
		}
		t.Ranges = append(t.Ranges, Range{Start: uint32(start), End: uint32(end), Country: r.Country})
	}

	var cats rawCategories
	if err := readJSON(filepath.Join(dir, CategoriesFile), &cats, log); err != nil {
		return nil, err
	}
	if cats.TypeCodes != nil {
		t.Categories = cats.TypeCodes
	}
	if cats.ADSBCategories != nil {
		t.ADSBCategories = cats.ADSBCategories
	}

	if err := readJSON(filepath.Join(dir, FamiliesFile), &t.Families, log); err != nil {
		return nil, err
	}

	aliases := map[string]string{}
	if err := readJSON(filepath.Join(dir, AliasesFile), &aliases, log); err != nil {
		return nil, err
	}
	t.Countries = NewCountries(aliases)

	log.Info().
		Int("ranges", len(t.Ranges)).
		Int("categories", len(t.Categories)).
		Int("families", len(t.Families)).
		Int("aliases", len(aliases)).
		Msg("reference tables loaded")
	return t, nil
}

func readJSON(path string, v any, log zerolog.Logger) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("path", path).Msg("reference table missing")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Category returns the category for a type code, "unknown" for unlisted codes
// and "" for an empty code.
func (t *Tables) Category(typeCode string) string {
	if typeCode == "" {
		return ""
	}
	if c, ok := t.Categories[strings.ToUpper(typeCode)]; ok {
		return c
	}
	return UnknownCategory
}

// IconCategory prefers the type code category and falls back to the ADS-B
// emitter category broadcast by the aircraft.
func (t *Tables) IconCategory(category, adsbCategory string) string {
	if category != "" && category != UnknownCategory {
		return category
	}
	if c, ok := t.ADSBCategories[adsbCategory]; ok {
		return c
	}
	return UnknownCategory
}

// Family returns the family for a type code, "Other" for unlisted codes and
// "" for an empty code.
func (t *Tables) Family(typeCode string) string {
	if typeCode == "" {
		return ""
	}
	if f, ok := t.Families[strings.ToUpper(typeCode)]; ok {
		return f
	}
	return OtherFamily
}

// Country returns the ISO alpha-2 code of the country an ICAO24 address block
// is allocated to, or "" when the address is invalid or unallocated.
func (t *Tables) Country(icao string) string {
	n, err := strconv.ParseUint(strings.TrimSpace(icao), 16, 32)
	if err != nil {
		return ""
	}
	addr := uint32(n)
	for _, r := range t.Ranges {
		if addr >= r.Start && addr <= r.End {
			if t.Countries == nil {
				return ""
			}
			return t.Countries.ID(r.Country)
		}
	}
	return ""
}
