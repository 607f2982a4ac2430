// Package main exports the airports known to the web1090 route table as KML
// placemarks, one per IATA code, for viewing coverage in Google Earth.
package main

import (
	"context"
	"encoding/xml"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/evroon/web1090/internal/config"
	"github.com/evroon/web1090/internal/model"
	"github.com/evroon/web1090/internal/storage"
)

// KML structures for XML marshalling.
// These follow the KML 2.2 specification: https://developers.google.com/kml/documentation/kmlreference

// KML is the root element of a KML document.
type KML struct {
	XMLName   xml.Name `xml:"kml"`
	Namespace string   `xml:"xmlns,attr"`
	Document  Document `xml:"Document"`
}

// Document contains the document metadata and features.
type Document struct {
	Name        string      `xml:"name"`
	Description string      `xml:"description,omitempty"`
	Styles      []Style     `xml:"Style,omitempty"`
	Placemarks  []Placemark `xml:"Placemark"`
}

// Style defines the visual appearance of features.
type Style struct {
	ID        string    `xml:"id,attr"`
	IconStyle IconStyle `xml:"IconStyle"`
}

// IconStyle defines how icons are displayed.
type IconStyle struct {
	Scale float64 `xml:"scale,omitempty"`
	Icon  Icon    `xml:"Icon"`
}

// Icon specifies the icon image.
type Icon struct {
	Href string `xml:"href"`
}

// Placemark represents a geographic feature with geometry and metadata.
type Placemark struct {
	Name         string        `xml:"name"`
	Description  string        `xml:"description,omitempty"`
	StyleURL     string        `xml:"styleUrl,omitempty"`
	Point        Point         `xml:"Point"`
	ExtendedData *ExtendedData `xml:"ExtendedData,omitempty"`
}

// Point represents a geographic location.
type Point struct {
	Coordinates string `xml:"coordinates"` // Format: lon,lat,altitude
}

// ExtendedData holds custom data associated with a placemark.
type ExtendedData struct {
	Data []Data `xml:"Data"`
}

// Data represents a single piece of extended data.
type Data struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

// airportUse is an airport with the number of routes through it.
type airportUse struct {
	model.Airport
	routes int
}

func main() {
	configPath := flag.String("config", "", "YAML config file (env: WEB1090_CONFIG)")
	dbPath := flag.String("db", "", "SQLite database path")
	output := flag.String("output", "", "Output KML file (default: stdout)")
	minRoutes := flag.Int("min-routes", 1, "Minimum number of routes through an airport")
	verbose := flag.Bool("v", false, "Verbose output")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.Store.Driver = "sqlite"
		cfg.Store.SQLitePath = *dbPath
	}

	ctx := context.Background()
	store, err := storage.Open(ctx, cfg.StorageConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	routes, err := store.ListRoutes(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error querying routes: %v\n", err)
		os.Exit(1)
	}

	airports := collectAirports(routes, *minRoutes)
	if len(airports) == 0 {
		fmt.Fprintf(os.Stderr, "No airports with coordinates found\n")
		os.Exit(0)
	}
	if *verbose {
		fmt.Fprintf(os.Stderr, "Exporting %d airports to KML\n", len(airports))
	}

	xmlData, err := xml.MarshalIndent(generateKML(airports), "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating KML: %v\n", err)
		os.Exit(1)
	}
	xmlOutput := xml.Header + string(xmlData)

	if *output != "" {
		if err := os.WriteFile(*output, []byte(xmlOutput), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing file: %v\n", err)
			os.Exit(1)
		}
		if *verbose {
			fmt.Fprintf(os.Stderr, "Wrote %s\n", *output)
		}
	} else {
		fmt.Println(xmlOutput)
	}
}

// collectAirports returns the distinct airports with coordinates, keyed by
// IATA code, ordered by IATA code.
func collectAirports(routes []model.Route, minRoutes int) []airportUse {
	byIATA := make(map[string]*airportUse)
	for _, r := range routes {
		for _, a := range []model.Airport{r.Departure, r.Arrival} {
			if a.IATA == "" || a.Latitude == nil || a.Longitude == nil {
				continue
			}
			u, ok := byIATA[a.IATA]
			if !ok {
				u = &airportUse{Airport: a}
				byIATA[a.IATA] = u
			}
			u.routes++
		}
	}

	out := make([]airportUse, 0, len(byIATA))
	for _, u := range byIATA {
		if u.routes >= minRoutes {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IATA < out[j].IATA })
	return out
}

// generateKML creates a KML document from the airports.
func generateKML(airports []airportUse) KML {
	placemarks := make([]Placemark, len(airports))
	for i, a := range airports {
		alt := 0.0
		if a.Altitude != nil {
			alt = *a.Altitude * 0.3048
		}
		// KML coordinates are in the format: longitude,latitude,altitude
		coords := fmt.Sprintf("%.6f,%.6f,%.0f", *a.Longitude, *a.Latitude, alt)

		name := a.IATA
		if a.Name != "" {
			name = a.IATA + " " + a.Name
		}
		placemarks[i] = Placemark{
			Name:        name,
			Description: fmt.Sprintf("ICAO: %s\nCountry: %s\nRoutes: %d", a.ICAO, a.Country, a.routes),
			StyleURL:    "#airportStyle",
			Point:       Point{Coordinates: coords},
			ExtendedData: &ExtendedData{
				Data: []Data{
					{Name: "iata", Value: a.IATA},
					{Name: "icao", Value: a.ICAO},
					{Name: "country_id", Value: a.CountryID},
					{Name: "routes", Value: strconv.Itoa(a.routes)},
				},
			},
		}
	}

	return KML{
		Namespace: "http://www.opengis.net/kml/2.2",
		Document: Document{
			Name:        "web1090 Airports",
			Description: fmt.Sprintf("Airports referenced by resolved routes. Generated %s.", time.Now().Format("2006-01-02 15:04:05")),
			Styles: []Style{
				{
					ID: "airportStyle",
					IconStyle: IconStyle{
						Scale: 0.8,
						Icon: Icon{
							Href: "http://maps.google.com/mapfiles/kml/shapes/airports.png",
						},
					},
				},
			},
			Placemarks: placemarks,
		},
	}
}
