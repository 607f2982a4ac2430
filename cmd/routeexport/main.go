// Package main exports the route table of the web1090 store to CSV.
//
// The default output has no header and one row per route:
// callsign,DEPARTURE_ICAO,ARRIVAL_ICAO. Routes missing either airport are
// skipped. With -full every route is written with all columns and a header.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/jszwec/csvutil"

	"github.com/evroon/web1090/internal/config"
	"github.com/evroon/web1090/internal/model"
	"github.com/evroon/web1090/internal/storage"
)

// routeRow is the -full CSV layout.
type routeRow struct {
	Code        string   `csv:"code"`
	IATA        string   `csv:"iata,omitempty"`
	Number      string   `csv:"number,omitempty"`
	AirlineName string   `csv:"airline_name,omitempty"`
	AirlineIATA string   `csv:"airline_iata,omitempty"`
	AirlineICAO string   `csv:"airline_icao,omitempty"`
	DepName     string   `csv:"dep_name,omitempty"`
	DepICAO     string   `csv:"dep_icao,omitempty"`
	DepIATA     string   `csv:"dep_iata,omitempty"`
	DepLat      *float64 `csv:"dep_lat,omitempty"`
	DepLon      *float64 `csv:"dep_lon,omitempty"`
	DepCountry  string   `csv:"dep_country_id,omitempty"`
	ArrName     string   `csv:"arr_name,omitempty"`
	ArrICAO     string   `csv:"arr_icao,omitempty"`
	ArrIATA     string   `csv:"arr_iata,omitempty"`
	ArrLat      *float64 `csv:"arr_lat,omitempty"`
	ArrLon      *float64 `csv:"arr_lon,omitempty"`
	ArrCountry  string   `csv:"arr_country_id,omitempty"`
}

func toRow(r model.Route) routeRow {
	return routeRow{
		Code:        r.Code,
		IATA:        r.IATA,
		Number:      r.Number,
		AirlineName: r.AirlineName,
		AirlineIATA: r.AirlineIATA,
		AirlineICAO: r.AirlineICAO,
		DepName:     r.Departure.Name,
		DepICAO:     r.Departure.ICAO,
		DepIATA:     r.Departure.IATA,
		DepLat:      r.Departure.Latitude,
		DepLon:      r.Departure.Longitude,
		DepCountry:  r.Departure.CountryID,
		ArrName:     r.Arrival.Name,
		ArrICAO:     r.Arrival.ICAO,
		ArrIATA:     r.Arrival.IATA,
		ArrLat:      r.Arrival.Latitude,
		ArrLon:      r.Arrival.Longitude,
		ArrCountry:  r.Arrival.CountryID,
	}
}

func main() {
	configPath := flag.String("config", "", "YAML config file (env: WEB1090_CONFIG)")
	dbPath := flag.String("db", "", "SQLite database path")
	output := flag.String("output", "", "Output CSV file (default: stdout)")
	full := flag.Bool("full", false, "Write every column with a header")
	showStats := flag.Bool("stats", false, "Show statistics only, don't export")
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

	if *showStats {
		printStats(os.Stdout, routes)
		return
	}

	var out io.Writer = os.Stdout
	if *output != "" {
		file, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating file: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = file.Close() }()
		out = file
	}

	var n int
	if *full {
		n, err = writeFull(out, routes)
	} else {
		n, err = writeAirports(out, routes)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error writing CSV: %v\n", err)
		os.Exit(1)
	}

	if *verbose {
		fmt.Fprintf(os.Stderr, "Wrote %d of %d routes\n", n, len(routes))
	}
}

// writeAirports writes callsign,DEP,ARR rows for routes with both airports known.
func writeAirports(w io.Writer, routes []model.Route) (int, error) {
	cw := csv.NewWriter(w)
	n := 0
	for _, r := range routes {
		if r.Departure.ICAO == "" || r.Arrival.ICAO == "" {
			continue
		}
		if err := cw.Write([]string{r.Code, r.Departure.ICAO, r.Arrival.ICAO}); err != nil {
			return n, err
		}
		n++
	}
	cw.Flush()
	return n, cw.Error()
}

func writeFull(w io.Writer, routes []model.Route) (int, error) {
	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)
	for i, r := range routes {
		if err := enc.Encode(toRow(r)); err != nil {
			return i, err
		}
	}
	cw.Flush()
	return len(routes), cw.Error()
}

func printStats(w io.Writer, routes []model.Route) {
	var complete, partial int
	airports := make(map[string]int)
	for _, r := range routes {
		switch {
		case r.Departure.Complete() && r.Arrival.Complete():
			complete++
		case r.Departure.IATA != "" || r.Arrival.IATA != "":
			partial++
		}
		for _, iata := range []string{r.Departure.IATA, r.Arrival.IATA} {
			if iata != "" {
				airports[iata]++
			}
		}
	}

	fmt.Fprintln(w, "Route Statistics")
	fmt.Fprintln(w, "────────────────")
	fmt.Fprintf(w, "Total routes:        %d\n", len(routes))
	fmt.Fprintf(w, "Complete airports:   %d\n", complete)
	fmt.Fprintf(w, "Partial airports:    %d\n", partial)
	fmt.Fprintf(w, "Distinct airports:   %d\n", len(airports))

	type count struct {
		iata string
		n    int
	}
	top := make([]count, 0, len(airports))
	for k, v := range airports {
		top = append(top, count{k, v})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].n != top[j].n {
			return top[i].n > top[j].n
		}
		return top[i].iata < top[j].iata
	})
	if len(top) > 10 {
		top = top[:10]
	}

	fmt.Fprintln(w, "\nTop 10 Airports:")
	fmt.Fprintf(w, "%-6s %8s\n", "IATA", "Routes")
	for _, c := range top {
		fmt.Fprintf(w, "%-6s %8d\n", c.iata, c.n)
	}
}
