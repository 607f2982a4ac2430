// Package main loads bulk reference datasets into the web1090 store.
//
// Usage:
//
//	web1090-import [options] <source>
//
// Sources:
//
//	opensky          OpenSky aircraftDatabase.csv (-file, or downloaded with -download)
//	aircraft-types   piaware aircraft_types/*.json directory (-dir)
//	routes           VirtualRadar StandingData.sqb snapshot (-file, or downloaded with -download)
//	airlines         aviationstack airline directory (needs aviationstack keys)
//	airplanes        aviationstack aircraft directory (needs aviationstack keys)
//
// Options:
//
//	-config PATH   YAML config file (env: WEB1090_CONFIG)
//	-db PATH       SQLite database path, overrides store.sqlite_path
//	-file PATH     Dataset file
//	-dir PATH      Dataset directory
//	-download      Fetch the dataset into -file first when it does not exist
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/evroon/web1090/internal/config"
	"github.com/evroon/web1090/internal/events"
	"github.com/evroon/web1090/internal/importer"
	"github.com/evroon/web1090/internal/logging"
	"github.com/evroon/web1090/internal/provider"
	"github.com/evroon/web1090/internal/reconcile"
	"github.com/evroon/web1090/internal/refcache"
	"github.com/evroon/web1090/internal/refdata"
	"github.com/evroon/web1090/internal/storage"
)

type options struct {
	source   string
	file     string
	dir      string
	download bool
}

func main() {
	configPath := flag.String("config", "", "YAML config file (env: WEB1090_CONFIG)")
	dbPath := flag.String("db", "", "SQLite database path")
	file := flag.String("file", "", "Dataset file")
	dir := flag.String("dir", "", "Dataset directory")
	download := flag.Bool("download", false, "Download the dataset if -file does not exist")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] opensky|aircraft-types|routes|airlines|airplanes\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.Store.Driver = "sqlite"
		cfg.Store.SQLitePath = *dbPath
	}

	log := logging.New(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := options{source: flag.Arg(0), file: *file, dir: *dir, download: *download}
	stats, err := run(ctx, cfg, opts, log)
	if err != nil {
		log.Fatal().Err(err).Str("source", opts.source).Msg("import failed")
	}
	fmt.Fprintf(os.Stderr, "%s: %s\n", opts.source, stats)
}

func run(ctx context.Context, cfg *config.Config, opts options, log zerolog.Logger) (importer.Stats, error) {
	store, err := storage.Open(ctx, cfg.StorageConfig())
	if err != nil {
		return importer.Stats{}, fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	tables, err := refdata.Load(cfg.RefData.Dir, log)
	if err != nil {
		return importer.Stats{}, fmt.Errorf("load reference tables: %w", err)
	}

	rec := reconcile.New(store, tables, refcache.New(store), events.Nop{}, log)
	imp := importer.New(rec, log)

	switch opts.source {
	case "opensky":
		path := orDefault(opts.file, filepath.Join(cfg.RefData.Dir, "aircraftDatabase.csv"))
		if err := fetch(ctx, imp, opts.download, importer.OpenSkyURL, path); err != nil {
			return importer.Stats{}, err
		}
		f, err := os.Open(path)
		if err != nil {
			return importer.Stats{}, fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		return imp.OpenSky(ctx, f)

	case "aircraft-types":
		return imp.AircraftTypes(ctx, orDefault(opts.dir, filepath.Join(cfg.RefData.Dir, "aircraft_types")))

	case "routes":
		path := orDefault(opts.file, filepath.Join(cfg.RefData.Dir, "StandingData.sqb"))
		if err := fetch(ctx, imp, opts.download, importer.VirtualRadarURL, path); err != nil {
			return importer.Stats{}, err
		}
		return imp.Routes(ctx, path)

	case "airlines", "airplanes":
		seed := uint64(time.Now().UnixNano())
		avs := provider.NewAviationstack(provider.AviationstackConfig{
			BaseURL:       cfg.Aviationstack.BaseURL,
			Keys:          cfg.Aviationstack.Keys,
			Timeout:       cfg.Aviationstack.Timeout,
			RatePerSecond: cfg.Aviationstack.RatePerSecond,
		}, rand.New(rand.NewPCG(seed, seed>>1)), log)
		if !avs.Available() {
			return importer.Stats{}, fmt.Errorf("no aviationstack keys configured")
		}
		if opts.source == "airlines" {
			return imp.Airlines(ctx, avs)
		}
		return imp.Airplanes(ctx, avs)

	default:
		return importer.Stats{}, fmt.Errorf("unknown source %q", opts.source)
	}
}

func fetch(ctx context.Context, imp *importer.Importer, enabled bool, src, path string) error {
	if !enabled {
		return nil
	}
	client := &http.Client{Timeout: 30 * time.Minute}
	if err := imp.Download(ctx, client, src, path); err != nil {
		return fmt.Errorf("download: %w", err)
	}
	return nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
