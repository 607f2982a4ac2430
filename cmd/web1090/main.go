// Package main runs the web1090 enrichment engine.
//
// The engine polls the local ADS-B feed, enriches every aircraft with cached
// route and aircraft reference data, records what is missing in the gap
// backlog and drains that backlog through the external providers. An ops
// server exposes health, metrics and statistics.
//
// Usage:
//
//	web1090 [options]
//
// Options:
//
//	-config PATH   YAML config file (env: WEB1090_CONFIG)
//	-db PATH       SQLite database path, overrides store.sqlite_path
//	-listen ADDR   Ops server address, overrides server.listen
//
// Every config key can also be set from the environment, for example
// WEB1090_DRAIN__BATCH_SIZE=20 or WEB1090_AVIATIONSTACK__KEYS=k1,k2.
//
// Endpoints:
//
//	GET /health
//	GET /metrics
//	GET /api/v1/stats
//	GET /api/v1/images/{hex}
//	GET /api/v1/images/{hex}/{seq}[?thumbnail=1]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/evroon/web1090/internal/api"
	"github.com/evroon/web1090/internal/config"
	"github.com/evroon/web1090/internal/enrichment"
	"github.com/evroon/web1090/internal/events"
	"github.com/evroon/web1090/internal/images"
	"github.com/evroon/web1090/internal/ledger"
	"github.com/evroon/web1090/internal/logging"
	"github.com/evroon/web1090/internal/provider"
	"github.com/evroon/web1090/internal/reconcile"
	"github.com/evroon/web1090/internal/refcache"
	"github.com/evroon/web1090/internal/refdata"
	"github.com/evroon/web1090/internal/storage"
	"github.com/evroon/web1090/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (env: WEB1090_CONFIG)")
	dbPath := flag.String("db", "", "SQLite database path")
	listen := flag.String("listen", "", "Ops server listen address")
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
	if *listen != "" {
		cfg.Server.Listen = *listen
	}

	log := logging.New(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("web1090 stopped")
	}
	log.Info().Msg("web1090 stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	store, err := storage.Open(ctx, cfg.StorageConfig())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	tables, err := refdata.Load(cfg.RefData.Dir, log)
	if err != nil {
		return fmt.Errorf("load reference tables: %w", err)
	}

	cache := refcache.New(store)
	backlog, err := ledger.Open(cfg.LedgerConfig(), cache, newRand(), log)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	var pub events.Publisher = events.Nop{}
	if cfg.NATS.Enabled {
		n, err := events.Connect(events.Config{URL: cfg.NATS.URL, SubjectPrefix: cfg.NATS.SubjectPrefix}, log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		pub = n
	}
	defer func() { _ = pub.Close() }()

	rec := reconcile.New(store, tables, cache, pub, log)

	deps := enrichment.Deps{
		Feed:       telemetry.NewClient(cfg.Feed.URL, cfg.Feed.Timeout),
		Cache:      cache,
		Ledger:     backlog,
		Reconciler: rec,
		Tables:     tables,
		Live:       enrichment.NewLive(),
	}
	apiDeps := api.Deps{Store: store, Backlog: backlog}

	if cfg.Archive.Enabled {
		archive, err := storage.OpenArchive(ctx, cfg.ArchiveConfig())
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		if err := archive.CreateSchema(ctx); err != nil {
			return fmt.Errorf("archive schema: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := archive.Close(flushCtx); err != nil {
				log.Warn().Err(err).Msg("close archive")
			}
		}()
		deps.Archive = archive
		apiDeps.Archive = archive
	}

	avs := provider.NewAviationstack(provider.AviationstackConfig{
		BaseURL:       cfg.Aviationstack.BaseURL,
		Keys:          cfg.Aviationstack.Keys,
		Timeout:       cfg.Aviationstack.Timeout,
		RatePerSecond: cfg.Aviationstack.RatePerSecond,
	}, newRand(), log)
	deps.RouteProviders = append(deps.RouteProviders, avs)
	apiDeps.Keys = avs

	if cfg.Schiphol.Enabled {
		sch, err := provider.NewSchiphol(provider.SchipholConfig{
			BaseURL:  cfg.Schiphol.BaseURL,
			AppID:    cfg.Schiphol.AppID,
			AppKey:   cfg.Schiphol.AppKey,
			HomeIATA: cfg.Schiphol.HomeIATA,
			Timezone: cfg.Schiphol.Timezone,
			CacheTTL: cfg.Drain.Interval,
			Timeout:  cfg.Schiphol.Timeout,
		}, deps.Live, log)
		if err != nil {
			return fmt.Errorf("schiphol: %w", err)
		}
		deps.RouteProviders = append(deps.RouteProviders, sch)
	}

	search := provider.NewWebSearch(provider.WebSearchConfig{
		BaseURL:    cfg.WebSearch.BaseURL,
		Key:        cfg.WebSearch.Key,
		CX:         cfg.WebSearch.CX,
		SiteSearch: cfg.WebSearch.SiteSearch,
		MinScore:   cfg.WebSearch.MinScore,
		Timeout:    cfg.WebSearch.Timeout,
	}, log)
	deps.RouteProviders = append(deps.RouteProviders, search)
	deps.AircraftProviders = append(deps.AircraftProviders, search)

	if cfg.Images.Enabled {
		imgs := images.New(images.Config{
			BaseURL: cfg.Images.BaseURL,
			Dir:     cfg.Images.Dir,
			Count:   cfg.Images.Count,
		}, store, log)
		deps.Images = imgs
		apiDeps.Images = imgs
	}
	if cfg.Logos.Enabled {
		deps.Logos = images.NewLogos(images.LogoConfig{BaseURL: cfg.Logos.BaseURL, Dir: cfg.Logos.Dir}, log)
	}

	engine := enrichment.New(enrichment.Config{
		BatchSize:        cfg.Drain.BatchSize,
		ImagesPerCycle:   cfg.Images.PerCycle,
		RequeueTransient: cfg.Drain.RequeueTransient,
		MaxRetries:       cfg.Drain.MaxRetries,
		RetryBackoff:     cfg.Drain.Interval,
	}, deps, log)
	apiDeps.Engine = engine

	server := api.NewServer(api.Config{
		Listen:      cfg.Server.Listen,
		AuthEnabled: len(cfg.Server.APIKeys) > 0,
		APIKeys:     cfg.Server.APIKeys,
	}, apiDeps, log)

	sup := enrichment.NewSupervisor("web1090", log)
	sup.Add(enrichment.NewTelemetryService(engine, cfg.Feed.Interval, cfg.Feed.Timeout))
	sup.Add(enrichment.NewDrainService(engine, cfg.Drain.Interval, cfg.Drain.CycleTimeout))
	sup.Add(server)

	log.Info().
		Str("feed", cfg.Feed.URL).
		Str("store", cfg.Store.Driver).
		Int("route_providers", len(deps.RouteProviders)).
		Int("aviationstack_keys", avs.KeysRemaining()).
		Msg("web1090 starting")

	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newRand returns an independently seeded source. Components each get their
// own so that no two of them share unsynchronised state.
func newRand() *rand.Rand {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}
