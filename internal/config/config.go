// Package config loads the engine configuration from struct defaults, an
// optional YAML file and WEB1090_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/evroon/web1090/internal/ledger"
	"github.com/evroon/web1090/internal/logging"
	"github.com/evroon/web1090/internal/storage"
)

const (
	// EnvPrefix is the prefix of all configuration environment variables.
	// Nested keys are separated by a double underscore, for example
	// WEB1090_DRAIN__BATCH_SIZE.
	EnvPrefix = "WEB1090_"

	// ConfigPathEnvVar names an explicit config file.
	ConfigPathEnvVar = "WEB1090_CONFIG"
)

// DefaultConfigPaths are tried when no config file is given.
var DefaultConfigPaths = []string{
	"web1090.yaml",
	"/etc/web1090/web1090.yaml",
}

// Config is the complete engine configuration.
type Config struct {
	Log           logging.Config      `koanf:"log"`
	Feed          FeedConfig          `koanf:"feed"`
	Store         StoreConfig         `koanf:"store"`
	Archive       ArchiveConfig       `koanf:"archive"`
	NATS          NATSConfig          `koanf:"nats"`
	Ledger        LedgerConfig        `koanf:"ledger"`
	RefData       RefDataConfig       `koanf:"refdata"`
	Drain         DrainConfig         `koanf:"drain"`
	Aviationstack AviationstackConfig `koanf:"aviationstack"`
	Schiphol      SchipholConfig      `koanf:"schiphol"`
	WebSearch     WebSearchConfig     `koanf:"websearch"`
	Images        ImagesConfig        `koanf:"images"`
	Logos         LogosConfig         `koanf:"logos"`
	Server        ServerConfig        `koanf:"server"`
}

type FeedConfig struct {
	URL      string        `koanf:"url" validate:"required,url"`
	Interval time.Duration `koanf:"interval" validate:"gt=0"`
	Timeout  time.Duration `koanf:"timeout"`
}

type StoreConfig struct {
	Driver     string `koanf:"driver" validate:"oneof=postgres sqlite"`
	SQLitePath string `koanf:"sqlite_path"`
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	Database   string `koanf:"database"`
	User       string `koanf:"user"`
	Password   string `koanf:"password"`
}

type ArchiveConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Host      string `koanf:"host"`
	Port      int    `koanf:"port"`
	Database  string `koanf:"database"`
	User      string `koanf:"user"`
	Password  string `koanf:"password"`
	BatchSize int    `koanf:"batch_size"`
}

type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

type LedgerConfig struct {
	Dir string `koanf:"dir" validate:"required"`
}

type RefDataConfig struct {
	Dir string `koanf:"dir"`
}

type DrainConfig struct {
	Interval         time.Duration `koanf:"interval" validate:"gt=0"`
	BatchSize        int           `koanf:"batch_size" validate:"gt=0"`
	CycleTimeout     time.Duration `koanf:"cycle_timeout"`
	RequeueTransient bool          `koanf:"requeue_transient"`
	MaxRetries       int           `koanf:"max_retries" validate:"gte=0"`
}

type AviationstackConfig struct {
	BaseURL       string        `koanf:"base_url"`
	Keys          []string      `koanf:"keys"`
	Timeout       time.Duration `koanf:"timeout"`
	RatePerSecond float64       `koanf:"rate_per_second"`
}

type SchipholConfig struct {
	Enabled  bool          `koanf:"enabled"`
	BaseURL  string        `koanf:"base_url"`
	AppID    string        `koanf:"app_id"`
	AppKey   string        `koanf:"app_key"`
	HomeIATA string        `koanf:"home_iata"`
	Timezone string        `koanf:"timezone"`
	Timeout  time.Duration `koanf:"timeout"`
}

type WebSearchConfig struct {
	BaseURL    string        `koanf:"base_url"`
	Key        string        `koanf:"key"`
	CX         string        `koanf:"cx"`
	SiteSearch string        `koanf:"site_search"`
	MinScore   int           `koanf:"min_score"`
	Timeout    time.Duration `koanf:"timeout"`
}

type ImagesConfig struct {
	Enabled  bool   `koanf:"enabled"`
	BaseURL  string `koanf:"base_url"`
	Dir      string `koanf:"dir"`
	Count    int    `koanf:"count" validate:"gte=0,lte=100"`
	PerCycle int    `koanf:"per_cycle" validate:"gte=0"`
}

type LogosConfig struct {
	Enabled bool   `koanf:"enabled"`
	BaseURL string `koanf:"base_url"`
	Dir     string `koanf:"dir"`
}

type ServerConfig struct {
	Listen string `koanf:"listen"`
	// APIKeys enables key authentication of /api/v1 when non-empty.
	APIKeys []string `koanf:"api_keys"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Log: logging.Config{Level: "info", Format: "json"},
		Feed: FeedConfig{
			URL:      "http://localhost:8080/data/aircraft.json",
			Interval: time.Second,
			Timeout:  5 * time.Second,
		},
		Store: StoreConfig{
			Driver:     "sqlite",
			SQLitePath: "web1090.db",
			Host:       "localhost",
			Port:       5432,
			Database:   "web1090",
			User:       "web1090",
			Password:   "web1090",
		},
		Archive: ArchiveConfig{
			Host:      "localhost",
			Port:      9000,
			Database:  "web1090",
			User:      "default",
			BatchSize: 1000,
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "web1090",
		},
		Ledger:  LedgerConfig{Dir: "data"},
		RefData: RefDataConfig{Dir: "data"},
		Drain: DrainConfig{
			Interval:     time.Minute,
			BatchSize:    10,
			CycleTimeout: 5 * time.Minute,
			MaxRetries:   3,
		},
		Aviationstack: AviationstackConfig{Timeout: 10 * time.Second},
		Schiphol: SchipholConfig{
			HomeIATA: "AMS",
			Timezone: "Europe/Amsterdam",
			Timeout:  10 * time.Second,
		},
		WebSearch: WebSearchConfig{MinScore: 1, Timeout: 10 * time.Second},
		Images: ImagesConfig{
			Enabled:  true,
			Dir:      filepath.Join("data", "images"),
			Count:    50,
			PerCycle: 5,
		},
		Logos:  LogosConfig{Enabled: true, Dir: filepath.Join("data", "logos")},
		Server: ServerConfig{Listen: ":9090"},
	}
}

// sliceConfigPaths are split on commas when set from the environment.
var sliceConfigPaths = []string{
	"aviationstack.keys",
	"server.api_keys",
}

// Load reads the configuration. path may be empty, in which case
// WEB1090_CONFIG and then DefaultConfigPaths are tried.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envKey maps WEB1090_DRAIN__BATCH_SIZE to drain.batch_size. The config
// path variable itself is not a configuration key.
func envKey(key string) string {
	if key == ConfigPathEnvVar {
		return ""
	}
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// StorageConfig converts the store section for storage.Open.
func (c *Config) StorageConfig() storage.Config {
	return storage.Config{
		Driver:     c.Store.Driver,
		SQLitePath: c.Store.SQLitePath,
		Postgres: storage.PostgresConfig{
			Host:     c.Store.Host,
			Port:     c.Store.Port,
			Database: c.Store.Database,
			User:     c.Store.User,
			Password: c.Store.Password,
		},
	}
}

// ArchiveConfig converts the archive section for storage.OpenArchive.
func (c *Config) ArchiveConfig() storage.ClickHouseConfig {
	return storage.ClickHouseConfig{
		Host:      c.Archive.Host,
		Port:      c.Archive.Port,
		Database:  c.Archive.Database,
		User:      c.Archive.User,
		Password:  c.Archive.Password,
		BatchSize: c.Archive.BatchSize,
	}
}

// LedgerConfig returns the backlog file paths inside the ledger directory.
func (c *Config) LedgerConfig() ledger.Config {
	return ledger.Config{
		RoutesPath:   filepath.Join(c.Ledger.Dir, "missing_routes.txt"),
		AircraftPath: filepath.Join(c.Ledger.Dir, "missing_aircraft.txt"),
		LockPath:     filepath.Join(c.Ledger.Dir, ".ledger.lock"),
	}
}
