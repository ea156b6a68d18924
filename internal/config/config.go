package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"quotehub/internal/quote"
)

type Server struct {
	Port              string `json:"port" yaml:"port"`
	RequestTimeoutSec int    `json:"request_timeout_sec" yaml:"request_timeout_sec"`
	ShutdownSec       int    `json:"shutdown_sec" yaml:"shutdown_sec"`
}

type Logging struct {
	Level string `json:"level" yaml:"level"`
	// File enables a rotating file sink next to stdout when set.
	File       string `json:"file" yaml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

type Redis struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type Cache struct {
	TTLSec            map[string]int `json:"ttl_sec" yaml:"ttl_sec"`
	DefaultTTLSec     int            `json:"default_ttl_sec" yaml:"default_ttl_sec"`
	GraceSec          int            `json:"grace_sec" yaml:"grace_sec"`
	MaxItems          int            `json:"max_items" yaml:"max_items"`
	RefreshTimeoutSec int            `json:"refresh_timeout_sec" yaml:"refresh_timeout_sec"`
	Redis             Redis          `json:"redis" yaml:"redis"`
}

type Scheduler struct {
	Enabled            bool           `json:"enabled" yaml:"enabled"`
	TickSec            int            `json:"tick_sec" yaml:"tick_sec"`
	IntervalSec        map[string]int `json:"interval_sec" yaml:"interval_sec"`
	DefaultIntervalSec int            `json:"default_interval_sec" yaml:"default_interval_sec"`
	HotWindowSec       int            `json:"hot_window_sec" yaml:"hot_window_sec"`
	FailureThreshold   int            `json:"failure_threshold" yaml:"failure_threshold"`
	BackoffBaseSec     int            `json:"backoff_base_sec" yaml:"backoff_base_sec"`
	BackoffMaxSec      int            `json:"backoff_max_sec" yaml:"backoff_max_sec"`
}

type Watchlist struct {
	Path string `json:"path" yaml:"path"`
}

type History struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Driver    string `json:"driver" yaml:"driver"`
	DSN       string `json:"dsn" yaml:"dsn"`
	Buffer    int    `json:"buffer" yaml:"buffer"`
	BatchSize int    `json:"batch_size" yaml:"batch_size"`
	FlushSec  int    `json:"flush_sec" yaml:"flush_sec"`
}

type Provider struct {
	Enabled               bool              `json:"enabled" yaml:"enabled"`
	BaseURL               string            `json:"base_url" yaml:"base_url"`
	TimeoutSec            int               `json:"timeout_sec" yaml:"timeout_sec"`
	MaxRequestsPerMinute  int               `json:"max_requests_per_minute" yaml:"max_requests_per_minute"`
	Burst                 int               `json:"burst" yaml:"burst"`
	MinRequestIntervalSec int               `json:"min_request_interval_sec" yaml:"min_request_interval_sec"`
	Parallel              int               `json:"parallel" yaml:"parallel"`
	Overrides             map[string]string `json:"overrides" yaml:"overrides"`
}

// Provider ids understood by Providers and Routing.
const (
	Eastmoney = "eastmoney"
	Sina      = "sina"
	Fundgz    = "fundgz"
	Dunamu    = "dunamu"
)

type Providers struct {
	Eastmoney Provider `json:"eastmoney" yaml:"eastmoney"`
	Sina      Provider `json:"sina" yaml:"sina"`
	Fundgz    Provider `json:"fundgz" yaml:"fundgz"`
	Dunamu    Provider `json:"dunamu" yaml:"dunamu"`
}

func (p *Providers) byName() map[string]*Provider {
	return map[string]*Provider{
		Eastmoney: &p.Eastmoney,
		Sina:      &p.Sina,
		Fundgz:    &p.Fundgz,
		Dunamu:    &p.Dunamu,
	}
}

// Get returns the settings of the named provider.
func (p Providers) Get(name string) (Provider, bool) {
	v, ok := p.byName()[name]
	if !ok {
		return Provider{}, false
	}
	return *v, true
}

type Config struct {
	Server    Server    `json:"server" yaml:"server"`
	Logging   Logging   `json:"logging" yaml:"logging"`
	Cache     Cache     `json:"cache" yaml:"cache"`
	Scheduler Scheduler `json:"scheduler" yaml:"scheduler"`
	Watchlist Watchlist `json:"watchlist" yaml:"watchlist"`
	History   History   `json:"history" yaml:"history"`
	Providers Providers `json:"providers" yaml:"providers"`
	// Routing maps an asset class to the provider that serves it.
	Routing map[string]string `json:"routing" yaml:"routing"`
}

func Default() Config {
	return Config{
		Server:  Server{Port: "8080", RequestTimeoutSec: 10, ShutdownSec: 5},
		Logging: Logging{Level: "info", MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28},
		Cache: Cache{
			TTLSec: map[string]int{
				string(quote.Index):   30,
				string(quote.Equity):  30,
				string(quote.FundOTC): 300,
			},
			DefaultTTLSec:     60,
			GraceSec:          900,
			MaxItems:          10000,
			RefreshTimeoutSec: 10,
		},
		Scheduler: Scheduler{
			Enabled:            true,
			TickSec:            15,
			IntervalSec:        map[string]int{string(quote.FundOTC): 300},
			DefaultIntervalSec: 60,
			HotWindowSec:       300,
			FailureThreshold:   3,
			BackoffBaseSec:     30,
			BackoffMaxSec:      600,
		},
		Watchlist: Watchlist{Path: "data/watchlist.db"},
		History: History{
			Driver:    "sqlite",
			DSN:       "data/history.db",
			Buffer:    1024,
			BatchSize: 100,
			FlushSec:  5,
		},
		Providers: Providers{
			Eastmoney: Provider{Enabled: true, TimeoutSec: 8, MaxRequestsPerMinute: 120, Burst: 4},
			Sina:      Provider{Enabled: true, TimeoutSec: 8, MaxRequestsPerMinute: 60, Burst: 2},
			Fundgz:    Provider{Enabled: true, TimeoutSec: 8, Parallel: 8},
			Dunamu:    Provider{Enabled: true, TimeoutSec: 8, MaxRequestsPerMinute: 30, Burst: 1},
		},
		Routing: map[string]string{
			string(quote.Index):   Eastmoney,
			string(quote.Equity):  Eastmoney,
			string(quote.FundETF): Eastmoney,
			string(quote.Gold):    Sina,
			string(quote.Futures): Sina,
			string(quote.FundOTC): Fundgz,
			string(quote.Forex):   Dunamu,
		},
	}
}

// Load reads config from path. YAML is used for .yaml/.yml files and JSON
// otherwise. If path is empty, config.yaml and then config.json in the
// working directory are tried; a missing file yields defaults. Environment
// variables override deploy knobs and secrets.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		for _, candidate := range []string{"config.yaml", "config.json"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := decode(path, b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(path string, b []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(b, cfg)
	default:
		return json.Unmarshal(b, cfg)
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	envInt("REQUEST_TIMEOUT_SEC", &cfg.Server.RequestTimeoutSec, 1)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Cache.Redis.Password = v
	}
	envInt("REDIS_DB", &cfg.Cache.Redis.DB, 0)
	envInt("CACHE_MAX_ITEMS", &cfg.Cache.MaxItems, 0)

	envBool("SCHEDULER_ENABLED", &cfg.Scheduler.Enabled)
	envInt("SCHEDULER_TICK_SEC", &cfg.Scheduler.TickSec, 1)

	if v := os.Getenv("WATCHLIST_PATH"); v != "" {
		cfg.Watchlist.Path = v
	}

	envBool("HISTORY_ENABLED", &cfg.History.Enabled)
	if v := os.Getenv("HISTORY_DRIVER"); v != "" {
		cfg.History.Driver = v
	}
	if v := os.Getenv("HISTORY_DSN"); v != "" {
		cfg.History.DSN = v
	}

	// Per provider: EASTMONEY_BASE_URL, SINA_MAX_RPM, ...
	for name, p := range cfg.Providers.byName() {
		prefix := strings.ToUpper(name) + "_"
		envBool(prefix+"ENABLED", &p.Enabled)
		if v := os.Getenv(prefix + "BASE_URL"); v != "" {
			p.BaseURL = v
		}
		envInt(prefix+"TIMEOUT_SEC", &p.TimeoutSec, 1)
		envInt(prefix+"MAX_RPM", &p.MaxRequestsPerMinute, 0)
		envInt(prefix+"BURST", &p.Burst, 1)
		envInt(prefix+"MIN_INTERVAL_SEC", &p.MinRequestIntervalSec, 0)
	}
}

// envInt sets *dst from key when it parses to a value >= floor.
func envInt(key string, dst *int, floor int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	x, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || x < floor {
		return
	}
	*dst = x
}

func envBool(key string, dst *bool) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y":
		*dst = true
	case "0", "false", "no", "n":
		*dst = false
	}
}

// Validate rejects unknown asset classes, routes to providers that are not
// enabled, and non-positive intervals.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is empty"))
	}
	for name, m := range map[string]map[string]int{
		"cache.ttl_sec":          c.Cache.TTLSec,
		"scheduler.interval_sec": c.Scheduler.IntervalSec,
	} {
		for ac, sec := range m {
			if !quote.AssetClass(ac).Valid() {
				errs = append(errs, fmt.Errorf("%s: unknown asset class %q", name, ac))
			}
			if sec <= 0 {
				errs = append(errs, fmt.Errorf("%s.%s must be positive", name, ac))
			}
		}
	}
	if c.Cache.DefaultTTLSec <= 0 {
		errs = append(errs, errors.New("cache.default_ttl_sec must be positive"))
	}
	if c.Scheduler.TickSec <= 0 || c.Scheduler.DefaultIntervalSec <= 0 {
		errs = append(errs, errors.New("scheduler tick and default interval must be positive"))
	}
	for ac, name := range c.Routing {
		if !quote.AssetClass(ac).Valid() {
			errs = append(errs, fmt.Errorf("routing: unknown asset class %q", ac))
			continue
		}
		if p, ok := c.Providers.Get(name); !ok || !p.Enabled {
			errs = append(errs, fmt.Errorf("routing.%s: provider %q is not enabled", ac, name))
		}
	}
	if c.History.Enabled {
		switch c.History.Driver {
		case "sqlite", "postgres":
		default:
			errs = append(errs, fmt.Errorf("history.driver: unsupported %q", c.History.Driver))
		}
	}
	return errors.Join(errs...)
}

// Routes returns Routing keyed by asset class. Call after Validate.
func (c Config) Routes() map[quote.AssetClass]string {
	out := make(map[quote.AssetClass]string, len(c.Routing))
	for ac, name := range c.Routing {
		out[quote.AssetClass(ac)] = name
	}
	return out
}

// Seconds converts a *_sec value.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ClassDurations converts a per-class *_sec map.
func ClassDurations(m map[string]int) map[quote.AssetClass]time.Duration {
	out := make(map[quote.AssetClass]time.Duration, len(m))
	for ac, sec := range m {
		out[quote.AssetClass(ac)] = Seconds(sec)
	}
	return out
}
