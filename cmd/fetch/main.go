package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"quotehub/internal/aggregate"
	"quotehub/internal/cache"
	"quotehub/internal/config"
	"quotehub/internal/fetch"
	"quotehub/internal/logging"
	"quotehub/internal/metrics"
	"quotehub/internal/provider/registry"
	"quotehub/internal/quote"
	"quotehub/internal/scheduler"
	"quotehub/internal/watchlist"
)

func main() {
	var (
		configPath string
		class      string
		market     string
		symbolsCSV string
		timeout    int
		watched    bool
	)
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to config.yaml or config.json (optional)")
	flag.StringVar(&class, "class", "equity", "asset class: index, equity, gold, fund_otc, fund_etf, futures, forex")
	flag.StringVar(&market, "market", "", "market tag, e.g. CN, HK, US, SGE, FX")
	flag.StringVar(&symbolsCSV, "symbols", "", "comma-separated symbols")
	flag.IntVar(&timeout, "timeout", 15, "request timeout seconds")
	flag.BoolVar(&watched, "watchlist", false, "refresh every watched symbol once and print the scheduler report")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Logging.Level == "info" {
		cfg.Logging.Level = "warn"
	}
	cfg.Logging.File = ""
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	adapters, err := registry.Enabled(cfg)
	if err != nil {
		log.Fatalf("providers: %v", err)
	}
	if len(adapters) == 0 {
		log.Fatal("no providers enabled")
	}
	m := metrics.New()
	f, err := fetch.New(adapters, cfg.Routes(), logger, fetch.WithMetrics(m))
	if err != nil {
		log.Fatalf("fetcher: %v", err)
	}
	store := cache.New(cache.Config{
		TTL:            config.ClassDurations(cfg.Cache.TTLSec),
		DefaultTTL:     config.Seconds(cfg.Cache.DefaultTTLSec),
		RefreshTimeout: time.Duration(timeout) * time.Second,
	}, logger, cache.WithMetrics(m))

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	if watched {
		runWatchlist(ctx, cfg, store, f, logger, m)
		return
	}

	ac, err := quote.ParseAssetClass(class)
	if err != nil {
		log.Fatal(err)
	}
	symbols := splitCSV(symbolsCSV)
	if len(symbols) == 0 {
		log.Fatal("no symbols provided")
	}

	resp, err := aggregate.New(store, f, logger, m).Quotes(ctx, ac, market, symbols)
	if err != nil {
		log.Fatal(err)
	}
	for _, o := range resp.Omitted {
		log.Printf("%s omitted: %s", o.Symbol, o.Reason)
	}
	printJSON(resp)
	if len(resp.Quotes) == 0 {
		os.Exit(1)
	}
}

func runWatchlist(ctx context.Context, cfg config.Config, store *cache.Store, f *fetch.Fetcher, logger *zap.Logger, m *metrics.Metrics) {
	watch, err := watchlist.Open(cfg.Watchlist.Path)
	if err != nil {
		log.Fatalf("watchlist: %v", err)
	}
	defer watch.Close()

	s := scheduler.New(scheduler.Config{
		Intervals:       config.ClassDurations(cfg.Scheduler.IntervalSec),
		DefaultInterval: config.Seconds(cfg.Scheduler.DefaultIntervalSec),
	}, store, f, watch, logger, m)
	report := s.RunOnce(ctx)
	printJSON(struct {
		Report  scheduler.Report        `json:"report"`
		Groups  []scheduler.GroupStatus `json:"groups"`
		Metrics metrics.Snapshot        `json:"metrics"`
	}{report, s.States(), m.Snapshot()})
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("encode: %v", err)
	}
	fmt.Println(string(b))
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
