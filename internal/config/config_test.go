package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quotehub/internal/quote"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	routes := cfg.Routes()
	require.Equal(t, Fundgz, routes[quote.FundOTC])
	require.Equal(t, Sina, routes[quote.Gold])
	require.Len(t, routes, len(quote.AssetClasses))
}

func TestLoad_YAMLMergesWithDefaults(t *testing.T) {
	path := writeFile(t, "quotehub.yaml", `
server:
  port: "9090"
cache:
  ttl_sec:
    gold: 45
  redis:
    addr: localhost:6379
providers:
  sina:
    base_url: http://sina.local
history:
  enabled: true
  driver: postgres
  dsn: postgres://localhost/quotes
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "9090", cfg.Server.Port)
	require.Equal(t, 10, cfg.Server.RequestTimeoutSec)
	require.Equal(t, 45, cfg.Cache.TTLSec["gold"])
	require.Equal(t, 30, cfg.Cache.TTLSec["equity"])
	require.Equal(t, "localhost:6379", cfg.Cache.Redis.Addr)
	require.Equal(t, "http://sina.local", cfg.Providers.Sina.BaseURL)
	require.True(t, cfg.Providers.Sina.Enabled)
	require.Equal(t, 60, cfg.Providers.Sina.MaxRequestsPerMinute)
	require.Equal(t, "postgres", cfg.History.Driver)
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "config.json", `{"scheduler":{"tick_sec":5},"routing":{"equity":"eastmoney"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Scheduler.TickSec)
	require.Equal(t, Seconds(5), 5*time.Second)
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	require.Equal(t, Default().Server, cfg.Server)
}

func TestLoad_BadSyntax(t *testing.T) {
	path := writeFile(t, "config.json", `{"server":`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("EASTMONEY_BASE_URL", "http://em.local")
	t.Setenv("DUNAMU_MAX_RPM", "12")
	t.Setenv("HISTORY_ENABLED", "yes")
	t.Setenv("REQUEST_TIMEOUT_SEC", "not-a-number")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, "7000", cfg.Server.Port)
	require.Equal(t, "redis:6379", cfg.Cache.Redis.Addr)
	require.Equal(t, "http://em.local", cfg.Providers.Eastmoney.BaseURL)
	require.Equal(t, 12, cfg.Providers.Dunamu.MaxRequestsPerMinute)
	require.True(t, cfg.History.Enabled)
	require.Equal(t, 10, cfg.Server.RequestTimeoutSec)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Cache.TTLSec["bond"] = 10
	cfg.Scheduler.IntervalSec["gold"] = 0
	cfg.Providers.Dunamu.Enabled = false
	cfg.History.Enabled = true
	cfg.History.Driver = "mysql"

	err := cfg.Validate()
	require.Error(t, err)
	require.ErrorContains(t, err, `unknown asset class "bond"`)
	require.ErrorContains(t, err, "scheduler.interval_sec.gold must be positive")
	require.ErrorContains(t, err, `routing.forex: provider "dunamu" is not enabled`)
	require.ErrorContains(t, err, `unsupported "mysql"`)
}

func TestClassDurations(t *testing.T) {
	t.Parallel()

	got := ClassDurations(map[string]int{"fund_otc": 300})
	require.Equal(t, map[quote.AssetClass]time.Duration{quote.FundOTC: 5 * time.Minute}, got)
}
