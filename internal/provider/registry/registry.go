// Package registry builds the configured provider adapters.
package registry

import (
	"fmt"
	"net/http"

	"quotehub/internal/config"
	"quotehub/internal/httpx"
	"quotehub/internal/provider"
	"quotehub/internal/provider/dunamu"
	"quotehub/internal/provider/eastmoney"
	"quotehub/internal/provider/fundgz"
	"quotehub/internal/provider/ratelimit"
	"quotehub/internal/provider/sina"
)

type builder func(p config.Provider, hc *httpx.Client) provider.Adapter

var builders = map[string]builder{
	config.Eastmoney: func(p config.Provider, hc *httpx.Client) provider.Adapter {
		client := eastmoney.NewClient(
			eastmoney.WithBaseURL(p.BaseURL),
			eastmoney.WithHTTPClient(hc.HTTP),
			eastmoney.WithHeader(http.Header{"User-Agent": []string{hc.UserAgent}}),
		)
		return eastmoney.New(client, p.Overrides)
	},
	config.Sina: func(p config.Provider, hc *httpx.Client) provider.Adapter {
		return sina.New(hc, p.BaseURL, p.Overrides)
	},
	config.Fundgz: func(p config.Provider, hc *httpx.Client) provider.Adapter {
		return fundgz.New(hc, p.BaseURL, p.Parallel)
	},
	config.Dunamu: func(p config.Provider, hc *httpx.Client) provider.Adapter {
		return dunamu.New(hc, p.BaseURL)
	},
}

// New builds the named adapter behind its configured rate limit.
func New(name string, p config.Provider) (provider.Adapter, error) {
	build, ok := builders[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	a := build(p, httpx.New(config.Seconds(p.TimeoutSec)))
	return ratelimit.Wrap(a, p.MaxRequestsPerMinute, p.Burst, config.Seconds(p.MinRequestIntervalSec)), nil
}

// Enabled builds every enabled provider of cfg.
func Enabled(cfg config.Config) ([]provider.Adapter, error) {
	var out []provider.Adapter
	for _, name := range []string{config.Eastmoney, config.Sina, config.Fundgz, config.Dunamu} {
		p, _ := cfg.Providers.Get(name)
		if !p.Enabled {
			continue
		}
		a, err := New(name, p)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
