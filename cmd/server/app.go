package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"quotehub/internal/aggregate"
	"quotehub/internal/cache"
	"quotehub/internal/config"
	"quotehub/internal/fetch"
	"quotehub/internal/history"
	"quotehub/internal/logging"
	"quotehub/internal/metrics"
	"quotehub/internal/provider"
	"quotehub/internal/provider/registry"
	"quotehub/internal/scheduler"
	"quotehub/internal/stream"
	"quotehub/internal/watchlist"
)

func loadConfig() (config.Config, error) {
	return config.Load(os.Getenv("CONFIG_FILE"))
}

var providersModule = fx.Module("providers",
	fx.Provide(
		adapter(config.Eastmoney),
		adapter(config.Sina),
		adapter(config.Fundgz),
		adapter(config.Dunamu),
	),
)

// adapter provides the named adapter into the "adapters" group. A disabled
// provider contributes nothing.
func adapter(name string) any {
	return fx.Annotate(
		func(cfg config.Config) ([]provider.Adapter, error) {
			p, ok := cfg.Providers.Get(name)
			if !ok || !p.Enabled {
				return nil, nil
			}
			a, err := registry.New(name, p)
			if err != nil {
				return nil, err
			}
			return []provider.Adapter{a}, nil
		},
		fx.ResultTags(`group:"adapters,flatten"`),
	)
}

type fetcherParams struct {
	fx.In

	Config   config.Config
	Adapters []provider.Adapter `group:"adapters"`
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

func newFetcher(p fetcherParams) (*fetch.Fetcher, error) {
	opts := []fetch.Option{fetch.WithMetrics(p.Metrics)}
	for _, a := range p.Adapters {
		if pc, ok := p.Config.Providers.Get(a.Name()); ok {
			opts = append(opts, fetch.WithTimeout(a.Name(), config.Seconds(pc.TimeoutSec)))
		}
	}
	return fetch.New(p.Adapters, p.Config.Routes(), p.Logger, opts...)
}

func newCache(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, m *metrics.Metrics) *cache.Store {
	c := cfg.Cache
	opts := []cache.Option{cache.WithMetrics(m)}
	if c.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: c.Redis.Addr, Password: c.Redis.Password, DB: c.Redis.DB})
		opts = append(opts, cache.WithBackend(cache.NewRedisBackend(rdb)))
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				// The backend is optional; an unreachable Redis only degrades reads.
				if err := rdb.Ping(ctx).Err(); err != nil {
					log.Warn("redis unreachable", zap.String("addr", c.Redis.Addr), zap.Error(err))
				}
				return nil
			},
			OnStop: func(context.Context) error { return rdb.Close() },
		})
	}
	return cache.New(cache.Config{
		TTL:            config.ClassDurations(c.TTLSec),
		DefaultTTL:     config.Seconds(c.DefaultTTLSec),
		Grace:          config.Seconds(c.GraceSec),
		MaxItems:       c.MaxItems,
		RefreshTimeout: config.Seconds(c.RefreshTimeoutSec),
	}, log, opts...)
}

func newWatchlist(lc fx.Lifecycle, cfg config.Config) (*watchlist.Store, error) {
	s, err := watchlist.Open(cfg.Watchlist.Path)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return s.Close() }})
	return s, nil
}

// newHistory returns nil values when history is disabled.
func newHistory(lc fx.Lifecycle, cfg config.Config, store *cache.Store, log *zap.Logger) (*history.Store, *history.Recorder, error) {
	h := cfg.History
	if !h.Enabled {
		return nil, nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hs, err := history.Open(ctx, h.Driver, h.DSN)
	if err != nil {
		return nil, nil, err
	}
	rec := history.NewRecorder(hs, log, h.Buffer, h.BatchSize, config.Seconds(h.FlushSec))
	store.Subscribe(rec.Record)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return rec.Start() },
		OnStop: func(context.Context) error {
			return errors.Join(rec.Stop(), hs.Close())
		},
	})
	return hs, rec, nil
}

func newHub(lc fx.Lifecycle, store *cache.Store, log *zap.Logger, m *metrics.Metrics) *stream.Hub {
	hub := stream.New(log, m)
	store.Subscribe(hub.Publish)
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return hub.Close() }})
	return hub
}

func newScheduler(lc fx.Lifecycle, cfg config.Config, store *cache.Store, f *fetch.Fetcher, watch *watchlist.Store, log *zap.Logger, m *metrics.Metrics) *scheduler.Scheduler {
	sc := cfg.Scheduler
	s := scheduler.New(scheduler.Config{
		Tick:             config.Seconds(sc.TickSec),
		Intervals:        config.ClassDurations(sc.IntervalSec),
		DefaultInterval:  config.Seconds(sc.DefaultIntervalSec),
		HotWindow:        config.Seconds(sc.HotWindowSec),
		FailureThreshold: sc.FailureThreshold,
		BackoffBase:      config.Seconds(sc.BackoffBaseSec),
		BackoffMax:       config.Seconds(sc.BackoffMaxSec),
	}, store, f, watch, log, m)
	if sc.Enabled {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error { return s.Start() },
			OnStop:  func(context.Context) error { return s.Stop() },
		})
	}
	return s
}

type apiParams struct {
	fx.In

	Config    config.Config
	Quotes    *aggregate.Service
	Watch     *watchlist.Store
	History   *history.Store
	Hub       *stream.Hub
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

func newAPI(p apiParams) *api {
	return &api{
		quotes:    p.Quotes,
		watch:     p.Watch,
		history:   p.History,
		hub:       p.Hub,
		scheduler: p.Scheduler,
		metrics:   p.Metrics,
		log:       p.Logger,
		timeout:   config.Seconds(p.Config.Server.RequestTimeoutSec),
	}
}

func newHTTPServer(lc fx.Lifecycle, cfg config.Config, a *api, log *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("server listening", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
	return srv
}

// appOptions is the full dependency graph of the server.
func appOptions() fx.Option {
	return fx.Options(
		fx.Provide(loadConfig),
		logging.Module,
		providersModule,
		fx.Provide(
			metrics.New,
			newFetcher,
			newCache,
			newWatchlist,
			newHistory,
			newHub,
			newScheduler,
			aggregate.New,
			newAPI,
			newHTTPServer,
		),
		fx.Invoke(func(*http.Server, *history.Recorder) {}),
	)
}
