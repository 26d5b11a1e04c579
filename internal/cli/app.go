package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/linescout/internal/api"
	"github.com/ChuLiYu/linescout/internal/broadcast"
	"github.com/ChuLiYu/linescout/internal/cache"
	"github.com/ChuLiYu/linescout/internal/config"
	"github.com/ChuLiYu/linescout/internal/coordinator"
	"github.com/ChuLiYu/linescout/internal/course"
	"github.com/ChuLiYu/linescout/internal/driver"
	"github.com/ChuLiYu/linescout/internal/explorer"
	"github.com/ChuLiYu/linescout/internal/lines"
	"github.com/ChuLiYu/linescout/internal/metrics"
	"github.com/ChuLiYu/linescout/internal/normalizer"
	"github.com/ChuLiYu/linescout/internal/server"
	"github.com/ChuLiYu/linescout/internal/settings"
	"github.com/ChuLiYu/linescout/internal/storage"
	"github.com/ChuLiYu/linescout/pkg/types"
)

// app 組裝好的整條管線
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	store    storage.Store
	registry *prometheus.Registry
	metrics  *metrics.Collector
	cache    *cache.StatsCache
	lines    *lines.Repository
	settings *settings.Store
	hub      *broadcast.Hub
	coord    *coordinator.Coordinator
	driver   *driver.Driver
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a := &app{
		cfg:      cfg,
		log:      logger,
		store:    store,
		registry: prometheus.NewRegistry(),
		lines:    lines.NewRepository(store),
		settings: settings.NewStore(store),
		hub:      broadcast.NewHub(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewCollector(a.registry)

	a.cache, err = cache.New(store, cache.Config{
		NumCounters: cfg.Coordinator.CacheCounters,
		MaxCost:     cfg.Coordinator.CacheMaxCost,
		Logger:      logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	norm, err := normalizer.New(nil, cfg.Coordinator.NormalizerMemo)
	if err != nil {
		a.close()
		return nil, err
	}

	stats := explorer.NewClient(explorer.Config{
		BaseURL: cfg.Explorer.BaseURL,
		Token:   cfg.Explorer.Token,
		Timeout: cfg.Explorer.Timeout,
	})

	a.coord, err = coordinator.New(coordinator.Config{
		BatchSize:    cfg.Coordinator.BatchSize,
		BatchWindow:  cfg.Coordinator.BatchWindow,
		Cooldown:     cfg.Coordinator.Cooldown,
		Workers:      cfg.Coordinator.Workers,
		FetchTimeout: cfg.Explorer.Timeout,
		Logger:       logger,
		Metrics:      a.metrics,
	}, coordinator.Deps{
		Fetcher:    stats,
		Normalizer: norm,
		Cache:      a.cache,
		Lines:      a.lines,
		Settings:   a.settings,
		Publisher:  a.hub,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	src := course.NewClient(course.Config{
		BaseURL: cfg.Course.BaseURL,
		Cookie:  cfg.Course.Cookie,
		Headers: cfg.Course.Headers,
		Timeout: cfg.Course.Timeout,
	})
	a.driver = driver.New(driver.Config{
		UnitDelay: cfg.Course.UnitDelay,
		Logger:    logger,
		Metrics:   a.metrics,
	}, src, a.coord, a.hub)

	return a, nil
}

// start 啟動協調器並套用設定檔
func (a *app) start(ctx context.Context) error {
	if err := a.coord.Start(ctx); err != nil {
		return err
	}
	_, err := a.syncSettingsFile(ctx)
	return err
}

// syncSettingsFile 設定檔存在且與目前設定不同時套用，回傳重新排隊的線路數
func (a *app) syncSettingsFile(ctx context.Context) (int, error) {
	path := a.cfg.Settings.Path
	if path == "" {
		return 0, nil
	}
	s, err := settings.LoadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			a.log.Debug("No settings file, using stored settings", "path", path)
			return 0, nil
		}
		return 0, fmt.Errorf("failed to load settings file: %w", err)
	}
	if s.Equal(a.coord.Settings()) {
		return 0, nil
	}
	a.log.Info("Applying settings file", "path", path, "ratings", s.Ratings, "speeds", s.Speeds)
	return a.coord.ApplySettings(ctx, s)
}

// serve 依設定啟動 API、gRPC 與設定檔監看
func (a *app) serve(ctx context.Context, g *errgroup.Group) error {
	if a.cfg.API.Enabled {
		srv := api.New(api.Config{
			Coordinator: a.coord,
			Runner:      a.driver,
			Lines:       a.lines,
			Gatherer:    a.registry,
			Logger:      a.log,
			RunContext:  ctx,
		})
		g.Go(func() error { return srv.ListenAndServe(ctx, a.cfg.API.Addr) })
	}

	if a.cfg.GRPC.Enabled {
		srv := server.NewServer(a.hub, func() any { return a.coord.Status() }, a.log)
		g.Go(func() error { return srv.ListenAndServe(ctx, a.cfg.GRPC.Addr) })
	}

	if a.cfg.Settings.Watch {
		w, err := settings.NewWatcher(a.cfg.Settings.Path, a.coord.Settings(),
			func(ctx context.Context, s types.Settings) error {
				_, err := a.coord.ApplySettings(ctx, s)
				return err
			}, a.log)
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(ctx) })
	}
	return nil
}

func (a *app) close() {
	if a.coord != nil {
		a.coord.Stop()
	}
	a.hub.Close()
	if a.cache != nil {
		a.cache.Close()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("Failed to close storage", "error", err)
	}
}
