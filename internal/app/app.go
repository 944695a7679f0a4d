// Package app assembles a running server from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"

	"github.com/vrdanmaku/danmaku/config"
	"github.com/vrdanmaku/danmaku/internal/annotation"
	"github.com/vrdanmaku/danmaku/internal/api"
	"github.com/vrdanmaku/danmaku/internal/catalog"
	"github.com/vrdanmaku/danmaku/internal/channel"
	"github.com/vrdanmaku/danmaku/internal/logging"
	"github.com/vrdanmaku/danmaku/internal/metrics"
	"github.com/vrdanmaku/danmaku/internal/supervisor"
	"github.com/vrdanmaku/danmaku/internal/ws"
)

type App struct {
	Config     *config.Config
	Metrics    *metrics.Metrics
	Gatherer   *prometheus.Registry
	Store      *annotation.Store
	Registry   *channel.Registry
	Catalog    *catalog.Catalog
	Hub        *ws.Hub
	Dispatcher *ws.Dispatcher
	Handler    http.Handler
}

// New builds every component on fs. Close releases the registry database.
func New(cfg *config.Config, fs afero.Fs) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, err := annotation.NewStore(fs, cfg.Annotations.Dir, m)
	if err != nil {
		return nil, err
	}

	mode := channel.Mode(cfg.Annotations.Mode)
	opts := []channel.Option{channel.WithMetrics(m)}
	if mode == channel.Partitioned {
		files, err := store.Files()
		if err != nil {
			return nil, err
		}
		opts = append(opts, channel.WithSeed(files))
	}
	if cfg.Registry.Persist {
		mappings, err := channel.OpenBadgerMappings(cfg.Registry.Path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, channel.WithMappings(mappings))
	}
	registry, err := channel.NewRegistry(mode, cfg.Annotations.GlobalFile, opts...)
	if err != nil {
		return nil, err
	}
	if mode == channel.Global {
		if err := store.Ensure(cfg.Annotations.GlobalFile); err != nil {
			_ = registry.Close()
			return nil, fmt.Errorf("create global annotation file: %w", err)
		}
	}

	cat, err := catalog.Open(fs, catalog.Options{
		Dir:        cfg.Catalog.Dir,
		IndexFile:  cfg.Catalog.IndexFile,
		PublicPath: cfg.Catalog.PublicPath,
		Metrics:    m,
	})
	if err != nil {
		_ = registry.Close()
		return nil, err
	}

	hub := ws.NewHub(m)
	dispatcher := ws.NewDispatcher(ws.DispatcherConfig{
		Registry: registry,
		Store:    store,
		Hub:      hub,
		Videos:   cat,
		Dedup:    cfg.Annotations.Dedup,
		Metrics:  m,
	})
	cat.OnChange(dispatcher.BroadcastVideoList)

	handler := api.NewRouter(api.Deps{
		Config:    cfg,
		WebSocket: ws.NewServer(hub, dispatcher, cfg.WebSocket, cfg.Server.CORSOrigins, m),
		Hub:       hub,
		Registry:  registry,
		Catalog:   cat,
		Gatherer:  reg,
	})

	logging.Info().
		Str("mode", cfg.Annotations.Mode).
		Bool("dedup", cfg.Annotations.Dedup).
		Bool("persist", cfg.Registry.Persist).
		Int("channels", registry.Len()).
		Msg("server assembled")

	return &App{
		Config:     cfg,
		Metrics:    m,
		Gatherer:   reg,
		Store:      store,
		Registry:   registry,
		Catalog:    cat,
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
	}, nil
}

// Run serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	treeCfg := supervisor.DefaultTreeConfig()
	treeCfg.ShutdownTimeout = a.Config.Server.ShutdownTimeout
	tree := supervisor.NewTree(logging.NewSlogLogger("supervisor"), treeCfg)

	tree.AddCoreService(supervisor.NewHubService(a.Hub))
	srv := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	tree.AddAPIService(supervisor.NewHTTPService(srv, a.Config.Server.TLSCert, a.Config.Server.TLSKey, a.Config.Server.ShutdownTimeout))

	logging.Info().Str("addr", srv.Addr).Bool("tls", a.Config.Server.TLSCert != "").Msg("danmaku server listening")
	err := tree.Serve(ctx)
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) Close() error {
	return a.Registry.Close()
}
