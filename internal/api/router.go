// Package api assembles the HTTP surface: the websocket endpoint, the video
// catalog REST routes, uploaded files, health and metrics.
package api

import (
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/vrdanmaku/danmaku/config"
	"github.com/vrdanmaku/danmaku/internal/catalog"
	"github.com/vrdanmaku/danmaku/internal/logging"
)

type Counter interface {
	Count() int
}

type ChannelCounter interface {
	Len() int
}

type Deps struct {
	Config    *config.Config
	WebSocket http.Handler
	Hub       Counter
	Registry  ChannelCounter
	Catalog   *catalog.Catalog
	// Gatherer serves /metrics when metrics are enabled.
	Gatherer prometheus.Gatherer
}

type handler struct {
	deps     Deps
	validate *validator.Validate
	log      zerolog.Logger
}

func NewRouter(d Deps) http.Handler {
	h := &handler{
		deps:     d,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      logging.Component("api"),
	}
	cfg := d.Config

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Handle("/", d.WebSocket)
	r.Handle("/ws", d.WebSocket)
	r.Get("/healthz", h.health)

	if cfg.Metrics.Enabled && d.Gatherer != nil {
		r.Handle(cfg.Metrics.Path, promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/videos", func(r chi.Router) {
		r.Get("/", h.listVideos)
		upload := r.With()
		if n := cfg.Catalog.UploadsPerMinute; n > 0 {
			upload = r.With(httprate.LimitByIP(n, time.Minute))
		}
		upload.Post("/", h.createVideo)
		r.Patch("/{id}", h.renameVideo)
		r.Delete("/{id}", h.deleteVideo)
	})

	public := cfg.Catalog.PublicPath
	files := http.StripPrefix(strings.TrimSuffix(public, "/"), http.FileServer(afero.NewHttpFs(d.Catalog.FS()).Dir("/")))
	r.Handle(public+"*", hideFile(d.Catalog.IndexFile(), files))

	return r
}

// hideFile answers 404 for requests naming the catalog index.
func hideFile(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if path.Base(r.URL.Path) == name || strings.HasPrefix(path.Base(r.URL.Path), name+".") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
