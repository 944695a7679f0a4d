// Package supervisor runs the long-lived parts of the server (hub, HTTP
// listener) under a suture tree so a crashed service is restarted.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree has a core layer (hub) and an api layer (HTTP). Core services start
// first.
type Tree struct {
	root *suture.Supervisor
	core *suture.Supervisor
	api  *suture.Supervisor
}

func NewTree(logger *slog.Logger, cfg TreeConfig) *Tree {
	hook := (&sutureslog.Handler{Logger: logger}).MustHook()

	spec := suture.Spec{
		EventHook:        hook,
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	child := spec
	child.EventHook = nil

	t := &Tree{
		root: suture.New("danmaku", spec),
		core: suture.New("core", child),
		api:  suture.New("api", child),
	}
	t.root.Add(t.core)
	t.root.Add(t.api)
	return t
}

func (t *Tree) AddCoreService(svc suture.Service) suture.ServiceToken {
	return t.core.Add(svc)
}

func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// Runner matches *ws.Hub.
type Runner interface {
	Run(ctx context.Context) error
}

// HubService runs the websocket hub.
type HubService struct {
	hub Runner
}

func NewHubService(hub Runner) *HubService {
	return &HubService{hub: hub}
}

func (s *HubService) Serve(ctx context.Context) error {
	return s.hub.Run(ctx)
}

func (s *HubService) String() string {
	return "websocket-hub"
}

// HTTPServer is the subset of *http.Server the service drives.
type HTTPServer interface {
	ListenAndServe() error
	ListenAndServeTLS(certFile, keyFile string) error
	Shutdown(ctx context.Context) error
}

// HTTPService serves until ctx is cancelled, then shuts down gracefully.
// It serves TLS when both certFile and keyFile are set.
type HTTPService struct {
	server          HTTPServer
	certFile        string
	keyFile         string
	shutdownTimeout time.Duration
}

func NewHTTPService(server HTTPServer, certFile, keyFile string, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{
		server:          server,
		certFile:        certFile,
		keyFile:         keyFile,
		shutdownTimeout: shutdownTimeout,
	}
}

func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.certFile != "" && s.keyFile != "" {
			err = s.server.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		// the parent context is already cancelled
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *HTTPService) String() string {
	return "http-server"
}
