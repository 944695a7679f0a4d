package ws

import (
	"net/http"
	"slices"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vrdanmaku/danmaku/config"
	"github.com/vrdanmaku/danmaku/internal/logging"
	"github.com/vrdanmaku/danmaku/internal/metrics"
)

// Server upgrades HTTP requests to websocket connections on the hub.
type Server struct {
	hub        *Hub
	dispatcher *Dispatcher
	config     config.WebSocketConfig
	upgrader   websocket.Upgrader
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// NewServer builds the upgrade handler. origins lists the accepted Origin
// headers; "*" or an empty list accepts any.
func NewServer(hub *Hub, dispatcher *Dispatcher, cfg config.WebSocketConfig, origins []string, m *metrics.Metrics) *Server {
	return &Server{
		hub:        hub,
		dispatcher: dispatcher,
		config:     cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(origins),
		},
		metrics: m,
		log:     logging.Component("server"),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.hub.Count() >= s.config.MaxConnections {
		s.log.Warn().Int("max_connections", s.config.MaxConnections).Str("remote", r.RemoteAddr).Msg("connection limit reached; rejecting")
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := NewConnection(conn, s.hub, s.dispatcher, uuid.NewString(), s.config, s.metrics)
	// queue the greeting before registering so it precedes any broadcast
	s.dispatcher.Welcome(c)
	if !s.hub.Register(c) {
		_ = conn.Close()
		return
	}
	// anything appended from here on is either in the replay or broadcast after it
	s.dispatcher.Join(c)
	s.log.Debug().Str("connection_id", c.id).Str("remote", r.RemoteAddr).Msg("connection opened")

	go c.WritePump()
	go c.ReadPump()
}

func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
}
