package ws

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vrdanmaku/danmaku/config"
	"github.com/vrdanmaku/danmaku/internal/logging"
	"github.com/vrdanmaku/danmaku/internal/metrics"
)

// Connection pumps frames between one websocket and the hub.
type Connection struct {
	id         string
	conn       *websocket.Conn
	hub        *Hub
	dispatcher *Dispatcher
	session    *Session
	cfg        config.WebSocketConfig
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	log        zerolog.Logger

	send   chan Message
	mu     sync.Mutex
	closed bool
}

func NewConnection(conn *websocket.Conn, hub *Hub, dispatcher *Dispatcher, id string, cfg config.WebSocketConfig, m *metrics.Metrics) *Connection {
	c := &Connection{
		id:         id,
		conn:       conn,
		hub:        hub,
		dispatcher: dispatcher,
		session:    &Session{},
		cfg:        cfg,
		metrics:    m,
		log:        logging.Component("connection").With().Str("connection_id", id).Logger(),
		send:       make(chan Message, cfg.SendBuffer),
	}
	if cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), max(cfg.Burst, 1))
	}
	return c
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Session() *Session {
	return c.session
}

// Send queues msg without blocking. It reports false when the queue is full
// or the connection is closing.
func (c *Connection) Send(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// CloseSend closes the send queue; WritePump then sends a close frame and exits.
func (c *Connection) CloseSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Connection) pingPeriod() time.Duration {
	return c.cfg.PongWait * 9 / 10
}

func (c *Connection) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.CloseSend()
		if err := c.conn.Close(); err != nil {
			c.log.Debug().Err(err).Msg("close error")
		}
	}()

	if c.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	}
	if c.cfg.PongWait > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		})
	}

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info().Err(err).Msg("unexpected close")
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			if c.metrics != nil {
				c.metrics.RateLimited.Inc()
			}
			c.log.Debug().Msg("rate limited; frame dropped")
			continue
		}
		// errors are logged by the dispatcher and never end the connection
		_ = c.dispatcher.Dispatch(c, data)
	}
}

func (c *Connection) WritePump() {
	var tick <-chan time.Time
	if period := c.pingPeriod(); period > 0 {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer func() {
		if err := c.conn.Close(); err != nil {
			c.log.Debug().Err(err).Msg("close error")
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.setWriteDeadline()
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(message)
			if err != nil {
				c.log.Error().Err(err).Str("type", message.Type).Msg("failed to encode message")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Msg("write error")
				return
			}
			if c.metrics != nil {
				c.metrics.MessagesSent.WithLabelValues(message.Type).Inc()
			}

		case <-tick:
			c.setWriteDeadline()
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) setWriteDeadline() {
	if c.cfg.WriteWait > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	}
}
