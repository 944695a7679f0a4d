package ws

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/vrdanmaku/danmaku/internal/logging"
	"github.com/vrdanmaku/danmaku/internal/metrics"
)

const eventBufferSize = 256

// outbound is a broadcast when to is nil, otherwise a message for one peer
// that keeps its place among the broadcasts.
type outbound struct {
	msg Message
	to  Peer
}

// Hub owns the set of live connections and fans every event out to all of
// them, whatever channel each one is watching.
type Hub struct {
	connections map[*Connection]struct{}

	// Channels for register/unregister connections and broadcast msgs
	register   chan *Connection
	unregister chan *Connection
	events     chan outbound

	// closed once Run exits for good, so callers never block on a dead hub
	stopped  chan struct{}
	stopOnce sync.Once

	count   atomic.Int64
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewHub creates a hub. m may be nil.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		connections: make(map[*Connection]struct{}),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		events:      make(chan outbound, eventBufferSize),
		stopped:     make(chan struct{}),
		metrics:     m,
		log:         logging.Component("hub"),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled, then
// closes every connection's send queue.
func (h *Hub) Run(ctx context.Context) error {
	h.log.Info().Msg("hub started")
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()

		case c := <-h.register:
			h.connections[c] = struct{}{}
			h.setCount()
			if h.metrics != nil {
				h.metrics.ConnectionsTotal.Inc()
			}
			h.log.Debug().Str("connection_id", c.id).Int("connections", len(h.connections)).Msg("connection registered")

		case c := <-h.unregister:
			if _, ok := h.connections[c]; ok {
				h.remove(c)
				h.log.Debug().Str("connection_id", c.id).Int("connections", len(h.connections)).Msg("connection unregistered")
			}

		case event := <-h.events:
			if event.to != nil {
				h.deliver(event.to, event.msg)
			} else {
				h.fanOut(event.msg)
			}
		}
	}
}

func (h *Hub) fanOut(event Message) {
	var slow []*Connection
	for c := range h.connections {
		// when a send would block (consumer too slow or writer gone), drop the connection
		if !c.Send(event) {
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		h.log.Warn().Str("connection_id", c.id).Msg("connection is slow; evicting")
		h.remove(c)
		if h.metrics != nil {
			h.metrics.Evictions.Inc()
		}
	}
	if h.metrics != nil {
		h.metrics.Broadcasts.WithLabelValues(event.Type).Inc()
	}
}

func (h *Hub) deliver(p Peer, msg Message) {
	if p.Send(msg) {
		return
	}
	c, ok := p.(*Connection)
	if !ok {
		return
	}
	if _, registered := h.connections[c]; registered {
		h.log.Warn().Str("connection_id", c.id).Msg("connection is slow; evicting")
		h.remove(c)
		if h.metrics != nil {
			h.metrics.Evictions.Inc()
		}
	}
}

func (h *Hub) remove(c *Connection) {
	delete(h.connections, c)
	c.CloseSend()
	h.setCount()
}

func (h *Hub) shutdown() {
	h.stopOnce.Do(func() { close(h.stopped) })
	for c := range h.connections {
		h.remove(c)
	}
	h.log.Info().Msg("hub stopped")
}

func (h *Hub) setCount() {
	h.count.Store(int64(len(h.connections)))
	if h.metrics != nil {
		h.metrics.Connections.Set(float64(len(h.connections)))
	}
}

// Public APIs
func (h *Hub) Register(c *Connection) bool {
	select {
	case h.register <- c:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *Hub) Unregister(c *Connection) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

func (h *Hub) Broadcast(event Message) {
	h.enqueue(outbound{msg: event})
}

// SendTo queues msg for p behind every broadcast already queued.
func (h *Hub) SendTo(p Peer, msg Message) {
	h.enqueue(outbound{msg: msg, to: p})
}

func (h *Hub) enqueue(event outbound) {
	select {
	case h.events <- event:
	case <-h.stopped:
	}
}

// Count is the number of registered connections.
func (h *Hub) Count() int {
	return int(h.count.Load())
}
