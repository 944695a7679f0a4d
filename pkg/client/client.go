// Package client is a websocket client for the danmaku server that mirrors
// the server's replay of the selected channel locally.
package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vrdanmaku/danmaku/internal/annotation"
	"github.com/vrdanmaku/danmaku/internal/catalog"
	"github.com/vrdanmaku/danmaku/internal/logging"
	"github.com/vrdanmaku/danmaku/internal/ws"
)

const closeWait = time.Second

var ErrClosed = errors.New("connection closed")

type newVideo struct {
	Type       ws.CommandType `json:"type"`
	VideoIndex int            `json:"videoIndex"`
	VideoLink  string         `json:"videoLink"`
}

type newAnnotation struct {
	Type      ws.CommandType `json:"type"`
	Text      string         `json:"text"`
	Time      float64        `json:"time"`
	Position  string         `json:"position"`
	VideoLink string         `json:"videoLink,omitempty"`
}

type deleteAnnotation struct {
	Type ws.CommandType `json:"type"`
	Text string         `json:"text"`
	Time float64        `json:"time"`
}

type command struct {
	Type ws.CommandType `json:"type"`
}

type Client struct {
	serverURL string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger

	mu          sync.RWMutex
	welcome     string
	videoLink   string
	annotations []annotation.Record
	videos      []catalog.Video
	onEvent     func(ws.Message)
}

// NewClient takes a full websocket URL such as ws://localhost:8080/ws.
func NewClient(serverURL string) *Client {
	return &Client{
		serverURL:   serverURL,
		send:        make(chan []byte, 256),
		done:        make(chan struct{}),
		log:         logging.Component("client"),
		annotations: []annotation.Record{},
		videos:      []catalog.Video{},
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.log.Debug().Str("url", c.serverURL).Msg("connecting")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.serverURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.serverURL, err)
	}
	c.conn = conn
	return nil
}

// Run starts the read and write pumps.
func (c *Client) Run() error {
	if c.conn == nil {
		return errors.New("connection not established")
	}
	go c.readPump()
	go c.writePump()
	return nil
}

// OnEvent registers fn to be called, from the read goroutine, for every
// event after local state has been updated.
func (c *Client) OnEvent(fn func(ws.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = fn
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readPump() {
	defer func() {
		c.closeOnce.Do(func() { close(c.done) })
		_ = c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("connection lost")
			}
			return
		}
		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("undecodable frame")
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) writePump() {
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn().Err(err).Msg("write error")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) handleMessage(msg ws.Message) {
	c.mu.Lock()
	switch ws.EventType(msg.Type) {
	case ws.EventWelcome:
		_ = json.Unmarshal(msg.Data, &c.welcome)

	case ws.EventExistingAnnotation:
		var records []annotation.Record
		if err := json.Unmarshal(msg.Data, &records); err != nil {
			c.log.Warn().Err(err).Msg("bad existing_annotation")
			break
		}
		c.annotations = append([]annotation.Record{}, records...)

	case ws.EventNewAnnotation:
		var r annotation.Record
		if err := json.Unmarshal(msg.Data, &r); err != nil {
			c.log.Warn().Err(err).Msg("bad new_annotation")
			break
		}
		// broadcasts cover every channel; keep only ours
		if r.VideoLink == "" || r.VideoLink == c.videoLink {
			c.annotations = append(c.annotations, r)
		}

	case ws.EventAnnotationDeleted:
		var ev ws.AnnotationDeletedEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.log.Warn().Err(err).Msg("bad annotation_deleted")
			break
		}
		// deletes on other videos are broadcast too
		if ev.VideoLink != "" && ev.VideoLink != c.videoLink {
			break
		}
		if ev.Index >= 0 && ev.Index < len(c.annotations) {
			c.annotations = slices.Delete(c.annotations, ev.Index, ev.Index+1)
		}

	case ws.EventVideoList:
		var videos []catalog.Video
		if err := json.Unmarshal(msg.Data, &videos); err != nil {
			c.log.Warn().Err(err).Msg("bad video_list")
			break
		}
		c.videos = videos

	default:
		c.log.Debug().Str("type", msg.Type).Msg("unknown message type")
	}
	fn := c.onEvent
	c.mu.Unlock()

	if fn != nil {
		fn(msg)
	}
}

func (c *Client) queue(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// SelectVideo binds the connection to the channel of (index, link).
func (c *Client) SelectVideo(index int, link string) error {
	c.mu.Lock()
	c.videoLink = link
	c.mu.Unlock()
	return c.queue(newVideo{Type: ws.CmdNewVideo, VideoIndex: index, VideoLink: link})
}

// Annotate submits text at the given offset in seconds on the selected video.
func (c *Client) Annotate(text string, at float64, position string) error {
	c.mu.RLock()
	link := c.videoLink
	c.mu.RUnlock()
	return c.queue(newAnnotation{Type: ws.CmdNewAnnotation, Text: text, Time: at, Position: position, VideoLink: link})
}

func (c *Client) Delete(text string, at float64) error {
	return c.queue(deleteAnnotation{Type: ws.CmdDeleteAnnotation, Text: text, Time: at})
}

func (c *Client) RequestVideoList() error {
	return c.queue(command{Type: ws.CmdRequestVideoList})
}

func (c *Client) Welcome() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.welcome
}

func (c *Client) VideoLink() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.videoLink
}

func (c *Client) Annotations() []annotation.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.annotations)
}

func (c *Client) Videos() []catalog.Video {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.videos)
}

// Close sends a close frame and drops the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeWait))
	c.closeOnce.Do(func() { close(c.done) })
	return c.conn.Close()
}
