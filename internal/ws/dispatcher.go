package ws

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/vrdanmaku/danmaku/internal/annotation"
	"github.com/vrdanmaku/danmaku/internal/catalog"
	"github.com/vrdanmaku/danmaku/internal/channel"
	"github.com/vrdanmaku/danmaku/internal/logging"
	"github.com/vrdanmaku/danmaku/internal/metrics"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrChannelUnbound   = errors.New("no channel selected")
)

// Peer is the dispatcher's view of a connection.
type Peer interface {
	ID() string
	Send(Message) bool
	Session() *Session
}

// Broadcaster queues events. SendTo targets one peer but shares the queue
// with Broadcast, so the peer sees both in the order they were queued.
type Broadcaster interface {
	Broadcast(Message)
	SendTo(Peer, Message)
}

// VideoLister hands out the video list under the same lock that orders
// catalog change notifications.
type VideoLister interface {
	View(fn func([]catalog.Video))
}

type DispatcherConfig struct {
	Registry *channel.Registry
	Store    *annotation.Store
	Hub      Broadcaster
	// Videos may be nil, in which case video lists are empty.
	Videos VideoLister
	// Dedup drops submissions identical to a stored record.
	Dedup   bool
	Metrics *metrics.Metrics
}

// Dispatcher decodes inbound frames and applies them to the stores.
type Dispatcher struct {
	registry *channel.Registry
	store    *annotation.Store
	hub      Broadcaster
	videos   VideoLister
	dedup    bool
	validate *validator.Validate
	metrics  *metrics.Metrics
	log      zerolog.Logger

	// held from a store access until its event is queued, so the queue
	// order of a channel matches its file order
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		registry: cfg.Registry,
		store:    cfg.Store,
		hub:      cfg.Hub,
		videos:   cfg.Videos,
		dedup:    cfg.Dedup,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		metrics:  cfg.Metrics,
		log:      logging.Component("dispatcher"),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Welcome queues the greeting directly on p. Call it before p is registered
// with the hub so nothing can overtake it.
func (d *Dispatcher) Welcome(p Peer) {
	d.reply(p, EventWelcome, WelcomeText)
}

// Join runs once p is registered. In global mode it sends the video list and
// the global replay, and binds the session to the global channel.
func (d *Dispatcher) Join(p Peer) {
	if d.registry.Mode() != channel.Global {
		return
	}
	d.sendVideoList(p)

	global := d.registry.Global()
	if err := d.replay(p, global); err != nil {
		d.log.Error().Err(err).Str("connection_id", p.ID()).Msg("global replay failed")
	}
}

// Dispatch handles one inbound text frame from p. Unknown types are ignored.
// Every error is logged here; callers need not act on it.
func (d *Dispatcher) Dispatch(p Peer, raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return d.malformed(p, "", err)
	}

	var err error
	switch env.Type {
	case CmdNewVideo:
		err = d.handleNewVideo(p, raw)
	case CmdNewAnnotation:
		err = d.handleNewAnnotation(p, raw)
	case CmdDeleteAnnotation:
		err = d.handleDeleteAnnotation(p, raw)
	case CmdRequestVideoList:
		d.sendVideoList(p)
	default:
		d.log.Debug().Str("connection_id", p.ID()).Str("type", string(env.Type)).Msg("ignoring unknown message type")
		return nil
	}
	if d.metrics != nil {
		d.metrics.MessagesReceived.WithLabelValues(string(env.Type)).Inc()
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrMalformedMessage):
	case errors.Is(err, ErrChannelUnbound), errors.Is(err, annotation.ErrRecordNotFound):
		d.log.Debug().Err(err).Str("connection_id", p.ID()).Str("type", string(env.Type)).Msg("message ignored")
	default:
		d.log.Error().Err(err).Str("connection_id", p.ID()).Str("type", string(env.Type)).Msg("message failed")
	}
	return err
}

// BroadcastVideoList tells every connection about a catalog change.
func (d *Dispatcher) BroadcastVideoList(videos []catalog.Video) {
	if videos == nil {
		videos = []catalog.Video{}
	}
	d.broadcast(EventVideoList, videos)
}

func (d *Dispatcher) handleNewVideo(p Peer, raw []byte) error {
	var cmd NewVideoCmd
	if err := d.decode(p, CmdNewVideo, raw, &cmd); err != nil {
		return err
	}
	if d.registry.Mode() == channel.Partitioned && cmd.VideoLink == "" {
		return d.malformed(p, CmdNewVideo, errors.New("videoLink is required"))
	}

	h, err := d.registry.Resolve(channel.Key{VideoIndex: cmd.VideoIndex, VideoLink: cmd.VideoLink})
	if err != nil {
		return err
	}
	return d.replay(p, h)
}

// replay binds p to h and queues the stored list behind every event already
// queued for h. Records appended after the load are broadcast after it.
func (d *Dispatcher) replay(p Peer, h channel.Handle) error {
	defer d.lockChannel(h.File)()
	records, err := d.store.Load(h.File)
	if err != nil {
		return err
	}
	msg, err := NewMessage(EventExistingAnnotation, records)
	if err != nil {
		return err
	}
	p.Session().Bind(h)
	d.hub.SendTo(p, msg)
	return nil
}

func (d *Dispatcher) handleNewAnnotation(p Peer, raw []byte) error {
	var cmd NewAnnotationCmd
	if err := d.decode(p, CmdNewAnnotation, raw, &cmd); err != nil {
		return err
	}
	h, err := d.channelOf(p)
	if err != nil {
		return err
	}
	defer d.lockChannel(h.File)()

	record := cmd.Record()
	if d.dedup {
		appended, err := d.store.AppendIfAbsent(h.File, record)
		if err != nil {
			return err
		}
		if !appended {
			d.log.Debug().Str("connection_id", p.ID()).Str("file", h.File).Msg("duplicate annotation dropped")
			return nil
		}
	} else if err := d.store.Append(h.File, record); err != nil {
		return err
	}

	d.broadcast(EventNewAnnotation, record)
	return nil
}

func (d *Dispatcher) handleDeleteAnnotation(p Peer, raw []byte) error {
	var cmd DeleteAnnotationCmd
	if err := d.decode(p, CmdDeleteAnnotation, raw, &cmd); err != nil {
		return err
	}
	h, err := d.channelOf(p)
	if err != nil {
		return err
	}
	defer d.lockChannel(h.File)()

	index, err := d.store.RemoveMatching(h.File, *cmd.Time, cmd.Text)
	if err != nil {
		return err
	}
	d.broadcast(EventAnnotationDeleted, AnnotationDeletedEvent{
		Index:     index,
		VideoLink: h.Key.VideoLink,
		Text:      cmd.Text,
		Time:      *cmd.Time,
	})
	return nil
}

// channelOf is the bound channel of p. In global mode an unbound peer writes
// to the global channel.
func (d *Dispatcher) channelOf(p Peer) (channel.Handle, error) {
	if h, ok := p.Session().Channel(); ok {
		return h, nil
	}
	if d.registry.Mode() == channel.Global {
		return d.registry.Global(), nil
	}
	return channel.Handle{}, ErrChannelUnbound
}

func (d *Dispatcher) lockChannel(file string) func() {
	d.mu.Lock()
	l, ok := d.locks[file]
	if !ok {
		l = &sync.Mutex{}
		d.locks[file] = l
	}
	d.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (d *Dispatcher) decode(p Peer, t CommandType, raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return d.malformed(p, t, err)
	}
	if err := d.validate.Struct(v); err != nil {
		return d.malformed(p, t, err)
	}
	return nil
}

func (d *Dispatcher) malformed(p Peer, t CommandType, cause error) error {
	if d.metrics != nil {
		d.metrics.MalformedMessages.Inc()
	}
	d.log.Warn().Err(cause).Str("connection_id", p.ID()).Str("type", string(t)).Msg("malformed message")
	return fmt.Errorf("%w: %v", ErrMalformedMessage, cause)
}

// sendVideoList queues the current list for p, ordered against the
// video_list broadcasts of catalog changes.
func (d *Dispatcher) sendVideoList(p Peer) {
	if d.videos == nil {
		d.sendTo(p, EventVideoList, []catalog.Video{})
		return
	}
	d.videos.View(func(videos []catalog.Video) {
		if videos == nil {
			videos = []catalog.Video{}
		}
		d.sendTo(p, EventVideoList, videos)
	})
}

func (d *Dispatcher) reply(p Peer, t EventType, data any) {
	msg, err := NewMessage(t, data)
	if err != nil {
		d.log.Error().Err(err).Str("type", string(t)).Msg("failed to encode event")
		return
	}
	if !p.Send(msg) {
		d.log.Warn().Str("connection_id", p.ID()).Str("type", string(t)).Msg("send queue full; reply dropped")
	}
}

func (d *Dispatcher) sendTo(p Peer, t EventType, data any) {
	msg, err := NewMessage(t, data)
	if err != nil {
		d.log.Error().Err(err).Str("type", string(t)).Msg("failed to encode event")
		return
	}
	d.hub.SendTo(p, msg)
}

func (d *Dispatcher) broadcast(t EventType, data any) {
	msg, err := NewMessage(t, data)
	if err != nil {
		d.log.Error().Err(err).Str("type", string(t)).Msg("failed to encode event")
		return
	}
	d.hub.Broadcast(msg)
}
