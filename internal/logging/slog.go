package logging

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// SlogHandler is a slog.Handler writing through zerolog, for libraries that
// only accept a *slog.Logger (sutureslog).
type SlogHandler struct {
	logger zerolog.Logger
	// attrs carry keys already qualified by the group active when added
	attrs []slog.Attr
	group string
}

func NewSlogHandler(logger zerolog.Logger) *SlogHandler {
	return &SlogHandler{logger: logger}
}

// NewSlogLogger wraps the current global logger.
func NewSlogLogger(component string) *slog.Logger {
	return slog.New(NewSlogHandler(Component(component)))
}

func (h *SlogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.logger.GetLevel() <= slogLevel(level) && zerolog.GlobalLevel() <= slogLevel(level)
}

func (h *SlogHandler) Handle(_ context.Context, record slog.Record) error {
	event := h.logger.WithLevel(slogLevel(record.Level))
	for _, attr := range h.attrs {
		event = addAttr(event, "", attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		event = addAttr(event, h.group, attr)
		return true
	})
	event.Msg(record.Message)
	return nil
}

func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, attr := range attrs {
		if h.group != "" {
			attr.Key = h.group + "." + attr.Key
		}
		merged = append(merged, attr)
	}
	return &SlogHandler{logger: h.logger, attrs: merged, group: h.group}
}

func (h *SlogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &SlogHandler{logger: h.logger, attrs: h.attrs, group: group}
}

func addAttr(event *zerolog.Event, group string, attr slog.Attr) *zerolog.Event {
	key := attr.Key
	if group != "" {
		key = group + "." + key
	}
	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindString:
		return event.Str(key, value.String())
	case slog.KindInt64:
		return event.Int64(key, value.Int64())
	case slog.KindUint64:
		return event.Uint64(key, value.Uint64())
	case slog.KindFloat64:
		return event.Float64(key, value.Float64())
	case slog.KindBool:
		return event.Bool(key, value.Bool())
	case slog.KindDuration:
		return event.Dur(key, value.Duration())
	case slog.KindTime:
		return event.Time(key, value.Time())
	default:
		if err, ok := value.Any().(error); ok {
			return event.AnErr(key, err)
		}
		return event.Interface(key, value.Any())
	}
}

func slogLevel(level slog.Level) zerolog.Level {
	switch {
	case level >= slog.LevelError:
		return zerolog.ErrorLevel
	case level >= slog.LevelWarn:
		return zerolog.WarnLevel
	case level >= slog.LevelInfo:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}
