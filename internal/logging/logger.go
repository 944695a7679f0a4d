// Package logging holds the process-wide zerolog logger.
//
//	logging.Init(logging.Config{Level: "debug", Format: "console"})
//	log := logging.Component("hub")
//	log.Info().Int("connections", n).Msg("client connected")
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	// Level is one of trace, debug, info, warn, error, disabled. Default: info.
	Level string
	// Format is json or console. Default: json.
	Format string
	// Output defaults to os.Stderr.
	Output io.Writer
}

var (
	log zerolog.Logger
	mu  sync.RWMutex
)

func init() {
	initLogger(Config{})
}

// Init reconfigures the global logger. Loggers derived earlier through
// Component keep their old output.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	initLogger(cfg)
}

func initLogger(cfg Config) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339

	output := cfg.Output
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: "15:04:05"}
	}
	log = zerolog.New(output).With().Timestamp().Logger()
}

func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func with() zerolog.Context {
	mu.RLock()
	defer mu.RUnlock()
	return log.With()
}

// Component returns a child logger tagged with component=name.
func Component(name string) zerolog.Logger {
	return with().Str("component", name).Logger()
}

func Info() *zerolog.Event {
	mu.RLock()
	defer mu.RUnlock()
	return log.Info()
}

func Error() *zerolog.Event {
	mu.RLock()
	defer mu.RUnlock()
	return log.Error()
}
