// Package channel maps video identities to the annotation file backing them.
package channel

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vrdanmaku/danmaku/internal/annotation"
	"github.com/vrdanmaku/danmaku/internal/logging"
	"github.com/vrdanmaku/danmaku/internal/metrics"
)

type Mode string

const (
	// Partitioned gives every (videoIndex, videoLink) pair its own file.
	Partitioned Mode = "partitioned"
	// Global sends every key to one fixed file.
	Global Mode = "global"
)

type Key struct {
	VideoIndex int
	VideoLink  string
}

func (k Key) String() string {
	return strconv.Itoa(k.VideoIndex) + ":" + k.VideoLink
}

// Handle names the store file of a resolved channel.
type Handle struct {
	Key  Key
	File string
}

// Mappings persists key -> file associations and the file counter so a
// restart resolves known keys to the same files.
type Mappings interface {
	LoadAll() (map[Key]string, uint64, error)
	Put(key Key, file string, next uint64) error
	Close() error
}

type Option func(*Registry)

func WithMappings(m Mappings) Option {
	return func(r *Registry) { r.mappings = m }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithSeed advances the counter past the highest annotation_<n>.json in
// files, so new channels never reuse a file left by an earlier run.
func WithSeed(files []string) Option {
	return func(r *Registry) {
		for _, name := range files {
			if n := annotation.FileNumber(name); n >= r.next {
				r.next = n + 1
			}
		}
	}
}

// Registry is the process-wide channel table. Create one at startup and
// pass it to whatever resolves channels.
type Registry struct {
	mode       Mode
	globalFile string

	mu    sync.Mutex
	next  uint64
	files map[Key]string

	mappings Mappings
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

func NewRegistry(mode Mode, globalFile string, opts ...Option) (*Registry, error) {
	r := &Registry{
		mode:       mode,
		globalFile: globalFile,
		next:       1,
		files:      make(map[Key]string),
		log:        logging.Component("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.mappings != nil {
		files, next, err := r.mappings.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("load channel mappings: %w", err)
		}
		for key, file := range files {
			r.files[key] = file
			if n := annotation.FileNumber(file); n >= r.next {
				r.next = n + 1
			}
		}
		if next > r.next {
			r.next = next
		}
		r.log.Info().Int("channels", len(files)).Uint64("next", r.next).Msg("restored channel mappings")
	}
	r.updateGauge()
	return r, nil
}

func (r *Registry) Mode() Mode {
	return r.mode
}

// Global returns the handle of the fixed global channel.
func (r *Registry) Global() Handle {
	return Handle{File: r.globalFile}
}

// Resolve returns the channel for key, allocating a new file the first time
// key is seen.
func (r *Registry) Resolve(key Key) (Handle, error) {
	if r.mode == Global {
		return r.Global(), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if file, ok := r.files[key]; ok {
		return Handle{Key: key, File: file}, nil
	}

	file := annotation.FileName(r.next)
	if r.mappings != nil {
		if err := r.mappings.Put(key, file, r.next+1); err != nil {
			return Handle{}, fmt.Errorf("persist channel %s: %w", key, err)
		}
	}
	r.next++
	r.files[key] = file
	r.updateGauge()

	r.log.Debug().Str("channel", key.String()).Str("file", file).Msg("channel created")
	return Handle{Key: key, File: file}, nil
}

// Len is the number of partitioned channels known, or 1 in global mode.
func (r *Registry) Len() int {
	if r.mode == Global {
		return 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}

func (r *Registry) Close() error {
	if r.mappings == nil {
		return nil
	}
	return r.mappings.Close()
}

func (r *Registry) updateGauge() {
	if r.metrics == nil {
		return
	}
	if r.mode == Global {
		r.metrics.Channels.Set(1)
		return
	}
	r.metrics.Channels.Set(float64(len(r.files)))
}
