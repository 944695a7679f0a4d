// Package catalog keeps the list of uploaded videos: a JSON index plus the
// video files themselves, both in one directory.
package catalog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/vrdanmaku/danmaku/internal/logging"
	"github.com/vrdanmaku/danmaku/internal/metrics"
)

var (
	ErrVideoNotFound = errors.New("video not found")
	ErrInvalidVideo  = errors.New("invalid video")
)

type Video struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	Tags       []string  `json:"tags"`
	UploadDate time.Time `json:"uploadDate"`
	// File is the stored file name inside the catalog directory.
	File string `json:"file"`
}

// Upload describes a new video.
type Upload struct {
	Name     string
	Tags     []string
	Filename string
	Body     io.Reader
}

type Options struct {
	Dir        string
	IndexFile  string
	PublicPath string
	Metrics    *metrics.Metrics
}

type Catalog struct {
	fs         afero.Fs
	dir        string
	indexFile  string
	publicPath string
	metrics    *metrics.Metrics
	log        zerolog.Logger
	now        func() time.Time

	mu       sync.RWMutex
	videos   []Video
	onChange []func([]Video)
}

// Open loads the index from opts.Dir, creating the directory if needed.
func Open(fs afero.Fs, opts Options) (*Catalog, error) {
	if err := fs.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create catalog dir %s: %w", opts.Dir, err)
	}
	c := &Catalog{
		fs:         fs,
		dir:        opts.Dir,
		indexFile:  opts.IndexFile,
		publicPath: opts.PublicPath,
		metrics:    opts.Metrics,
		log:        logging.Component("catalog"),
		now:        time.Now,
		videos:     []Video{},
	}

	data, err := afero.ReadFile(fs, c.indexPath())
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read catalog index: %w", err)
	default:
		if err := json.Unmarshal(data, &c.videos); err != nil {
			return nil, fmt.Errorf("parse catalog index %s: %w", c.indexPath(), err)
		}
		if c.videos == nil {
			c.videos = []Video{}
		}
	}
	c.updateGauge()
	c.log.Info().Int("videos", len(c.videos)).Str("dir", c.dir).Msg("catalog opened")
	return c, nil
}

// FS exposes the directory holding the video files.
func (c *Catalog) FS() afero.Fs {
	return afero.NewBasePathFs(c.fs, c.dir)
}

// IndexFile is the name of the index inside the catalog directory.
func (c *Catalog) IndexFile() string {
	return c.indexFile
}

// OnChange registers fn to receive the full list after every mutation. fn runs
// with the catalog locked, in mutation order, and must not call back into the
// catalog.
func (c *Catalog) OnChange(fn func([]Video)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

func (c *Catalog) List() []Video {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.videos)
}

// View calls fn with a snapshot of the list while no mutation can run, so
// whatever fn queues is ordered against OnChange notifications.
func (c *Catalog) View(fn func([]Video)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn(slices.Clone(c.videos))
}

func (c *Catalog) Get(id string) (Video, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := c.find(id)
	if i < 0 {
		return Video{}, fmt.Errorf("%w: %s", ErrVideoNotFound, id)
	}
	return c.videos[i], nil
}

// Create stores the uploaded bytes and adds the video to the index.
func (c *Catalog) Create(up Upload) (Video, error) {
	name := strings.TrimSpace(up.Name)
	if name == "" {
		return Video{}, fmt.Errorf("%w: name is required", ErrInvalidVideo)
	}
	if up.Body == nil {
		return Video{}, fmt.Errorf("%w: file is required", ErrInvalidVideo)
	}

	id := uuid.NewString()
	file := id + strings.ToLower(filepath.Ext(filepath.Base(up.Filename)))
	if err := c.writeFile(file, up.Body); err != nil {
		return Video{}, err
	}

	v := Video{
		ID:         id,
		Name:       name,
		URL:        path.Join(c.publicPath, file),
		Tags:       cleanTags(up.Tags),
		UploadDate: c.now().UTC(),
		File:       file,
	}

	c.mu.Lock()
	c.videos = append(c.videos, v)
	if err := c.saveIndex(); err != nil {
		c.videos = c.videos[:len(c.videos)-1]
		c.mu.Unlock()
		_ = c.fs.Remove(filepath.Join(c.dir, file))
		return Video{}, err
	}
	c.changed()
	c.mu.Unlock()

	c.log.Info().Str("id", id).Str("name", name).Msg("video uploaded")
	return v, nil
}

func (c *Catalog) Rename(id, name string) (Video, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Video{}, fmt.Errorf("%w: name is required", ErrInvalidVideo)
	}

	c.mu.Lock()
	i := c.find(id)
	if i < 0 {
		c.mu.Unlock()
		return Video{}, fmt.Errorf("%w: %s", ErrVideoNotFound, id)
	}
	old := c.videos[i].Name
	c.videos[i].Name = name
	if err := c.saveIndex(); err != nil {
		c.videos[i].Name = old
		c.mu.Unlock()
		return Video{}, err
	}
	v := c.videos[i]
	c.changed()
	c.mu.Unlock()

	c.log.Info().Str("id", id).Str("name", name).Msg("video renamed")
	return v, nil
}

// Delete drops the video from the index. Failing to remove the file is
// logged; the index entry goes regardless.
func (c *Catalog) Delete(id string) error {
	c.mu.Lock()
	i := c.find(id)
	if i < 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrVideoNotFound, id)
	}
	v := c.videos[i]
	c.videos = slices.Delete(c.videos, i, i+1)
	if err := c.saveIndex(); err != nil {
		c.videos = slices.Insert(c.videos, i, v)
		c.mu.Unlock()
		return err
	}
	c.changed()
	c.mu.Unlock()

	if v.File != "" {
		if err := c.fs.Remove(filepath.Join(c.dir, v.File)); err != nil {
			c.log.Warn().Err(err).Str("id", id).Str("file", v.File).Msg("failed to remove video file")
		}
	}
	c.log.Info().Str("id", id).Msg("video deleted")
	return nil
}

func (c *Catalog) find(id string) int {
	return slices.IndexFunc(c.videos, func(v Video) bool { return v.ID == id })
}

func (c *Catalog) indexPath() string {
	return filepath.Join(c.dir, c.indexFile)
}

func (c *Catalog) writeFile(name string, body io.Reader) error {
	f, err := c.fs.OpenFile(filepath.Join(c.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create video file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		_ = c.fs.Remove(filepath.Join(c.dir, name))
		return fmt.Errorf("write video file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close video file: %w", err)
	}
	return nil
}

// saveIndex must be called with c.mu held.
func (c *Catalog) saveIndex() error {
	data, err := json.MarshalIndent(c.videos, "", "  ")
	if err != nil {
		return fmt.Errorf("encode catalog index: %w", err)
	}
	tmp := c.indexPath() + ".tmp"
	if err := afero.WriteFile(c.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write catalog index: %w", err)
	}
	if err := c.fs.Rename(tmp, c.indexPath()); err != nil {
		return fmt.Errorf("replace catalog index: %w", err)
	}
	c.updateGauge()
	return nil
}

// changed must be called with c.mu held.
func (c *Catalog) changed() {
	for _, fn := range c.onChange {
		fn(slices.Clone(c.videos))
	}
}

func (c *Catalog) updateGauge() {
	if c.metrics != nil {
		c.metrics.Videos.Set(float64(len(c.videos)))
	}
}

func cleanTags(tags []string) []string {
	out := []string{}
	for _, t := range tags {
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" && !slices.Contains(out, part) {
				out = append(out, part)
			}
		}
	}
	return out
}
