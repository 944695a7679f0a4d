// Package annotation persists the per-channel annotation lists. Each channel
// owns one JSON file holding a pretty-printed array of records; every mutation
// reloads the file, changes it, and rewrites it whole under a per-file lock.
package annotation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/vrdanmaku/danmaku/internal/logging"
	"github.com/vrdanmaku/danmaku/internal/metrics"
)

var (
	// ErrCorruptStore is returned when a store file exists but does not hold
	// a JSON array of records. The file is left untouched.
	ErrCorruptStore = errors.New("annotation store is corrupt")
	// ErrRecordNotFound is returned by RemoveMatching when nothing matches.
	ErrRecordNotFound = errors.New("annotation not found")
)

// numberedFile matches the names the channel registry hands out.
var numberedFile = regexp.MustCompile(`^annotation_(\d+)\.json$`)

// Store reads and writes annotation files below one directory.
type Store struct {
	fs      afero.Fs
	dir     string
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates dir if needed. m may be nil.
func NewStore(fs afero.Fs, dir string, m *metrics.Metrics) (*Store, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create annotation dir %s: %w", dir, err)
	}
	return &Store{
		fs:      fs,
		dir:     dir,
		metrics: m,
		log:     logging.Component("store"),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) lock(name string) func() {
	s.mu.Lock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Load returns the records in name. A missing file is an empty list.
func (s *Store) Load(name string) ([]Record, error) {
	defer s.lock(name)()
	var records []Record
	err := s.observe("load", func() error {
		var err error
		records, err = s.load(name)
		return err
	})
	return records, err
}

// Save replaces the contents of name with records.
func (s *Store) Save(name string, records []Record) error {
	defer s.lock(name)()
	return s.observe("save", func() error {
		return s.save(name, records)
	})
}

// Append adds record to the end of name.
func (s *Store) Append(name string, record Record) error {
	defer s.lock(name)()
	return s.observe("append", func() error {
		records, err := s.load(name)
		if err != nil {
			return err
		}
		return s.save(name, append(records, record))
	})
}

// AppendIfAbsent appends record unless an identical (text, time, videoLink)
// record is already stored. It reports whether the record was written.
func (s *Store) AppendIfAbsent(name string, record Record) (bool, error) {
	defer s.lock(name)()
	appended := false
	err := s.observe("append_if_absent", func() error {
		records, err := s.load(name)
		if err != nil {
			return err
		}
		for _, existing := range records {
			if existing.SameAs(record) {
				return nil
			}
		}
		if err := s.save(name, append(records, record)); err != nil {
			return err
		}
		appended = true
		return nil
	})
	return appended, err
}

// RemoveMatching deletes the first record with the given text whose time is
// within TimeEpsilon of at, and returns the index it held before removal.
func (s *Store) RemoveMatching(name string, at float64, text string) (int, error) {
	defer s.lock(name)()
	index := -1
	err := s.observe("remove", func() error {
		records, err := s.load(name)
		if err != nil {
			return err
		}
		for i, r := range records {
			if r.Matches(at, text) {
				index = i
				break
			}
		}
		if index < 0 {
			return ErrRecordNotFound
		}
		return s.save(name, append(records[:index], records[index+1:]...))
	})
	if err != nil {
		return -1, err
	}
	return index, nil
}

// Ensure writes an empty list to name if the file does not exist yet.
func (s *Store) Ensure(name string) error {
	defer s.lock(name)()
	exists, err := afero.Exists(s.fs, s.path(name))
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}
	if exists {
		return nil
	}
	return s.save(name, nil)
}

// Files lists the annotation_<n>.json files in the store directory, in
// ascending numeric order.
func (s *Store) Files() ([]string, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.dir, err)
	}
	var names []string
	for _, info := range infos {
		if !info.IsDir() && numberedFile.MatchString(info.Name()) {
			names = append(names, info.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return FileNumber(names[i]) < FileNumber(names[j])
	})
	return names, nil
}

// FileNumber extracts n from annotation_<n>.json, or returns 0.
func FileNumber(name string) uint64 {
	m := numberedFile.FindStringSubmatch(name)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// FileName is the inverse of FileNumber.
func FileName(n uint64) string {
	return "annotation_" + strconv.FormatUint(n, 10) + ".json"
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *Store) load(name string) ([]Record, error) {
	data, err := afero.ReadFile(s.fs, s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptStore, name, err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// save writes to a temp file in the same directory and renames it over the
// target, so readers never see a partial array.
func (s *Store) save(name string, records []Record) error {
	if records == nil {
		records = []Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	tmp, err := afero.TempFile(s.fs, s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := s.fs.Rename(tmpName, s.path(name)); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

func (s *Store) observe(op string, fn func() error) error {
	start := time.Now()
	err := fn()

	result := "ok"
	switch {
	case errors.Is(err, ErrRecordNotFound):
		result = "not_found"
	case errors.Is(err, ErrCorruptStore):
		result = "corrupt"
		s.log.Error().Err(err).Str("op", op).Msg("store file is corrupt")
	case err != nil:
		result = "error"
		s.log.Error().Err(err).Str("op", op).Msg("store operation failed")
	}

	if s.metrics != nil {
		s.metrics.StoreOperations.WithLabelValues(op, result).Inc()
		s.metrics.StoreDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	return err
}
