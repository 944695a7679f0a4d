package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/vrdanmaku/danmaku/internal/logging"
)

const (
	mappingKeyPrefix = "channel:"
	counterKey       = "meta:next"
)

type mappingValue struct {
	VideoIndex int    `json:"videoIndex"`
	VideoLink  string `json:"videoLink"`
	File       string `json:"file"`
}

// BadgerMappings stores channel mappings in BadgerDB.
type BadgerMappings struct {
	db *badger.DB
}

// OpenBadgerMappings opens (or creates) the database at path. An empty path
// opens an in-memory database.
func OpenBadgerMappings(path string) (*BadgerMappings, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = badgerLogger{log: logging.Component("badger")}
	opts.ValueLogFileSize = 16 << 20
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open channel mappings at %q: %w", path, err)
	}
	return &BadgerMappings{db: db}, nil
}

func (b *BadgerMappings) LoadAll() (map[Key]string, uint64, error) {
	files := make(map[Key]string)
	var next uint64

	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(counterKey))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return fmt.Errorf("get counter: %w", err)
		default:
			if err := item.Value(func(val []byte) error {
				if len(val) != 8 {
					return fmt.Errorf("counter has %d bytes", len(val))
				}
				next = binary.BigEndian.Uint64(val)
				return nil
			}); err != nil {
				return err
			}
		}

		prefix := []byte(mappingKeyPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var v mappingValue
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			files[Key{VideoIndex: v.VideoIndex, VideoLink: v.VideoLink}] = v.File
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return files, next, nil
}

// Put writes the mapping and the counter in one transaction.
func (b *BadgerMappings) Put(key Key, file string, next uint64) error {
	data, err := json.Marshal(mappingValue{VideoIndex: key.VideoIndex, VideoLink: key.VideoLink, File: file})
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}
	counter := make([]byte, 8)
	binary.BigEndian.PutUint64(counter, next)

	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(mappingKeyPrefix+key.String()), data); err != nil {
			return err
		}
		return txn.Set([]byte(counterKey), counter)
	})
}

func (b *BadgerMappings) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger's printf-style logging into zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Trace().Msgf(strings.TrimSpace(format), args...)
}
