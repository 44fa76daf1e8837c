package store

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	apperrors "github.com/kimhsiao/incidentdesk/backend/internal/errors"
	"github.com/kimhsiao/incidentdesk/backend/internal/logging"
)

// BadgerConfig holds configuration for a BadgerStore.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// GCInterval is how often value log garbage collection runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage ratio before a value log is rewritten.
	GCDiscardRatio float64

	// Logger receives BadgerDB's internal messages. Nil silences them.
	Logger *logging.Logger
}

// DefaultBadgerConfig returns durable defaults for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns configuration for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts logging.Logger to badger.Logger.
type badgerLogger struct {
	logger *logging.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), nil, map[string]interface{}{"component": "badger"})
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), map[string]interface{}{"component": "badger"})
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), map[string]interface{}{"component": "badger"})
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), map[string]interface{}{"component": "badger"})
}

// BadgerStore is a Store backed by BadgerDB. Keys are partition + NUL + key;
// values carry an 8-byte big-endian UnixNano timestamp prefix.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time

	stopGC chan struct{}
	gcDone chan struct{}
	once   sync.Once
}

// NewBadgerStore opens a BadgerStore.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "badger path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, persistErr("mkdir", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, persistErr("open", cfg.Path, err)
	}

	s := &BadgerStore{db: bdb, now: time.Now}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means nothing was worth collecting
			if err := s.db.RunValueLogGC(ratio); err != nil && !stderrors.Is(err, badger.ErrNoRewrite) {
				logging.Warn("badger value log GC failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

func badgerKey(partition, key string) []byte {
	return []byte(partition + "\x00" + key)
}

func partitionPrefix(partition string) []byte {
	return []byte(partition + "\x00")
}

func encodeValue(at time.Time, value []byte) []byte {
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf, uint64(at.UnixNano()))
	copy(buf[8:], value)
	return buf
}

func decodeValue(raw []byte) ([]byte, time.Time, error) {
	if len(raw) < 8 {
		return nil, time.Time{}, fmt.Errorf("corrupt value: %d bytes", len(raw))
	}
	at := time.Unix(0, int64(binary.BigEndian.Uint64(raw[:8])))
	return append([]byte(nil), raw[8:]...), at, nil
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, partition, key string) (Entry, error) {
	var e Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(partition, key))
		if err != nil {
			return err
		}
		return item.Value(func(raw []byte) error {
			value, at, err := decodeValue(raw)
			if err != nil {
				return err
			}
			e = Entry{Key: key, Value: value, UpdatedAt: at}
			return nil
		})
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, persistErr("get", partition, err)
	}
	return e, nil
}

// Put implements Store.
func (s *BadgerStore) Put(ctx context.Context, partition, key string, value []byte) error {
	if err := validKey(partition, key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return persistErr("put", partition, err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(partition, key), encodeValue(s.now(), value))
	})
	if err != nil {
		return persistErr("put", partition, err)
	}
	return nil
}

// Delete implements Store.
func (s *BadgerStore) Delete(ctx context.Context, partition, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(partition, key))
	})
	if err != nil {
		return persistErr("delete", partition, err)
	}
	return nil
}

// List implements Store.
func (s *BadgerStore) List(ctx context.Context, partition string, pred Predicate) ([]Entry, error) {
	prefix := partitionPrefix(partition)
	var out []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := string(item.Key()[len(prefix):])
			err := item.Value(func(raw []byte) error {
				value, at, err := decodeValue(raw)
				if err != nil {
					return err
				}
				e := Entry{Key: key, Value: value, UpdatedAt: at}
				if pred == nil || pred(e) {
					out = append(out, e)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, persistErr("list", partition, err)
	}
	return out, nil
}

// ClearPartition implements Store.
func (s *BadgerStore) ClearPartition(ctx context.Context, partition string) error {
	prefix := partitionPrefix(partition)
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return persistErr("clear", partition, err)
	}

	wb := s.db.NewWriteBatch()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			wb.Cancel()
			return persistErr("clear", partition, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return persistErr("clear", partition, err)
	}
	return nil
}

// Close stops GC and closes the database.
func (s *BadgerStore) Close() error {
	s.once.Do(func() {
		if s.stopGC != nil {
			close(s.stopGC)
			<-s.gcDone
		}
	})
	return s.db.Close()
}
