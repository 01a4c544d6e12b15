package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/streamcache/pkg/logging"
)

const (
	// DefaultMaxSize is the default byte budget of the cache directory.
	DefaultMaxSize int64 = 500 * 1024 * 1024

	// DefaultMaxAge is how long an untouched entry is retained.
	DefaultMaxAge = 7 * 24 * time.Hour
)

// Config holds the cache store configuration.
type Config struct {
	// Dir is the cache directory. It is created if missing.
	Dir string

	// MaxSize is the size budget enforced by retention (0 disables it).
	MaxSize int64

	// MaxAge is the retention duration enforced by retention (0 disables it).
	MaxAge time.Duration

	// EnforceAfterWrite runs retention in the background after every write.
	EnforceAfterWrite bool

	// Observer, when set, is called after every committed write with the
	// cumulative number of cached bytes of the resource.
	Observer func(sourceURL string, totalBytesCached int64)
}

// DefaultConfig returns the reference configuration for dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:               dir,
		MaxSize:           DefaultMaxSize,
		MaxAge:            DefaultMaxAge,
		EnforceAfterWrite: true,
	}
}

// EventKind classifies a coverage change.
type EventKind string

const (
	// EventStored is sent after bytes were committed.
	EventStored EventKind = "stored"

	// EventInvalidated is sent after an entry was dropped or reset.
	EventInvalidated EventKind = "invalidated"

	// EventEvicted is sent after retention removed an entry.
	EventEvicted EventKind = "evicted"
)

// Event describes a committed change to one resource entry.
type Event struct {
	Key              Key
	Kind             EventKind
	TotalBytesCached int64
}

// Store is the cache directory shared by every Manager of the process.
// It owns per-key locks, change notification and maintenance.
type Store struct {
	cfg    Config
	locks  *keyedMutex
	logger zerolog.Logger
	flight singleflight.Group
	now    func() time.Time
	remove func(string) error

	watchMu  sync.Mutex
	watchers map[Key]map[uint64]func(Event)
	nextID   uint64
}

// NewStore creates a store rooted at cfg.Dir.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if cfg.MaxSize < 0 {
		return nil, fmt.Errorf("max_size must be >= 0 (got %d)", cfg.MaxSize)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	return &Store{
		cfg:      cfg,
		locks:    newKeyedMutex(),
		logger:   logging.NewLogger(logging.ComponentCache),
		now:      time.Now,
		remove:   os.Remove,
		watchers: make(map[Key]map[uint64]func(Event)),
	}, nil
}

// Dir returns the cache directory.
func (s *Store) Dir() string {
	return s.cfg.Dir
}

// Manager returns a fresh handle for the resource at rawURL.
// Handles are cheap; handles for the same URL share only the disk and locks.
func (s *Store) Manager(rawURL string) (*Manager, error) {
	canonical, err := CanonicalURL(rawURL)
	if err != nil {
		return nil, err
	}
	key := keyOf(canonical)

	return &Manager{
		store: s,
		url:   canonical,
		key:   key,
		data:  dataFile{path: filepath.Join(s.cfg.Dir, key.String()+dataExt(canonical))},
		meta:  metadataFile{path: filepath.Join(s.cfg.Dir, key.String()+metadataExt)},
	}, nil
}

// Watch registers fn for events of key and returns a function that removes
// the registration. fn runs on the writer's goroutine and must not block.
func (s *Store) Watch(key Key, fn func(Event)) (cancel func()) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	s.nextID++
	id := s.nextID
	if s.watchers[key] == nil {
		s.watchers[key] = make(map[uint64]func(Event))
	}
	s.watchers[key][id] = fn

	return func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		delete(s.watchers[key], id)
		if len(s.watchers[key]) == 0 {
			delete(s.watchers, key)
		}
	}
}

func (s *Store) notify(ev Event) {
	s.watchMu.Lock()
	fns := make([]func(Event), 0, len(s.watchers[ev.Key]))
	for _, fn := range s.watchers[ev.Key] {
		fns = append(fns, fn)
	}
	s.watchMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Store) notifyAll(kind EventKind) {
	s.watchMu.Lock()
	keys := make([]Key, 0, len(s.watchers))
	for key := range s.watchers {
		keys = append(keys, key)
	}
	s.watchMu.Unlock()

	for _, key := range keys {
		s.notify(Event{Key: key, Kind: kind})
	}
}

// scheduleRetention runs retention in the background. Concurrent triggers
// share one scan.
func (s *Store) scheduleRetention() {
	go func() {
		_, _, _ = s.flight.Do("retention", func() (interface{}, error) {
			return s.EnforceRetention()
		})
	}()
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[Key]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[Key]*refMutex)}
}

// lock acquires the mutex of key and returns its unlock function.
func (k *keyedMutex) lock(key Key) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
