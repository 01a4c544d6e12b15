package loader

import (
	"sync"

	"github.com/Sternrassler/streamcache/pkg/cache"
	"github.com/Sternrassler/streamcache/pkg/fetch"
)

// Registry hands out one Coordinator per resource and closes it when the
// last holder releases it.
type Registry struct {
	store   *cache.Store
	fetcher fetch.Fetcher
	cfg     Config

	mu      sync.Mutex
	entries map[cache.Key]*registryEntry
}

type registryEntry struct {
	coordinator *Coordinator
	refs        int
}

// NewRegistry creates an empty registry.
func NewRegistry(store *cache.Store, fetcher fetch.Fetcher, cfg Config) *Registry {
	return &Registry{
		store:   store,
		fetcher: fetcher,
		cfg:     cfg,
		entries: make(map[cache.Key]*registryEntry),
	}
}

// Acquire returns the coordinator for rawURL, creating it on first use. The
// returned release func must be called exactly once per Acquire; extra calls
// are ignored.
func (g *Registry) Acquire(rawURL string) (*Coordinator, func(), error) {
	key, err := cache.KeyFor(rawURL)
	if err != nil {
		return nil, nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[key]
	if !ok {
		c, err := New(g.store, g.fetcher, rawURL, g.cfg)
		if err != nil {
			return nil, nil, err
		}
		e = &registryEntry{coordinator: c}
		g.entries[key] = e
		LoaderCoordinators.Inc()
	}
	e.refs++

	var once sync.Once
	release := func() {
		once.Do(func() { g.release(key, e) })
	}
	return e.coordinator, release, nil
}

func (g *Registry) release(key cache.Key, e *registryEntry) {
	g.mu.Lock()
	e.refs--
	idle := e.refs == 0 && g.entries[key] == e
	if idle {
		delete(g.entries, key)
		LoaderCoordinators.Dec()
	}
	g.mu.Unlock()

	if idle {
		e.coordinator.Close()
	}
}

// Len returns the number of live coordinators.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Close closes every coordinator regardless of outstanding holders.
func (g *Registry) Close() {
	g.mu.Lock()
	entries := g.entries
	g.entries = make(map[cache.Key]*registryEntry)
	LoaderCoordinators.Sub(float64(len(entries)))
	g.mu.Unlock()

	for _, e := range entries {
		e.coordinator.Close()
	}
}
