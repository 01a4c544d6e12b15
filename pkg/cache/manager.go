package cache

import (
	"errors"
	"math"
	"net/http"
	"sync"

	"github.com/Sternrassler/streamcache/pkg/rangeset"
)

// Manager handles caching operations for one resource: its byte file and its
// metadata record.
type Manager struct {
	store *Store
	url   string
	key   Key
	data  dataFile
	meta  metadataFile

	mu   sync.Mutex
	memo *Metadata
}

// URL returns the canonical resource URL.
func (m *Manager) URL() string {
	return m.url
}

// Key returns the resource key.
func (m *Manager) Key() Key {
	return m.key
}

// DataPath returns the path of the byte file.
func (m *Manager) DataPath() string {
	return m.data.path
}

// MetadataPath returns the path of the metadata record.
func (m *Manager) MetadataPath() string {
	return m.meta.path
}

// Metadata returns a copy of the resource metadata, loading it from disk on
// first use. A missing or corrupt record yields false.
func (m *Manager) Metadata() (*Metadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.memo == nil {
		md, err := m.meta.load()
		if err != nil {
			if !errors.Is(err, ErrNotCached) {
				CacheErrors.WithLabelValues("load_metadata").Inc()
				m.store.logger.Warn().Err(err).Str("url", m.url).Msg("Ignoring unreadable cache metadata")
			}
			return nil, false
		}
		m.memo = md
	}
	return m.memo.Clone(), true
}

// Refresh drops the in-memory metadata so the next query re-reads disk.
func (m *Manager) Refresh() {
	m.mu.Lock()
	m.memo = nil
	m.mu.Unlock()
}

// RecordResponse persists the header fields of an origin response.
//
// Cached ranges survive as long as the known total length is unchanged. A
// different known length means the origin now serves another resource, so
// the byte file and its coverage are discarded.
func (m *Manager) RecordResponse(header http.Header) error {
	next := MetadataFromHeader(m.url, header)

	unlock := m.store.locks.lock(m.key)
	reset := false
	current, err := m.meta.load()
	if err == nil {
		switch {
		case !next.HasKnownLength():
			next.ExpectedContentLength = current.ExpectedContentLength
			next.CachedRanges = current.CachedRanges
		case !current.HasKnownLength() || current.ExpectedContentLength == next.ExpectedContentLength:
			next.CachedRanges = current.CachedRanges
		default:
			reset = true
		}
	}

	if reset {
		if err := m.data.truncate(); err != nil {
			unlock()
			CacheErrors.WithLabelValues("record").Inc()
			return err
		}
		m.store.logger.Info().
			Str("url", m.url).
			Int64("old_length", current.ExpectedContentLength).
			Int64("new_length", next.ExpectedContentLength).
			Msg("Resource length changed, discarding cached bytes")
	}

	if err := m.meta.save(next); err != nil {
		unlock()
		CacheErrors.WithLabelValues("record").Inc()
		return err
	}

	m.mu.Lock()
	m.memo = next
	m.mu.Unlock()
	unlock()

	m.store.logger.Debug().
		Str("url", m.url).
		Int64("expected_length", next.ExpectedContentLength).
		Str("mime_type", next.MIMEType).
		Msg("Recorded response metadata")

	if reset {
		m.store.notify(Event{Key: m.key, Kind: EventInvalidated})
	}
	return nil
}

// StoreBytes writes data at offset and records the new coverage. It returns
// the cumulative number of cached bytes.
//
// The byte write, coverage merge and metadata persist run under the key lock,
// so concurrent writers for the same resource never lose each other's ranges.
// When the write or the persist fails, the in-memory coverage is unchanged.
func (m *Manager) StoreBytes(data []byte, offset int64) (int64, error) {
	if len(data) == 0 {
		return m.CachedBytes(), nil
	}

	unlock := m.store.locks.lock(m.key)

	if err := m.data.writeAt(data, offset); err != nil {
		unlock()
		CacheErrors.WithLabelValues("store").Inc()
		return 0, err
	}

	md, err := m.meta.load()
	if err != nil {
		if !errors.Is(err, ErrNotCached) {
			m.store.logger.Warn().Err(err).Str("url", m.url).Msg("Replacing unreadable cache metadata")
		}
		md = &Metadata{ExpectedContentLength: UnknownLength, SourceURL: m.url}
	}

	total := md.CachedRanges.Insert(rangeset.Range{Offset: offset, Length: int64(len(data))})
	md.UpdatedAt = m.store.now()

	if err := m.meta.save(md); err != nil {
		unlock()
		CacheErrors.WithLabelValues("store").Inc()
		return 0, err
	}

	m.mu.Lock()
	m.memo = md
	m.mu.Unlock()

	touch(m.store.now(), m.data.path, m.meta.path)
	unlock()

	BytesStored.Add(float64(len(data)))
	m.store.logger.Debug().
		Str("url", m.url).
		Int64("offset", offset).
		Int("bytes", len(data)).
		Int64("total_cached", total).
		Msg("Stored bytes")

	m.store.notify(Event{Key: m.key, Kind: EventStored, TotalBytesCached: total})
	if m.store.cfg.Observer != nil {
		m.store.cfg.Observer(m.url, total)
	}
	if m.store.cfg.EnforceAfterWrite {
		m.store.scheduleRetention()
	}
	return total, nil
}

// ReadBytes returns the cached bytes of the longest covered run starting at
// r.Offset, at most r.Length bytes. Misses and storage failures both yield
// false.
func (m *Manager) ReadBytes(r rangeset.Range) ([]byte, bool) {
	md, ok := m.Metadata()
	if !ok {
		CacheMisses.Inc()
		return nil, false
	}

	run, ok := md.CachedRanges.AvailableRun(r.Offset, r.Length)
	if !ok {
		CacheMisses.Inc()
		return nil, false
	}

	data, err := m.data.read(run)
	if err != nil {
		if !errors.Is(err, ErrNotCached) {
			CacheErrors.WithLabelValues("read").Inc()
			m.store.logger.Warn().Err(err).Str("url", m.url).Msg("Cache read failed, treating as miss")
		}
		CacheMisses.Inc()
		return nil, false
	}

	touch(m.store.now(), m.data.path, m.meta.path)
	CacheHits.Inc()
	return data, true
}

// IsFullyCached reports whether the recorded coverage is exactly the whole
// resource.
func (m *Manager) IsFullyCached() bool {
	md, ok := m.Metadata()
	return ok && md.IsComplete()
}

// CachedBytes returns the number of recorded bytes.
func (m *Manager) CachedBytes() int64 {
	md, ok := m.Metadata()
	if !ok {
		return 0
	}
	return md.CachedRanges.Total()
}

// PrefixLength returns the length of the covered run starting at offset 0.
func (m *Manager) PrefixLength() int64 {
	md, ok := m.Metadata()
	if !ok {
		return 0
	}
	run, ok := md.CachedRanges.AvailableRun(0, math.MaxInt64)
	if !ok {
		return 0
	}
	return run.Length
}

// FileSize returns the size of the byte file on disk.
func (m *Manager) FileSize() int64 {
	return m.data.size()
}

// Invalidate deletes the byte file and the metadata record. Missing files
// are not an error.
func (m *Manager) Invalidate() error {
	unlock := m.store.locks.lock(m.key)
	dataErr := m.data.remove()
	metaErr := m.meta.remove()

	m.mu.Lock()
	m.memo = nil
	m.mu.Unlock()
	unlock()

	m.store.notify(Event{Key: m.key, Kind: EventInvalidated})
	return errors.Join(dataErr, metaErr)
}
