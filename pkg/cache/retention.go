package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// RetentionReport summarizes one retention pass.
type RetentionReport struct {
	Entries        int
	ExpiredRemoved int
	SizeRemoved    int
	BytesFreed     int64
	TotalBefore    int64
	TotalAfter     int64
	Failures       int
}

// cacheEntry groups the files of one resource key.
type cacheEntry struct {
	key     string
	paths   []string
	sizes   []int64
	size    int64
	modTime time.Time
}

// TotalSize returns the size of all files below the cache directory.
func (s *Store) TotalSize() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.cfg.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// Removed while scanning.
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan cache directory: %w", err)
	}

	CacheSize.Set(float64(total))
	return total, nil
}

// DeleteAll removes every cached file and recreates the empty directory.
func (s *Store) DeleteAll() error {
	if err := os.RemoveAll(s.cfg.Dir); err != nil {
		return fmt.Errorf("remove cache directory: %w", err)
	}
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("recreate cache directory: %w", err)
	}

	CacheSize.Set(0)
	s.logger.Info().Str("dir", s.cfg.Dir).Msg("Deleted all cached data")
	s.notifyAll(EventInvalidated)
	return nil
}

// EnforceRetention applies the age policy, then the size policy.
//
// Entries older than MaxAge are removed. If the remaining total still exceeds
// MaxSize, the least recently modified entries are removed until the total is
// at or below MaxSize. Failing deletions are logged and skipped.
func (s *Store) EnforceRetention() (RetentionReport, error) {
	var report RetentionReport

	entries, err := s.scanEntries()
	if err != nil {
		return report, err
	}
	report.Entries = len(entries)
	for _, e := range entries {
		report.TotalBefore += e.size
	}
	total := report.TotalBefore

	remaining := entries[:0]
	if s.cfg.MaxAge > 0 {
		cutoff := s.now().Add(-s.cfg.MaxAge)
		for _, e := range entries {
			if !e.modTime.Before(cutoff) {
				remaining = append(remaining, e)
				continue
			}
			freed, failures := s.removeEntry(e)
			total -= freed
			report.BytesFreed += freed
			report.Failures += failures
			if failures == 0 {
				report.ExpiredRemoved++
				CacheEvictions.WithLabelValues("age").Inc()
			}
		}
	} else {
		remaining = entries
	}

	if s.cfg.MaxSize > 0 && total > s.cfg.MaxSize {
		sort.Slice(remaining, func(i, j int) bool {
			return remaining[i].modTime.Before(remaining[j].modTime)
		})
		for _, e := range remaining {
			if total <= s.cfg.MaxSize {
				break
			}
			freed, failures := s.removeEntry(e)
			total -= freed
			report.BytesFreed += freed
			report.Failures += failures
			if failures == 0 {
				report.SizeRemoved++
				CacheEvictions.WithLabelValues("size").Inc()
			}
		}
	}

	report.TotalAfter = total
	CacheSize.Set(float64(total))

	if report.ExpiredRemoved > 0 || report.SizeRemoved > 0 || report.Failures > 0 {
		s.logger.Info().
			Int("expired_removed", report.ExpiredRemoved).
			Int("size_removed", report.SizeRemoved).
			Int64("bytes_freed", report.BytesFreed).
			Int64("total_after", report.TotalAfter).
			Int("failures", report.Failures).
			Msg("Cache retention applied")
	}
	return report, nil
}

// scanEntries lists the cache directory grouped by resource key.
func (s *Store) scanEntries() ([]*cacheEntry, error) {
	dirEntries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache directory: %w", err)
	}

	byKey := make(map[string]*cacheEntry)
	var order []string
	for _, d := range dirEntries {
		name := d.Name()
		if d.IsDir() || strings.HasPrefix(name, tempPrefix) {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}

		// Files that do not belong to a resource are evicted individually.
		key := name
		if k := entryKey(name); isKey(k) {
			key = k
		}

		e, ok := byKey[key]
		if !ok {
			e = &cacheEntry{key: key}
			byKey[key] = e
			order = append(order, key)
		}
		e.paths = append(e.paths, filepath.Join(s.cfg.Dir, name))
		e.sizes = append(e.sizes, info.Size())
		e.size += info.Size()
		if info.ModTime().After(e.modTime) {
			e.modTime = info.ModTime()
		}
	}

	entries := make([]*cacheEntry, 0, len(order))
	for _, key := range order {
		entries = append(entries, byKey[key])
	}
	return entries, nil
}

// removeEntry deletes the files of e under the key lock. A file that is
// already gone counts as freed.
func (s *Store) removeEntry(e *cacheEntry) (freed int64, failures int) {
	isResource := isKey(e.key)
	unlock := func() {}
	if isResource {
		unlock = s.locks.lock(Key(e.key))
	}

	for i, path := range e.paths {
		if err := s.remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			failures++
			CacheErrors.WithLabelValues("evict").Inc()
			s.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove cached file")
			continue
		}
		freed += e.sizes[i]
	}
	unlock()

	if isResource {
		s.notify(Event{Key: Key(e.key), Kind: EventEvicted})
	}
	return freed, failures
}

// EntryInfo describes one cache entry on disk.
type EntryInfo struct {
	Key     string
	Size    int64
	ModTime time.Time

	// Metadata is nil for stray files and unreadable records.
	Metadata *Metadata
}

// Entries lists the cache directory grouped by resource key, most recently
// modified first.
func (s *Store) Entries() ([]EntryInfo, error) {
	entries, err := s.scanEntries()
	if err != nil {
		return nil, err
	}

	infos := make([]EntryInfo, 0, len(entries))
	for _, e := range entries {
		info := EntryInfo{Key: e.key, Size: e.size, ModTime: e.modTime}
		if isKey(e.key) {
			md, err := metadataFile{path: filepath.Join(s.cfg.Dir, e.key+metadataExt)}.load()
			if err == nil {
				info.Metadata = md
			}
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ModTime.After(infos[j].ModTime)
	})
	return infos, nil
}
