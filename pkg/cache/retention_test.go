package cache

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// seedEntry stores size bytes for rawURL and ages both files to modTime.
func seedEntry(t *testing.T, store *Store, rawURL string, size int, modTime time.Time) *Manager {
	t.Helper()
	m, err := store.Manager(rawURL)
	if err != nil {
		t.Fatalf("Manager() error = %v", err)
	}
	if _, err := m.StoreBytes(pattern(size), 0); err != nil {
		t.Fatalf("StoreBytes() error = %v", err)
	}
	for _, p := range []string{m.DataPath(), m.MetadataPath()} {
		if err := os.Chtimes(p, modTime, modTime); err != nil {
			t.Fatalf("Chtimes() error = %v", err)
		}
	}
	return m
}

func entrySize(t *testing.T, m *Manager) int64 {
	t.Helper()
	var total int64
	for _, p := range []string{m.DataPath(), m.MetadataPath()} {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatalf("Stat() error = %v", err)
		}
		total += info.Size()
	}
	return total
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}

func TestEnforceRetention_Age(t *testing.T) {
	store, err := NewStore(Config{Dir: t.TempDir(), MaxAge: 7 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	now := time.Now()

	old := seedEntry(t, store, "https://h/old.mp3", 100, now.Add(-8*24*time.Hour))
	fresh := seedEntry(t, store, "https://h/fresh.mp3", 100, now.Add(-time.Hour))

	stray := filepath.Join(store.Dir(), "notes.txt")
	if err := os.WriteFile(stray, []byte("x"), 0o644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}
	staleTime := now.Add(-30 * 24 * time.Hour)
	if err := os.Chtimes(stray, staleTime, staleTime); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	report, err := store.EnforceRetention()
	if err != nil {
		t.Fatalf("EnforceRetention() error = %v", err)
	}

	if report.ExpiredRemoved != 2 {
		t.Errorf("ExpiredRemoved = %d, want 2", report.ExpiredRemoved)
	}
	if report.SizeRemoved != 0 || report.Failures != 0 {
		t.Errorf("report = %+v, want no size removals or failures", report)
	}
	if exists(old.DataPath()) || exists(old.MetadataPath()) || exists(stray) {
		t.Error("expired files still exist")
	}
	if !exists(fresh.DataPath()) || !exists(fresh.MetadataPath()) {
		t.Error("fresh entry was removed")
	}
	if report.TotalAfter != entrySize(t, fresh) {
		t.Errorf("TotalAfter = %d, want %d", report.TotalAfter, entrySize(t, fresh))
	}
}

func TestEnforceRetention_SizeEvictsOldestFirst(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	a := seedEntry(t, store, "https://h/a.mp3", 1000, now.Add(-3*time.Hour))
	b := seedEntry(t, store, "https://h/b.mp3", 1000, now.Add(-2*time.Hour))
	c := seedEntry(t, store, "https://h/c.mp3", 1000, now.Add(-1*time.Hour))

	// Scenario E: the budget fits the two newest entries.
	store.cfg.MaxSize = entrySize(t, b) + entrySize(t, c)

	report, err := store.EnforceRetention()
	if err != nil {
		t.Fatalf("EnforceRetention() error = %v", err)
	}

	if report.Entries != 3 || report.SizeRemoved != 1 {
		t.Errorf("report = %+v, want 3 entries and 1 size removal", report)
	}
	if exists(a.DataPath()) || exists(a.MetadataPath()) {
		t.Error("oldest entry should be evicted with both files")
	}
	for _, m := range []*Manager{b, c} {
		if !exists(m.DataPath()) || !exists(m.MetadataPath()) {
			t.Errorf("%s should survive", m.URL())
		}
	}
	if report.TotalAfter > store.cfg.MaxSize {
		t.Errorf("TotalAfter = %d, want <= %d", report.TotalAfter, store.cfg.MaxSize)
	}
	if report.BytesFreed != report.TotalBefore-report.TotalAfter {
		t.Errorf("BytesFreed = %d, want %d", report.BytesFreed, report.TotalBefore-report.TotalAfter)
	}
}

func TestEnforceRetention_FailedRemovalDoesNotAbort(t *testing.T) {
	tests := []struct {
		name        string
		maxAge      time.Duration
		ageA, ageB  time.Duration
		sizeBudget  bool
		wantExpired int
		wantSize    int
	}{
		{"age pass", 7 * 24 * time.Hour, 9 * 24 * time.Hour, 8 * 24 * time.Hour, false, 1, 0},
		{"size pass", 0, 3 * time.Hour, 2 * time.Hour, true, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			now := time.Now()

			a := seedEntry(t, store, "https://h/a.mp3", 1000, now.Add(-tt.ageA))
			b := seedEntry(t, store, "https://h/b.mp3", 1000, now.Add(-tt.ageB))
			c := seedEntry(t, store, "https://h/c.mp3", 1000, now.Add(-time.Hour))

			store.cfg.MaxAge = tt.maxAge
			if tt.sizeBudget {
				// Room for c plus the byte file of a that cannot be removed.
				store.cfg.MaxSize = entrySize(t, c) + 1000
			}
			stuck := a.DataPath()
			store.remove = func(path string) error {
				if path == stuck {
					return &os.PathError{Op: "remove", Path: path, Err: os.ErrPermission}
				}
				return os.Remove(path)
			}

			report, err := store.EnforceRetention()
			if err != nil {
				t.Fatalf("EnforceRetention() error = %v", err)
			}

			if report.Failures != 1 {
				t.Errorf("Failures = %d, want 1", report.Failures)
			}
			if report.ExpiredRemoved != tt.wantExpired || report.SizeRemoved != tt.wantSize {
				t.Errorf("report = %+v, want %d expired and %d size removals", report, tt.wantExpired, tt.wantSize)
			}
			if !exists(stuck) {
				t.Error("file that failed to remove should still exist")
			}
			if exists(b.DataPath()) || exists(b.MetadataPath()) {
				t.Error("entry after the failed one should be evicted")
			}
			if !exists(c.DataPath()) || !exists(c.MetadataPath()) {
				t.Error("newest entry should survive")
			}
		})
	}
}

func TestEnforceRetention_UnderBudget(t *testing.T) {
	store, err := NewStore(Config{Dir: t.TempDir(), MaxSize: 1 << 20, MaxAge: time.Hour})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	seedEntry(t, store, "https://h/a.mp3", 100, time.Now())

	tmp := filepath.Join(store.Dir(), tempPrefix+"123")
	if err := os.WriteFile(tmp, []byte("partial"), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(tmp, old, old); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	report, err := store.EnforceRetention()
	if err != nil {
		t.Fatalf("EnforceRetention() error = %v", err)
	}
	if report.ExpiredRemoved != 0 || report.SizeRemoved != 0 {
		t.Errorf("report = %+v, want nothing removed", report)
	}
	if !exists(tmp) {
		t.Error("in-flight temp files must be skipped")
	}
}

func TestEnforceRetention_NotifiesEviction(t *testing.T) {
	store := newTestStore(t)
	m := seedEntry(t, store, "https://h/a.mp3", 100, time.Now().Add(-time.Hour))
	store.cfg.MaxSize = 1

	var mu sync.Mutex
	var kinds []EventKind
	stop := store.Watch(m.Key(), func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})
	defer stop()

	if _, err := store.EnforceRetention(); err != nil {
		t.Fatalf("EnforceRetention() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 1 || kinds[0] != EventEvicted {
		t.Errorf("events = %v, want [evicted]", kinds)
	}
}

func TestEnforceAfterWrite(t *testing.T) {
	store, err := NewStore(Config{Dir: t.TempDir(), MaxSize: 1, EnforceAfterWrite: true})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	m, err := store.Manager("https://h/a.mp3")
	if err != nil {
		t.Fatalf("Manager() error = %v", err)
	}

	evicted := make(chan struct{}, 1)
	stop := store.Watch(m.Key(), func(ev Event) {
		if ev.Kind == EventEvicted {
			select {
			case evicted <- struct{}{}:
			default:
			}
		}
	})
	defer stop()

	if _, err := m.StoreBytes(pattern(100), 0); err != nil {
		t.Fatalf("StoreBytes() error = %v", err)
	}

	select {
	case <-evicted:
	case <-time.After(5 * time.Second):
		t.Fatal("background retention did not evict the entry")
	}
	if exists(m.DataPath()) {
		t.Error("byte file should be gone")
	}
}

func TestTotalSizeAndDeleteAll(t *testing.T) {
	store := newTestStore(t)
	a := seedEntry(t, store, "https://h/a.mp3", 100, time.Now())
	b := seedEntry(t, store, "https://h/b.mp3", 200, time.Now())

	total, err := store.TotalSize()
	if err != nil {
		t.Fatalf("TotalSize() error = %v", err)
	}
	if want := entrySize(t, a) + entrySize(t, b); total != want {
		t.Errorf("TotalSize() = %d, want %d", total, want)
	}

	var mu sync.Mutex
	invalidated := false
	stop := store.Watch(a.Key(), func(ev Event) {
		mu.Lock()
		invalidated = ev.Kind == EventInvalidated
		mu.Unlock()
	})
	defer stop()

	if err := store.DeleteAll(); err != nil {
		t.Fatalf("DeleteAll() error = %v", err)
	}

	total, err = store.TotalSize()
	if err != nil || total != 0 {
		t.Errorf("TotalSize() after DeleteAll = %d, %v; want 0", total, err)
	}
	if info, err := os.Stat(store.Dir()); err != nil || !info.IsDir() {
		t.Error("cache directory should be recreated")
	}
	mu.Lock()
	if !invalidated {
		t.Error("watchers should see an invalidated event")
	}
	mu.Unlock()

	a.Refresh()
	if a.CachedBytes() != 0 {
		t.Errorf("CachedBytes() after DeleteAll = %d, want 0", a.CachedBytes())
	}
}

func TestEntries(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	older := seedEntry(t, store, "https://h/older.mp3", 100, now.Add(-2*time.Hour))
	newer := seedEntry(t, store, "https://h/newer.mp3", 50, now.Add(-time.Minute))
	if err := os.WriteFile(filepath.Join(store.Dir(), "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}
	if err := os.Chtimes(filepath.Join(store.Dir(), "notes.txt"), now.Add(-time.Hour), now.Add(-time.Hour)); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	entries, err := store.Entries()
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(Entries()) = %d, want 3", len(entries))
	}

	if entries[0].Key != newer.Key().String() {
		t.Errorf("entries[0].Key = %s, want %s", entries[0].Key, newer.Key())
	}
	if entries[0].Size != entrySize(t, newer) {
		t.Errorf("entries[0].Size = %d, want %d", entries[0].Size, entrySize(t, newer))
	}
	if md := entries[0].Metadata; md == nil || md.CachedRanges.Total() != 50 || md.SourceURL != newer.URL() {
		t.Errorf("entries[0].Metadata = %+v, want 50 bytes for %s", md, newer.URL())
	}

	if entries[1].Key != "notes.txt" || entries[1].Metadata != nil {
		t.Errorf("entries[1] = %+v, want stray notes.txt without metadata", entries[1])
	}
	if entries[2].Key != older.Key().String() {
		t.Errorf("entries[2].Key = %s, want %s", entries[2].Key, older.Key())
	}
}
