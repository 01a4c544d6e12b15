package preload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/streamcache/internal/testutil"
	"github.com/Sternrassler/streamcache/pkg/cache"
	"github.com/Sternrassler/streamcache/pkg/fetch"
	"github.com/Sternrassler/streamcache/pkg/rangeset"
)

type fixture struct {
	origin *testutil.MockOrigin
	store  *cache.Store
	body   []byte
	url    string
}

func newFixture(t *testing.T, size int) *fixture {
	t.Helper()

	store, err := cache.NewStore(cache.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	origin := testutil.NewMockOrigin()
	t.Cleanup(origin.Close)

	body := testutil.Pattern(size)
	origin.SetResource("/ep1.mp3", testutil.Resource{Body: body, ContentType: "audio/mpeg"})

	return &fixture{origin: origin, store: store, body: body, url: origin.ResourceURL("/ep1.mp3")}
}

func (f *fixture) preloader(t *testing.T, cfg Config) *Preloader {
	t.Helper()
	fetcher, err := fetch.New(fetch.Config{
		UserAgent: "streamcache-test/1.0",
		Timeout:   5 * time.Second,
		Retry: fetch.FixedRetryPolicy(fetch.RetryConfig{
			MaxAttempts:       1,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        time.Millisecond,
			BackoffMultiplier: 1,
		}),
	})
	if err != nil {
		t.Fatalf("fetch.New() error = %v", err)
	}
	p, err := New(f.store, fetcher, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func (f *fixture) manager(t *testing.T) *cache.Manager {
	t.Helper()
	m, err := f.store.Manager(f.url)
	if err != nil {
		t.Fatalf("Manager() error = %v", err)
	}
	return m
}

func waitTask(t *testing.T, task *Task) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-task.Done():
	case <-ctx.Done():
		t.Fatalf("task for %s did not finish", task.URL())
	}
}

func smallConfig(budget int64) Config {
	cfg := DefaultConfig()
	cfg.Budget = budget
	return cfg
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
	}{
		{"default config", DefaultConfig(), false},
		{"zero budget", Config{MaxConcurrency: 1}, true},
		{"zero concurrency", Config{Budget: 10}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(nil, nil, tt.config)
			if (err != nil) != tt.expectError {
				t.Errorf("New() error = %v, expectError %v", err, tt.expectError)
			}
		})
	}
}

func TestPreload_StoresBudgetPrefix(t *testing.T) {
	f := newFixture(t, 10000)
	p := f.preloader(t, smallConfig(4000))

	task := p.Preload(f.url)
	waitTask(t, task)

	if task.State() != StateCompleted {
		t.Fatalf("State() = %s, want completed (err %v)", task.State(), task.Err())
	}
	if task.Bytes() != 4000 {
		t.Errorf("Bytes() = %d, want 4000", task.Bytes())
	}

	reqs := f.origin.Requests()
	if len(reqs) != 1 || reqs[0].Range != "bytes=0-3999" {
		t.Fatalf("origin requests = %+v, want one GET bytes=0-3999", reqs)
	}

	m := f.manager(t)
	if m.PrefixLength() != 4000 {
		t.Errorf("PrefixLength() = %d, want 4000", m.PrefixLength())
	}
	md, ok := m.Metadata()
	if !ok || md.ExpectedContentLength != 10000 {
		t.Errorf("metadata = %+v, want expected length 10000", md)
	}
	data, ok := m.ReadBytes(rangeset.Range{Offset: 0, Length: 4000})
	if !ok || !bytes.Equal(data, f.body[:4000]) {
		t.Error("preloaded bytes do not match the origin")
	}
}

func TestPreload_ResumesFromPrefix(t *testing.T) {
	f := newFixture(t, 10000)
	m := f.manager(t)
	if _, err := m.StoreBytes(f.body[:1500], 0); err != nil {
		t.Fatalf("StoreBytes() error = %v", err)
	}

	p := f.preloader(t, smallConfig(4000))
	task := p.Preload(f.url)
	waitTask(t, task)

	if task.State() != StateCompleted {
		t.Fatalf("State() = %s, want completed (err %v)", task.State(), task.Err())
	}
	if got := f.origin.Requests()[0].Range; got != "bytes=1500-3999" {
		t.Errorf("Range = %q, want bytes=1500-3999", got)
	}
	m.Refresh()
	if m.PrefixLength() != 4000 {
		t.Errorf("PrefixLength() = %d, want 4000", m.PrefixLength())
	}
}

func TestPreload_SkipsFullyCached(t *testing.T) {
	f := newFixture(t, 3000)
	m := f.manager(t)
	header := http.Header{}
	header.Set("Content-Length", "3000")
	if err := m.RecordResponse(header); err != nil {
		t.Fatalf("RecordResponse() error = %v", err)
	}
	if _, err := m.StoreBytes(f.body, 0); err != nil {
		t.Fatalf("StoreBytes() error = %v", err)
	}

	p := f.preloader(t, smallConfig(DefaultBudget))
	task := p.Preload(f.url)

	select {
	case <-task.Done():
	default:
		t.Fatal("skipped task should be finished on return")
	}
	if task.State() != StateSkipped || task.Reason() != "fully cached" {
		t.Errorf("State() = %s (%s), want skipped (fully cached)", task.State(), task.Reason())
	}
	if got := f.origin.RequestCount(); got != 0 {
		t.Errorf("origin requests = %d, want 0", got)
	}
}

func TestPreload_SkipsWhenBudgetCached(t *testing.T) {
	f := newFixture(t, 10000)
	m := f.manager(t)
	if _, err := m.StoreBytes(f.body[:5000], 0); err != nil {
		t.Fatalf("StoreBytes() error = %v", err)
	}

	p := f.preloader(t, smallConfig(4000))
	task := p.Preload(f.url)
	waitTask(t, task)

	if task.State() != StateSkipped || task.Reason() != "budget cached" {
		t.Errorf("State() = %s (%s), want skipped (budget cached)", task.State(), task.Reason())
	}
	if got := f.origin.RequestCount(); got != 0 {
		t.Errorf("origin requests = %d, want 0", got)
	}
}

func TestPreload_SupersedesPreviousTask(t *testing.T) {
	f := newFixture(t, 10000)
	p := f.preloader(t, smallConfig(4000))
	release := f.origin.Hold("/ep1.mp3")

	first := p.Preload(f.url)
	deadline := time.Now().Add(5 * time.Second)
	for f.origin.RequestCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first preload never reached the origin")
		}
		time.Sleep(5 * time.Millisecond)
	}

	second := p.Preload(f.url)
	waitTask(t, first)
	if first.State() != StateCancelled {
		t.Errorf("first State() = %s, want cancelled", first.State())
	}

	release()
	waitTask(t, second)
	if second.State() != StateCompleted {
		t.Errorf("second State() = %s, want completed (err %v)", second.State(), second.Err())
	}
	p.Close()
	if p.Active() != 0 {
		t.Errorf("Active() = %d, want 0", p.Active())
	}
}

func TestCancelPreload_KeepsStoredBytes(t *testing.T) {
	f := newFixture(t, 10000)
	m := f.manager(t)
	if _, err := m.StoreBytes(f.body[:100], 0); err != nil {
		t.Fatalf("StoreBytes() error = %v", err)
	}

	p := f.preloader(t, smallConfig(4000))
	release := f.origin.Hold("/ep1.mp3")
	defer release()

	task := p.Preload(f.url)
	p.CancelPreload(f.url)
	waitTask(t, task)

	if task.State() != StateCancelled {
		t.Errorf("State() = %s, want cancelled", task.State())
	}
	m.Refresh()
	if m.PrefixLength() != 100 {
		t.Errorf("PrefixLength() = %d, want 100", m.PrefixLength())
	}
}

func TestPreload_Failure(t *testing.T) {
	f := newFixture(t, 10000)
	f.origin.FailNext("/ep1.mp3", http.StatusForbidden)
	p := f.preloader(t, smallConfig(4000))

	task := p.Preload(f.url)
	waitTask(t, task)

	if task.State() != StateFailed {
		t.Fatalf("State() = %s, want failed", task.State())
	}
	if got := fetch.ClassOf(task.Err()); got != fetch.ErrorClassClient {
		t.Errorf("error class = %q, want client", got)
	}
}

func TestPreload_InvalidURLAndClosed(t *testing.T) {
	f := newFixture(t, 10)
	p := f.preloader(t, smallConfig(10))

	if task := p.Preload("not/absolute"); task.State() != StateFailed || task.Err() == nil {
		t.Errorf("relative URL task = %s (%v), want failed", task.State(), task.Err())
	}

	p.Close()
	if task := p.Preload(f.url); !errors.Is(task.Err(), ErrClosed) {
		t.Errorf("task after Close err = %v, want ErrClosed", task.Err())
	}
}

func TestPreloadAll(t *testing.T) {
	f := newFixture(t, 2000)
	f.origin.SetResource("/ep2.mp3", testutil.Resource{Body: testutil.Pattern(3000)})
	p := f.preloader(t, smallConfig(1000))

	tasks := p.PreloadAll([]string{f.url, f.origin.ResourceURL("/ep2.mp3")})
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks))
	}
	for _, task := range tasks {
		waitTask(t, task)
		if task.State() != StateCompleted || task.Bytes() != 1000 {
			t.Errorf("%s: State() = %s Bytes() = %d, want completed 1000", task.URL(), task.State(), task.Bytes())
		}
	}
}

// memoryLease is an in-process Lease for tests.
type memoryLease struct {
	mu   sync.Mutex
	held map[string]bool
	err  error
}

func (l *memoryLease) Acquire(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, true, nil
}

func TestPreload_Lease(t *testing.T) {
	tests := []struct {
		name      string
		heldByAny bool
		leaseErr  error
		wantState State
	}{
		{"free lease", false, nil, StateCompleted},
		{"held elsewhere", true, nil, StateSkipped},
		{"backend error proceeds", false, errors.New("connection refused"), StateCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 5000)
			key, err := cache.KeyFor(f.url)
			if err != nil {
				t.Fatalf("KeyFor() error = %v", err)
			}
			lease := &memoryLease{held: map[string]bool{}, err: tt.leaseErr}
			if tt.heldByAny {
				lease.held[key.String()] = true
			}

			cfg := smallConfig(1000)
			cfg.Lease = lease
			p := f.preloader(t, cfg)

			task := p.Preload(f.url)
			waitTask(t, task)
			if task.State() != tt.wantState {
				t.Errorf("State() = %s, want %s", task.State(), tt.wantState)
			}

			// Close waits for the task goroutine, which returns the lease.
			p.Close()
			lease.mu.Lock()
			stillHeld := lease.held[key.String()]
			lease.mu.Unlock()
			if stillHeld != tt.heldByAny {
				t.Errorf("lease held after task = %v, want %v", stillHeld, tt.heldByAny)
			}
		})
	}
}

// slowCancelFetcher blocks its first GetRange until cancelled and then takes
// a while to return, like a request still tearing down its connection.
type slowCancelFetcher struct {
	body    []byte
	linger  time.Duration
	started chan struct{}

	mu        sync.Mutex
	calls     int
	active    int
	maxActive int
}

func (f *slowCancelFetcher) Head(context.Context, string) (*fetch.Response, error) {
	return nil, errors.New("unexpected HEAD")
}

func (f *slowCancelFetcher) GetRange(ctx context.Context, _ string, start, end int64) (*fetch.Response, error) {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if first {
		close(f.started)
		<-ctx.Done()
		time.Sleep(f.linger)
		return nil, ctx.Err()
	}

	header := http.Header{}
	header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(f.body)))
	return &fetch.Response{
		StatusCode: http.StatusPartialContent,
		Header:     header,
		Body:       f.body[start : end+1],
	}, nil
}

func TestPreload_WaitsForCancelledRequest(t *testing.T) {
	tests := []struct {
		name   string
		cancel bool
	}{
		{"cancel then preload", true},
		{"preload supersedes", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := cache.NewStore(cache.Config{Dir: t.TempDir()})
			if err != nil {
				t.Fatalf("NewStore() error = %v", err)
			}
			fetcher := &slowCancelFetcher{
				body:    testutil.Pattern(1000),
				linger:  100 * time.Millisecond,
				started: make(chan struct{}),
			}
			p, err := New(store, fetcher, smallConfig(1000))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer p.Close()

			const url = "http://media.test/ep.mp3"
			first := p.Preload(url)
			select {
			case <-fetcher.started:
			case <-time.After(5 * time.Second):
				t.Fatal("first preload never fetched")
			}

			if tt.cancel {
				p.CancelPreload(url)
			}
			second := p.Preload(url)
			waitTask(t, first)
			waitTask(t, second)

			if first.State() != StateCancelled {
				t.Errorf("first State() = %s, want cancelled", first.State())
			}
			if second.State() != StateCompleted {
				t.Errorf("second State() = %s, want completed (err %v)", second.State(), second.Err())
			}
			fetcher.mu.Lock()
			maxActive := fetcher.maxActive
			fetcher.mu.Unlock()
			if maxActive != 1 {
				t.Errorf("max concurrent GetRange = %d, want 1", maxActive)
			}
		})
	}
}
