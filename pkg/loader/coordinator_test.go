package loader

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Sternrassler/streamcache/internal/testutil"
	"github.com/Sternrassler/streamcache/pkg/cache"
	"github.com/Sternrassler/streamcache/pkg/fetch"
)

const testSize = 1 << 20

type fixture struct {
	origin *testutil.MockOrigin
	store  *cache.Store
	body   []byte
	url    string
}

func newFixture(t *testing.T, res testutil.Resource) *fixture {
	t.Helper()

	store, err := cache.NewStore(cache.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	origin := testutil.NewMockOrigin()
	t.Cleanup(origin.Close)
	if res.Body == nil {
		res.Body = testutil.Pattern(testSize)
	}
	if res.ContentType == "" {
		res.ContentType = "video/mp4"
	}
	origin.SetResource("/clip.mp4", res)

	return &fixture{
		origin: origin,
		store:  store,
		body:   res.Body,
		url:    origin.ResourceURL("/clip.mp4"),
	}
}

func newTestFetcher(t *testing.T) fetch.Fetcher {
	t.Helper()
	f, err := fetch.New(fetch.Config{
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
	return f
}

func (f *fixture) coordinator(t *testing.T) *Coordinator {
	t.Helper()
	c, err := New(f.store, newTestFetcher(t), f.url, DefaultConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func wait(t *testing.T, r *Request) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := r.Wait(ctx)
	if err != nil {
		t.Fatalf("request did not complete: %v", err)
	}
	return res
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestContentInfo_HeadOnceThenCache(t *testing.T) {
	f := newFixture(t, testutil.Resource{})
	c := f.coordinator(t)

	res := wait(t, c.Submit(ContentInfo()))
	if res.Err != nil {
		t.Fatalf("content info error = %v", res.Err)
	}
	if res.FromCache {
		t.Error("first content info should come from the network")
	}
	if res.Info.ContentLength != testSize {
		t.Errorf("ContentLength = %d, want %d", res.Info.ContentLength, testSize)
	}
	if res.Info.ContentType != "video/mp4" {
		t.Errorf("ContentType = %q, want video/mp4", res.Info.ContentType)
	}
	if !res.Info.ByteRangeAccessSupported {
		t.Error("ByteRangeAccessSupported = false, want true")
	}

	r := c.Submit(ContentInfo())
	if _, ok := r.Result(); !ok {
		t.Fatal("cached content info should complete during Submit")
	}
	res = wait(t, r)
	if !res.FromCache || res.Info.ContentLength != testSize {
		t.Errorf("second content info = %+v, want cached length %d", res.Info, testSize)
	}
	if got := f.origin.CountMethod(http.MethodHead); got != 1 {
		t.Errorf("HEAD requests = %d, want 1", got)
	}
}

func TestData_MissFetchesWindowThenHits(t *testing.T) {
	f := newFixture(t, testutil.Resource{})
	c := f.coordinator(t)

	res := wait(t, c.Submit(Data(0, 2)))
	if res.Err != nil {
		t.Fatalf("data error = %v", res.Err)
	}
	if !bytes.Equal(res.Data, f.body[:DefaultReadAhead]) {
		t.Errorf("data length = %d, want window of %d", len(res.Data), DefaultReadAhead)
	}

	reqs := f.origin.Requests()
	if len(reqs) != 1 || reqs[0].Range != "bytes=0-511999" {
		t.Fatalf("origin requests = %+v, want one GET bytes=0-511999", reqs)
	}

	waitFor(t, "persist", func() bool { return c.Manager().CachedBytes() == DefaultReadAhead })

	res = wait(t, c.Submit(Data(1000, 100)))
	if !res.FromCache {
		t.Error("second request should be served from cache")
	}
	if !bytes.Equal(res.Data, f.body[1000:DefaultReadAhead]) {
		t.Errorf("cached data length = %d, want %d", len(res.Data), DefaultReadAhead-1000)
	}
	if got := f.origin.RequestCount(); got != 1 {
		t.Errorf("origin requests = %d, want 1", got)
	}
}

func TestData_WindowClampedToKnownLength(t *testing.T) {
	f := newFixture(t, testutil.Resource{Body: testutil.Pattern(1000)})
	c := f.coordinator(t)

	wait(t, c.Submit(ContentInfo()))
	res := wait(t, c.Submit(Data(200, 10)))
	if res.Err != nil {
		t.Fatalf("data error = %v", res.Err)
	}
	if len(res.Data) != 800 {
		t.Errorf("data length = %d, want 800", len(res.Data))
	}

	reqs := f.origin.Requests()
	if got := reqs[len(reqs)-1].Range; got != "bytes=200-999" {
		t.Errorf("Range = %q, want bytes=200-999", got)
	}

	waitFor(t, "persist", func() bool { return c.Manager().CachedBytes() == 800 })

	past := wait(t, c.Submit(Data(1000, 10)))
	if past.Err != nil || len(past.Data) != 0 || !past.FromCache {
		t.Errorf("request past end = %+v, want empty cached result", past)
	}
}

func TestData_FullyCachedAfterWholeResource(t *testing.T) {
	f := newFixture(t, testutil.Resource{Body: testutil.Pattern(300000)})
	c := f.coordinator(t)

	wait(t, c.Submit(ContentInfo()))
	res := wait(t, c.Submit(Data(0, 300000)))
	if res.Err != nil {
		t.Fatalf("data error = %v", res.Err)
	}

	waitFor(t, "fully cached", c.Manager().IsFullyCached)
}

func TestCancel_DoesNotAffectSiblings(t *testing.T) {
	f := newFixture(t, testutil.Resource{})
	c := f.coordinator(t)
	release := f.origin.Hold("/clip.mp4")

	first := c.Submit(Data(0, 100))
	second := c.Submit(Data(600000, 100))
	waitFor(t, "both fetches", func() bool { return f.origin.RequestCount() == 2 })

	c.Cancel(first)
	release()

	if res := wait(t, first); !errors.Is(res.Err, ErrCancelled) {
		t.Errorf("cancelled request err = %v, want ErrCancelled", res.Err)
	}

	res := wait(t, second)
	if res.Err != nil {
		t.Fatalf("sibling error = %v", res.Err)
	}
	// No length is known yet, so the origin clamps the window.
	if !bytes.Equal(res.Data, f.body[600000:]) {
		t.Errorf("sibling data length = %d, want %d", len(res.Data), testSize-600000)
	}

	// Cancelling twice is a no-op.
	c.Cancel(first)
	if res, _ := first.Result(); !errors.Is(res.Err, ErrCancelled) {
		t.Errorf("result after second cancel = %v, want ErrCancelled", res.Err)
	}
}

func TestExternalWriteRedrivesQueue(t *testing.T) {
	f := newFixture(t, testutil.Resource{})
	c := f.coordinator(t)
	release := f.origin.Hold("/clip.mp4")
	defer release()

	r := c.Submit(Data(0, 100))
	waitFor(t, "fetch started", func() bool { return f.origin.RequestCount() == 1 })

	other, err := f.store.Manager(f.url)
	if err != nil {
		t.Fatalf("Manager() error = %v", err)
	}
	if _, err := other.StoreBytes(f.body[:DefaultReadAhead], 0); err != nil {
		t.Fatalf("StoreBytes() error = %v", err)
	}

	res := wait(t, r)
	if res.Err != nil {
		t.Fatalf("request error = %v", res.Err)
	}
	if !res.FromCache {
		t.Error("request should be served from the externally written bytes")
	}
	if !bytes.Equal(res.Data, f.body[:DefaultReadAhead]) {
		t.Errorf("data length = %d, want %d", len(res.Data), DefaultReadAhead)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
}

func TestData_TransportFailure(t *testing.T) {
	f := newFixture(t, testutil.Resource{})
	c := f.coordinator(t)
	f.origin.FailNext("/clip.mp4", http.StatusNotFound)

	res := wait(t, c.Submit(Data(0, 100)))
	if res.Err == nil {
		t.Fatal("expected error, got nil")
	}
	if got := fetch.ClassOf(res.Err); got != fetch.ErrorClassClient {
		t.Errorf("error class = %q, want %q", got, fetch.ErrorClassClient)
	}
	if c.Manager().CachedBytes() != 0 {
		t.Errorf("CachedBytes() = %d, want 0", c.Manager().CachedBytes())
	}
}

func TestClose_FailsPendingRequests(t *testing.T) {
	f := newFixture(t, testutil.Resource{})
	c, err := New(f.store, newTestFetcher(t), f.url, DefaultConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	release := f.origin.Hold("/clip.mp4")
	defer release()

	r := c.Submit(Data(0, 100))
	waitFor(t, "fetch started", func() bool { return f.origin.RequestCount() == 1 })
	c.Close()

	if res := wait(t, r); !errors.Is(res.Err, ErrClosed) {
		t.Errorf("pending err = %v, want ErrClosed", res.Err)
	}
	if res := wait(t, c.Submit(ContentInfo())); !errors.Is(res.Err, ErrClosed) {
		t.Errorf("submit after close err = %v, want ErrClosed", res.Err)
	}

	// Second close is a no-op.
	c.Close()
}

func TestNew_InvalidURL(t *testing.T) {
	store, err := cache.NewStore(cache.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, err := New(store, newTestFetcher(t), "relative/path.mp4", DefaultConfig()); err == nil {
		t.Error("expected error for relative URL")
	}
}
