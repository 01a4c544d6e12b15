// Package loader coordinates loading requests for one resource: it serves
// them from the disk cache when possible, fetches misses from the origin and
// writes fetched bytes back.
//
// A Coordinator owns one cache.Manager. Requests that miss the cache get one
// network operation each; every committed write for the resource, including
// writes made by other managers such as the preloader, re-evaluates the
// waiting requests against the grown coverage.
package loader

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/streamcache/pkg/cache"
	"github.com/Sternrassler/streamcache/pkg/fetch"
	"github.com/Sternrassler/streamcache/pkg/logging"
	"github.com/Sternrassler/streamcache/pkg/rangeset"
)

// DefaultReadAhead is the data window served or fetched per data request.
const DefaultReadAhead int64 = 500 * 1024

// Config holds coordinator configuration.
type Config struct {
	// ReadAhead is the window size starting at the requested offset.
	ReadAhead int64
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{ReadAhead: DefaultReadAhead}
}

// Coordinator serializes loading requests for one resource.
type Coordinator struct {
	manager *cache.Manager
	fetcher fetch.Fetcher
	cfg     Config
	logger  zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func()
	wg        sync.WaitGroup

	mu     sync.Mutex
	queue  []*Request
	tasks  map[*Request]context.CancelFunc
	closed bool
}

// New creates a coordinator for rawURL.
func New(store *cache.Store, fetcher fetch.Fetcher, rawURL string, cfg Config) (*Coordinator, error) {
	manager, err := store.Manager(rawURL)
	if err != nil {
		return nil, err
	}
	if cfg.ReadAhead <= 0 {
		cfg.ReadAhead = DefaultReadAhead
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		manager: manager,
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logging.ForResource(logging.NewLogger(logging.ComponentLoader), manager.URL()),
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[*Request]context.CancelFunc),
	}
	c.stopWatch = store.Watch(manager.Key(), c.onEvent)
	return c, nil
}

// URL returns the canonical resource URL.
func (c *Coordinator) URL() string {
	return c.manager.URL()
}

// Manager returns the cache handle owned by the coordinator.
func (c *Coordinator) Manager() *cache.Manager {
	return c.manager
}

// Submit queues a loading request and returns its future. Cache hits
// complete before Submit returns.
func (c *Coordinator) Submit(spec Spec) *Request {
	r := newRequest(spec)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.finish(r, Result{Err: ErrClosed})
		return r
	}
	c.queue = append(c.queue, r)
	c.mu.Unlock()

	c.logger.Debug().
		Str("kind", string(spec.Kind)).
		Int64("offset", spec.Offset).
		Int64("length", spec.Length).
		Msg("Request queued")

	c.process()
	return r
}

// Cancel removes r and cancels its network operation. r completes with
// ErrCancelled unless it already completed.
func (c *Coordinator) Cancel(r *Request) {
	c.mu.Lock()
	c.removeLocked(r)
	cancel := c.tasks[r]
	delete(c.tasks, r)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c.finish(r, Result{Err: ErrCancelled}) {
		c.logger.Debug().Str("kind", string(r.spec.Kind)).Int64("offset", r.spec.Offset).Msg("Request cancelled")
	}
}

// Pending returns the number of requests that have not completed.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close cancels every network operation, fails queued requests with
// ErrClosed and waits for background work. Bytes already fetched are still
// persisted unless their write was cancelled.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.queue
	c.queue = nil
	tasks := c.tasks
	c.tasks = make(map[*Request]context.CancelFunc)
	c.mu.Unlock()

	c.stopWatch()
	for _, cancel := range tasks {
		cancel()
	}
	c.cancel()
	for _, r := range pending {
		c.finish(r, Result{Err: ErrClosed})
	}
	c.wg.Wait()
	c.logger.Debug().Int("failed", len(pending)).Msg("Coordinator closed")
}

// onEvent runs on the writer's goroutine, so the re-drive is handed off.
func (c *Coordinator) onEvent(ev cache.Event) {
	c.manager.Refresh()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.queue) == 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.process()
	}()
}

// process serves every queued request the cache can answer and starts a
// network operation for the others. Requests already fetching are served
// from cache too when the coverage grew in the meantime.
func (c *Coordinator) process() {
	var served []completion

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	keep := c.queue[:0]
	for _, r := range c.queue {
		if r.isDone() {
			continue
		}
		if res, ok := c.fromCache(r.spec); ok {
			if cancel := c.tasks[r]; cancel != nil {
				cancel()
				delete(c.tasks, r)
			}
			served = append(served, completion{r: r, res: res})
			continue
		}
		if _, fetching := c.tasks[r]; !fetching {
			c.startFetchLocked(r)
		}
		keep = append(keep, r)
	}
	for i := len(keep); i < len(c.queue); i++ {
		c.queue[i] = nil
	}
	c.queue = keep
	c.mu.Unlock()

	for _, s := range served {
		c.finish(s.r, s.res)
	}
}

type completion struct {
	r   *Request
	res Result
}

// fromCache answers spec from the cache handle.
func (c *Coordinator) fromCache(spec Spec) (Result, bool) {
	md, hasMetadata := c.manager.Metadata()

	switch spec.Kind {
	case KindContentInfo:
		if !hasMetadata {
			return Result{}, false
		}
		return Result{Info: infoOf(md), FromCache: true}, true

	case KindData:
		if hasMetadata && md.HasKnownLength() && spec.Offset >= md.ExpectedContentLength {
			return Result{Data: []byte{}, FromCache: true}, true
		}
		data, ok := c.manager.ReadBytes(rangeset.Range{Offset: spec.Offset, Length: c.cfg.ReadAhead})
		if !ok {
			return Result{}, false
		}
		return Result{Data: data, FromCache: true}, true
	}
	return Result{Err: fmt.Errorf("unknown request kind %q", spec.Kind)}, true
}

func (c *Coordinator) startFetchLocked(r *Request) {
	ctx, cancel := context.WithCancel(c.ctx)
	c.tasks[r] = cancel
	c.wg.Add(1)
	LoaderInflight.Inc()

	go func() {
		defer c.wg.Done()
		defer LoaderInflight.Dec()
		defer cancel()

		switch r.spec.Kind {
		case KindContentInfo:
			c.fetchInfo(ctx, r)
		default:
			c.fetchData(ctx, r)
		}
	}()
}

func (c *Coordinator) fetchInfo(ctx context.Context, r *Request) {
	resp, err := c.fetcher.Head(ctx, c.manager.URL())
	if err != nil {
		c.fail(ctx, r, err)
		return
	}

	if err := c.manager.RecordResponse(resp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to record response metadata")
	}
	c.finish(r, Result{Info: infoOf(cache.MetadataFromHeader(c.manager.URL(), resp.Header))})
}

func (c *Coordinator) fetchData(ctx context.Context, r *Request) {
	start := r.spec.Offset
	end := int64(math.MaxInt64)
	if start <= math.MaxInt64-c.cfg.ReadAhead {
		end = start + c.cfg.ReadAhead - 1
	}
	if md, ok := c.manager.Metadata(); ok && md.HasKnownLength() && end >= md.ExpectedContentLength {
		end = md.ExpectedContentLength - 1
	}

	resp, err := c.fetcher.GetRange(ctx, c.manager.URL(), start, end)
	if err != nil {
		c.fail(ctx, r, err)
		return
	}

	c.finish(r, Result{Data: resp.Body})
	c.persist(resp, start)
}

// persist records the response headers, then writes the fetched bytes
// through the cache handle.
func (c *Coordinator) persist(resp *fetch.Response, offset int64) {
	if err := c.manager.RecordResponse(resp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to record response metadata")
	}
	if len(resp.Body) == 0 {
		return
	}

	total, err := c.manager.StoreBytes(resp.Body, offset)
	if err != nil {
		c.logger.Warn().Err(err).Int64("offset", offset).Msg("Failed to persist fetched bytes")
		return
	}
	c.logger.Debug().
		Int64("offset", offset).
		Int("bytes", len(resp.Body)).
		Int64("total_cached", total).
		Msg("Persisted fetched bytes")
}

// fail completes r with err. A cancelled operation leaves completion to
// whoever cancelled it.
func (c *Coordinator) fail(ctx context.Context, r *Request, err error) {
	if ctx.Err() != nil || r.isDone() {
		return
	}
	c.logger.Error().
		Err(err).
		Str("kind", string(r.spec.Kind)).
		Int64("offset", r.spec.Offset).
		Str("error_class", string(fetch.ClassOf(err))).
		Msg("Loading request failed")
	c.finish(r, Result{Err: err})
}

// finish removes r from the queue and completes it. It reports whether this
// call completed r.
func (c *Coordinator) finish(r *Request, res Result) bool {
	c.mu.Lock()
	c.removeLocked(r)
	delete(c.tasks, r)
	c.mu.Unlock()

	if !r.complete(res) {
		return false
	}
	LoaderRequests.WithLabelValues(string(r.spec.Kind), outcomeOf(res)).Inc()
	return true
}

func (c *Coordinator) removeLocked(r *Request) {
	for i, q := range c.queue {
		if q == r {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

func infoOf(md *cache.Metadata) *Info {
	return &Info{
		ContentType:              md.MIMEType,
		ContentLength:            md.ExpectedContentLength,
		ByteRangeAccessSupported: true,
	}
}
