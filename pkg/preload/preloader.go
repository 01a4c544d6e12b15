// Package preload fetches the leading bytes of resources ahead of playback.
//
// A preload stores at most Budget bytes from offset 0 with one ranged GET.
// Each resource has at most one active task; a newer Preload call cancels
// the previous one and waits for it to exit before touching the network.
package preload

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/Sternrassler/streamcache/pkg/cache"
	"github.com/Sternrassler/streamcache/pkg/fetch"
	"github.com/Sternrassler/streamcache/pkg/logging"
)

// DefaultBudget is the default number of leading bytes to preload.
const DefaultBudget int64 = 5 * 1024 * 1024

// ErrClosed fails preloads requested after Close.
var ErrClosed = errors.New("preloader closed")

// Config holds preloader configuration.
type Config struct {
	// Budget is the number of leading bytes to preload per resource.
	Budget int64

	// MaxConcurrency bounds concurrent preload fetches across resources.
	MaxConcurrency int

	// Lease, when set, deduplicates preloads across processes.
	Lease Lease

	// LeaseTTL bounds how long a crashed holder blocks other processes.
	LeaseTTL time.Duration
}

// DefaultConfig returns the default preloader configuration.
func DefaultConfig() Config {
	return Config{
		Budget:         DefaultBudget,
		MaxConcurrency: 4,
		LeaseTTL:       30 * time.Second,
	}
}

// Preloader schedules preload tasks.
type Preloader struct {
	store   *cache.Store
	fetcher fetch.Fetcher
	cfg     Config
	sem     *semaphore.Weighted
	logger  zerolog.Logger
	wg      sync.WaitGroup

	mu    sync.Mutex
	tasks map[cache.Key]*Task

	// draining holds cancelled tasks that have not exited yet, so a new
	// task for the same key waits for them.
	draining map[cache.Key]*Task
	closed   bool
}

// New creates a preloader.
func New(store *cache.Store, fetcher fetch.Fetcher, cfg Config) (*Preloader, error) {
	if cfg.Budget <= 0 {
		return nil, fmt.Errorf("budget must be > 0 (got %d)", cfg.Budget)
	}
	if cfg.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("max_concurrency must be > 0 (got %d)", cfg.MaxConcurrency)
	}
	if cfg.Lease != nil && cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultConfig().LeaseTTL
	}

	return &Preloader{
		store:    store,
		fetcher:  fetcher,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		logger:   logging.NewLogger(logging.ComponentPreload),
		tasks:    make(map[cache.Key]*Task),
		draining: make(map[cache.Key]*Task),
	}, nil
}

// Preload starts preloading rawURL, superseding any active task for it.
// The returned task ends as skipped when enough of the resource is cached.
func (p *Preloader) Preload(rawURL string) *Task {
	manager, err := p.store.Manager(rawURL)
	if err != nil {
		return finishedTask(rawURL, StateFailed, "", err)
	}
	key := manager.Key()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return finishedTask(manager.URL(), StateFailed, "", ErrClosed)
	}

	prev := p.tasks[key]
	if prev != nil {
		p.drainLocked(key, prev)
	} else {
		prev = p.draining[key]
	}

	if reason, skip := p.skipReason(manager); skip {
		p.logger.Debug().Str("url", manager.URL()).Str("reason", reason).Msg("Preload skipped")
		return finishedTask(manager.URL(), StateSkipped, reason, nil)
	}

	t := newTask(manager.URL())
	p.tasks[key] = t
	p.wg.Add(1)
	go p.run(t, prev, manager)
	return t
}

// PreloadAll starts independent preloads for urls.
func (p *Preloader) PreloadAll(urls []string) []*Task {
	tasks := make([]*Task, 0, len(urls))
	for _, u := range urls {
		tasks = append(tasks, p.Preload(u))
	}
	return tasks
}

// CancelPreload cancels the active task for rawURL. Stored bytes are kept.
func (p *Preloader) CancelPreload(rawURL string) {
	key, err := cache.KeyFor(rawURL)
	if err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if t := p.tasks[key]; t != nil {
		p.drainLocked(key, t)
	}
}

// drainLocked cancels the active task of key and keeps it reachable until it
// exits. A task only starts after its predecessor exited, so the newest
// draining task is the one to wait for.
func (p *Preloader) drainLocked(key cache.Key, t *Task) {
	t.cancel()
	delete(p.tasks, key)
	p.draining[key] = t
}

// Active returns the number of running tasks.
func (p *Preloader) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Close cancels every task and waits for them to exit.
func (p *Preloader) Close() {
	p.mu.Lock()
	p.closed = true
	for key, t := range p.tasks {
		p.drainLocked(key, t)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// budgetFor clamps the budget to a known resource length.
func (p *Preloader) budgetFor(md *cache.Metadata, ok bool) int64 {
	budget := p.cfg.Budget
	if ok && md.HasKnownLength() && md.ExpectedContentLength < budget {
		budget = md.ExpectedContentLength
	}
	return budget
}

func (p *Preloader) skipReason(manager *cache.Manager) (string, bool) {
	if manager.IsFullyCached() {
		return "fully cached", true
	}
	md, ok := manager.Metadata()
	if manager.PrefixLength() >= p.budgetFor(md, ok) {
		return "budget cached", true
	}
	return "", false
}

func (p *Preloader) run(t *Task, prev *Task, manager *cache.Manager) {
	defer p.wg.Done()
	defer p.forget(manager.Key(), t)

	// The predecessor may still be tearing down its request even when this
	// task is cancelled too; a successor waits on this task in turn.
	if prev != nil {
		<-prev.Done()
	}

	state, reason, n, err := p.execute(t, manager)
	t.finish(state, reason, n, err)
}

// execute runs one preload. Semaphore and lease are released before it
// returns, so they are free by the time the task reports done.
func (p *Preloader) execute(t *Task, manager *cache.Manager) (State, string, int64, error) {
	logger := logging.ForResource(p.logger, manager.URL())

	if t.ctx.Err() != nil {
		return StateCancelled, "", 0, nil
	}

	if err := p.sem.Acquire(t.ctx, 1); err != nil {
		return StateCancelled, "", 0, nil
	}
	defer p.sem.Release(1)

	if p.cfg.Lease != nil {
		release, ok, err := p.cfg.Lease.Acquire(t.ctx, manager.Key().String(), p.cfg.LeaseTTL)
		switch {
		case err != nil:
			PreloadLeaseErrors.Inc()
			logger.Warn().Err(err).Msg("Preload lease unavailable, continuing without it")
		case !ok:
			return StateSkipped, "lease held elsewhere", 0, nil
		default:
			defer release()
		}
	}

	// Another writer may have grown the prefix while this task waited.
	manager.Refresh()
	if reason, skip := p.skipReason(manager); skip {
		return StateSkipped, reason, 0, nil
	}

	md, ok := manager.Metadata()
	start := manager.PrefixLength()
	end := p.budgetFor(md, ok) - 1

	resp, err := p.fetcher.GetRange(t.ctx, manager.URL(), start, end)
	if err != nil {
		if t.ctx.Err() != nil {
			return StateCancelled, "", 0, nil
		}
		logger.Error().Err(err).Str("error_class", string(fetch.ClassOf(err))).Msg("Preload failed")
		return StateFailed, "", 0, err
	}
	if t.ctx.Err() != nil {
		return StateCancelled, "", 0, nil
	}

	if err := manager.RecordResponse(resp.Header); err != nil {
		logger.Warn().Err(err).Msg("Failed to record response metadata")
	}
	total, err := manager.StoreBytes(resp.Body, start)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to store preloaded bytes")
		return StateFailed, "", 0, err
	}

	logger.Info().
		Int64("offset", start).
		Int("bytes", len(resp.Body)).
		Int64("total_cached", total).
		Msg("Preload completed")
	return StateCompleted, "", int64(len(resp.Body)), nil
}

func (p *Preloader) forget(key cache.Key, t *Task) {
	p.mu.Lock()
	if p.tasks[key] == t {
		delete(p.tasks, key)
	}
	if p.draining[key] == t {
		delete(p.draining, key)
	}
	p.mu.Unlock()
}
