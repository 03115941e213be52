package crawler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mostlyserious/csp-crawler/internal/progress"
)

// Engine coordinates a single crawl: it seeds the frontier, runs one worker
// per page against the shared browser, and assembles the Result. An Engine
// owns the Browser it is given and closes it when Run returns.
type Engine struct {
	cfg     Config
	browser Browser
	hooks   Hooks
	logger  *zap.Logger
	robots  RobotsPolicy
	limiter RateLimiter
	retry   RetryPolicy
	emitter progress.Emitter
	confirm Confirmer
	clock   Clock
	ids     IDGenerator
	exclude *pathBlocklist

	started atomic.Bool
	mu      sync.RWMutex
	current *run
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRobots enforces a robots.txt policy on discovered links.
func WithRobots(policy RobotsPolicy) Option {
	return func(e *Engine) {
		if policy != nil {
			e.robots = policy
		}
	}
}

// WithRateLimiter caps the global navigation rate.
func WithRateLimiter(limiter RateLimiter) Option {
	return func(e *Engine) { e.limiter = limiter }
}

// WithRetryPolicy sets the wait applied before a failed entry is retried.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(e *Engine) {
		if policy != nil {
			e.retry = policy
		}
	}
}

// WithEmitter forwards progress events.
func WithEmitter(emitter progress.Emitter) Option {
	return func(e *Engine) {
		if emitter != nil {
			e.emitter = emitter
		}
	}
}

// WithConfirmer asks for confirmation before the crawl starts unless
// SkipConfirmation is set.
func WithConfirmer(c Confirmer) Option {
	return func(e *Engine) { e.confirm = c }
}

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithIDGenerator overrides how run IDs are minted.
func WithIDGenerator(ids IDGenerator) Option {
	return func(e *Engine) {
		if ids != nil {
			e.ids = ids
		}
	}
}

// NewEngine validates cfg and returns an engine ready to Run.
func NewEngine(cfg Config, browser Browser, hooks Hooks, opts ...Option) (*Engine, error) {
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = DefaultIdlePoll
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if browser == nil {
		return nil, errors.New("browser is required")
	}
	if hooks == nil {
		hooks = NopHooks{}
	}
	e := &Engine{
		cfg:     cfg,
		browser: browser,
		hooks:   hooks,
		logger:  zap.NewNop(),
		robots:  allowAllPolicy{},
		retry:   NoBackoff{},
		emitter: progress.Discard{},
		clock:   systemClock{},
		ids:     uuidGenerator{},
		exclude: newPathBlocklist(cfg.ExcludePaths),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// run is the state of one execution.
type run struct {
	id       string
	origin   string
	seed     string
	frontier *Frontier
	tally    *tally
	running  atomic.Bool
}

// Run crawls until the frontier drains, the page budget is spent, or ctx is
// canceled. Cancellation is cooperative: workers finish their in-flight
// navigation, later claims are refused, and the Result comes back with
// Partial set and a nil error.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if !e.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRun
	}
	browserClosed := false
	defer func() {
		if !browserClosed {
			e.closeBrowser()
		}
	}()

	base, err := ParseBaseURL(e.cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	runID, err := e.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	r := &run{
		id:       runID,
		origin:   originOf(base),
		seed:     NormalizeURL(base.String()),
		frontier: NewFrontier(e.cfg.MaxDepth, e.cfg.MaxPages, e.logger),
		tally:    newTally(),
	}

	if !e.cfg.SkipConfirmation && e.confirm != nil {
		ok, err := e.confirm.Confirm(ctx, e.plan(r))
		if err != nil {
			return nil, fmt.Errorf("confirm crawl: %w", err)
		}
		if !ok {
			return nil, ErrDeclined
		}
	}

	r.frontier.Enqueue(r.seed, 0, 0)
	r.running.Store(true)
	e.mu.Lock()
	e.current = r
	e.mu.Unlock()

	started := e.clock.Now()
	logger := e.logger.With(zap.String("run_id", r.id))
	logger.Info("crawl started",
		zap.String("seed", r.seed),
		zap.Int("max_pages", e.cfg.MaxPages),
		zap.Int("max_depth", e.cfg.MaxDepth),
		zap.Int("concurrency", e.cfg.Concurrency))
	e.emit(r, progress.Event{Stage: progress.StageRunStart, URL: r.seed})

	workers, err := e.openWorkers(ctx, r, logger)
	if err != nil {
		r.running.Store(false)
		return nil, err
	}

	stopWatch := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-ctx.Done():
			logger.Warn("interrupt received; finishing in-flight pages")
			r.frontier.Shutdown()
		case <-stopWatch:
		}
	}()

	// A worker that saw the frontier drain or the budget spent proves the
	// crawl completed, however late a cancel arrives.
	var completed atomic.Bool
	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			switch w.loop(ctx) {
			case Exhausted, BudgetReached:
				completed.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()
	close(stopWatch)
	<-watchDone
	r.frontier.Shutdown()

	for _, w := range workers {
		if err := w.page.Close(); err != nil {
			logger.Debug("page close failed", zap.Int("worker", w.id), zap.Error(err))
		}
	}
	browserClosed = true
	e.closeBrowser()
	r.running.Store(false)

	finished := e.clock.Now()
	result := e.assemble(r, started, finished, !completed.Load())
	logger.Info("crawl finished",
		zap.Bool("partial", result.Partial),
		zap.Int("visited", len(result.Visited)),
		zap.Int("failed", len(result.Failed)),
		zap.Int("abandoned", len(result.Abandoned)),
		zap.Duration("duration", result.Duration))
	e.emit(r, progress.Event{
		Stage:   progress.StageRunDone,
		URL:     r.seed,
		Dur:     result.Duration,
		Partial: result.Partial,
	})
	return result, nil
}

func (e *Engine) openWorkers(ctx context.Context, r *run, logger *zap.Logger) ([]*worker, error) {
	workers := make([]*worker, 0, e.cfg.Concurrency)
	var errs []error
	for i := 0; i < e.cfg.Concurrency; i++ {
		w := &worker{
			id:     i,
			engine: e,
			run:    r,
			logger: logger.Named("worker").With(zap.Int("index", i)),
		}
		page, err := e.browser.NewPage(ctx, PageOptions{
			OnRequest: w.intercept,
			OnConsole: w.console,
		})
		if err != nil {
			logger.Warn("open page failed", zap.Int("worker", i), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		w.page = page
		workers = append(workers, w)
	}
	if len(workers) == 0 {
		return nil, fmt.Errorf("open pages: %w", errors.Join(errs...))
	}
	return workers, nil
}

func (e *Engine) closeBrowser() {
	if err := e.browser.Close(); err != nil {
		e.logger.Warn("browser close failed", zap.Error(err))
	}
}

func (e *Engine) plan(r *run) Plan {
	return Plan{
		RunID:       r.id,
		BaseURL:     r.seed,
		Origin:      r.origin,
		MaxPages:    e.cfg.MaxPages,
		MaxDepth:    e.cfg.MaxDepth,
		Concurrency: e.cfg.Concurrency,
		MaxRetries:  e.cfg.MaxRetries,
		Delay:       e.cfg.Delay,
	}
}

func (e *Engine) assemble(r *run, started, finished time.Time, partial bool) *Result {
	st := r.frontier.State()
	stats, redirects := r.tally.snapshot()
	stats.DepthDiscarded = st.Discarded
	return &Result{
		RunID:     r.id,
		Timestamp: finished.UTC(),
		Duration:  finished.Sub(started),
		Partial:   partial,
		Origin:    r.origin,
		Visited:   st.Visited,
		Failed:    st.Failed,
		Abandoned: st.Abandoned,
		Redirects: redirects,
		Stats:     stats,
		Config:    e.cfg,
	}
}

func (e *Engine) emit(r *run, evt progress.Event) {
	evt.RunID = r.id
	evt.TS = e.clock.Now().UTC()
	e.emitter.Emit(evt)
}

// Snapshot reports the live state of the current run.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	r := e.current
	e.mu.RUnlock()
	if r == nil {
		return Snapshot{BaseURL: e.cfg.BaseURL, Stats: Stats{Errors: []ErrorRecord{}}}
	}
	queued, inFlight, visited, failed := r.frontier.Counts()
	stats, _ := r.tally.snapshot()
	return Snapshot{
		RunID:    r.id,
		BaseURL:  r.seed,
		Running:  r.running.Load(),
		Queued:   queued,
		InFlight: inFlight,
		Visited:  visited,
		Failed:   failed,
		Stats:    stats,
	}
}

// tally holds the run-wide counters shared by all workers.
type tally struct {
	mu        sync.Mutex
	stats     Stats
	redirects map[string]RedirectRecord
}

func newTally() *tally {
	return &tally{
		stats:     Stats{Errors: []ErrorRecord{}},
		redirects: make(map[string]RedirectRecord),
	}
}

func (t *tally) update(fn func(*Stats)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.stats)
}

// addRedirect records rec once per source URL.
func (t *tally) addRedirect(rec RedirectRecord) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.redirects[rec.From]; ok {
		return false
	}
	t.redirects[rec.From] = rec
	t.stats.RedirectsExternal++
	return true
}

func (t *tally) snapshot() (Stats, []RedirectRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.stats
	stats.Errors = append([]ErrorRecord{}, t.stats.Errors...)
	sort.Slice(stats.Errors, func(i, j int) bool { return stats.Errors[i].URL < stats.Errors[j].URL })
	redirects := make([]RedirectRecord, 0, len(t.redirects))
	for _, rec := range t.redirects {
		redirects = append(redirects, rec)
	}
	sort.Slice(redirects, func(i, j int) bool { return redirects[i].From < redirects[j].From })
	return stats, redirects
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type uuidGenerator struct{}

func (uuidGenerator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("uuid v7: %w", err)
	}
	return id.String(), nil
}
