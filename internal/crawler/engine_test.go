package crawler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mostlyserious/csp-crawler/internal/progress"
)

const seed = "https://site.test/"

func testConfig() Config {
	cfg := DefaultConfig(seed)
	cfg.Delay = 0
	cfg.IdlePoll = time.Millisecond
	cfg.NavigationTimeout = 5 * time.Second
	cfg.SkipConfirmation = true
	return cfg
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) stages() []progress.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]progress.Stage, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Stage)
	}
	return out
}

func runEngine(t *testing.T, cfg Config, site fakeSite, hooks Hooks, opts ...Option) (*Result, *fakeBrowser) {
	t.Helper()
	browser := newFakeBrowser(site)
	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithIDGenerator(fixedIDs{id: "run-1"})}, opts...)
	engine, err := NewEngine(cfg, browser, hooks, opts...)
	require.NoError(t, err)
	res, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.True(t, browser.closed.Load(), "engine must close the browser")
	return res, browser
}

func TestEngineBasicCrawl(t *testing.T) {
	t.Parallel()

	site := fakeSite{
		seed: {anchors: []string{
			"https://site.test/a",
			"https://site.test/b",
			"https://elsewhere.test/x",
			"mailto:hi@site.test",
		}},
		"https://site.test/a": {anchors: []string{"https://site.test/c", "https://site.test/"}},
		"https://site.test/b": {},
		"https://site.test/c": {},
	}
	hooks := newRecordingHooks()
	emitter := &captureEmitter{}
	res, browser := runEngine(t, testConfig(), site, hooks, WithEmitter(emitter))

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, "https://site.test", res.Origin)
	assert.False(t, res.Partial)
	assert.Equal(t, []string{
		"https://site.test/",
		"https://site.test/a",
		"https://site.test/b",
		"https://site.test/c",
	}, res.Visited)
	assert.Empty(t, res.Failed)
	assert.Empty(t, res.Abandoned)
	assert.Equal(t, res.Visited, hooks.visitedSorted())
	assert.Equal(t, 0, hooks.depths[seed])
	assert.Equal(t, 2, hooks.depths["https://site.test/c"])

	assert.Equal(t, 4, res.Stats.PagesScanned)
	assert.Equal(t, 4, res.Stats.LinksFound)
	assert.Equal(t, 3, res.Stats.NewLinksFound)
	assert.Empty(t, res.Stats.Errors)
	assert.Equal(t, 1, browser.maxVisits())

	stages := emitter.stages()
	require.NotEmpty(t, stages)
	assert.Equal(t, progress.StageRunStart, stages[0])
	assert.Equal(t, progress.StageRunDone, stages[len(stages)-1])
	assert.Contains(t, stages, progress.StagePageVisited)
}

func TestEngineDeduplicatesEquivalentLinks(t *testing.T) {
	t.Parallel()

	site := fakeSite{
		seed: {anchors: []string{
			"https://site.test/a#frag",
			"https://site.test/a/",
			"https://SITE.test/a?utm_source=mail",
			"https://site.test:443/a",
		}},
		"https://site.test/a": {anchors: []string{"https://site.test/a#again"}},
	}
	res, browser := runEngine(t, testConfig(), site, nil)

	assert.Equal(t, []string{"https://site.test/", "https://site.test/a"}, res.Visited)
	assert.Equal(t, 1, browser.navigations("https://site.test/a"))
	assert.Equal(t, 1, res.Stats.NewLinksFound)
}

func TestEngineRecordsExternalRedirects(t *testing.T) {
	t.Parallel()

	site := fakeSite{
		seed: {anchors: []string{"https://site.test/go"}},
		"https://site.test/go": {
			final:   "https://elsewhere.test/landing",
			chain:   []string{"https://site.test/go", "https://elsewhere.test/landing"},
			anchors: []string{"https://site.test/never"},
		},
		"https://site.test/never": {},
	}
	hooks := newRecordingHooks()
	res, _ := runEngine(t, testConfig(), site, hooks)

	require.Len(t, res.Redirects, 1)
	rec := res.Redirects[0]
	assert.Equal(t, "https://site.test/go", rec.From)
	assert.Equal(t, "https://elsewhere.test/landing", rec.To)
	assert.Equal(t, []string{"https://site.test/go", "https://elsewhere.test/landing"}, rec.Chain)
	assert.Contains(t, rec.Reason, "https://elsewhere.test")
	assert.Equal(t, 1, res.Stats.RedirectsExternal)

	assert.Contains(t, res.Visited, "https://site.test/go")
	assert.NotContains(t, res.Visited, "https://site.test/never")
	assert.NotContains(t, hooks.visitedSorted(), "https://site.test/go")
	assert.Equal(t, 1, res.Stats.PagesScanned)
}

func TestEngineRetriesThenFails(t *testing.T) {
	t.Parallel()

	site := fakeSite{
		seed: {anchors: []string{"https://site.test/flaky", "https://site.test/broken"}},
		"https://site.test/flaky":  {failures: 2},
		"https://site.test/broken": {failures: -1},
	}
	cfg := testConfig()
	cfg.MaxRetries = 2
	res, browser := runEngine(t, cfg, site, nil)

	assert.Contains(t, res.Visited, "https://site.test/flaky")
	assert.Equal(t, []string{"https://site.test/broken"}, res.Failed)
	assert.Equal(t, 3, browser.navigations("https://site.test/flaky"))
	assert.Equal(t, 3, browser.navigations("https://site.test/broken"))
	assert.Equal(t, 4, res.Stats.Retries)

	require.Len(t, res.Stats.Errors, 1)
	assert.Equal(t, "https://site.test/broken", res.Stats.Errors[0].URL)
	assert.Equal(t, 3, res.Stats.Errors[0].Attempts)
	assert.Contains(t, res.Stats.Errors[0].Message, "ERR_CONNECTION_RESET")
}

func TestEngineZeroRetries(t *testing.T) {
	t.Parallel()

	site := fakeSite{seed: {failures: -1}}
	cfg := testConfig()
	cfg.MaxRetries = 0
	res, browser := runEngine(t, cfg, site, nil)

	assert.Equal(t, []string{seed}, res.Failed)
	assert.Empty(t, res.Visited)
	assert.Equal(t, 1, browser.navigations(seed))
	assert.Zero(t, res.Stats.Retries)
}

// cancelOnClose cancels the run context as the engine releases the browser,
// after every worker has returned.
type cancelOnClose struct {
	*fakeBrowser
	cancel context.CancelFunc
}

func (b cancelOnClose) Close() error {
	b.cancel()
	return b.fakeBrowser.Close()
}

func TestEngineLateCancelKeepsCompleteResult(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	site := fakeSite{
		seed:                  {anchors: []string{"https://site.test/a"}},
		"https://site.test/a": {},
	}
	browser := cancelOnClose{fakeBrowser: newFakeBrowser(site), cancel: cancel}
	engine, err := NewEngine(testConfig(), browser, nil, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	res, err := engine.Run(ctx)
	require.NoError(t, err)
	require.Error(t, ctx.Err())
	assert.False(t, res.Partial, "the frontier drained before the cancel")
	assert.Equal(t, []string{seed, "https://site.test/a"}, res.Visited)
	assert.Empty(t, res.Abandoned)
}

func TestEngineCancellationYieldsPartialResult(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	site := fakeSite{
		seed: {
			anchors:    []string{"https://site.test/a", "https://site.test/b", "https://site.test/c"},
			onNavigate: cancel,
		},
		"https://site.test/a": {},
		"https://site.test/b": {},
		"https://site.test/c": {},
	}
	cfg := testConfig()
	cfg.Concurrency = 1
	browser := newFakeBrowser(site)
	engine, err := NewEngine(cfg, browser, nil, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	res, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, []string{seed}, res.Visited, "in-flight page completes after the interrupt")
	assert.Equal(t, []string{
		"https://site.test/a",
		"https://site.test/b",
		"https://site.test/c",
	}, res.Abandoned)
	assert.True(t, browser.closed.Load())
}

func TestEngineHonorsPageBudget(t *testing.T) {
	t.Parallel()

	site := fakeSite{seed: {anchors: []string{
		"https://site.test/1", "https://site.test/2", "https://site.test/3", "https://site.test/4",
	}}}
	for _, u := range site[seed].anchors {
		site[u] = &fakeDoc{}
	}
	cfg := testConfig()
	cfg.MaxPages = 3
	cfg.Concurrency = 2
	res, _ := runEngine(t, cfg, site, nil)

	assert.Len(t, res.Visited, 3)
	assert.Len(t, res.Abandoned, 2)
	assert.Equal(t, 3, res.Stats.PagesScanned)
}

func TestEngineHonorsDepthLimit(t *testing.T) {
	t.Parallel()

	site := fakeSite{
		seed:                  {anchors: []string{"https://site.test/a"}},
		"https://site.test/a": {anchors: []string{"https://site.test/b"}},
		"https://site.test/b": {},
	}
	cfg := testConfig()
	cfg.MaxDepth = 1
	res, browser := runEngine(t, cfg, site, nil)

	assert.Equal(t, []string{"https://site.test/", "https://site.test/a"}, res.Visited)
	assert.Zero(t, browser.navigations("https://site.test/b"))
	assert.Equal(t, 1, res.Stats.DepthDiscarded)
}

func TestEngineTruncatesLinksAndAppliesExclusions(t *testing.T) {
	t.Parallel()

	site := fakeSite{
		seed: {anchors: []string{
			"https://site.test/private/x",
			"https://site.test/a",
			"https://site.test/b",
			"https://site.test/c",
		}},
		"https://site.test/a": {},
		"https://site.test/b": {},
	}
	cfg := testConfig()
	cfg.MaxLinksPerPage = 3
	cfg.ExcludePaths = []string{"/private/*"}
	res, browser := runEngine(t, cfg, site, nil)

	assert.Equal(t, []string{"https://site.test/", "https://site.test/a", "https://site.test/b"}, res.Visited)
	assert.Zero(t, browser.navigations("https://site.test/private/x"))
	assert.Equal(t, 1, res.Stats.LinksTruncated)
	assert.Equal(t, 1, res.Stats.LinksDisallowed)
	assert.Equal(t, 2, res.Stats.NewLinksFound)
}

func TestEngineDefaultRequestDisposition(t *testing.T) {
	t.Parallel()

	thirdParty := &fakeRequest{url: "https://cdn.other.test/app.js", kind: ResourceScript}
	firstParty := &fakeRequest{url: "https://site.test/style.css", kind: ResourceStylesheet}
	inline := &fakeRequest{url: "data:image/png;base64,AAAA", kind: ResourceImage}
	frame := &fakeRequest{url: "https://video.other.test/embed", kind: ResourceDocument}
	site := fakeSite{seed: {requests: []*fakeRequest{thirdParty, firstParty, inline, frame}}}

	emitter := &captureEmitter{}
	res, _ := runEngine(t, testConfig(), site, nil, WithEmitter(emitter))

	outcome, n := thirdParty.result()
	assert.Equal(t, "aborted", outcome)
	assert.Equal(t, 1, n)
	for _, r := range []*fakeRequest{firstParty, inline, frame} {
		outcome, n := r.result()
		assert.Equal(t, "continued", outcome, r.url)
		assert.Equal(t, 1, n, r.url)
	}
	assert.Equal(t, 1, res.Stats.RequestsBlocked)
	assert.Contains(t, emitter.stages(), progress.StageRequestBlocked)
}

func TestEngineHookHandlesRequests(t *testing.T) {
	t.Parallel()

	tracker := &fakeRequest{url: "https://site.test/tracker.js", kind: ResourceScript}
	lazy := &fakeRequest{url: "https://site.test/lazy.js", kind: ResourceScript}
	site := fakeSite{seed: {requests: []*fakeRequest{tracker, lazy}}}

	hooks := newRecordingHooks()
	hooks.intercept = func(r Request) Decision {
		switch r.URL() {
		case tracker.url:
			_ = r.Abort()
			return Handled
		case lazy.url:
			// Claims the request but never disposes it.
			return Handled
		}
		return PassThrough
	}
	res, _ := runEngine(t, testConfig(), site, hooks)

	outcome, n := tracker.result()
	assert.Equal(t, "aborted", outcome)
	assert.Equal(t, 1, n)
	outcome, n = lazy.result()
	assert.Equal(t, "continued", outcome)
	assert.Equal(t, 1, n)
	assert.Zero(t, res.Stats.RequestsBlocked)
}

func TestEngineForwardsConsoleMessages(t *testing.T) {
	t.Parallel()

	site := fakeSite{seed: {console: []ConsoleMessage{{Level: "error", Text: "Refused to load the script"}}}}
	hooks := newRecordingHooks()
	runEngine(t, testConfig(), site, hooks)

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	assert.Equal(t, []string{"Refused to load the script"}, hooks.console[seed])
}

func TestEngineVisitHookErrorsDoNotFailPages(t *testing.T) {
	t.Parallel()

	site := fakeSite{
		seed:                  {anchors: []string{"https://site.test/a"}},
		"https://site.test/a": {},
	}
	hooks := newRecordingHooks()
	hooks.visitErr = errors.New("analyzer exploded")
	res, _ := runEngine(t, testConfig(), site, hooks)

	assert.Len(t, res.Visited, 2)
	assert.Empty(t, res.Failed)
}

func TestEngineConfirmation(t *testing.T) {
	t.Parallel()

	t.Run("declined", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.SkipConfirmation = false
		confirmer := &staticConfirmer{ok: false}
		browser := newFakeBrowser(fakeSite{seed: {}})
		engine, err := NewEngine(cfg, browser, nil, WithConfirmer(confirmer))
		require.NoError(t, err)

		_, err = engine.Run(context.Background())
		require.ErrorIs(t, err, ErrDeclined)
		require.NotNil(t, confirmer.seen.Load())
		assert.Equal(t, "https://site.test", confirmer.seen.Load().Origin)
		assert.Zero(t, browser.navigations(seed))
		assert.True(t, browser.closed.Load())
	})

	t.Run("confirmer error", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.SkipConfirmation = false
		confirmer := &staticConfirmer{err: errors.New("stdin closed")}
		engine, err := NewEngine(cfg, newFakeBrowser(fakeSite{}), nil, WithConfirmer(confirmer))
		require.NoError(t, err)
		_, err = engine.Run(context.Background())
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrDeclined)
	})

	t.Run("skipped", func(t *testing.T) {
		t.Parallel()
		confirmer := &staticConfirmer{ok: false}
		res, _ := runEngine(t, testConfig(), fakeSite{seed: {}}, nil, WithConfirmer(confirmer))
		assert.Nil(t, confirmer.seen.Load())
		assert.Equal(t, []string{seed}, res.Visited)
	})
}

func TestEngineRunsOnce(t *testing.T) {
	t.Parallel()

	engine, err := NewEngine(testConfig(), newFakeBrowser(fakeSite{seed: {}}), nil)
	require.NoError(t, err)
	_, err = engine.Run(context.Background())
	require.NoError(t, err)
	_, err = engine.Run(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRun)
}

func TestEngineFailsWhenNoPageOpens(t *testing.T) {
	t.Parallel()

	browser := newFakeBrowser(fakeSite{})
	browser.pageErr = errors.New("target crashed")
	engine, err := NewEngine(testConfig(), browser, nil)
	require.NoError(t, err)
	_, err = engine.Run(context.Background())
	require.ErrorContains(t, err, "target crashed")
	assert.True(t, browser.closed.Load())
}

func TestNewEngineValidatesConfig(t *testing.T) {
	t.Parallel()

	cases := map[string]func(*Config){
		"bad scheme":        func(c *Config) { c.BaseURL = "ftp://site.test/" },
		"zero pages":        func(c *Config) { c.MaxPages = 0 },
		"negative depth":    func(c *Config) { c.MaxDepth = -1 },
		"zero concurrency":  func(c *Config) { c.Concurrency = 0 },
		"negative retries":  func(c *Config) { c.MaxRetries = -1 },
		"relative excludes": func(c *Config) { c.ExcludePaths = []string{"admin"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			mutate(&cfg)
			_, err := NewEngine(cfg, newFakeBrowser(nil), nil)
			require.Error(t, err)
		})
	}

	_, err := NewEngine(testConfig(), nil, nil)
	require.Error(t, err)
}

func TestEngineSnapshot(t *testing.T) {
	t.Parallel()

	engine, err := NewEngine(testConfig(), newFakeBrowser(fakeSite{seed: {}}), nil, WithIDGenerator(fixedIDs{id: "snap"}))
	require.NoError(t, err)
	before := engine.Snapshot()
	assert.Equal(t, seed, before.BaseURL)
	assert.False(t, before.Running)
	assert.Empty(t, before.RunID)

	_, err = engine.Run(context.Background())
	require.NoError(t, err)
	after := engine.Snapshot()
	assert.Equal(t, "snap", after.RunID)
	assert.False(t, after.Running)
	assert.Equal(t, 1, after.Visited)
	assert.Equal(t, 1, after.Stats.PagesScanned)
}
