package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

// fakeSite describes what each URL does when navigated.
type fakeSite map[string]*fakeDoc

type fakeDoc struct {
	status   int
	final    string
	chain    []string
	anchors  []string
	headers  http.Header
	requests []*fakeRequest
	console  []ConsoleMessage
	// failures is how many navigations fail before one succeeds; -1 always fails.
	failures int
	// onNavigate runs inside Navigate before the response is returned.
	onNavigate func()
}

type fakeBrowser struct {
	site fakeSite

	mu       sync.Mutex
	visits   map[string]int
	pages    int
	closed   atomic.Bool
	pageErr  error
	attempts map[string]int
}

func newFakeBrowser(site fakeSite) *fakeBrowser {
	return &fakeBrowser{site: site, visits: make(map[string]int), attempts: make(map[string]int)}
}

func (b *fakeBrowser) NewPage(_ context.Context, opts PageOptions) (Page, error) {
	if b.closed.Load() {
		return nil, ErrBrowserClosed
	}
	if b.pageErr != nil {
		return nil, b.pageErr
	}
	b.mu.Lock()
	b.pages++
	b.mu.Unlock()
	return &fakePage{browser: b, opts: opts}, nil
}

func (b *fakeBrowser) Close() error {
	b.closed.Store(true)
	return nil
}

func (b *fakeBrowser) navigations(url string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts[url]
}

func (b *fakeBrowser) maxVisits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	highest := 0
	for _, n := range b.visits {
		highest = max(highest, n)
	}
	return highest
}

type fakePage struct {
	browser *fakeBrowser
	opts    PageOptions
	doc     *fakeDoc
	url     string
	closed  bool
}

func (p *fakePage) Navigate(ctx context.Context, rawURL string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := p.browser
	b.mu.Lock()
	b.attempts[rawURL]++
	doc, ok := b.site[rawURL]
	failing := ok && doc.failures != 0
	if failing && doc.failures > 0 {
		doc.failures--
	}
	if ok && !failing {
		b.visits[rawURL]++
	}
	b.mu.Unlock()

	if p.opts.OnRequest != nil {
		p.opts.OnRequest(&fakeRequest{url: rawURL, kind: ResourceDocument, navigation: true})
	}
	if !ok {
		return nil, fmt.Errorf("net::ERR_NAME_NOT_RESOLVED %s", rawURL)
	}
	if failing {
		return nil, errors.New("net::ERR_CONNECTION_RESET")
	}
	if p.opts.OnRequest != nil {
		for _, r := range doc.requests {
			p.opts.OnRequest(r)
		}
	}
	p.doc = doc
	p.url = rawURL
	if doc.final != "" {
		p.url = doc.final
	}
	if p.opts.OnConsole != nil {
		for _, msg := range doc.console {
			p.opts.OnConsole(msg)
		}
	}
	if doc.onNavigate != nil {
		doc.onNavigate()
	}
	status := doc.status
	if status == 0 {
		status = http.StatusOK
	}
	return &Response{URL: p.url, StatusCode: status, Headers: doc.headers, Chain: doc.chain}, nil
}

func (p *fakePage) Anchors(context.Context) ([]string, error) {
	if p.doc == nil {
		return nil, nil
	}
	return append([]string(nil), p.doc.anchors...), nil
}

func (p *fakePage) Content(context.Context) (string, error) { return "<html></html>", nil }
func (p *fakePage) URL() string                             { return p.url }

func (p *fakePage) Close() error {
	p.closed = true
	return nil
}

type fakeRequest struct {
	url        string
	kind       ResourceType
	navigation bool

	mu       sync.Mutex
	outcome  string
	disposed int
}

func (r *fakeRequest) URL() string                { return r.url }
func (r *fakeRequest) Method() string             { return http.MethodGet }
func (r *fakeRequest) ResourceType() ResourceType { return r.kind }
func (r *fakeRequest) IsNavigation() bool         { return r.navigation }

func (r *fakeRequest) Disposed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disposed > 0
}

func (r *fakeRequest) Continue() error { return r.set("continued") }
func (r *fakeRequest) Abort() error    { return r.set("aborted") }

func (r *fakeRequest) set(outcome string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposed++
	if r.disposed > 1 {
		return errors.New("already disposed")
	}
	r.outcome = outcome
	return nil
}

func (r *fakeRequest) result() (string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome, r.disposed
}

// recordingHooks remembers every callback it sees.
type recordingHooks struct {
	NopHooks

	mu       sync.Mutex
	visited  []string
	depths   map[string]int
	console  map[string][]string
	visitErr error
	// intercept, when set, decides before the default disposition.
	intercept func(Request) Decision
}

func newRecordingHooks() *recordingHooks {
	return &recordingHooks{depths: make(map[string]int), console: make(map[string][]string)}
}

func (h *recordingHooks) OnPageVisit(_ context.Context, _ Page, rawURL string, depth int, _ *Response) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.visited = append(h.visited, rawURL)
	h.depths[rawURL] = depth
	return h.visitErr
}

func (h *recordingHooks) OnRequestIntercept(req Request) Decision {
	if h.intercept != nil {
		return h.intercept(req)
	}
	return PassThrough
}

func (h *recordingHooks) OnConsoleMessage(msg ConsoleMessage, pageURL string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.console[pageURL] = append(h.console[pageURL], msg.Text)
}

func (h *recordingHooks) visitedSorted() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := append([]string(nil), h.visited...)
	sort.Strings(out)
	return out
}

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

type staticConfirmer struct {
	ok   bool
	err  error
	seen atomic.Pointer[Plan]
}

func (c *staticConfirmer) Confirm(_ context.Context, plan Plan) (bool, error) {
	c.seen.Store(&plan)
	return c.ok, c.err
}
