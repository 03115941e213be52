// Package headless drives Chrome through chromedp: one shared browser
// process, one tab per crawl worker, with request interception and console
// capture wired into crawler.PageOptions.
package headless

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/mostlyserious/csp-crawler/internal/crawler"
)

// anchorsScript collects the resolved href of every anchor in the document.
const anchorsScript = `Array.from(document.querySelectorAll('a[href]'), a => a.href)`

// Config controls the browser launch.
type Config struct {
	Headless  bool
	UserAgent string
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string
}

// Browser is a crawler.Browser backed by a single Chrome process.
type Browser struct {
	cfg           Config
	logger        *zap.Logger
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	closed        atomic.Bool
}

// NewChromedp launches Chrome and waits until the browser target is ready.
func NewChromedp(cfg Config, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	return &Browser{
		cfg:           cfg,
		logger:        logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// NewPage opens a tab and enables the domains the callbacks need.
func (b *Browser) NewPage(_ context.Context, opts crawler.PageOptions) (crawler.Page, error) {
	if b.closed.Load() {
		return nil, crawler.ErrBrowserClosed
	}
	tabCtx, cancel := chromedp.NewContext(b.browserCtx)
	p := &page{
		tabCtx: tabCtx,
		cancel: cancel,
		opts:   opts,
		logger: b.logger,
		nav:    newNavRecorder(),
	}
	chromedp.ListenTarget(tabCtx, p.onEvent)
	// The first Run on the tab context creates the target; it must not be
	// a derived context or cancelling it would close the tab.
	if err := chromedp.Run(tabCtx, p.setup(b.cfg.UserAgent)); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	target := chromedp.FromContext(tabCtx).Target
	p.execCtx = cdp.WithExecutor(tabCtx, target)
	p.nav.setMainFrame(cdp.FrameID(target.TargetID))
	return p, nil
}

// Close shuts the browser down. It is safe to call more than once.
func (b *Browser) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := chromedp.Cancel(b.browserCtx)
	b.browserCancel()
	b.allocCancel()
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

type page struct {
	tabCtx  context.Context
	execCtx context.Context
	cancel  context.CancelFunc
	opts    crawler.PageOptions
	logger  *zap.Logger
	nav     *navRecorder

	mu  sync.RWMutex
	url string
}

func (p *page) setup(userAgent string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if p.opts.OnRequest != nil {
			if err := fetch.Enable().Do(ctx); err != nil {
				return fmt.Errorf("enable fetch domain: %w", err)
			}
		}
		if p.opts.OnConsole != nil {
			if err := runtime.Enable().Do(ctx); err != nil {
				return fmt.Errorf("enable runtime domain: %w", err)
			}
			if err := cdplog.Enable().Do(ctx); err != nil {
				return fmt.Errorf("enable log domain: %w", err)
			}
		}
		return nil
	})
}

// onEvent runs on the chromedp event loop and must not block.
func (p *page) onEvent(ev any) {
	switch e := ev.(type) {
	case *fetch.EventRequestPaused:
		go p.handlePaused(e)
	case *network.EventRequestWillBeSent:
		p.nav.onRequest(e)
	case *network.EventResponseReceived:
		p.nav.onResponse(e)
	case *runtime.EventConsoleAPICalled:
		if p.opts.OnConsole != nil {
			p.opts.OnConsole(consoleMessage(e))
		}
	case *cdplog.EventEntryAdded:
		if p.opts.OnConsole != nil && e.Entry != nil {
			p.opts.OnConsole(crawler.ConsoleMessage{
				Level:  string(e.Entry.Level),
				Source: string(e.Entry.Source),
				Text:   e.Entry.Text,
				URL:    e.Entry.URL,
			})
		}
	}
}

func (p *page) handlePaused(e *fetch.EventRequestPaused) {
	if e.Request == nil {
		return
	}
	kind := crawler.ParseResourceType(string(e.ResourceType))
	req := &request{
		execCtx:    p.execCtx,
		id:         e.RequestID,
		url:        e.Request.URL,
		method:     e.Request.Method,
		kind:       kind,
		navigation: kind == crawler.ResourceDocument && p.nav.isMainFrame(e.FrameID),
	}
	if p.opts.OnRequest != nil {
		p.opts.OnRequest(req)
	}
	if !req.Disposed() {
		if err := req.Continue(); err != nil {
			p.logger.Debug("continue request failed", zap.String("request", req.url), zap.Error(err))
		}
	}
}

// Navigate loads rawURL and waits for the load event.
func (p *page) Navigate(ctx context.Context, rawURL string) (*crawler.Response, error) {
	runCtx, cancel := context.WithCancel(p.tabCtx)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	p.nav.reset()
	var finalURL string
	if err := chromedp.Run(runCtx, chromedp.Navigate(rawURL), chromedp.Location(&finalURL)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("navigate %s: %w", rawURL, ctxErr)
		}
		return nil, fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	p.mu.Lock()
	p.url = finalURL
	p.mu.Unlock()
	return p.nav.response(rawURL, finalURL), nil
}

// Anchors implements crawler.Page.
func (p *page) Anchors(ctx context.Context) ([]string, error) {
	runCtx, cancel := context.WithCancel(p.tabCtx)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	var hrefs []string
	if err := chromedp.Run(runCtx, chromedp.Evaluate(anchorsScript, &hrefs)); err != nil {
		return nil, fmt.Errorf("collect anchors: %w", err)
	}
	return hrefs, nil
}

// Content implements crawler.Page.
func (p *page) Content(ctx context.Context) (string, error) {
	runCtx, cancel := context.WithCancel(p.tabCtx)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return html, nil
}

// URL implements crawler.Page.
func (p *page) URL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url
}

// Close closes the tab.
func (p *page) Close() error {
	p.cancel()
	return nil
}

// forwardCancel calls cancel when ctx is done. The returned func detaches it.
func forwardCancel(ctx context.Context, cancel context.CancelFunc) func() {
	if ctx == nil {
		return func() {}
	}
	stop := context.AfterFunc(ctx, cancel)
	return func() { stop() }
}

type request struct {
	execCtx    context.Context
	id         fetch.RequestID
	url        string
	method     string
	kind       crawler.ResourceType
	navigation bool
	disposed   atomic.Bool
}

func (r *request) URL() string                        { return r.url }
func (r *request) Method() string                     { return r.method }
func (r *request) ResourceType() crawler.ResourceType { return r.kind }
func (r *request) IsNavigation() bool                 { return r.navigation }
func (r *request) Disposed() bool                     { return r.disposed.Load() }

func (r *request) Continue() error {
	if !r.disposed.CompareAndSwap(false, true) {
		return nil
	}
	if err := fetch.ContinueRequest(r.id).Do(r.execCtx); err != nil {
		return fmt.Errorf("continue request: %w", err)
	}
	return nil
}

func (r *request) Abort() error {
	if !r.disposed.CompareAndSwap(false, true) {
		return nil
	}
	if err := fetch.FailRequest(r.id, network.ErrorReasonBlockedByClient).Do(r.execCtx); err != nil {
		return fmt.Errorf("fail request: %w", err)
	}
	return nil
}

// navRecorder follows the main-frame document request through redirects.
type navRecorder struct {
	mu        sync.Mutex
	mainFrame cdp.FrameID
	requestID network.RequestID
	chain     []string
	status    int
	headers   http.Header
	respURL   string
}

func newNavRecorder() *navRecorder {
	return &navRecorder{}
}

func (n *navRecorder) setMainFrame(id cdp.FrameID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mainFrame = id
}

// isMainFrame reports whether id is the tab's top-level frame. An unknown
// main frame matches everything.
func (n *navRecorder) isMainFrame(id cdp.FrameID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mainFrame == "" || id == n.mainFrame
}

func (n *navRecorder) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requestID = ""
	n.chain = nil
	n.status = 0
	n.headers = nil
	n.respURL = ""
}

func (n *navRecorder) onRequest(e *network.EventRequestWillBeSent) {
	if e.Type != network.ResourceTypeDocument || e.Request == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.mainFrame != "" && e.FrameID != n.mainFrame {
		return
	}
	if e.RedirectResponse == nil {
		n.requestID = e.RequestID
		n.chain = []string{e.Request.URL}
		return
	}
	if e.RequestID == n.requestID {
		n.chain = append(n.chain, e.Request.URL)
	}
}

func (n *navRecorder) onResponse(e *network.EventResponseReceived) {
	if e.Type != network.ResourceTypeDocument || e.Response == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.mainFrame != "" && e.FrameID != n.mainFrame {
		return
	}
	n.status = int(e.Response.Status)
	n.headers = convertHeaders(e.Response.Headers)
	n.respURL = e.Response.URL
}

// response assembles the navigation outcome, falling back to the requested
// and final URLs when no document events were seen.
func (n *navRecorder) response(requestURL, finalURL string) *crawler.Response {
	n.mu.Lock()
	defer n.mu.Unlock()
	resp := &crawler.Response{
		URL:        finalURL,
		StatusCode: n.status,
		Headers:    cloneHeader(n.headers),
		Chain:      append([]string(nil), n.chain...),
	}
	if resp.URL == "" {
		resp.URL = n.respURL
	}
	if resp.URL == "" {
		resp.URL = requestURL
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	if len(resp.Chain) == 0 {
		resp.Chain = []string{requestURL}
		if resp.URL != requestURL {
			resp.Chain = append(resp.Chain, resp.URL)
		}
	}
	return resp
}

func consoleMessage(e *runtime.EventConsoleAPICalled) crawler.ConsoleMessage {
	parts := make([]string, 0, len(e.Args))
	for _, arg := range e.Args {
		if text := remoteObjectText(arg); text != "" {
			parts = append(parts, text)
		}
	}
	return crawler.ConsoleMessage{
		Level:  string(e.Type),
		Source: "console-api",
		Text:   strings.Join(parts, " "),
	}
}

func remoteObjectText(arg *runtime.RemoteObject) string {
	if arg == nil {
		return ""
	}
	if len(arg.Value) > 0 {
		var s string
		if err := json.Unmarshal([]byte(arg.Value), &s); err == nil {
			return s
		}
		return string(arg.Value)
	}
	if arg.UnserializableValue != "" {
		return string(arg.UnserializableValue)
	}
	return arg.Description
}

func convertHeaders(src network.Headers) http.Header {
	headers := http.Header{}
	for key, value := range src {
		switch v := value.(type) {
		case string:
			// Chrome folds repeated headers into one newline-separated value.
			for _, line := range strings.Split(v, "\n") {
				headers.Add(key, line)
			}
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	return headers
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	return src.Clone()
}

var _ crawler.Browser = (*Browser)(nil)
