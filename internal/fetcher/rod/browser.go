// Package rodfetcher is a crawler.Browser backed by go-rod.
package rodfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
	"go.uber.org/zap"

	"github.com/mostlyserious/csp-crawler/internal/crawler"
)

const anchorsScript = `() => Array.from(document.querySelectorAll('a[href]'), a => a.href)`

// Config controls the browser launch.
type Config struct {
	Headless  bool
	UserAgent string
	// Bin overrides the browser binary; empty lets the launcher find or
	// download one.
	Bin string
}

// Browser owns one launched Chrome process.
type Browser struct {
	cfg      Config
	logger   *zap.Logger
	launcher *launcher.Launcher
	browser  *rod.Browser
	closed   atomic.Bool
}

// New launches Chrome and connects to it.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := launcher.New().
		Headless(cfg.Headless).
		Set("disable-gpu").
		Set("disable-dev-shm-usage")
	if cfg.Bin != "" {
		l = l.Bin(cfg.Bin)
	}
	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	return &Browser{cfg: cfg, logger: logger, launcher: l, browser: browser}, nil
}

// NewPage opens a blank tab, enables the events the callbacks need, and
// installs the request router when an interceptor is set.
func (b *Browser) NewPage(ctx context.Context, opts crawler.PageOptions) (crawler.Page, error) {
	if b.closed.Load() {
		return nil, crawler.ErrBrowserClosed
	}
	rp, err := b.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}
	// Detach from the caller's context; the page lives until Close.
	rp = rp.Context(context.Background())
	pageCtx, cancel := context.WithCancel(context.Background())
	p := &page{
		page:   rp,
		cancel: cancel,
		opts:   opts,
		logger: b.logger,
		nav:    &navRecorder{mainFrame: rp.FrameID},
	}
	if err := p.setup(pageCtx, b.cfg.UserAgent); err != nil {
		cancel()
		_ = rp.Close()
		return nil, err
	}
	return p, nil
}

// Close shuts the browser down and kills the process.
func (b *Browser) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := b.browser.Close()
	b.launcher.Kill()
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

type page struct {
	page   *rod.Page
	router *rod.HijackRouter
	cancel context.CancelFunc
	opts   crawler.PageOptions
	logger *zap.Logger
	nav    *navRecorder

	mu  sync.RWMutex
	url string
}

func (p *page) setup(ctx context.Context, userAgent string) error {
	if err := (proto.NetworkEnable{}).Call(p.page); err != nil {
		return fmt.Errorf("enable network: %w", err)
	}
	if userAgent != "" {
		if err := p.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent}); err != nil {
			return fmt.Errorf("set user agent: %w", err)
		}
	}
	if p.opts.OnConsole != nil {
		if err := (proto.RuntimeEnable{}).Call(p.page); err != nil {
			return fmt.Errorf("enable runtime: %w", err)
		}
	}
	go p.page.Context(ctx).EachEvent(
		func(e *proto.NetworkRequestWillBeSent) { p.nav.onRequest(e) },
		func(e *proto.NetworkResponseReceived) { p.nav.onResponse(e) },
		func(e *proto.RuntimeConsoleAPICalled) {
			if p.opts.OnConsole != nil {
				p.opts.OnConsole(consoleMessage(e))
			}
		},
	)()

	if p.opts.OnRequest != nil {
		p.router = p.page.HijackRequests()
		if err := p.router.Add("*", "", p.hijack); err != nil {
			return fmt.Errorf("install request router: %w", err)
		}
		go p.router.Run()
	}
	return nil
}

// hijack runs on the router goroutine; the disposition must be chosen
// before it returns.
func (p *page) hijack(h *rod.Hijack) {
	req := newRequest(h.Request.Event(), p.nav.isMainFrame)
	req.cont = func() { h.ContinueRequest(&proto.FetchContinueRequest{}) }
	req.abort = func() { h.Response.Fail(proto.NetworkErrorReasonBlockedByClient) }
	p.opts.OnRequest(req)
	if !req.Disposed() {
		_ = req.Continue()
	}
}

func (p *page) Navigate(ctx context.Context, rawURL string) (*crawler.Response, error) {
	p.nav.reset()
	rp := p.page.Context(ctx)
	if err := rp.Navigate(rawURL); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	if err := rp.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load %s: %w", rawURL, err)
	}
	final := rawURL
	if info, err := rp.Info(); err == nil && info.URL != "" {
		final = info.URL
	}
	p.mu.Lock()
	p.url = final
	p.mu.Unlock()
	return p.nav.response(rawURL, final), nil
}

func (p *page) Anchors(ctx context.Context) ([]string, error) {
	res, err := p.page.Context(ctx).Eval(anchorsScript)
	if err != nil {
		return nil, fmt.Errorf("collect anchors: %w", err)
	}
	return jsonStrings(res.Value), nil
}

func (p *page) Content(ctx context.Context) (string, error) {
	html, err := p.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return html, nil
}

func (p *page) URL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url
}

func (p *page) Close() error {
	p.cancel()
	if p.router != nil {
		_ = p.router.Stop()
	}
	if err := p.page.Close(); err != nil {
		return fmt.Errorf("close tab: %w", err)
	}
	return nil
}

// request adapts a paused fetch. Only a document loading into the tab's
// main frame counts as navigation; iframe documents stay sub-resources.
type request struct {
	url        string
	method     string
	kind       crawler.ResourceType
	navigation bool
	cont       func()
	abort      func()
	disposed   atomic.Bool
}

func newRequest(e *proto.FetchRequestPaused, isMainFrame func(proto.PageFrameID) bool) *request {
	r := &request{kind: crawler.ParseResourceType(string(e.ResourceType))}
	if e.Request != nil {
		r.url = e.Request.URL
		r.method = e.Request.Method
	}
	r.navigation = r.kind == crawler.ResourceDocument && isMainFrame(e.FrameID)
	return r
}

func (r *request) URL() string                        { return r.url }
func (r *request) Method() string                     { return r.method }
func (r *request) ResourceType() crawler.ResourceType { return r.kind }
func (r *request) IsNavigation() bool                 { return r.navigation }
func (r *request) Disposed() bool                     { return r.disposed.Load() }

func (r *request) Continue() error {
	if r.disposed.Swap(true) {
		return errAlreadyDisposed
	}
	if r.cont != nil {
		r.cont()
	}
	return nil
}

func (r *request) Abort() error {
	if r.disposed.Swap(true) {
		return errAlreadyDisposed
	}
	if r.abort != nil {
		r.abort()
	}
	return nil
}

var errAlreadyDisposed = errors.New("request already disposed")

// navRecorder follows the main-frame document request through redirects.
type navRecorder struct {
	mu        sync.Mutex
	mainFrame proto.PageFrameID
	requestID proto.NetworkRequestID
	chain     []string
	status    int
	headers   http.Header
}

// isMainFrame reports whether frame is the tab's top-level frame. An
// unknown main frame treats every frame as main.
func (n *navRecorder) isMainFrame(frame proto.PageFrameID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mainFrame == "" || frame == n.mainFrame
}

func (n *navRecorder) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requestID = ""
	n.chain = nil
	n.status = 0
	n.headers = nil
}

func (n *navRecorder) onRequest(e *proto.NetworkRequestWillBeSent) {
	if e.Type != proto.NetworkResourceTypeDocument || e.Request == nil {
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

func (n *navRecorder) onResponse(e *proto.NetworkResponseReceived) {
	if e.Type != proto.NetworkResourceTypeDocument || e.Response == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.mainFrame != "" && e.FrameID != n.mainFrame {
		return
	}
	n.status = e.Response.Status
	n.headers = convertHeaders(e.Response.Headers)
}

func (n *navRecorder) response(requestURL, finalURL string) *crawler.Response {
	n.mu.Lock()
	defer n.mu.Unlock()
	resp := &crawler.Response{
		URL:        finalURL,
		StatusCode: n.status,
		Headers:    n.headers,
		Chain:      append([]string(nil), n.chain...),
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	if len(resp.Chain) == 0 {
		resp.Chain = []string{requestURL}
		if finalURL != requestURL {
			resp.Chain = append(resp.Chain, finalURL)
		}
	}
	return resp
}

// convertHeaders splits newline-joined values the way the protocol
// reports repeated headers.
func convertHeaders(src proto.NetworkHeaders) http.Header {
	out := make(http.Header, len(src))
	for key, value := range src {
		for _, v := range strings.Split(value.Str(), "\n") {
			out.Add(key, v)
		}
	}
	return out
}

func consoleMessage(e *proto.RuntimeConsoleAPICalled) crawler.ConsoleMessage {
	parts := make([]string, 0, len(e.Args))
	for _, arg := range e.Args {
		if arg == nil {
			continue
		}
		text := arg.Description
		if !arg.Value.Nil() {
			if s := arg.Value.Str(); s != "" {
				text = s
			}
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	return crawler.ConsoleMessage{
		Level:  string(e.Type),
		Source: "console-api",
		Text:   strings.Join(parts, " "),
	}
}

func jsonStrings(v gson.JSON) []string {
	arr := v.Arr()
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s := item.Str(); s != "" {
			out = append(out, s)
		}
	}
	return out
}
