// Package collyfetcher implements a static crawler.Browser on top of gocolly.
// Pages are fetched over plain HTTP without executing scripts, so only the
// document request is ever offered to the interceptor.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/mostlyserious/csp-crawler/internal/crawler"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxRedirects = 10
)

// errAborted is returned by Navigate when the interceptor refused the document.
var errAborted = errors.New("document request aborted")

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
}

// Browser hands out one collector per page over a shared transport.
type Browser struct {
	cfg       Config
	transport http.RoundTripper
	closed    atomic.Bool
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Browser.
func New(cfg Config) *Browser {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	return &Browser{cfg: cfg, transport: newHTTPTransport()}
}

// NewPage returns a page backed by its own collector. Collectors are not
// cloned because clones share the redirect handler of one backend.
func (b *Browser) NewPage(_ context.Context, opts crawler.PageOptions) (crawler.Page, error) {
	if b.closed.Load() {
		return nil, crawler.ErrBrowserClosed
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(b.transport)
	if b.cfg.UserAgent != "" {
		c.UserAgent = b.cfg.UserAgent
	}
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.SetRequestTimeout(b.cfg.Timeout)

	p := &page{collector: c, opts: opts}
	c.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if len(via) >= b.cfg.MaxRedirects {
			return fmt.Errorf("stopped after %d redirects", len(via))
		}
		p.mu.Lock()
		p.nav.chain = append(p.nav.chain, req.URL.String())
		p.mu.Unlock()
		return nil
	})
	p.configure(c)
	return p, nil
}

// Close marks the browser closed and drops idle connections.
func (b *Browser) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	if t, ok := b.transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}

type navState struct {
	chain   []string
	resp    *crawler.Response
	body    []byte
	err     error
	aborted bool
}

type page struct {
	collector *colly.Collector
	opts      crawler.PageOptions

	mu   sync.Mutex
	nav  navState
	url  string
	body []byte
}

func (p *page) configure(hooks collectorHooks) {
	hooks.OnRequest(func(r *colly.Request) {
		if p.opts.OnRequest == nil {
			return
		}
		req := &request{inner: r}
		p.opts.OnRequest(req)
		if !req.Disposed() {
			_ = req.Continue()
		}
		if req.aborted {
			p.mu.Lock()
			p.nav.aborted = true
			p.mu.Unlock()
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.nav.resp = &crawler.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    cloneHeader(r.Headers),
		}
		p.nav.body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		p.mu.Lock()
		p.nav.err = err
		p.mu.Unlock()
	})
}

// Navigate fetches rawURL, following redirects up to the configured limit.
func (p *page) Navigate(ctx context.Context, rawURL string) (*crawler.Response, error) {
	p.mu.Lock()
	p.nav = navState{chain: []string{rawURL}}
	p.mu.Unlock()

	p.collector.Context = ctx
	visitErr := p.collector.Visit(rawURL)

	p.mu.Lock()
	defer p.mu.Unlock()
	nav := p.nav
	switch {
	case nav.aborted:
		return nil, errAborted
	case visitErr != nil:
		return nil, fmt.Errorf("colly visit failed: %w", visitErr)
	case nav.err != nil:
		return nil, fmt.Errorf("colly response failed: %w", nav.err)
	case nav.resp == nil:
		return nil, fmt.Errorf("colly visit %s: no response", rawURL)
	}
	resp := *nav.resp
	resp.Chain = append([]string(nil), nav.chain...)
	p.url = resp.URL
	p.body = nav.body
	return &resp, nil
}

// Anchors parses the last fetched document and resolves every a[href]
// against the document base.
func (p *page) Anchors(_ context.Context) ([]string, error) {
	p.mu.Lock()
	body, current := p.body, p.url
	p.mu.Unlock()
	if current == "" {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	base, err := url.Parse(current)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			base = base.ResolveReference(ref)
		}
	}
	var hrefs []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		hrefs = append(hrefs, base.ResolveReference(ref).String())
	})
	return hrefs, nil
}

func (p *page) Content(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.body), nil
}

func (p *page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *page) Close() error {
	p.mu.Lock()
	p.body = nil
	p.mu.Unlock()
	return nil
}

// request adapts the document request colly is about to send.
type request struct {
	inner    *colly.Request
	disposed atomic.Bool
	aborted  bool
}

func (r *request) URL() string                        { return r.inner.URL.String() }
func (r *request) Method() string                     { return r.inner.Method }
func (r *request) ResourceType() crawler.ResourceType { return crawler.ResourceDocument }
func (r *request) IsNavigation() bool                 { return true }
func (r *request) Disposed() bool                     { return r.disposed.Load() }

func (r *request) Continue() error {
	if r.disposed.Swap(true) {
		return errors.New("request already disposed")
	}
	return nil
}

func (r *request) Abort() error {
	if r.disposed.Swap(true) {
		return errors.New("request already disposed")
	}
	r.aborted = true
	r.inner.Abort()
	return nil
}

func cloneHeader(h *http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
