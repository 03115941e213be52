package collyfetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mostlyserious/csp-crawler/internal/crawler"
)

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>
<a href="/a">A</a>
<a href="b?x=1#top">B</a>
<a href="https://other.test/c">C</a>
<a>no href</a>
</body></html>`)
	})
	mux.HandleFunc("/based", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><base href="/docs/"></head><body><a href="intro">Intro</a></body></html>`)
	})
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html></html>")
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestNavigateCapturesResponse(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	b := New(Config{UserAgent: "csp-crawler-test"})
	t.Cleanup(func() { _ = b.Close() })
	p, err := b.NewPage(context.Background(), crawler.PageOptions{})
	require.NoError(t, err)

	resp, err := p.Navigate(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "default-src 'self'", resp.Headers.Get("Content-Security-Policy"))
	assert.Equal(t, []string{srv.URL + "/"}, resp.Chain)
	assert.Equal(t, srv.URL+"/", p.URL())

	anchors, err := p.Anchors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{srv.URL + "/a", srv.URL + "/b?x=1#top", "https://other.test/c"}, anchors)

	content, err := p.Content(context.Background())
	require.NoError(t, err)
	assert.Contains(t, content, `<a href="/a">`)
}

func TestNavigateHonorsBaseHref(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	b := New(Config{})
	p, err := b.NewPage(context.Background(), crawler.PageOptions{})
	require.NoError(t, err)

	_, err = p.Navigate(context.Background(), srv.URL+"/based")
	require.NoError(t, err)
	anchors, err := p.Anchors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{srv.URL + "/docs/intro"}, anchors)
}

func TestNavigateRecordsRedirectChain(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	b := New(Config{})
	p, err := b.NewPage(context.Background(), crawler.PageOptions{})
	require.NoError(t, err)

	resp, err := p.Navigate(context.Background(), srv.URL+"/old")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/new", resp.URL)
	assert.Equal(t, []string{srv.URL + "/old", srv.URL + "/new"}, resp.Chain)
}

func TestNavigateStopsRedirectLoops(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	b := New(Config{MaxRedirects: 3})
	p, err := b.NewPage(context.Background(), crawler.PageOptions{})
	require.NoError(t, err)

	_, err = p.Navigate(context.Background(), srv.URL+"/loop")
	require.Error(t, err)
}

func TestNavigateReturnsErrorStatuses(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	b := New(Config{})
	p, err := b.NewPage(context.Background(), crawler.PageOptions{})
	require.NoError(t, err)

	resp, err := p.Navigate(context.Background(), srv.URL+"/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInterceptorSeesDocumentRequest(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	b := New(Config{})
	var seen []crawler.Request
	p, err := b.NewPage(context.Background(), crawler.PageOptions{
		OnRequest: func(r crawler.Request) {
			seen = append(seen, r)
			require.NoError(t, r.Continue())
		},
	})
	require.NoError(t, err)

	_, err = p.Navigate(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, crawler.ResourceDocument, seen[0].ResourceType())
	assert.True(t, seen[0].IsNavigation())
	assert.Equal(t, http.MethodGet, seen[0].Method())
	assert.Error(t, seen[0].Continue(), "second disposition must fail")
}

func TestInterceptorAbortFailsNavigation(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	b := New(Config{})
	p, err := b.NewPage(context.Background(), crawler.PageOptions{
		OnRequest: func(r crawler.Request) { _ = r.Abort() },
	})
	require.NoError(t, err)

	_, err = p.Navigate(context.Background(), srv.URL+"/")
	require.ErrorIs(t, err, errAborted)
}

func TestNavigateHonorsContext(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(block) })

	b := New(Config{Timeout: 5 * time.Second})
	p, err := b.NewPage(context.Background(), crawler.PageOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Navigate(ctx, srv.URL)
	require.Error(t, err)
}

func TestClosedBrowserRefusesPages(t *testing.T) {
	t.Parallel()

	b := New(Config{})
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	_, err := b.NewPage(context.Background(), crawler.PageOptions{})
	require.ErrorIs(t, err, crawler.ErrBrowserClosed)
}

func TestConfigureRegistersHooks(t *testing.T) {
	t.Parallel()

	hooks := &stubHooks{}
	p := &page{}
	p.configure(hooks)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onError(nil, assert.AnError)
	assert.ErrorIs(t, p.nav.err, assert.AnError)
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }
