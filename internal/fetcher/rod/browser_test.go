package rodfetcher

import (
	"context"
	"net/http"
	"testing"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"

	"github.com/mostlyserious/csp-crawler/internal/crawler"
)

func TestNavRecorderFollowsMainFrameRedirects(t *testing.T) {
	t.Parallel()

	nav := &navRecorder{mainFrame: "main"}
	nav.onRequest(&proto.NetworkRequestWillBeSent{
		RequestID: "1", FrameID: "main", Type: proto.NetworkResourceTypeDocument,
		Request: &proto.NetworkRequest{URL: "https://x.test/old"},
	})
	nav.onRequest(&proto.NetworkRequestWillBeSent{
		RequestID: "1", FrameID: "main", Type: proto.NetworkResourceTypeDocument,
		Request:          &proto.NetworkRequest{URL: "https://y.test/new"},
		RedirectResponse: &proto.NetworkResponse{Status: 302},
	})
	nav.onRequest(&proto.NetworkRequestWillBeSent{
		RequestID: "2", FrameID: "child", Type: proto.NetworkResourceTypeDocument,
		Request: &proto.NetworkRequest{URL: "https://ads.test/frame"},
	})
	nav.onResponse(&proto.NetworkResponseReceived{
		RequestID: "1", FrameID: "main", Type: proto.NetworkResourceTypeDocument,
		Response: &proto.NetworkResponse{
			URL:    "https://y.test/new",
			Status: 200,
			Headers: proto.NetworkHeaders{
				"Content-Security-Policy": gson.New("script-src 'self'"),
			},
		},
	})
	nav.onResponse(&proto.NetworkResponseReceived{
		RequestID: "3", FrameID: "main", Type: proto.NetworkResourceTypeScript,
		Response: &proto.NetworkResponse{URL: "https://cdn.test/app.js", Status: 404},
	})

	resp := nav.response("https://x.test/old", "https://y.test/new")
	assert.Equal(t, "https://y.test/new", resp.URL)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []string{"https://x.test/old", "https://y.test/new"}, resp.Chain)
	assert.Equal(t, "script-src 'self'", resp.Headers.Get("Content-Security-Policy"))
}

func TestNavRecorderFallbacks(t *testing.T) {
	t.Parallel()

	nav := &navRecorder{}
	resp := nav.response("https://x.test/", "https://x.test/home")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, resp.Headers)
	assert.Equal(t, []string{"https://x.test/", "https://x.test/home"}, resp.Chain)

	nav.onRequest(&proto.NetworkRequestWillBeSent{
		RequestID: "1", Type: proto.NetworkResourceTypeDocument,
		Request: &proto.NetworkRequest{URL: "https://x.test/"},
	})
	nav.reset()
	resp = nav.response("https://x.test/", "https://x.test/")
	assert.Equal(t, []string{"https://x.test/"}, resp.Chain)
}

func TestConvertHeadersSplitsRepeatedValues(t *testing.T) {
	t.Parallel()

	h := convertHeaders(proto.NetworkHeaders{
		"set-cookie": gson.New("a=1\nb=2"),
		"X-Frame":    gson.New("DENY"),
	})
	assert.Equal(t, []string{"a=1", "b=2"}, h.Values("Set-Cookie"))
	assert.Equal(t, "DENY", h.Get("X-Frame"))
}

func TestConsoleMessageJoinsArgs(t *testing.T) {
	t.Parallel()

	msg := consoleMessage(&proto.RuntimeConsoleAPICalled{
		Type: proto.RuntimeConsoleAPICalledTypeError,
		Args: []*proto.RuntimeRemoteObject{
			{Type: proto.RuntimeRemoteObjectTypeString, Value: gson.New("Refused to load")},
			{Type: proto.RuntimeRemoteObjectTypeObject, Description: "Object"},
			nil,
		},
	})
	assert.Equal(t, "error", msg.Level)
	assert.Equal(t, "Refused to load Object", msg.Text)
}

func TestJSONStrings(t *testing.T) {
	t.Parallel()

	got := jsonStrings(gson.New([]any{"https://x.test/a", "", "https://x.test/b"}))
	assert.Equal(t, []string{"https://x.test/a", "https://x.test/b"}, got)
	assert.Empty(t, jsonStrings(gson.New(nil)))
}

func TestClosedBrowserRefusesPages(t *testing.T) {
	t.Parallel()

	b := &Browser{}
	b.closed.Store(true)
	_, err := b.NewPage(context.Background(), crawler.PageOptions{})
	require.ErrorIs(t, err, crawler.ErrBrowserClosed)
	require.NoError(t, b.Close())
}

func TestRequestNavigationOnlyForMainFrameDocuments(t *testing.T) {
	t.Parallel()

	nav := &navRecorder{mainFrame: "main"}
	paused := func(frame proto.PageFrameID, kind proto.NetworkResourceType, url string) *proto.FetchRequestPaused {
		return &proto.FetchRequestPaused{
			FrameID:      frame,
			ResourceType: kind,
			Request:      &proto.NetworkRequest{URL: url, Method: http.MethodGet},
		}
	}

	top := newRequest(paused("main", proto.NetworkResourceTypeDocument, "https://site.test/"), nav.isMainFrame)
	assert.True(t, top.IsNavigation())
	assert.Equal(t, "https://site.test/", top.URL())
	assert.Equal(t, http.MethodGet, top.Method())

	iframe := newRequest(paused("child", proto.NetworkResourceTypeDocument, "https://video.test/embed"), nav.isMainFrame)
	assert.False(t, iframe.IsNavigation())
	assert.Equal(t, crawler.ResourceDocument, iframe.ResourceType())

	script := newRequest(paused("main", proto.NetworkResourceTypeScript, "https://cdn.test/a.js"), nav.isMainFrame)
	assert.False(t, script.IsNavigation())

	unknown := &navRecorder{}
	assert.True(t, newRequest(paused("any", proto.NetworkResourceTypeDocument, "https://site.test/"), unknown.isMainFrame).IsNavigation())
}

func TestRequestDisposesOnce(t *testing.T) {
	t.Parallel()

	var continued, aborted int
	req := newRequest(&proto.FetchRequestPaused{ResourceType: proto.NetworkResourceTypeImage}, (&navRecorder{}).isMainFrame)
	req.cont = func() { continued++ }
	req.abort = func() { aborted++ }

	require.NoError(t, req.Abort())
	require.ErrorIs(t, req.Continue(), errAlreadyDisposed)
	require.ErrorIs(t, req.Abort(), errAlreadyDisposed)
	assert.True(t, req.Disposed())
	assert.Equal(t, 0, continued)
	assert.Equal(t, 1, aborted)
}
