package crawler

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Browser owns the process-wide rendering context. NewPage must be safe for
// concurrent use; every Page it returns is owned by exactly one worker.
type Browser interface {
	NewPage(ctx context.Context, opts PageOptions) (Page, error)
	Close() error
}

// PageOptions wires the per-page callbacks a driver invokes while navigating.
type PageOptions struct {
	// OnRequest is called for every outgoing network request. The callee must
	// dispose of the request by calling Continue or Abort exactly once.
	OnRequest func(Request)
	// OnConsole is called for every console or log entry surfaced by the page.
	OnConsole func(ConsoleMessage)
}

// Page is one exclusive tab handle.
type Page interface {
	// Navigate performs a document navigation and waits for the load event.
	Navigate(ctx context.Context, rawURL string) (*Response, error)
	// Anchors returns the absolute href of every anchor in the rendered document.
	Anchors(ctx context.Context) ([]string, error)
	// Content returns the serialized document.
	Content(ctx context.Context) (string, error)
	// URL returns the URL of the current document.
	URL() string
	Close() error
}

// Request is an intercepted network request awaiting a disposition.
type Request interface {
	URL() string
	Method() string
	ResourceType() ResourceType
	IsNavigation() bool
	Continue() error
	Abort() error
	Disposed() bool
}

// Response describes the outcome of a document navigation.
type Response struct {
	// URL is the final URL after all redirects.
	URL        string      `json:"url" yaml:"url"`
	StatusCode int         `json:"status_code" yaml:"status_code"`
	Headers    http.Header `json:"headers,omitempty" yaml:"headers,omitempty"`
	// Chain lists every hop of the navigation, starting with the requested URL.
	Chain []string `json:"chain,omitempty" yaml:"chain,omitempty"`
}

// ConsoleMessage is a diagnostic entry emitted by a page.
type ConsoleMessage struct {
	Level  string `json:"level" yaml:"level"`
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
	Text   string `json:"text" yaml:"text"`
	URL    string `json:"url,omitempty" yaml:"url,omitempty"`
}

// ResourceType classifies a network request the way the browser does.
type ResourceType string

// Resource types reported by the drivers.
const (
	ResourceDocument    ResourceType = "document"
	ResourceStylesheet  ResourceType = "stylesheet"
	ResourceImage       ResourceType = "image"
	ResourceMedia       ResourceType = "media"
	ResourceFont        ResourceType = "font"
	ResourceScript      ResourceType = "script"
	ResourceXHR         ResourceType = "xhr"
	ResourceFetch       ResourceType = "fetch"
	ResourceWebSocket   ResourceType = "websocket"
	ResourceEventSource ResourceType = "eventsource"
	ResourceManifest    ResourceType = "manifest"
	ResourcePing        ResourceType = "ping"
	ResourceOther       ResourceType = "other"
)

// ParseResourceType maps a browser resource type name, in any case, onto
// the known set. Unknown names become ResourceOther.
func ParseResourceType(name string) ResourceType {
	switch t := ResourceType(strings.ToLower(name)); t {
	case ResourceDocument, ResourceStylesheet, ResourceImage, ResourceMedia, ResourceFont,
		ResourceScript, ResourceXHR, ResourceFetch, ResourceWebSocket, ResourceEventSource,
		ResourceManifest, ResourcePing:
		return t
	default:
		return ResourceOther
	}
}

// RobotsPolicy decides whether robots.txt allows fetching a URL.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// RateLimiter throttles navigations shared across all workers.
type RateLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// RetryPolicy returns the extra wait applied before a failed entry is retried.
type RetryPolicy interface {
	Backoff(attempt int) time.Duration
}

// Confirmer presents the pre-flight plan and reports whether to proceed.
type Confirmer interface {
	Confirm(ctx context.Context, plan Plan) (bool, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
