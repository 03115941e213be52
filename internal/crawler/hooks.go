package crawler

import "context"

// Decision is a hook's answer for an intercepted request.
type Decision int

const (
	// PassThrough leaves the request to the default disposition:
	// cross-origin sub-resources are blocked, everything else continues.
	PassThrough Decision = iota
	// Handled means the hook already called Continue or Abort.
	Handled
)

func (d Decision) String() string {
	if d == Handled {
		return "handled"
	}
	return "pass_through"
}

// Hooks are the observation points an analyzer plugs into. Implementations
// are called concurrently from every worker.
type Hooks interface {
	// OnPageVisit runs after a successful same-origin navigation. Returning
	// an error does not fail the page.
	OnPageVisit(ctx context.Context, page Page, rawURL string, depth int, resp *Response) error
	// OnRequestIntercept runs for every request a page issues.
	OnRequestIntercept(req Request) Decision
	// OnConsoleMessage runs for every console entry a page emits.
	OnConsoleMessage(msg ConsoleMessage, pageURL string)
}

// NopHooks observes nothing.
type NopHooks struct{}

// OnPageVisit implements Hooks.
func (NopHooks) OnPageVisit(context.Context, Page, string, int, *Response) error { return nil }

// OnRequestIntercept implements Hooks.
func (NopHooks) OnRequestIntercept(Request) Decision { return PassThrough }

// OnConsoleMessage implements Hooks.
func (NopHooks) OnConsoleMessage(ConsoleMessage, string) {}

// MultiHooks fans every callback out to each hook in order. The first hook
// that reports Handled stops the intercept chain.
type MultiHooks []Hooks

// OnPageVisit implements Hooks and returns the first error.
func (m MultiHooks) OnPageVisit(ctx context.Context, page Page, rawURL string, depth int, resp *Response) error {
	var first error
	for _, h := range m {
		if err := h.OnPageVisit(ctx, page, rawURL, depth, resp); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// OnRequestIntercept implements Hooks.
func (m MultiHooks) OnRequestIntercept(req Request) Decision {
	for _, h := range m {
		if h.OnRequestIntercept(req) == Handled {
			return Handled
		}
	}
	return PassThrough
}

// OnConsoleMessage implements Hooks.
func (m MultiHooks) OnConsoleMessage(msg ConsoleMessage, pageURL string) {
	for _, h := range m {
		h.OnConsoleMessage(msg, pageURL)
	}
}
