// Package progress provides the event primitives, non-blocking hub, and emitter
// interface the crawl workers use to report page and run milestones. Events are
// batched on a background goroutine and fanned out to sinks such as the
// structured log or Prometheus collectors.
package progress
