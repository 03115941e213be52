package crawler

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mostlyserious/csp-crawler/internal/metrics"
	"github.com/mostlyserious/csp-crawler/internal/progress"
)

// worker drives one exclusive page through claim, fetch, extract, enqueue,
// and pace until the frontier stops handing out work.
type worker struct {
	id      int
	engine  *Engine
	run     *run
	page    Page
	logger  *zap.Logger
	current atomic.Value
}

// loop works until the frontier stops handing out entries and returns the
// reason. Exhausted and BudgetReached are natural ends; an interrupt
// returns Stopped.
func (w *worker) loop(ctx context.Context) ClaimStatus {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	cfg := w.engine.cfg
	frontier := w.run.frontier
	for {
		if ctx.Err() != nil {
			return Stopped
		}
		entry, status := frontier.Claim()
		switch status {
		case Claimed:
		case Wait:
			if !pause(ctx, frontier.Done(), cfg.IdlePoll) {
				return Stopped
			}
			continue
		default:
			w.logger.Debug("worker exiting", zap.Stringer("reason", status))
			return status
		}
		w.process(ctx, entry)
		pause(ctx, frontier.Done(), cfg.Delay)
	}
}

// process handles one claimed entry and always resolves it.
func (w *worker) process(ctx context.Context, entry Entry) {
	cfg := w.engine.cfg
	log := w.logger.With(
		zap.String("url", entry.URL),
		zap.Int("depth", entry.Depth),
		zap.Int("attempt", entry.RetryCount+1))

	// In-flight work is not interrupted by cancellation; the timeout bounds it.
	navCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.NavigationTimeout)
	defer cancel()

	if w.engine.limiter != nil {
		if err := w.engine.limiter.Wait(navCtx, entry.URL); err != nil {
			w.fail(ctx, entry, err, log)
			return
		}
	}

	w.current.Store(entry.URL)
	start := w.engine.clock.Now()
	resp, err := w.page.Navigate(navCtx, entry.URL)
	elapsed := w.engine.clock.Now().Sub(start)
	if err != nil {
		metrics.ObserveNavigation(entry.URL, "failed", elapsed)
		w.fail(ctx, entry, fmt.Errorf("navigate: %w", err), log)
		return
	}
	if resp == nil {
		resp = &Response{URL: entry.URL}
	}
	final := resp.URL
	if final == "" {
		final = entry.URL
	}
	if Origin(final) != w.run.origin {
		metrics.ObserveNavigation(entry.URL, "redirected", elapsed)
		w.redirected(entry, resp, final, log)
		return
	}
	metrics.ObserveNavigation(entry.URL, "visited", elapsed)

	hookCtx, hookCancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.NavigationTimeout)
	defer hookCancel()
	if err := w.engine.hooks.OnPageVisit(hookCtx, w.page, entry.URL, entry.Depth, resp); err != nil {
		log.Warn("page visit hook failed", zap.Error(err))
	}

	hrefs, err := w.page.Anchors(hookCtx)
	if err != nil {
		log.Warn("link extraction failed", zap.Error(err))
	}
	links := FilterLinks(hrefs, w.run.origin, cfg.MaxLinksPerPage)
	added, disallowed := w.enqueueLinks(hookCtx, links.Links, entry.Depth+1)
	w.run.frontier.Resolve(entry, OutcomeVisited)

	w.run.tally.update(func(s *Stats) {
		s.PagesScanned++
		s.LinksFound += len(links.Links)
		s.NewLinksFound += added
		s.LinksDisallowed += disallowed
		if links.Truncated {
			s.LinksTruncated++
		}
	})
	if links.Truncated {
		log.Info("link list truncated",
			zap.Int("kept", len(links.Links)),
			zap.Int("dropped", links.Dropped))
		w.engine.emit(w.run, progress.Event{
			Stage: progress.StageLinksTruncated,
			URL:   entry.URL,
			Depth: entry.Depth,
			Links: links.Dropped,
		})
	}
	log.Info("page visited",
		zap.Int("status", resp.StatusCode),
		zap.Int("links", len(links.Links)),
		zap.Int("new_links", added),
		zap.Duration("elapsed", elapsed))
	w.engine.emit(w.run, progress.Event{
		Stage:       progress.StagePageVisited,
		URL:         entry.URL,
		Depth:       entry.Depth,
		Attempt:     entry.RetryCount + 1,
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Links:       added,
		Dur:         elapsed,
	})
}

// enqueueLinks normalizes and enqueues links, applying robots and path
// exclusions. It returns how many were new and how many were disallowed.
func (w *worker) enqueueLinks(ctx context.Context, links []string, depth int) (added, disallowed int) {
	for _, link := range links {
		normalized := NormalizeURL(link)
		if w.engine.exclude.IsBlocked(normalized) || !w.engine.robots.Allowed(ctx, normalized) {
			disallowed++
			continue
		}
		if w.run.frontier.Enqueue(normalized, depth, 0) {
			added++
		}
	}
	return added, disallowed
}

func (w *worker) redirected(entry Entry, resp *Response, final string, log *zap.Logger) {
	chain := resp.Chain
	if len(chain) == 0 {
		chain = []string{entry.URL, final}
	}
	rec := RedirectRecord{
		From:   entry.URL,
		To:     final,
		Chain:  append([]string(nil), chain...),
		Reason: "redirected to external origin " + Origin(final),
	}
	w.run.tally.addRedirect(rec)
	w.run.frontier.Resolve(entry, OutcomeVisited)
	log.Info("external redirect", zap.String("to", final), zap.Int("hops", len(chain)))
	w.engine.emit(w.run, progress.Event{
		Stage: progress.StagePageRedirect,
		URL:   entry.URL,
		Depth: entry.Depth,
		Note:  final,
	})
}

// fail requeues entry while retries remain and marks it failed otherwise.
func (w *worker) fail(ctx context.Context, entry Entry, err error, log *zap.Logger) {
	attempt := entry.RetryCount + 1
	if entry.RetryCount < w.engine.cfg.MaxRetries {
		if d := w.engine.retry.Backoff(attempt); d > 0 {
			pause(ctx, w.run.frontier.Done(), d)
		}
		w.run.frontier.Resolve(entry, OutcomeRetry)
		w.run.tally.update(func(s *Stats) { s.Retries++ })
		log.Warn("page failed; retrying", zap.Error(err))
		w.engine.emit(w.run, progress.Event{
			Stage:   progress.StagePageRetry,
			URL:     entry.URL,
			Depth:   entry.Depth,
			Attempt: attempt,
			Note:    err.Error(),
		})
		return
	}
	w.run.frontier.Resolve(entry, OutcomeFailed)
	w.run.tally.update(func(s *Stats) {
		s.Errors = append(s.Errors, ErrorRecord{URL: entry.URL, Message: err.Error(), Attempts: attempt})
	})
	log.Error("page failed", zap.Error(err))
	w.engine.emit(w.run, progress.Event{
		Stage:   progress.StagePageFailed,
		URL:     entry.URL,
		Depth:   entry.Depth,
		Attempt: attempt,
		Note:    err.Error(),
	})
}

// intercept gives the hooks first refusal on a request, then applies the
// default disposition.
func (w *worker) intercept(req Request) {
	if w.engine.hooks.OnRequestIntercept(req) == Handled {
		if !req.Disposed() {
			w.logger.Warn("request handled without disposition; continuing", zap.String("request", req.URL()))
			w.dispose(req, false)
		}
		return
	}
	if req.Disposed() {
		return
	}
	block := w.shouldBlock(req)
	w.dispose(req, block)
	if block {
		w.run.tally.update(func(s *Stats) { s.RequestsBlocked++ })
		w.engine.emit(w.run, progress.Event{
			Stage: progress.StageRequestBlocked,
			URL:   req.URL(),
			Note:  string(req.ResourceType()),
		})
	}
}

func (w *worker) shouldBlock(req Request) bool {
	if req.IsNavigation() || req.ResourceType() == ResourceDocument {
		return false
	}
	origin := Origin(req.URL())
	return origin != "" && origin != w.run.origin
}

func (w *worker) dispose(req Request, abort bool) {
	var err error
	if abort {
		err = req.Abort()
	} else {
		err = req.Continue()
	}
	if err != nil {
		w.logger.Debug("request disposition failed",
			zap.String("request", req.URL()),
			zap.Bool("abort", abort),
			zap.Error(err))
	}
}

func (w *worker) console(msg ConsoleMessage) {
	pageURL, _ := w.current.Load().(string)
	w.engine.hooks.OnConsoleMessage(msg, pageURL)
}
