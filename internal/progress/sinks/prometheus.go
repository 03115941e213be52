package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mostlyserious/csp-crawler/internal/progress"
)

// PrometheusSink exports crawl progress via Prometheus. It owns the run and
// page collectors and registers them once against the given registry.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	pages           *prometheus.CounterVec
	retries         prometheus.Counter
	linksDiscovered prometheus.Counter
	linksTruncated  prometheus.Counter
	requestsBlocked prometheus.Counter
	pageDuration    *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csp_crawler_runs_started_total",
			Help: "Total crawl runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csp_crawler_runs_completed_total",
			Help: "Total crawl runs completed partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "csp_crawler_runs_running",
			Help: "Current number of running crawls.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "csp_crawler_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csp_crawler_pages_total",
			Help: "Page outcomes partitioned by outcome and status class.",
		}, []string{"outcome", "status_class"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csp_crawler_page_retries_total",
			Help: "Pages re-queued after a failed attempt.",
		}),
		linksDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csp_crawler_links_discovered_total",
			Help: "New same-origin links enqueued from visited pages.",
		}),
		linksTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csp_crawler_links_truncated_total",
			Help: "Links dropped by the per-page cap.",
		}),
		requestsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csp_crawler_requests_blocked_total",
			Help: "Cross-origin sub-resource requests aborted.",
		}),
		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "csp_crawler_page_duration_seconds",
			Help:    "Navigation duration partitioned by outcome.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"outcome"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.pages,
		s.retries,
		s.linksDiscovered,
		s.linksTruncated,
		s.requestsBlocked,
		s.pageDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		result := "complete"
		if evt.Partial {
			result = "partial"
		}
		s.runsCompleted.WithLabelValues(result).Inc()
		if evt.Dur > 0 {
			s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
	case progress.StagePageVisited:
		s.observePage("visited", evt)
		if evt.Links > 0 {
			s.linksDiscovered.Add(float64(evt.Links))
		}
	case progress.StagePageFailed:
		s.observePage("failed", evt)
	case progress.StagePageRedirect:
		s.observePage("redirected", evt)
	case progress.StagePageRetry:
		s.retries.Inc()
	case progress.StageLinksTruncated:
		s.linksTruncated.Add(float64(evt.Links))
	case progress.StageRequestBlocked:
		s.requestsBlocked.Inc()
	}
}

func (s *PrometheusSink) observePage(outcome string, evt progress.Event) {
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.pages.WithLabelValues(outcome, statusClass).Inc()
	if evt.Dur > 0 {
		s.pageDuration.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
