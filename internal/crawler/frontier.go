package crawler

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ClaimStatus tells a worker what to do after calling Claim.
type ClaimStatus int

const (
	// Claimed means the returned entry is now owned by the caller.
	Claimed ClaimStatus = iota
	// Wait means the queue is empty but other workers may still enqueue.
	Wait
	// Exhausted means the queue is empty and nothing is in flight.
	Exhausted
	// BudgetReached means the page budget is spent.
	BudgetReached
	// Stopped means shutdown was requested.
	Stopped
)

func (s ClaimStatus) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case Wait:
		return "wait"
	case Exhausted:
		return "exhausted"
	case BudgetReached:
		return "budget_reached"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Outcome is the terminal disposition a worker reports for a claimed entry.
type Outcome int

const (
	// OutcomeVisited moves the entry to the visited set.
	OutcomeVisited Outcome = iota
	// OutcomeFailed moves the entry to the failed set.
	OutcomeFailed
	// OutcomeRetry requeues the entry at the tail with RetryCount+1.
	OutcomeRetry
)

// Frontier is the shared FIFO of pending work plus the visited and failed
// sets. Every method is safe for concurrent use; checks and mutations happen
// under a single lock so no URL is claimed twice.
type Frontier struct {
	mu sync.Mutex

	queue []Entry
	head  int

	pending  map[string]struct{}
	inFlight map[string]Entry
	visited  map[string]struct{}
	failed   map[string]struct{}

	// discarded holds URLs dropped for exceeding maxDepth.
	discarded map[string]struct{}

	maxDepth int
	maxPages int

	stopped bool
	done    chan struct{}
	logger  *zap.Logger
}

// NewFrontier returns an empty frontier bounded by depth and page budget.
func NewFrontier(maxDepth, maxPages int, logger *zap.Logger) *Frontier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Frontier{
		pending:   make(map[string]struct{}),
		inFlight:  make(map[string]Entry),
		visited:   make(map[string]struct{}),
		failed:    make(map[string]struct{}),
		discarded: make(map[string]struct{}),
		maxDepth:  maxDepth,
		maxPages:  maxPages,
		done:      make(chan struct{}),
		logger:    logger,
	}
}

// Enqueue appends url unless it is already pending, in flight, visited, or
// failed. A URL already discarded for depth is only accepted again within
// the depth bound. It reports whether the entry was added. Enqueue keeps
// working after Shutdown so links found by in-flight pages are reported as
// abandoned.
func (f *Frontier) Enqueue(url string, depth, retryCount int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.knownLocked(url) {
		return false
	}
	if _, gone := f.discarded[url]; gone {
		if depth > f.maxDepth {
			return false
		}
		delete(f.discarded, url)
	}
	f.pushLocked(Entry{URL: url, Depth: depth, RetryCount: retryCount})
	return true
}

func (f *Frontier) knownLocked(url string) bool {
	if _, ok := f.pending[url]; ok {
		return true
	}
	if _, ok := f.inFlight[url]; ok {
		return true
	}
	if _, ok := f.visited[url]; ok {
		return true
	}
	_, ok := f.failed[url]
	return ok
}

func (f *Frontier) pushLocked(e Entry) {
	f.queue = append(f.queue, e)
	f.pending[e.URL] = struct{}{}
}

// Claim atomically takes the head of the queue. Entries deeper than the
// depth bound are discarded here. No entry is handed out once visited plus
// in-flight work has reached the page budget.
func (f *Frontier) Claim() (Entry, ClaimStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return Entry{}, Stopped
	}
	for {
		if len(f.visited)+len(f.inFlight) >= f.maxPages {
			if len(f.inFlight) > 0 {
				return Entry{}, Wait
			}
			return Entry{}, BudgetReached
		}
		if f.head >= len(f.queue) {
			f.compactLocked()
			if len(f.inFlight) > 0 {
				return Entry{}, Wait
			}
			return Entry{}, Exhausted
		}
		e := f.queue[f.head]
		f.queue[f.head] = Entry{}
		f.head++
		delete(f.pending, e.URL)
		if e.Depth > f.maxDepth {
			f.discarded[e.URL] = struct{}{}
			f.logger.Debug("discarding entry beyond max depth",
				zap.String("url", e.URL),
				zap.Int("depth", e.Depth),
				zap.Int("max_depth", f.maxDepth))
			continue
		}
		f.inFlight[e.URL] = e
		return e, Claimed
	}
}

func (f *Frontier) compactLocked() {
	if f.head == 0 {
		return
	}
	f.queue = append(f.queue[:0], f.queue[f.head:]...)
	f.head = 0
}

// Resolve releases a claimed entry with its outcome. A retry goes back to
// the tail of the queue in the same critical section, so the frontier never
// looks drained while the entry is between attempts.
func (f *Frontier) Resolve(e Entry, outcome Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inFlight, e.URL)
	switch outcome {
	case OutcomeVisited:
		f.visited[e.URL] = struct{}{}
	case OutcomeFailed:
		f.failed[e.URL] = struct{}{}
	case OutcomeRetry:
		f.pushLocked(Entry{URL: e.URL, Depth: e.Depth, RetryCount: e.RetryCount + 1})
	}
}

// Shutdown stops the frontier from handing out further work.
func (f *Frontier) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	f.stopped = true
	close(f.done)
}

// Done is closed once Shutdown has been called.
func (f *Frontier) Done() <-chan struct{} {
	return f.done
}

// FrontierState is a consistent copy of the frontier contents.
type FrontierState struct {
	Visited   []string
	Failed    []string
	Abandoned []string
	InFlight  int
	// Discarded counts distinct URLs dropped for depth.
	Discarded int
}

// State copies the frontier under its lock. Visited and Failed are sorted;
// Abandoned keeps queue order.
func (f *Frontier) State() FrontierState {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := FrontierState{
		Visited:   setToSorted(f.visited),
		Failed:    setToSorted(f.failed),
		Abandoned: make([]string, 0, len(f.queue)-f.head),
		InFlight:  len(f.inFlight),
		Discarded: len(f.discarded),
	}
	for _, e := range f.queue[f.head:] {
		st.Abandoned = append(st.Abandoned, e.URL)
	}
	// Entries still claimed when the loop exits were never resolved.
	inflight := make([]string, 0, len(f.inFlight))
	for url := range f.inFlight {
		inflight = append(inflight, url)
	}
	sort.Strings(inflight)
	st.Abandoned = append(st.Abandoned, inflight...)
	return st
}

// Counts returns queued, in-flight, visited, and failed sizes.
func (f *Frontier) Counts() (queued, inFlight, visited, failed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue) - f.head, len(f.inFlight), len(f.visited), len(f.failed)
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
