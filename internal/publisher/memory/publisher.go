// Package memory keeps published run summaries in process, for tests and
// runs without a message broker.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/mostlyserious/csp-crawler/internal/report"
)

// Publisher records every summary it is handed. IDs are memory-1,
// memory-2, and so on in publish order.
type Publisher struct {
	mu   sync.Mutex
	sent []report.Summary
	err  error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Fail makes later Publish calls return err without recording. A nil err
// restores normal behavior.
func (p *Publisher) Fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Publish records sum unless ctx is done or a failure was set.
func (p *Publisher) Publish(ctx context.Context, sum report.Summary) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.sent = append(p.sent, sum)
	return "memory-" + strconv.Itoa(len(p.sent)), nil
}

// Messages returns a copy of the recorded summaries.
func (p *Publisher) Messages() []report.Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]report.Summary(nil), p.sent...)
}

// Last returns the most recent summary.
func (p *Publisher) Last() (report.Summary, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		return report.Summary{}, false
	}
	return p.sent[len(p.sent)-1], true
}
