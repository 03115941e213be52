package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mostlyserious/csp-crawler/internal/crawler"
)

var _ crawler.Clock = New()

func TestNowIsCurrentUTC(t *testing.T) {
	t.Parallel()

	got := New().Now()
	assert.Equal(t, time.UTC, got.Location())
	assert.WithinDuration(t, time.Now(), got, time.Second)
}

func TestNowKeepsMonotonicReading(t *testing.T) {
	t.Parallel()

	clk := New()
	start := clk.Now()
	// UTC() keeps the monotonic reading, so durations between calls are
	// immune to wall clock steps.
	assert.GreaterOrEqual(t, clk.Now().Sub(start), time.Duration(0))
}
