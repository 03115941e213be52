package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if httpRequestsTotal == nil || activeWorkers == nil || navigationDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestActiveWorkersGauge(t *testing.T) {
	before := func() float64 {
		Init()
		return testutil.ToFloat64(activeWorkers)
	}()
	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	if got := testutil.ToFloat64(activeWorkers); got != before+1 {
		t.Errorf("active workers = %f; want %f", got, before+1)
	}
}

func TestObserveNavigation(t *testing.T) {
	ObserveNavigation("https://nav.test/a", "visited", 150*time.Millisecond)
	ObserveRateLimitDelay("https://nav.test/a", 20*time.Millisecond)
	if n := testutil.CollectAndCount(navigationDurationSeconds); n == 0 {
		t.Error("expected navigation histogram to be observed")
	}
	if n := testutil.CollectAndCount(rateLimitDelaysSeconds); n == 0 {
		t.Error("expected rate limit histogram to be observed")
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
