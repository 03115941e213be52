package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func robotsServer(t *testing.T, body string, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			w.WriteHeader(http.StatusOK)
			return
		}
		fetches.Add(1)
		assert.Equal(t, "csp-test", r.Header.Get("User-Agent"))
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &fetches
}

func TestRobotsPolicyDisabledAllowsEverything(t *testing.T) {
	t.Parallel()

	policy := NewRobotsPolicy(false, "csp-test", nil, nil)
	assert.True(t, policy.Allowed(context.Background(), "https://site.test/private"))
}

func TestRobotsPolicyHonorsDisallow(t *testing.T) {
	t.Parallel()

	robots := "User-agent: *\nDisallow: /admin\n\nUser-agent: csp-test\nDisallow: /drafts\n"
	srv, fetches := robotsServer(t, robots, http.StatusOK)
	policy := NewRobotsPolicy(true, "csp-test", srv.Client(), nil)
	ctx := context.Background()

	assert.True(t, policy.Allowed(ctx, srv.URL+"/"))
	assert.True(t, policy.Allowed(ctx, srv.URL+"/admin"), "the specific group replaces the wildcard group")
	assert.False(t, policy.Allowed(ctx, srv.URL+"/drafts"))
	assert.False(t, policy.Allowed(ctx, srv.URL+"/drafts/2024?page=2"))
	assert.False(t, policy.Allowed(ctx, "::not a url"))
	assert.Equal(t, int32(1), fetches.Load())
}

func TestRobotsPolicyFetchesOncePerOrigin(t *testing.T) {
	t.Parallel()

	srv, fetches := robotsServer(t, "User-agent: *\nDisallow: /blocked\n", http.StatusOK)
	policy := NewRobotsPolicy(true, "csp-test", srv.Client(), nil)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.False(t, policy.Allowed(context.Background(), fmt.Sprintf("%s/blocked/%d", srv.URL, i)))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fetches.Load())
}

func TestRobotsPolicyFailsOpen(t *testing.T) {
	t.Parallel()

	missing, _ := robotsServer(t, "", http.StatusNotFound)
	policy := NewRobotsPolicy(true, "csp-test", missing.Client(), nil)
	assert.True(t, policy.Allowed(context.Background(), missing.URL+"/anything"))

	unreachable := NewRobotsPolicy(true, "csp-test", &http.Client{}, nil)
	assert.True(t, unreachable.Allowed(context.Background(), "http://127.0.0.1:1/page"))
	assert.True(t, unreachable.Allowed(context.Background(), "http://127.0.0.1:1/other"))
}
