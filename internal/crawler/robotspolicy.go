package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

const maxRobotsBytes = 1 << 20

// RobotsChecker answers robots.txt queries for the origins a crawl touches.
// Each origin's file is fetched once, even when workers ask concurrently.
type RobotsChecker struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger

	mu      sync.Mutex
	origins map[string]*robotsEntry
}

type robotsEntry struct {
	once  sync.Once
	group *robotstxt.Group
}

// NewRobotsPolicy returns a RobotsChecker when respect is set and an
// allow-all policy otherwise. A nil client gets a 10s timeout.
func NewRobotsPolicy(respect bool, userAgent string, client *http.Client, logger *zap.Logger) RobotsPolicy {
	if !respect {
		return allowAllPolicy{}
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RobotsChecker{
		client:    client,
		userAgent: userAgent,
		logger:    logger.Named("robots"),
		origins:   make(map[string]*robotsEntry),
	}
}

// Allowed implements RobotsPolicy. An origin whose robots.txt cannot be
// fetched or parsed allows everything for the rest of the run.
func (r *RobotsChecker) Allowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	group := r.groupFor(ctx, u)
	if group == nil {
		return true
	}
	target := u.EscapedPath()
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return group.Test(target)
}

func (r *RobotsChecker) groupFor(ctx context.Context, u *url.URL) *robotstxt.Group {
	origin := originOf(u)

	r.mu.Lock()
	entry, ok := r.origins[origin]
	if !ok {
		entry = &robotsEntry{}
		r.origins[origin] = entry
	}
	r.mu.Unlock()

	entry.once.Do(func() {
		data, err := r.fetch(ctx, origin)
		if err != nil {
			r.logger.Warn("robots.txt unavailable, allowing all paths", zap.String("origin", origin), zap.Error(err))
			return
		}
		entry.group = data.FindGroup(r.userAgent)
	})
	return entry.group
}

func (r *RobotsChecker) fetch(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("robots request: %w", err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("robots fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("robots read: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("robots parse: %w", err)
	}
	return data, nil
}

type allowAllPolicy struct{}

func (allowAllPolicy) Allowed(context.Context, string) bool { return true }
