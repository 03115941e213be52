package crawler

import (
	"context"
	"time"
)

// pause blocks for delay or until ctx or stop is done. It reports whether
// the full delay elapsed.
func pause(ctx context.Context, stop <-chan struct{}, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}
