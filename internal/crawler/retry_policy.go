package crawler

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"
)

// Retry backoff modes accepted by NewRetryPolicy.
const (
	BackoffNone        = "none"
	BackoffExponential = "exponential"
)

// NoBackoff requeues failed entries immediately.
type NoBackoff struct{}

// Backoff implements RetryPolicy.
func (NoBackoff) Backoff(int) time.Duration { return 0 }

// ExponentialRetryPolicy waits a jittered, doubling delay between attempts.
type ExponentialRetryPolicy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewExponentialRetryPolicy builds a policy with sane defaults.
func NewExponentialRetryPolicy() *ExponentialRetryPolicy {
	return &ExponentialRetryPolicy{
		baseDelay: 250 * time.Millisecond,
		maxDelay:  5 * time.Second,
	}
}

// NewRetryPolicy resolves a backoff mode name.
func NewRetryPolicy(mode string) (RetryPolicy, error) {
	switch mode {
	case "", BackoffNone:
		return NoBackoff{}, nil
	case BackoffExponential:
		return NewExponentialRetryPolicy(), nil
	default:
		return nil, fmt.Errorf("%w: unknown retry backoff %q", ErrInvalidConfig, mode)
	}
}

// Backoff returns the wait before attempt (1-based) is retried.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
