package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	DefaultLimit  = 10
	DefaultWindow = time.Minute
	sweepInterval = 1024
)

// ErrInvalidIdentity reports a blank limiter key.
var ErrInvalidIdentity = errors.New("rate limit identity is required")

// Decision is the result of one consume attempt.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits at most a fixed number of requests per identity in a rolling window.
// Denied attempts do not consume budget.
type Limiter interface {
	TryConsume(ctx context.Context, identity string) (Decision, error)
}

// Policy is the window budget.
type Policy struct {
	Limit  int
	Window time.Duration
}

// DefaultPolicy allows 10 requests per minute.
func DefaultPolicy() Policy {
	return Policy{Limit: DefaultLimit, Window: DefaultWindow}
}

// Validate rejects non-positive budgets.
func (policy Policy) Validate() error {
	if policy.Limit <= 0 {
		return fmt.Errorf("ratelimit: limit must be positive, got %d", policy.Limit)
	}
	if policy.Window <= 0 {
		return fmt.Errorf("ratelimit: window must be positive, got %s", policy.Window)
	}
	return nil
}

// NormalizeIdentity trims the identity and rejects blanks.
func NormalizeIdentity(identity string) (string, error) {
	trimmed := strings.TrimSpace(identity)
	if trimmed == "" {
		return "", ErrInvalidIdentity
	}
	return trimmed, nil
}

// Option customizes a SlidingWindow.
type Option func(*SlidingWindow)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(window *SlidingWindow) {
		if now != nil {
			window.nowFn = now
		}
	}
}

// SlidingWindow is the in-process Limiter. It is only correct for a single instance.
type SlidingWindow struct {
	policy Policy
	nowFn  func() time.Time

	mutex sync.Mutex
	hits  map[string][]time.Time
	calls int
}

// NewSlidingWindow builds an in-memory limiter.
func NewSlidingWindow(policy Policy, options ...Option) (*SlidingWindow, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	window := &SlidingWindow{
		policy: policy,
		nowFn:  time.Now,
		hits:   make(map[string][]time.Time),
	}
	for _, option := range options {
		if option != nil {
			option(window)
		}
	}
	return window, nil
}

// TryConsume records a hit for identity when budget remains.
func (window *SlidingWindow) TryConsume(_ context.Context, identity string) (Decision, error) {
	key, err := NormalizeIdentity(identity)
	if err != nil {
		return Decision{}, err
	}
	now := window.nowFn()

	window.mutex.Lock()
	defer window.mutex.Unlock()

	window.calls++
	if window.calls%sweepInterval == 0 {
		window.sweep(now)
	}

	live := window.prune(window.hits[key], now)
	if len(live) >= window.policy.Limit {
		window.hits[key] = live
		return Decision{Allowed: false, RetryAfter: live[0].Add(window.policy.Window).Sub(now)}, nil
	}
	live = append(live, now)
	window.hits[key] = live
	return Decision{Allowed: true, Remaining: window.policy.Limit - len(live)}, nil
}

// prune drops hits that left the window. hits is ordered oldest first.
func (window *SlidingWindow) prune(hits []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-window.policy.Window)
	index := 0
	for index < len(hits) && !hits[index].After(cutoff) {
		index++
	}
	return hits[index:]
}

func (window *SlidingWindow) sweep(now time.Time) {
	for key, hits := range window.hits {
		if len(window.prune(hits, now)) == 0 {
			delete(window.hits, key)
		}
	}
}
