// Package ratelimit paces every outbound request of a job through one shared limiter.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
	"github.com/JakeFAU/surf-results-harvester/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// MinDelay and MaxDelay bound the random spacing between consecutive grants.
	MinDelay time.Duration
	MaxDelay time.Duration
	// MaxInFlight caps concurrently held grants. Zero means unbounded.
	MaxInFlight int
	// MaxRPS overrides the ceiling rate, which defaults to 1/MinDelay.
	MaxRPS float64
}

// Limiter grants permission for one outbound request at a time. Grants are
// spaced by a delay drawn independently from [MinDelay, MaxDelay], and the
// aggregate rate never exceeds the ceiling regardless of caller count.
type Limiter struct {
	mu       sync.Mutex
	next     time.Time
	minDelay time.Duration
	maxDelay time.Duration
	ceiling  *rate.Limiter
	inflight *semaphore.Weighted
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	if cfg.MinDelay < 0 {
		cfg.MinDelay = 0
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	limit := rate.Inf
	switch {
	case cfg.MaxRPS > 0:
		limit = rate.Limit(cfg.MaxRPS)
	case cfg.MinDelay > 0:
		limit = rate.Every(cfg.MinDelay)
	}
	l := &Limiter{
		minDelay: cfg.MinDelay,
		maxDelay: cfg.MaxDelay,
		ceiling:  rate.NewLimiter(limit, 1),
	}
	if cfg.MaxInFlight > 0 {
		l.inflight = semaphore.NewWeighted(int64(cfg.MaxInFlight))
	}
	return l
}

// Acquire blocks until the caller may issue one request. The returned release
// func must be called once the request finished; calling it twice is safe.
// A caller whose context ends while blocked gets harvest.ErrCancelled.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	start := time.Now()
	if l.inflight != nil {
		if err := l.inflight.Acquire(ctx, 1); err != nil {
			return nil, cancelled(err)
		}
	}
	release := l.releaser()

	slot := l.reserve(time.Now())
	if err := harvest.Sleep(ctx, time.Until(slot)); err != nil {
		release()
		return nil, cancelled(err)
	}
	if err := l.ceiling.Wait(ctx); err != nil {
		release()
		return nil, cancelled(err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitWait(waited)
	}
	return release, nil
}

// reserve books the next free grant time and pushes the timeline forward.
func (l *Limiter) reserve(now time.Time) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot := l.next
	if slot.Before(now) {
		slot = now
	}
	l.next = slot.Add(l.spacing())
	return slot
}

func (l *Limiter) spacing() time.Duration {
	spread := l.maxDelay - l.minDelay
	if spread <= 0 {
		return l.minDelay
	}
	return l.minDelay + rand.N(spread+1)
}

func (l *Limiter) releaser() func() {
	if l.inflight == nil {
		return func() {}
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.inflight.Release(1) })
	}
}

func cancelled(err error) error {
	return fmt.Errorf("rate limit wait: %w: %w", harvest.ErrCancelled, err)
}
