// Package ratelimit implements per-source token buckets on top of
// golang.org/x/time/rate. Capacity maps to burst and refill_per_sec to the
// limiter rate, so a bucket with capacity 5 allows 5 immediate acquisitions
// before refill kicks in.
//
// When a source starts answering with throttle responses the bucket's refill
// rate decays multiplicatively (down to a configured floor) and is restored
// step by step after a cooldown window, so a throttled upstream is never
// hammered back to full speed at once.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pkhoroshilov/gatherer/config"
)

type bucket struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	base        rate.Limit
	throttledAt time.Time
	throttled   bool
}

// Registry holds one token bucket per source key.
type Registry struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	cfg config.RateLimitConfig
	now func() time.Time
}

// LimitState is a read-only snapshot of one bucket.
type LimitState struct {
	RefillPerSec float64 `json:"refill_per_sec"`
	Capacity     int     `json:"capacity"`
	Tokens       float64 `json:"tokens"`
	Throttled    bool    `json:"throttled"`
}

// NewRegistry builds a limiter registry from config.
func NewRegistry(cfg config.RateLimitConfig) *Registry {
	return &Registry{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetNow overrides the clock used for cooldown bookkeeping. Test hook.
func (r *Registry) SetNow(now func() time.Time) { r.now = now }

func (r *Registry) limitFor(source string) config.LimitConfig {
	if lc, ok := r.cfg.PerSource[source]; ok {
		return lc
	}
	return r.cfg.Default
}

func (r *Registry) bucketFor(source string) *bucket {
	r.mu.RLock()
	b, ok := r.buckets[source]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[source]; ok {
		return b
	}
	lc := r.limitFor(source)
	b = &bucket{
		limiter: rate.NewLimiter(rate.Limit(lc.RefillPerSec), lc.Capacity),
		base:    rate.Limit(lc.RefillPerSec),
	}
	r.buckets[source] = b
	return b
}

// Allow consumes one token if available, without blocking.
func (r *Registry) Allow(source string) bool {
	b := r.bucketFor(source)
	r.maybeRestore(b)
	return b.limiter.Allow()
}

// Wait blocks until a token is available or the context expires. A request
// that cannot be satisfied within the context deadline fails immediately.
func (r *Registry) Wait(ctx context.Context, source string) error {
	b := r.bucketFor(source)
	r.maybeRestore(b)
	return b.limiter.Wait(ctx)
}

// ReportThrottle records an upstream rate-limit response (e.g. HTTP 429)
// and decays the source's refill rate.
func (r *Registry) ReportThrottle(source string) {
	b := r.bucketFor(source)
	b.mu.Lock()
	defer b.mu.Unlock()

	next := rate.Limit(float64(b.limiter.Limit()) * r.cfg.ThrottleDecay)
	floor := b.base * rate.Limit(r.cfg.ThrottleFloor)
	if next < floor {
		next = floor
	}
	b.limiter.SetLimit(next)
	b.throttled = true
	b.throttledAt = r.now()
}

// maybeRestore doubles the refill rate (capped at the configured base) once
// per cooldown window after the last throttle signal.
func (r *Registry) maybeRestore(b *bucket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.throttled {
		return
	}
	if r.now().Sub(b.throttledAt) < r.cfg.Cooldown {
		return
	}
	next := b.limiter.Limit() * 2
	if next >= b.base {
		next = b.base
		b.throttled = false
	}
	b.limiter.SetLimit(next)
	b.throttledAt = r.now()
}

// Snapshot returns the current state of every bucket seen so far.
func (r *Registry) Snapshot() map[string]LimitState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]LimitState, len(r.buckets))
	for source, b := range r.buckets {
		b.mu.Lock()
		out[source] = LimitState{
			RefillPerSec: float64(b.limiter.Limit()),
			Capacity:     b.limiter.Burst(),
			Tokens:       b.limiter.Tokens(),
			Throttled:    b.throttled,
		}
		b.mu.Unlock()
	}
	return out
}
