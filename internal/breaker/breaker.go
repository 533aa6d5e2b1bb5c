// Package breaker implements per-source circuit breakers. Each source gets
// an independent state machine: closed -> open -> half_open -> closed, with
// half-open admitting exactly one probe call at a time.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/pkhoroshilov/gatherer/config"
)

// ErrCircuitOpen is returned by Allow while a source's breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit open")

// Status is the breaker state for one source.
type Status string

const (
	StatusClosed   Status = "closed"
	StatusOpen     Status = "open"
	StatusHalfOpen Status = "half_open"
)

// State is a read-only snapshot of one breaker.
type State struct {
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	NextProbeAt         time.Time `json:"next_probe_at,omitempty"`
}

type circuit struct {
	mu       sync.Mutex
	status   Status
	failures int
	openedAt time.Time
	probing  bool
}

// Registry holds one breaker per source key. Keys are independent: one
// source tripping never affects another.
type Registry struct {
	mu       sync.RWMutex
	circuits map[string]*circuit

	threshold int
	recovery  time.Duration
	now       func() time.Time
}

// NewRegistry builds a breaker registry from config.
func NewRegistry(cfg config.BreakerConfig) *Registry {
	return &Registry{
		circuits:  make(map[string]*circuit),
		threshold: cfg.FailureThreshold,
		recovery:  cfg.RecoveryTimeout,
		now:       time.Now,
	}
}

// SetNow overrides the clock. Test hook.
func (r *Registry) SetNow(now func() time.Time) { r.now = now }

func (r *Registry) circuitFor(source string) *circuit {
	r.mu.RLock()
	c, ok := r.circuits[source]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.circuits[source]; ok {
		return c
	}
	c = &circuit{status: StatusClosed}
	r.circuits[source] = c
	return c
}

// Allow reports whether a call to the source may proceed. In the open state
// it returns ErrCircuitOpen until the recovery timeout elapses, then admits
// a single half-open probe.
func (r *Registry) Allow(source string) error {
	c := r.circuitFor(source)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.status {
	case StatusClosed:
		return nil
	case StatusOpen:
		if r.now().Before(c.openedAt.Add(r.recovery)) {
			return ErrCircuitOpen
		}
		c.status = StatusHalfOpen
		c.probing = true
		return nil
	case StatusHalfOpen:
		if c.probing {
			return ErrCircuitOpen
		}
		c.probing = true
		return nil
	}
	return nil
}

// Success records a successful call, closing the breaker and resetting the
// failure count.
func (r *Registry) Success(source string) {
	c := r.circuitFor(source)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = StatusClosed
	c.failures = 0
	c.probing = false
	c.openedAt = time.Time{}
}

// Cancel releases a half-open probe slot when the admitted call was never
// attempted (e.g. the rate limiter rejected it). State and failure count
// are left untouched.
func (r *Registry) Cancel(source string) {
	c := r.circuitFor(source)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusHalfOpen {
		c.probing = false
	}
}

// Failure records a failed call. A failed half-open probe reopens the
// breaker immediately; in the closed state the breaker opens once the
// consecutive failure count reaches the threshold.
func (r *Registry) Failure(source string) {
	c := r.circuitFor(source)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == StatusHalfOpen {
		c.status = StatusOpen
		c.openedAt = r.now()
		c.probing = false
		return
	}

	c.failures++
	if c.status == StatusClosed && c.failures >= r.threshold {
		c.status = StatusOpen
		c.openedAt = r.now()
	}
}

// Snapshot returns the current state of every breaker seen so far.
func (r *Registry) Snapshot() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]State, len(r.circuits))
	for source, c := range r.circuits {
		c.mu.Lock()
		s := State{
			Status:              c.status,
			ConsecutiveFailures: c.failures,
			OpenedAt:            c.openedAt,
		}
		if c.status == StatusOpen {
			s.NextProbeAt = c.openedAt.Add(r.recovery)
		}
		c.mu.Unlock()
		out[source] = s
	}
	return out
}
