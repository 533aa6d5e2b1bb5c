package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// InvalidPlanError reports a structurally invalid plan. It is the only
// error Execute returns; everything else is contained per source.
type InvalidPlanError struct {
	Reason string
}

func (e *InvalidPlanError) Error() string { return "invalid plan: " + e.Reason }

// ErrRateLimited marks a task skipped because its source's token budget was
// exhausted within the bounded wait.
var ErrRateLimited = errors.New("rate limited")

// ErrNoConnector marks a source present in a plan with no registered
// connector.
var ErrNoConnector = errors.New("no connector registered")

// ThrottleError is returned by connectors when the upstream answered with a
// rate-limit response (HTTP 429 and friends). The orchestrator feeds these
// into the adaptive rate limiter.
type ThrottleError struct {
	Source     SourceType
	RetryAfter time.Duration
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("source %s throttled by upstream", e.Source)
}

// IsThrottle reports whether err carries an upstream throttle signal.
func IsThrottle(err error) bool {
	var te *ThrottleError
	return errors.As(err, &te)
}

// IsTimeout reports whether err is a deadline/timeout failure.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
