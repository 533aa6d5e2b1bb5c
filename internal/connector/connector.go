// Package connector implements the per-source fetch units. Each connector
// owns one protocol (search API, Atom index, E-utilities, RSS, mail
// gateway, social JSON) and satisfies ingest.Connector. Connectors are the
// only part of the system performing network I/O and always honor the
// context deadline they are given.
package connector

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkhoroshilov/gatherer/internal/ingest"
)

// checkStatus maps an HTTP response status to the error taxonomy: 429
// becomes a ThrottleError the orchestrator feeds into the adaptive rate
// limiter, any other non-2xx a generic connector error.
func checkStatus(source ingest.SourceType, resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		te := &ingest.ThrottleError{Source: source}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				te.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return te
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: unexpected status %s", source, resp.Status)
	}
	return nil
}

// parseTimeAny tries the given layouts in order; the zero time means no
// layout matched.
func parseTimeAny(s string, layouts ...string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
