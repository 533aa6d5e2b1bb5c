// Package httpool manages reusable HTTP clients per source. All clients
// share one tuned transport so connections to the same upstream are pooled,
// while per-source clients keep timeouts independent.
package httpool

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"
)

// Pool hands out per-source HTTP clients and tracks upstream health.
type Pool struct {
	transport *http.Transport
	timeout   time.Duration
	logger    *log.Logger

	mu      sync.RWMutex
	clients map[string]*http.Client
	bases   map[string]string
	healthy map[string]bool
}

// New creates a pool whose clients share a keep-alive transport.
func New(timeout time.Duration) *Pool {
	return &Pool{
		transport: &http.Transport{
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		timeout: timeout,
		logger:  log.New(log.Writer(), "[POOL] ", log.LstdFlags),
		clients: make(map[string]*http.Client),
		bases:   make(map[string]string),
		healthy: make(map[string]bool),
	}
}

// Register associates a source with its upstream base URL for health checks.
func (p *Pool) Register(source, baseURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bases[source] = baseURL
}

// Client returns the pooled client for a source, creating it on first use.
func (p *Pool) Client(source string) *http.Client {
	p.mu.RLock()
	c, ok := p.clients[source]
	p.mu.RUnlock()
	if ok {
		return c
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[source]; ok {
		return c
	}
	c = &http.Client{Transport: p.transport, Timeout: p.timeout}
	p.clients[source] = c
	return c
}

// HealthCheck probes every registered base URL. An upstream is healthy when
// it answers at all; HTTP-level errors still mean the host is reachable.
func (p *Pool) HealthCheck(ctx context.Context) map[string]bool {
	p.mu.RLock()
	bases := make(map[string]string, len(p.bases))
	for s, b := range p.bases {
		bases[s] = b
	}
	p.mu.RUnlock()

	result := make(map[string]bool, len(bases))
	for source, base := range bases {
		result[source] = p.probe(ctx, source, base)
	}

	p.mu.Lock()
	for s, ok := range result {
		p.healthy[s] = ok
	}
	p.mu.Unlock()
	return result
}

func (p *Pool) probe(ctx context.Context, source, base string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, base, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client(source).Do(req)
	if err != nil {
		p.logger.Printf("health probe %s: %v", source, err)
		return false
	}
	resp.Body.Close()
	return true
}

// Health returns the last recorded health state per source.
func (p *Pool) Health() map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]bool, len(p.healthy))
	for s, ok := range p.healthy {
		out[s] = ok
	}
	return out
}

// CloseIdle drops idle connections held by the shared transport.
func (p *Pool) CloseIdle() { p.transport.CloseIdleConnections() }
