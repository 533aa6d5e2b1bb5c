package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkhoroshilov/gatherer/config"
	"github.com/pkhoroshilov/gatherer/internal/breaker"
	"github.com/pkhoroshilov/gatherer/internal/ratelimit"
	"github.com/pkhoroshilov/gatherer/internal/telemetry"
)

// fakeConnector counts invocations and delegates to fetch.
type fakeConnector struct {
	calls atomic.Int32
	fetch func(ctx context.Context, query string, constraints map[string]string, maxResults int) ([]ContentItem, error)
}

func (f *fakeConnector) Fetch(ctx context.Context, query string, constraints map[string]string, maxResults int) ([]ContentItem, error) {
	f.calls.Add(1)
	return f.fetch(ctx, query, constraints, maxResults)
}

func itemsConnector(source SourceType, n int) *fakeConnector {
	return &fakeConnector{fetch: func(_ context.Context, query string, _ map[string]string, _ int) ([]ContentItem, error) {
		out := make([]ContentItem, n)
		for i := range out {
			out[i] = ContentItem{
				ID:     fmt.Sprintf("%s-%d", source, i),
				Source: source,
				URL:    fmt.Sprintf("https://%s.example.com/%d", source, i),
				Title:  fmt.Sprintf("%s result %d for %s", source, i, query),
			}
		}
		return out, nil
	}}
}

func failingConnector(err error) *fakeConnector {
	return &fakeConnector{fetch: func(context.Context, string, map[string]string, int) ([]ContentItem, error) {
		return nil, err
	}}
}

// memCache is a minimal in-test ResultCache.
type memCache struct {
	mu    sync.Mutex
	store map[string][]ContentItem
}

func newMemCache() *memCache { return &memCache{store: make(map[string][]ContentItem)} }

func (c *memCache) Get(_ context.Context, fp string) ([]ContentItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	items, ok := c.store[fp]
	return items, ok
}

func (c *memCache) Put(_ context.Context, fp string, items []ContentItem, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[fp] = items
}

func (c *memCache) Flush(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = make(map[string][]ContentItem)
	return nil
}

func (c *memCache) Stats() CacheStats { return CacheStats{} }

// passRanker returns items untouched; ranking has its own tests.
type passRanker struct{}

func (passRanker) Merge(items []ContentItem, _ map[SourceType]int, _ float64) ([]ContentItem, int) {
	return items, len(items)
}

func testConfig() *config.Config {
	return &config.Config{
		Orchestrator: config.OrchestratorConfig{
			MaxParallelism:    4,
			DefaultDeadline:   2 * time.Second,
			SourceCallTimeout: time.Second,
			RateLimitWait:     100 * time.Millisecond,
		},
		RateLimit: config.RateLimitConfig{
			Default:       config.LimitConfig{Capacity: 100, RefillPerSec: 100},
			ThrottleDecay: 0.5,
			ThrottleFloor: 0.1,
			Cooldown:      time.Minute,
		},
		Breaker: config.BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute},
		Cache:   config.CacheConfig{Backend: "memory", TTL: time.Minute, MaxEntries: 100},
	}
}

type harness struct {
	orch     *Orchestrator
	cache    *memCache
	limiters *ratelimit.Registry
	breakers *breaker.Registry
}

func newHarness(t *testing.T, cfg *config.Config, connectors map[SourceType]Connector) *harness {
	t.Helper()
	cache := newMemCache()
	limiters := ratelimit.NewRegistry(cfg.RateLimit)
	breakers := breaker.NewRegistry(cfg.Breaker)
	logger := log.New(io.Discard, "", 0)
	orch, err := New(cfg, logger, telemetry.New(cfg.Telemetry), cache, limiters, breakers, passRanker{}, connectors)
	require.NoError(t, err)
	return &harness{orch: orch, cache: cache, limiters: limiters, breakers: breakers}
}

func testPlan(sources ...SourceSpec) IngestionPlan {
	return IngestionPlan{
		ID:                  "plan-1",
		Topic:               "quantum computing",
		Sources:             sources,
		Deadline:            2 * time.Second,
		MaxResultsPerSource: 5,
	}
}

func TestExecuteRejectsInvalidPlan(t *testing.T) {
	h := newHarness(t, testConfig(), map[SourceType]Connector{SourceWeb: itemsConnector(SourceWeb, 1)})

	_, err := h.orch.Execute(context.Background(), testPlan())
	var invalid *InvalidPlanError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Reason, "sources")
}

func TestExecuteAggregatesAcrossSources(t *testing.T) {
	web := itemsConnector(SourceWeb, 3)
	feed := itemsConnector(SourceFeed, 2)
	h := newHarness(t, testConfig(), map[SourceType]Connector{SourceWeb: web, SourceFeed: feed})

	res, err := h.orch.Execute(context.Background(), testPlan(
		SourceSpec{Type: SourceWeb, Priority: 2},
		SourceSpec{Type: SourceFeed, Priority: 1},
	))
	require.NoError(t, err)

	assert.Len(t, res.Items, 5)
	assert.Equal(t, 5, res.TotalItems)
	assert.False(t, res.Degraded)
	assert.Zero(t, res.CacheHits)
	assert.Equal(t, StatusSucceeded, res.PerSourceStatus[SourceWeb])
	assert.Equal(t, StatusSucceeded, res.PerSourceStatus[SourceFeed])
	assert.Equal(t, int32(1), web.calls.Load())
	assert.Equal(t, int32(1), feed.calls.Load())
}

func TestExecuteServesRepeatFromCache(t *testing.T) {
	web := itemsConnector(SourceWeb, 2)
	h := newHarness(t, testConfig(), map[SourceType]Connector{SourceWeb: web})
	plan := testPlan(SourceSpec{Type: SourceWeb, Priority: 1})

	first, err := h.orch.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, first.PerSourceStatus[SourceWeb])

	second, err := h.orch.Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, StatusCacheHit, second.PerSourceStatus[SourceWeb])
	assert.Equal(t, 1, second.CacheHits)
	assert.Equal(t, first.TotalItems, second.TotalItems)
	assert.Equal(t, int32(1), web.calls.Load(), "cache hit must not reach the connector")
}

func TestExecuteDifferentConstraintsMissCache(t *testing.T) {
	web := itemsConnector(SourceWeb, 1)
	h := newHarness(t, testConfig(), map[SourceType]Connector{SourceWeb: web})

	_, err := h.orch.Execute(context.Background(), testPlan(SourceSpec{Type: SourceWeb, Priority: 1}))
	require.NoError(t, err)

	_, err = h.orch.Execute(context.Background(), testPlan(
		SourceSpec{Type: SourceWeb, Priority: 1, Parameters: map[string]string{"site": "example.com"}},
	))
	require.NoError(t, err)

	assert.Equal(t, int32(2), web.calls.Load())
}

func TestExecuteDeadlineBoundsSlowSource(t *testing.T) {
	released := make(chan struct{})
	hang := &fakeConnector{fetch: func(ctx context.Context, _ string, _ map[string]string, _ int) ([]ContentItem, error) {
		<-ctx.Done()
		<-released
		return []ContentItem{{ID: "late", Source: SourceWeb, Title: "late"}}, nil
	}}
	fast := itemsConnector(SourceFeed, 2)

	cfg := testConfig()
	cfg.Orchestrator.SourceCallTimeout = 10 * time.Second
	h := newHarness(t, cfg, map[SourceType]Connector{SourceWeb: hang, SourceFeed: fast})

	plan := testPlan(SourceSpec{Type: SourceWeb, Priority: 1}, SourceSpec{Type: SourceFeed, Priority: 1})
	plan.Deadline = 150 * time.Millisecond

	start := time.Now()
	res, err := h.orch.Execute(context.Background(), plan)
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Less(t, elapsed, time.Second, "execute must return near the plan deadline")
	assert.Equal(t, StatusTimedOut, res.PerSourceStatus[SourceWeb])
	assert.Equal(t, StatusSucceeded, res.PerSourceStatus[SourceFeed])
	assert.True(t, res.Degraded)
	assert.Len(t, res.Items, 2, "late source contributes nothing")

	// Unblock the hung goroutine; its late result is dropped without
	// touching the returned result.
	close(released)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, res.Items, 2)
	assert.Equal(t, StatusTimedOut, res.PerSourceStatus[SourceWeb])
}

func TestExecuteOpenCircuitSkipsConnector(t *testing.T) {
	web := itemsConnector(SourceWeb, 1)
	cfg := testConfig()
	h := newHarness(t, cfg, map[SourceType]Connector{SourceWeb: web})

	for i := 0; i < cfg.Breaker.FailureThreshold; i++ {
		h.breakers.Failure(string(SourceWeb))
	}
	require.ErrorIs(t, h.breakers.Allow(string(SourceWeb)), breaker.ErrCircuitOpen)

	res, err := h.orch.Execute(context.Background(), testPlan(SourceSpec{Type: SourceWeb, Priority: 1}))
	require.NoError(t, err)

	assert.Equal(t, StatusCircuitOpen, res.PerSourceStatus[SourceWeb])
	assert.True(t, res.Degraded)
	assert.Empty(t, res.Items)
	assert.Zero(t, web.calls.Load(), "open circuit must not reach the connector")
}

func TestExecuteRateLimitedWithoutTokens(t *testing.T) {
	web := itemsConnector(SourceWeb, 1)
	cfg := testConfig()
	cfg.RateLimit.PerSource = map[string]config.LimitConfig{
		string(SourceWeb): {Capacity: 1, RefillPerSec: 0.001},
	}
	h := newHarness(t, cfg, map[SourceType]Connector{SourceWeb: web})

	// Drain the single token so the task's bounded wait cannot succeed.
	require.True(t, h.limiters.Allow(string(SourceWeb)))

	res, err := h.orch.Execute(context.Background(), testPlan(SourceSpec{Type: SourceWeb, Priority: 1}))
	require.NoError(t, err)

	assert.Equal(t, StatusRateLimited, res.PerSourceStatus[SourceWeb])
	assert.True(t, res.Degraded)
	assert.Zero(t, web.calls.Load())

	// The admitted-but-never-made call must not count against the breaker.
	st := h.breakers.Snapshot()[string(SourceWeb)]
	assert.Equal(t, breaker.StatusClosed, st.Status)
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestExecuteAllSourcesFailing(t *testing.T) {
	boom := errors.New("upstream exploded")
	h := newHarness(t, testConfig(), map[SourceType]Connector{
		SourceWeb:  failingConnector(boom),
		SourceFeed: failingConnector(boom),
	})

	res, err := h.orch.Execute(context.Background(), testPlan(
		SourceSpec{Type: SourceWeb, Priority: 1},
		SourceSpec{Type: SourceFeed, Priority: 1},
	))
	require.NoError(t, err, "per-source failures never surface as an execute error")

	assert.Empty(t, res.Items)
	assert.Zero(t, res.TotalItems)
	assert.True(t, res.Degraded)
	assert.Equal(t, StatusFailed, res.PerSourceStatus[SourceWeb])
	assert.Equal(t, StatusFailed, res.PerSourceStatus[SourceFeed])
}

func TestExecuteFailuresAccumulateToOpenCircuit(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, map[SourceType]Connector{
		SourceWeb: failingConnector(errors.New("bad gateway")),
	})

	for i := 0; i < cfg.Breaker.FailureThreshold; i++ {
		res, err := h.orch.Execute(context.Background(), testPlan(SourceSpec{Type: SourceWeb, Priority: 1}))
		require.NoError(t, err)
		require.Equal(t, StatusFailed, res.PerSourceStatus[SourceWeb])
	}

	res, err := h.orch.Execute(context.Background(), testPlan(SourceSpec{Type: SourceWeb, Priority: 1}))
	require.NoError(t, err)
	assert.Equal(t, StatusCircuitOpen, res.PerSourceStatus[SourceWeb])
	assert.Equal(t, breaker.StatusOpen, h.orch.CircuitSnapshot()[string(SourceWeb)].Status)
}

func TestExecuteThrottleResponseReducesLimit(t *testing.T) {
	throttled := failingConnector(&ThrottleError{Source: SourceWeb, RetryAfter: time.Minute})
	h := newHarness(t, testConfig(), map[SourceType]Connector{SourceWeb: throttled})

	// Materialize the bucket so the before snapshot carries the base rate.
	require.True(t, h.limiters.Allow(string(SourceWeb)))
	before := h.limiters.Snapshot()[string(SourceWeb)]

	res, err := h.orch.Execute(context.Background(), testPlan(SourceSpec{Type: SourceWeb, Priority: 1}))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.PerSourceStatus[SourceWeb])

	after := h.limiters.Snapshot()[string(SourceWeb)]
	assert.True(t, after.Throttled)
	assert.Less(t, after.RefillPerSec, before.RefillPerSec)
}

func TestExecuteSourceWithoutConnector(t *testing.T) {
	h := newHarness(t, testConfig(), map[SourceType]Connector{SourceWeb: itemsConnector(SourceWeb, 1)})

	res, err := h.orch.Execute(context.Background(), testPlan(
		SourceSpec{Type: SourceWeb, Priority: 1},
		SourceSpec{Type: SourceEmail, Priority: 1},
	))
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, res.PerSourceStatus[SourceWeb])
	assert.Equal(t, StatusFailed, res.PerSourceStatus[SourceEmail])
	assert.True(t, res.Degraded)
}

func TestExecuteConcurrentPlans(t *testing.T) {
	slow := &fakeConnector{fetch: func(ctx context.Context, _ string, _ map[string]string, _ int) ([]ContentItem, error) {
		time.Sleep(10 * time.Millisecond)
		return []ContentItem{{ID: "x", Source: SourceWeb, Title: "x"}}, nil
	}}
	cfg := testConfig()
	cfg.Orchestrator.MaxParallelism = 2
	h := newHarness(t, cfg, map[SourceType]Connector{SourceWeb: slow})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			plan := testPlan(SourceSpec{Type: SourceWeb, Priority: 1})
			plan.ID = fmt.Sprintf("plan-%d", i)
			plan.Topic = fmt.Sprintf("topic %d", i)
			res, err := h.orch.Execute(context.Background(), plan)
			assert.NoError(t, err)
			assert.True(t, res.PerSourceStatus[SourceWeb].Terminal())
		}(i)
	}
	wg.Wait()
}

// Drives many executions whose deadline expires while tasks are still being
// dispatched, so the deadline sweep overlaps live task goroutines. Run with
// -race: task state must stay single-writer under the claim CAS.
func TestExecuteDeadlineDuringDispatch(t *testing.T) {
	conns := map[SourceType]Connector{}
	for _, st := range KnownSourceTypes {
		conns[st] = itemsConnector(st, 1)
	}
	cfg := testConfig()
	cfg.Orchestrator.MaxParallelism = 2
	h := newHarness(t, cfg, conns)

	for i := 0; i < 200; i++ {
		plan := testPlan(
			SourceSpec{Type: SourceWeb, Priority: 6},
			SourceSpec{Type: SourceAcademic, Priority: 5},
			SourceSpec{Type: SourceBiomedical, Priority: 4},
			SourceSpec{Type: SourceFeed, Priority: 3},
			SourceSpec{Type: SourceEmail, Priority: 2},
			SourceSpec{Type: SourceSocial, Priority: 1},
		)
		plan.Topic = fmt.Sprintf("topic %d", i)
		plan.Deadline = time.Nanosecond

		res, err := h.orch.Execute(context.Background(), plan)
		require.NoError(t, err)
		for st, status := range res.PerSourceStatus {
			assert.True(t, status.Terminal(), "%s: %s", st, status)
		}
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	for _, s := range []TaskStatus{StatusCacheHit, StatusSucceeded, StatusFailed, StatusCircuitOpen, StatusRateLimited, StatusTimedOut} {
		assert.True(t, s.Terminal(), string(s))
	}
}
