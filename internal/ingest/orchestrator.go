package ingest

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/pkhoroshilov/gatherer/config"
	"github.com/pkhoroshilov/gatherer/internal/breaker"
	"github.com/pkhoroshilov/gatherer/internal/ratelimit"
	"github.com/pkhoroshilov/gatherer/internal/telemetry"
)

// Orchestrator fans a plan out to per-source tasks, each wrapped by cache
// lookup, circuit breaker and rate limiter, collects the outcomes under the
// plan deadline and hands the surviving items to the ranker.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	cacheTTL time.Duration
	logger   *log.Logger

	telemetry  *telemetry.Telemetry
	cache      ResultCache
	limiters   *ratelimit.Registry
	breakers   *breaker.Registry
	ranker     Ranker
	connectors map[SourceType]Connector

	// Bounds task parallelism across all concurrent plan executions.
	semaphore chan struct{}
}

// sourceTask is the runtime unit for one SourceSpec in one plan execution.
// Its fields are written by exactly one side: the task goroutine if it wins
// the claim, otherwise the orchestrator's deadline sweep. The done channel
// hand-off publishes goroutine writes to the orchestrator.
type sourceTask struct {
	spec        SourceSpec
	fingerprint string
	startedAt   time.Time

	claimed atomic.Bool
	status  TaskStatus
	items   []ContentItem
	err     error
	elapsed time.Duration
}

// finish claims the task and records its terminal state. It reports false
// when the orchestrator already swept the task at the deadline; the late
// result is discarded without touching shared state.
func (t *sourceTask) finish(done chan<- *sourceTask, status TaskStatus, items []ContentItem, err error) bool {
	if !t.claimed.CompareAndSwap(false, true) {
		return false
	}
	t.status = status
	t.items = items
	t.err = err
	t.elapsed = time.Since(t.startedAt)
	done <- t
	return true
}

// New creates an orchestrator. All shared services are injected so multiple
// independent orchestrators can coexist (and be tested) in one process.
func New(cfg *config.Config, logger *log.Logger, tel *telemetry.Telemetry, cache ResultCache,
	limiters *ratelimit.Registry, breakers *breaker.Registry, ranker Ranker,
	connectors map[SourceType]Connector) (*Orchestrator, error) {

	if tel == nil || cache == nil || limiters == nil || breakers == nil || ranker == nil {
		return nil, fmt.Errorf("orchestrator requires telemetry, cache, limiter, breaker and ranker")
	}
	if len(connectors) == 0 {
		return nil, fmt.Errorf("orchestrator requires at least one connector")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	return &Orchestrator{
		cfg:        cfg.Orchestrator,
		cacheTTL:   cfg.Cache.TTL,
		logger:     logger,
		telemetry:  tel,
		cache:      cache,
		limiters:   limiters,
		breakers:   breakers,
		ranker:     ranker,
		connectors: connectors,
		semaphore:  make(chan struct{}, cfg.Orchestrator.MaxParallelism),
	}, nil
}

// Execute runs a plan and always returns a best-effort result: per-source
// failures are contained in PerSourceStatus, never surfaced as an error.
// The only error Execute returns is *InvalidPlanError for malformed input.
func (o *Orchestrator) Execute(ctx context.Context, plan IngestionPlan) (ExecutionResult, error) {
	start := time.Now()
	if err := plan.Validate(); err != nil {
		return ExecutionResult{}, err
	}

	execCtx, cancel := context.WithTimeout(ctx, plan.Deadline)
	defer cancel()

	o.logger.Printf("executing plan %s: %d sources, deadline %v", plan.ID, len(plan.Sources), plan.Deadline)

	tasks := make([]*sourceTask, len(plan.Sources))
	done := make(chan *sourceTask, len(plan.Sources))
	for i, spec := range plan.Sources {
		t := &sourceTask{
			spec:        spec,
			fingerprint: Fingerprint(spec.Type, plan.Topic, spec.Parameters),
			startedAt:   time.Now(),
			status:      StatusPending,
		}
		tasks[i] = t
		go o.runTask(execCtx, plan, t, done)
	}

	received := make(map[*sourceTask]bool, len(tasks))
collect:
	for len(received) < len(tasks) {
		select {
		case t := <-done:
			received[t] = true
		case <-execCtx.Done():
			break collect
		}
	}

	// Deadline sweep: claim every task that has not finished. A goroutine
	// losing this race discards its result when it eventually returns.
	for _, t := range tasks {
		if received[t] {
			continue
		}
		if t.claimed.CompareAndSwap(false, true) {
			t.status = StatusTimedOut
			t.err = context.DeadlineExceeded
			t.elapsed = time.Since(t.startedAt)
			received[t] = true
			o.telemetry.RecordFetch(string(t.spec.Type), string(StatusTimedOut), t.elapsed, false)
		}
	}
	// Tasks claimed by their goroutine between the deadline firing and the
	// sweep have a send already in flight on the buffered channel.
	for len(received) < len(tasks) {
		received[<-done] = true
	}

	var collected []ContentItem
	statuses := make(map[SourceType]TaskStatus, len(tasks))
	priorities := make(map[SourceType]int, len(tasks))
	cacheHits := 0
	degraded := false
	for _, t := range tasks {
		statuses[t.spec.Type] = t.status
		priorities[t.spec.Type] = t.spec.Priority
		switch t.status {
		case StatusSucceeded:
			collected = append(collected, t.items...)
		case StatusCacheHit:
			collected = append(collected, t.items...)
			cacheHits++
		default:
			degraded = true
			if t.err != nil {
				o.logger.Printf("source %s: %s (%v)", t.spec.Type, t.status, t.err)
			}
		}
	}

	items, considered := o.ranker.Merge(collected, priorities, plan.QualityThreshold)

	elapsed := time.Since(start)
	o.telemetry.RecordExecution(elapsed, degraded)
	o.publishBreakerGauges()
	o.logger.Printf("plan %s done in %v: %d items (%d considered), degraded=%t", plan.ID, elapsed, len(items), considered, degraded)

	return ExecutionResult{
		Items:           items,
		PerSourceStatus: statuses,
		TotalItems:      considered,
		ExecutionTime:   elapsed,
		Degraded:        degraded,
		CacheHits:       cacheHits,
	}, nil
}

// runTask executes one source task: cache check, breaker check, token
// acquisition, connector fetch, cache store. No lock is held across the
// network call.
func (o *Orchestrator) runTask(ctx context.Context, plan IngestionPlan, t *sourceTask, done chan<- *sourceTask) {
	source := string(t.spec.Type)

	select {
	case o.semaphore <- struct{}{}:
	case <-ctx.Done():
		o.completeTask(t, done, StatusTimedOut, nil, ctx.Err())
		return
	}
	defer func() { <-o.semaphore }()

	conn, ok := o.connectors[t.spec.Type]
	if !ok {
		o.completeTask(t, done, StatusFailed, nil, ErrNoConnector)
		return
	}

	if items, hit := o.cache.Get(ctx, t.fingerprint); hit {
		o.telemetry.RecordCacheHit()
		o.completeTask(t, done, StatusCacheHit, items, nil)
		return
	}
	o.telemetry.RecordCacheMiss()

	if err := o.breakers.Allow(source); err != nil {
		o.completeTask(t, done, StatusCircuitOpen, nil, err)
		return
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, o.cfg.RateLimitWait)
	err := o.limiters.Wait(waitCtx, source)
	cancelWait()
	if err != nil {
		// The admitted call never happened; release a half-open probe slot
		// instead of counting a failure.
		o.breakers.Cancel(source)
		if ctx.Err() != nil {
			o.completeTask(t, done, StatusTimedOut, nil, ctx.Err())
		} else {
			o.completeTask(t, done, StatusRateLimited, nil, ErrRateLimited)
		}
		return
	}

	// Per-task timeout: the nested context caps the call at the per-source
	// maximum while the parent enforces the remaining plan deadline.
	callCtx, cancelCall := context.WithTimeout(ctx, o.cfg.SourceCallTimeout)
	items, err := conn.Fetch(callCtx, plan.Topic, t.spec.Parameters, plan.MaxResultsPerSource)
	cancelCall()

	if err != nil {
		switch {
		case IsThrottle(err):
			o.limiters.ReportThrottle(source)
			o.breakers.Failure(source)
			o.completeTask(t, done, StatusFailed, nil, err)
		case IsTimeout(err):
			o.breakers.Failure(source)
			o.completeTask(t, done, StatusTimedOut, nil, err)
		default:
			o.breakers.Failure(source)
			o.completeTask(t, done, StatusFailed, nil, err)
		}
		return
	}

	o.breakers.Success(source)
	o.cache.Put(ctx, t.fingerprint, items, o.cacheTTL)
	o.completeTask(t, done, StatusSucceeded, items, nil)
}

func (o *Orchestrator) completeTask(t *sourceTask, done chan<- *sourceTask, status TaskStatus, items []ContentItem, err error) {
	if !t.finish(done, status, items, err) {
		o.logger.Printf("discarding late %s result for source %s", status, t.spec.Type)
		return
	}
	success := status == StatusSucceeded || status == StatusCacheHit
	o.telemetry.RecordFetch(string(t.spec.Type), string(status), t.elapsed, success)
}

func (o *Orchestrator) publishBreakerGauges() {
	for source, st := range o.breakers.Snapshot() {
		var v float64
		switch st.Status {
		case breaker.StatusHalfOpen:
			v = 1
		case breaker.StatusOpen:
			v = 2
		}
		o.telemetry.SetBreakerState(source, v)
	}
}

// CircuitSnapshot exposes the current breaker state per source.
func (o *Orchestrator) CircuitSnapshot() map[string]breaker.State {
	return o.breakers.Snapshot()
}

// RateLimitSnapshot exposes the current token bucket state per source.
func (o *Orchestrator) RateLimitSnapshot() map[string]ratelimit.LimitState {
	return o.limiters.Snapshot()
}

// CacheStats exposes cache hit/miss counters.
func (o *Orchestrator) CacheStats() CacheStats {
	return o.cache.Stats()
}

// MetricsSnapshot exposes the in-process telemetry counters.
func (o *Orchestrator) MetricsSnapshot() telemetry.Metrics {
	return o.telemetry.Snapshot()
}
