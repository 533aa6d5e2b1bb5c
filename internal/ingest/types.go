package ingest

import (
	"context"
	"fmt"
	"time"
)

// SourceType identifies one kind of content source.
type SourceType string

const (
	SourceWeb        SourceType = "web"
	SourceAcademic   SourceType = "academic"
	SourceBiomedical SourceType = "biomedical"
	SourceFeed       SourceType = "feed"
	SourceEmail      SourceType = "email"
	SourceSocial     SourceType = "social"
)

// KnownSourceTypes lists every source type the orchestrator understands.
var KnownSourceTypes = []SourceType{
	SourceWeb, SourceAcademic, SourceBiomedical, SourceFeed, SourceEmail, SourceSocial,
}

func validSourceType(t SourceType) bool {
	for _, k := range KnownSourceTypes {
		if t == k {
			return true
		}
	}
	return false
}

// SourceSpec describes one source participating in a plan.
type SourceSpec struct {
	Type       SourceType        `json:"type"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Priority   int               `json:"priority"`
}

// IngestionPlan is a single research request fanned out to multiple sources.
// A plan is immutable once dispatched.
type IngestionPlan struct {
	ID                  string        `json:"id"`
	Topic               string        `json:"topic"`
	Sources             []SourceSpec  `json:"sources"`
	Deadline            time.Duration `json:"deadline"`
	MaxResultsPerSource int           `json:"max_results_per_source"`
	QualityThreshold    float64       `json:"quality_threshold"`
}

// Validate checks the structural constraints of a plan. Any violation is
// reported as *InvalidPlanError.
func (p IngestionPlan) Validate() error {
	if len(p.Sources) == 0 {
		return &InvalidPlanError{Reason: "plan has no sources"}
	}
	if p.Deadline <= 0 {
		return &InvalidPlanError{Reason: "deadline must be positive"}
	}
	if p.MaxResultsPerSource <= 0 {
		return &InvalidPlanError{Reason: "max_results_per_source must be positive"}
	}
	seen := make(map[SourceType]struct{}, len(p.Sources))
	for _, s := range p.Sources {
		if !validSourceType(s.Type) {
			return &InvalidPlanError{Reason: fmt.Sprintf("unknown source type %q", s.Type)}
		}
		if _, dup := seen[s.Type]; dup {
			return &InvalidPlanError{Reason: fmt.Sprintf("duplicate source type %q", s.Type)}
		}
		seen[s.Type] = struct{}{}
	}
	return nil
}

// TaskStatus is the lifecycle state of one per-source task.
type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"
	StatusRunning     TaskStatus = "running"
	StatusCacheHit    TaskStatus = "cache_hit"
	StatusSucceeded   TaskStatus = "succeeded"
	StatusFailed      TaskStatus = "failed"
	StatusCircuitOpen TaskStatus = "circuit_open"
	StatusRateLimited TaskStatus = "rate_limited"
	StatusTimedOut    TaskStatus = "timed_out"
)

// Terminal reports whether the status is a terminal one.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCacheHit, StatusSucceeded, StatusFailed, StatusCircuitOpen, StatusRateLimited, StatusTimedOut:
		return true
	}
	return false
}

// ContentItem is a single normalized piece of content produced by a
// connector. Immutable after creation.
type ContentItem struct {
	ID          string            `json:"id"`
	Source      SourceType        `json:"source"`
	URL         string            `json:"url"`
	Title       string            `json:"title"`
	Snippet     string            `json:"snippet,omitempty"`
	Authors     []string          `json:"authors,omitempty"`
	PublishedAt time.Time         `json:"published_at,omitempty"`
	ExtractedAt time.Time         `json:"extracted_at"`
	Confidence  float64           `json:"confidence"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ExecutionResult is what the caller receives from Execute. It is always a
// best effort: per-source failures are reflected in PerSourceStatus and
// Degraded, never as an error from Execute.
type ExecutionResult struct {
	Items           []ContentItem             `json:"items"`
	PerSourceStatus map[SourceType]TaskStatus `json:"per_source_status"`
	TotalItems      int                       `json:"total_items"`
	ExecutionTime   time.Duration             `json:"execution_time"`
	Degraded        bool                      `json:"degraded"`
	CacheHits       int                       `json:"cache_hits"`
}

// Connector is the narrow contract every source implements. Connectors are
// the only components that perform network I/O and must respect the context
// deadline.
type Connector interface {
	Fetch(ctx context.Context, query string, constraints map[string]string, maxResults int) ([]ContentItem, error)
}

// CacheStats is a read-only snapshot of cache counters.
type CacheStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Entries   int    `json:"entries"`
}

// ResultCache stores fetched items keyed by fingerprint.
type ResultCache interface {
	Get(ctx context.Context, fingerprint string) ([]ContentItem, bool)
	Put(ctx context.Context, fingerprint string, items []ContentItem, ttl time.Duration)
	Flush(ctx context.Context) error
	Stats() CacheStats
}

// Ranker merges items across sources, removing near-duplicates and ordering
// the remainder by composite score. considered counts every deduplicated
// candidate, including those dropped by the quality threshold.
type Ranker interface {
	Merge(items []ContentItem, priorities map[SourceType]int, qualityThreshold float64) (kept []ContentItem, considered int)
}
