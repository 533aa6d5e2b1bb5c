// Package rank merges content items gathered from multiple sources: it
// removes near-duplicates, assigns each survivor a composite relevance
// score and returns the result ordered by score.
package rank

import (
	"math"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/pkhoroshilov/gatherer/config"
	"github.com/pkhoroshilov/gatherer/internal/ingest"
)

// Engine implements ingest.Ranker. Similarity thresholds and score weights
// come from config; nothing numeric is hardcoded in the logic.
type Engine struct {
	cfg config.RankingConfig
	now func() time.Time
}

// NewEngine builds a ranking engine from config.
func NewEngine(cfg config.RankingConfig) *Engine {
	return &Engine{cfg: cfg, now: time.Now}
}

// SetNow overrides the clock used for recency scoring. Test hook.
func (e *Engine) SetNow(now func() time.Time) { e.now = now }

// Merge deduplicates items, scores the survivors and returns them ordered
// by composite score descending. Items scoring below qualityThreshold are
// dropped but still counted in considered.
//
// The result is deterministic for a given input set regardless of input
// order: candidates are canonically sorted before pairwise comparison and
// ties are broken by source priority, then title.
func (e *Engine) Merge(items []ingest.ContentItem, priorities map[ingest.SourceType]int, qualityThreshold float64) ([]ingest.ContentItem, int) {
	if len(items) == 0 {
		return nil, 0
	}

	candidates := make([]ingest.ContentItem, len(items))
	copy(candidates, items)
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		li, lj := NormalizeLocator(candidates[i].URL), NormalizeLocator(candidates[j].URL)
		if li != lj {
			return li < lj
		}
		return candidates[i].Title < candidates[j].Title
	})

	var merged []ingest.ContentItem
	byLocator := make(map[string]int)
	for _, cand := range candidates {
		loc := NormalizeLocator(cand.URL)
		if idx, ok := byLocator[loc]; ok && loc != "" {
			merged[idx] = mergeInto(merged[idx], cand)
			continue
		}
		if idx, ok := e.findSimilar(merged, cand); ok {
			merged[idx] = mergeInto(merged[idx], cand)
			continue
		}
		if loc != "" {
			byLocator[loc] = len(merged)
		}
		merged = append(merged, cand)
	}
	considered := len(merged)

	maxPrio := 0
	for _, p := range priorities {
		if p > maxPrio {
			maxPrio = p
		}
	}

	type scored struct {
		item  ingest.ContentItem
		score float64
		prio  int
	}
	ranked := make([]scored, 0, len(merged))
	for _, it := range merged {
		prio := priorities[it.Source]
		score := e.composite(it, prio, maxPrio)
		if score < qualityThreshold {
			continue
		}
		ranked = append(ranked, scored{item: it, score: score, prio: prio})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].prio != ranked[j].prio {
			return ranked[i].prio > ranked[j].prio
		}
		return ranked[i].item.Title < ranked[j].item.Title
	})

	out := make([]ingest.ContentItem, len(ranked))
	for i, s := range ranked {
		out[i] = s.item
	}
	return out, considered
}

// findSimilar locates an already merged item whose title is close enough to
// cand's and whose publication date falls within the configured window.
func (e *Engine) findSimilar(merged []ingest.ContentItem, cand ingest.ContentItem) (int, bool) {
	ct := titleTokens(cand.Title)
	if len(ct) == 0 {
		return 0, false
	}
	for i, m := range merged {
		if jaccard(ct, titleTokens(m.Title)) < e.cfg.TitleSimilarity {
			continue
		}
		if cand.PublishedAt.IsZero() || m.PublishedAt.IsZero() {
			continue
		}
		gap := cand.PublishedAt.Sub(m.PublishedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap <= e.cfg.DateWindow {
			return i, true
		}
	}
	return 0, false
}

// mergeInto folds dup into kept: the higher-confidence item wins, and
// authors and metadata are unioned into it. Candidates arrive sorted by
// confidence descending, so kept always has the higher confidence.
func mergeInto(kept, dup ingest.ContentItem) ingest.ContentItem {
	kept.Authors = unionStrings(kept.Authors, dup.Authors)
	if len(dup.Metadata) > 0 {
		if kept.Metadata == nil {
			kept.Metadata = make(map[string]string, len(dup.Metadata))
		}
		for k, v := range dup.Metadata {
			if _, ok := kept.Metadata[k]; !ok {
				kept.Metadata[k] = v
			}
		}
	}
	if kept.Snippet == "" {
		kept.Snippet = dup.Snippet
	}
	return kept
}

func (e *Engine) composite(it ingest.ContentItem, prio, maxPrio int) float64 {
	normPrio := 0.0
	if maxPrio > 0 {
		normPrio = float64(prio) / float64(maxPrio)
	}
	return e.cfg.WeightConfidence*it.Confidence +
		e.cfg.WeightPriority*normPrio +
		e.cfg.WeightRecency*e.recency(it.PublishedAt)
}

// recency decays exponentially with age, halving every RecencyHalfLife.
// Items without a publication date score zero on recency.
func (e *Engine) recency(published time.Time) float64 {
	if published.IsZero() {
		return 0
	}
	age := e.now().Sub(published)
	if age <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * age.Hours() / e.cfg.RecencyHalfLife.Hours())
}

// NormalizeLocator canonicalizes a URL/DOI-style locator: lowercased scheme
// and host, fragment dropped, trailing slash trimmed.
func NormalizeLocator(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return strings.TrimSuffix(strings.ToLower(raw), "/")
	}
	u.Fragment = ""
	if u.Scheme == "" {
		u.Scheme = "https"
	} else {
		u.Scheme = strings.ToLower(u.Scheme)
	}
	u.Host = strings.ToLower(u.Host)
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	return u.String()
}

func titleTokens(title string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(title))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[strings.Trim(f, `.,:;!?"'()[]`)] = struct{}{}
	}
	delete(set, "")
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func unionStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			a = append(a, s)
			seen[s] = struct{}{}
		}
	}
	return a
}
