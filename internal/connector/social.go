package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/pkhoroshilov/gatherer/config"
	"github.com/pkhoroshilov/gatherer/internal/ingest"
)

// Social searches a Reddit-compatible public JSON API.
type Social struct {
	cfg    config.SocialConfig
	client *http.Client
	logger *log.Logger
}

// NewSocial creates the social feed connector.
func NewSocial(cfg config.SocialConfig, client *http.Client) *Social {
	if client == nil {
		client = http.DefaultClient
	}
	return &Social{
		cfg:    cfg,
		client: client,
		logger: log.New(log.Writer(), "[SOCIAL] ", log.LstdFlags),
	}
}

// Fetch searches posts. The "subreddit" constraint restricts the search to
// one community.
func (s *Social) Fetch(ctx context.Context, query string, constraints map[string]string, maxResults int) ([]ingest.ContentItem, error) {
	path := "/search.json"
	params := url.Values{}
	params.Set("q", query)
	params.Set("limit", fmt.Sprint(maxResults))
	params.Set("sort", "relevance")
	if sub := constraints["subreddit"]; sub != "" {
		path = "/r/" + sub + "/search.json"
		params.Set("restrict_sr", "1")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Endpoint+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(ingest.SourceSocial, resp); err != nil {
		return nil, err
	}

	var raw struct {
		Data struct {
			Children []struct {
				Data struct {
					Title      string  `json:"title"`
					Permalink  string  `json:"permalink"`
					SelfText   string  `json:"selftext"`
					Author     string  `json:"author"`
					CreatedUTC float64 `json:"created_utc"`
					Score      int     `json:"score"`
					Subreddit  string  `json:"subreddit"`
				} `json:"data"`
			} `json:"children"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("social: decoding response: %w", err)
	}

	now := time.Now()
	var items []ingest.ContentItem
	for i, child := range raw.Data.Children {
		if i >= maxResults {
			break
		}
		p := child.Data
		snippet := p.SelfText
		if runes := []rune(snippet); len(runes) > 500 {
			snippet = string(runes[:500]) + "…"
		}
		var published time.Time
		if p.CreatedUTC > 0 {
			published = time.Unix(int64(p.CreatedUTC), 0).UTC()
		}
		items = append(items, ingest.ContentItem{
			ID:          uuid.NewString(),
			Source:      ingest.SourceSocial,
			URL:         "https://www.reddit.com" + p.Permalink,
			Title:       p.Title,
			Snippet:     snippet,
			Authors:     []string{p.Author},
			PublishedAt: published,
			ExtractedAt: now,
			// Community score is the only quality signal available.
			Confidence: clamp(0.3+0.1*math.Log10(1+math.Max(0, float64(p.Score))), 0.3, 0.8),
			Metadata:   map[string]string{"subreddit": p.Subreddit},
		})
	}
	return items, nil
}
