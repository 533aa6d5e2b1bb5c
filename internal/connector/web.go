package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"github.com/google/uuid"

	"github.com/pkhoroshilov/gatherer/config"
	"github.com/pkhoroshilov/gatherer/internal/ingest"
)

// Web queries a Brave-style web search API and optionally extracts readable
// content from the top hits.
type Web struct {
	cfg    config.WebConfig
	client *http.Client
	logger *log.Logger
}

// NewWeb creates the web search connector.
func NewWeb(cfg config.WebConfig, client *http.Client) *Web {
	if client == nil {
		client = http.DefaultClient
	}
	return &Web{
		cfg:    cfg,
		client: client,
		logger: log.New(log.Writer(), "[WEB] ", log.LstdFlags),
	}
}

// Fetch runs a web search for the query. The "site" constraint narrows
// results to one domain.
func (w *Web) Fetch(ctx context.Context, query string, constraints map[string]string, maxResults int) ([]ingest.ContentItem, error) {
	if site := constraints["site"]; site != "" {
		query = "site:" + site + " " + query
	}

	reqURL := fmt.Sprintf("%s?q=%s&count=%d", w.cfg.Endpoint, url.QueryEscape(query), maxResults)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", w.cfg.APIKey)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(ingest.SourceWeb, resp); err != nil {
		return nil, err
	}

	var raw struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
				PageAge     string `json:"page_age"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("web: decoding response: %w", err)
	}

	now := time.Now()
	var items []ingest.ContentItem
	for i, r := range raw.Web.Results {
		if i >= maxResults {
			break
		}
		items = append(items, ingest.ContentItem{
			ID:          uuid.NewString(),
			Source:      ingest.SourceWeb,
			URL:         r.URL,
			Title:       r.Title,
			Snippet:     r.Description,
			PublishedAt: parseTimeAny(r.PageAge, time.RFC3339, "2006-01-02T15:04:05"),
			ExtractedAt: now,
			// Search rank is the only relevance signal the API exposes.
			Confidence: clamp(0.85-0.05*float64(i), 0.4, 0.85),
		})
	}

	if w.cfg.Extract {
		w.extractTop(ctx, items)
	}
	return items, nil
}

// extractTop replaces the search snippet of the first few items with
// readable page content. Extraction failures are logged and skipped; the
// search result is still usable.
func (w *Web) extractTop(ctx context.Context, items []ingest.ContentItem) {
	top := w.cfg.ExtractTop
	if top <= 0 || top > len(items) {
		top = len(items)
	}
	for i := 0; i < top; i++ {
		if ctx.Err() != nil {
			return
		}
		text, err := w.extract(ctx, items[i].URL)
		if err != nil {
			w.logger.Printf("extract %s: %v", items[i].URL, err)
			continue
		}
		if text != "" {
			items[i].Snippet = text
		}
	}
}

func (w *Web) extract(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", err
	}
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", err
	}
	article, err := readability.FromReader(strings.NewReader(string(body)), parsed)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(article.TextContent)
	const maxRunes = 1200
	if runes := []rune(text); len(runes) > maxRunes {
		text = strings.TrimSpace(string(runes[:maxRunes])) + "…"
	}
	return text, nil
}
