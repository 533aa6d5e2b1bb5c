package connector

import (
	"context"
	"encoding/xml"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pkhoroshilov/gatherer/config"
	"github.com/pkhoroshilov/gatherer/internal/ingest"
)

// Academic queries an arXiv-compatible Atom API.
type Academic struct {
	cfg    config.AcademicConfig
	client *http.Client
	logger *log.Logger
}

// NewAcademic creates the academic index connector.
func NewAcademic(cfg config.AcademicConfig, client *http.Client) *Academic {
	if client == nil {
		client = http.DefaultClient
	}
	return &Academic{
		cfg:    cfg,
		client: client,
		logger: log.New(log.Writer(), "[ACADEMIC] ", log.LstdFlags),
	}
}

type atomEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	Authors   []struct {
		Name string `xml:"name"`
	} `xml:"author"`
	Categories []struct {
		Term string `xml:"term,attr"`
	} `xml:"category"`
}

type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

// Fetch searches the paper index. The "category" constraint restricts
// results to one subject classification.
func (a *Academic) Fetch(ctx context.Context, query string, constraints map[string]string, maxResults int) ([]ingest.ContentItem, error) {
	search := fmt.Sprintf("all:%q", query)
	if cat := constraints["category"]; cat != "" {
		search += " AND cat:" + cat
	}
	reqURL := fmt.Sprintf("%s?search_query=%s&max_results=%d&sortBy=relevance", a.cfg.Endpoint, url.QueryEscape(search), maxResults)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(ingest.SourceAcademic, resp); err != nil {
		return nil, err
	}

	var feed atomFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("academic: decoding feed: %w", err)
	}

	now := time.Now()
	var items []ingest.ContentItem
	for i, e := range feed.Entries {
		if i >= maxResults {
			break
		}
		authors := make([]string, 0, len(e.Authors))
		for _, au := range e.Authors {
			if au.Name != "" {
				authors = append(authors, au.Name)
			}
		}
		meta := map[string]string{}
		if len(e.Categories) > 0 {
			meta["category"] = e.Categories[0].Term
		}
		items = append(items, ingest.ContentItem{
			ID:          uuid.NewString(),
			Source:      ingest.SourceAcademic,
			URL:         e.ID,
			Title:       strings.Join(strings.Fields(e.Title), " "),
			Snippet:     strings.TrimSpace(e.Summary),
			Authors:     authors,
			PublishedAt: parseTimeAny(e.Published, time.RFC3339),
			ExtractedAt: now,
			Confidence:  0.85,
			Metadata:    meta,
		})
	}
	return items, nil
}
