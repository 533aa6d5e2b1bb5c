package connector

import (
	"context"
	"encoding/xml"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/pkhoroshilov/gatherer/config"
	"github.com/pkhoroshilov/gatherer/internal/ingest"
)

// Feed fetches RSS 2.0 and Atom feeds and keeps the entries matching the
// query terms.
type Feed struct {
	cfg    config.FeedConfig
	client *http.Client
	logger *log.Logger
}

// NewFeed creates the RSS/Atom connector.
func NewFeed(cfg config.FeedConfig, client *http.Client) *Feed {
	if client == nil {
		client = http.DefaultClient
	}
	return &Feed{
		cfg:    cfg,
		client: client,
		logger: log.New(log.Writer(), "[FEED] ", log.LstdFlags),
	}
}

type feedDoc struct {
	XMLName xml.Name
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
	Entries []feedEntry `xml:"entry"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
	Creator     string `xml:"creator"`
}

type feedEntry struct {
	Title string `xml:"title"`
	Link  struct {
		Href string `xml:"href,attr"`
	} `xml:"link"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	Updated   string `xml:"updated"`
	Author    struct {
		Name string `xml:"name"`
	} `xml:"author"`
}

// Fetch pulls every configured feed (the "url" constraint overrides config
// with a comma-separated list) and filters entries by the query terms.
func (f *Feed) Fetch(ctx context.Context, query string, constraints map[string]string, maxResults int) ([]ingest.ContentItem, error) {
	urls := f.cfg.URLs
	if u := constraints["url"]; u != "" {
		urls = strings.Split(u, ",")
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("feed: no feed urls configured")
	}

	terms := strings.Fields(strings.ToLower(query))
	var items []ingest.ContentItem
	var lastErr error
	for _, feedURL := range urls {
		feedURL = strings.TrimSpace(feedURL)
		if feedURL == "" {
			continue
		}
		if len(items) >= maxResults || ctx.Err() != nil {
			break
		}
		fetched, err := f.fetchOne(ctx, feedURL, terms, maxResults-len(items))
		if err != nil {
			f.logger.Printf("feed %s: %v", feedURL, err)
			lastErr = err
			continue
		}
		items = append(items, fetched...)
	}
	if len(items) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return items, nil
}

func (f *Feed) fetchOne(ctx context.Context, feedURL string, terms []string, limit int) ([]ingest.ContentItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(ingest.SourceFeed, resp); err != nil {
		return nil, err
	}

	var doc feedDoc
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding feed: %w", err)
	}

	now := time.Now()
	var items []ingest.ContentItem
	add := func(title, link, desc, published, author string, layouts ...string) {
		if len(items) >= limit {
			return
		}
		desc = stripHTML(desc)
		if !matchesTerms(title+" "+desc, terms) {
			return
		}
		var authors []string
		if author != "" {
			authors = []string{author}
		}
		items = append(items, ingest.ContentItem{
			ID:          uuid.NewString(),
			Source:      ingest.SourceFeed,
			URL:         link,
			Title:       strings.TrimSpace(title),
			Snippet:     desc,
			Authors:     authors,
			PublishedAt: parseTimeAny(published, layouts...),
			ExtractedAt: now,
			Confidence:  0.6,
			Metadata:    map[string]string{"feed": feedURL},
		})
	}

	if doc.XMLName.Local == "feed" {
		for _, e := range doc.Entries {
			published := e.Published
			if published == "" {
				published = e.Updated
			}
			add(e.Title, e.Link.Href, e.Summary, published, e.Author.Name, time.RFC3339)
		}
		return items, nil
	}
	for _, it := range doc.Channel.Items {
		add(it.Title, it.Link, it.Description, it.PubDate,
			it.Creator, time.RFC1123Z, time.RFC1123, time.RFC822Z, time.RFC822)
	}
	return items, nil
}

// matchesTerms reports whether text contains any query term. An empty query
// keeps everything.
func matchesTerms(text string, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	text = strings.ToLower(text)
	for _, t := range terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}

// stripHTML flattens feed descriptions that embed markup.
func stripHTML(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
