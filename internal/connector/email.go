package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/pkhoroshilov/gatherer/config"
	"github.com/pkhoroshilov/gatherer/internal/ingest"
)

// Email searches a mail gateway: an HTTP service exposing indexed mailboxes
// (newsletters, list archives) behind a bearer token.
type Email struct {
	cfg    config.EmailConfig
	client *http.Client
	logger *log.Logger
}

// NewEmail creates the mail gateway connector.
func NewEmail(cfg config.EmailConfig, client *http.Client) *Email {
	if client == nil {
		client = http.DefaultClient
	}
	return &Email{
		cfg:    cfg,
		client: client,
		logger: log.New(log.Writer(), "[EMAIL] ", log.LstdFlags),
	}
}

// Fetch searches messages. The "mailbox" constraint restricts the search to
// one mailbox.
func (e *Email) Fetch(ctx context.Context, query string, constraints map[string]string, maxResults int) ([]ingest.ContentItem, error) {
	if e.cfg.Endpoint == "" {
		return nil, fmt.Errorf("email: no gateway endpoint configured")
	}
	reqURL := fmt.Sprintf("%s/messages?query=%s&limit=%d", e.cfg.Endpoint, url.QueryEscape(query), maxResults)
	if mb := constraints["mailbox"]; mb != "" {
		reqURL += "&mailbox=" + url.QueryEscape(mb)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if e.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.Token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(ingest.SourceEmail, resp); err != nil {
		return nil, err
	}

	var raw struct {
		Messages []struct {
			ID         string `json:"id"`
			Subject    string `json:"subject"`
			From       string `json:"from"`
			Snippet    string `json:"snippet"`
			ReceivedAt string `json:"received_at"`
			Mailbox    string `json:"mailbox"`
			URL        string `json:"url"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("email: decoding response: %w", err)
	}

	now := time.Now()
	var items []ingest.ContentItem
	for i, m := range raw.Messages {
		if i >= maxResults {
			break
		}
		locator := m.URL
		if locator == "" {
			locator = e.cfg.Endpoint + "/messages/" + m.ID
		}
		var authors []string
		if m.From != "" {
			authors = []string{m.From}
		}
		meta := map[string]string{}
		if m.Mailbox != "" {
			meta["mailbox"] = m.Mailbox
		}
		items = append(items, ingest.ContentItem{
			ID:          uuid.NewString(),
			Source:      ingest.SourceEmail,
			URL:         locator,
			Title:       m.Subject,
			Snippet:     m.Snippet,
			Authors:     authors,
			PublishedAt: parseTimeAny(m.ReceivedAt, time.RFC3339),
			ExtractedAt: now,
			Confidence:  0.5,
			Metadata:    meta,
		})
	}
	return items, nil
}
