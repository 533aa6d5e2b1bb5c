package connector

import (
	"context"
	"encoding/json"
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

// Biomedical queries the PubMed E-utilities API: esearch for matching
// record IDs, then esummary for the records themselves.
type Biomedical struct {
	cfg    config.BiomedicalConfig
	client *http.Client
	logger *log.Logger
}

// NewBiomedical creates the biomedical literature connector.
func NewBiomedical(cfg config.BiomedicalConfig, client *http.Client) *Biomedical {
	if client == nil {
		client = http.DefaultClient
	}
	return &Biomedical{
		cfg:    cfg,
		client: client,
		logger: log.New(log.Writer(), "[BIOMED] ", log.LstdFlags),
	}
}

// Fetch searches the literature index.
func (b *Biomedical) Fetch(ctx context.Context, query string, constraints map[string]string, maxResults int) ([]ingest.ContentItem, error) {
	ids, err := b.search(ctx, query, maxResults)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return b.summaries(ctx, ids)
}

func (b *Biomedical) search(ctx context.Context, query string, maxResults int) ([]string, error) {
	reqURL := fmt.Sprintf("%s/esearch.fcgi?db=pubmed&retmode=json&retmax=%d&term=%s",
		b.cfg.Endpoint, maxResults, url.QueryEscape(query))
	if b.cfg.APIKey != "" {
		reqURL += "&api_key=" + url.QueryEscape(b.cfg.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(ingest.SourceBiomedical, resp); err != nil {
		return nil, err
	}

	var raw struct {
		Result struct {
			IDList []string `json:"idlist"`
		} `json:"esearchresult"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("biomedical: decoding esearch: %w", err)
	}
	return raw.Result.IDList, nil
}

type pubmedRecord struct {
	UID     string `json:"uid"`
	Title   string `json:"title"`
	PubDate string `json:"pubdate"`
	Source  string `json:"fulljournalname"`
	Authors []struct {
		Name string `json:"name"`
	} `json:"authors"`
}

func (b *Biomedical) summaries(ctx context.Context, ids []string) ([]ingest.ContentItem, error) {
	reqURL := fmt.Sprintf("%s/esummary.fcgi?db=pubmed&retmode=json&id=%s",
		b.cfg.Endpoint, strings.Join(ids, ","))
	if b.cfg.APIKey != "" {
		reqURL += "&api_key=" + url.QueryEscape(b.cfg.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(ingest.SourceBiomedical, resp); err != nil {
		return nil, err
	}

	var raw struct {
		Result map[string]json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("biomedical: decoding esummary: %w", err)
	}

	now := time.Now()
	var items []ingest.ContentItem
	for _, id := range ids {
		msg, ok := raw.Result[id]
		if !ok {
			continue
		}
		var rec pubmedRecord
		if err := json.Unmarshal(msg, &rec); err != nil {
			b.logger.Printf("record %s: %v", id, err)
			continue
		}
		authors := make([]string, 0, len(rec.Authors))
		for _, au := range rec.Authors {
			if au.Name != "" {
				authors = append(authors, au.Name)
			}
		}
		meta := map[string]string{}
		if rec.Source != "" {
			meta["journal"] = rec.Source
		}
		items = append(items, ingest.ContentItem{
			ID:          uuid.NewString(),
			Source:      ingest.SourceBiomedical,
			URL:         "https://pubmed.ncbi.nlm.nih.gov/" + rec.UID + "/",
			Title:       rec.Title,
			Authors:     authors,
			PublishedAt: parseTimeAny(rec.PubDate, "2006 Jan 2", "2006 Jan", "2006"),
			ExtractedAt: now,
			Confidence:  0.9,
			Metadata:    meta,
		})
	}
	return items, nil
}
