package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkhoroshilov/gatherer/config"
	"github.com/pkhoroshilov/gatherer/internal/ingest"
)

const webSearchBody = `{
  "web": {
    "results": [
      {"title": "First hit", "url": "https://one.example.com/a", "description": "about quantum", "page_age": "2024-05-01T10:00:00"},
      {"title": "Second hit", "url": "https://two.example.com/b", "description": "more quantum"},
      {"title": "Third hit", "url": "https://three.example.com/c", "description": "even more"}
    ]
  }
}`

func TestWebFetch(t *testing.T) {
	var gotQuery, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotToken = r.Header.Get("X-Subscription-Token")
		fmt.Fprint(w, webSearchBody)
	}))
	defer srv.Close()

	web := NewWeb(config.WebConfig{Endpoint: srv.URL, APIKey: "secret"}, srv.Client())
	items, err := web.Fetch(context.Background(), "quantum computing", nil, 10)
	require.NoError(t, err)

	assert.Equal(t, "quantum computing", gotQuery)
	assert.Equal(t, "secret", gotToken)
	require.Len(t, items, 3)

	assert.Equal(t, ingest.SourceWeb, items[0].Source)
	assert.Equal(t, "First hit", items[0].Title)
	assert.Equal(t, "https://one.example.com/a", items[0].URL)
	assert.Equal(t, "about quantum", items[0].Snippet)
	assert.False(t, items[0].PublishedAt.IsZero())
	assert.True(t, items[1].PublishedAt.IsZero())

	// Confidence decays with search rank.
	assert.Greater(t, items[0].Confidence, items[1].Confidence)
	assert.Greater(t, items[1].Confidence, items[2].Confidence)
	assert.InDelta(t, 0.85, items[0].Confidence, 1e-9)
}

func TestWebFetchSiteConstraint(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		fmt.Fprint(w, `{"web":{"results":[]}}`)
	}))
	defer srv.Close()

	web := NewWeb(config.WebConfig{Endpoint: srv.URL}, srv.Client())
	_, err := web.Fetch(context.Background(), "golang", map[string]string{"site": "go.dev"}, 5)
	require.NoError(t, err)
	assert.Equal(t, "site:go.dev golang", gotQuery)
}

func TestWebFetchHonorsMaxResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, webSearchBody)
	}))
	defer srv.Close()

	web := NewWeb(config.WebConfig{Endpoint: srv.URL}, srv.Client())
	items, err := web.Fetch(context.Background(), "quantum", nil, 2)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestWebFetchThrottled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "10")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	web := NewWeb(config.WebConfig{Endpoint: srv.URL}, srv.Client())
	_, err := web.Fetch(context.Background(), "quantum", nil, 5)
	assert.True(t, ingest.IsThrottle(err))
}

func TestWebFetchExtractReplacesSnippet(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/search", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"web":{"results":[{"title":"Article","url":"%s/page","description":"short"}]}}`, srv.URL)
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>Article</title></head><body><article><p>`+
			`The full readable body of the article, long enough for the extractor to keep it. `+
			`It spans several sentences so readability treats it as the main content block. `+
			`This text should replace the search snippet.`+
			`</p></article></body></html>`)
	})

	web := NewWeb(config.WebConfig{Endpoint: srv.URL + "/search", Extract: true, ExtractTop: 1}, srv.Client())
	items, err := web.Fetch(context.Background(), "article", nil, 5)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Snippet, "full readable body")
}
