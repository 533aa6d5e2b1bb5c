package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkhoroshilov/gatherer/config"
	"github.com/pkhoroshilov/gatherer/internal/ingest"
)

const redditBody = `{
  "data": {
    "children": [
      {"data": {"title": "Benchmarking Go 1.25", "permalink": "/r/golang/comments/abc/benchmarking/",
        "selftext": "Ran the usual suite", "author": "gopher42", "created_utc": 1723456800, "score": 250, "subreddit": "golang"}},
      {"data": {"title": "Low effort post", "permalink": "/r/golang/comments/def/low/",
        "selftext": "", "author": "lurker", "created_utc": 1723456900, "score": 0, "subreddit": "golang"}}
    ]
  }
}`

func TestSocialFetch(t *testing.T) {
	var gotUA, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotPath = r.URL.Path
		fmt.Fprint(w, redditBody)
	}))
	defer srv.Close()

	so := NewSocial(config.SocialConfig{Endpoint: srv.URL, UserAgent: "gatherer/1.0"}, srv.Client())
	items, err := so.Fetch(context.Background(), "go benchmarks", nil, 10)
	require.NoError(t, err)

	assert.Equal(t, "gatherer/1.0", gotUA)
	assert.Equal(t, "/search.json", gotPath)
	require.Len(t, items, 2)

	first := items[0]
	assert.Equal(t, ingest.SourceSocial, first.Source)
	assert.Equal(t, "https://www.reddit.com/r/golang/comments/abc/benchmarking/", first.URL)
	assert.Equal(t, "Benchmarking Go 1.25", first.Title)
	assert.Equal(t, []string{"gopher42"}, first.Authors)
	assert.Equal(t, "golang", first.Metadata["subreddit"])
	assert.Equal(t, time.Unix(1723456800, 0).UTC(), first.PublishedAt)

	// Higher community score, higher confidence; zero score sits at the floor.
	assert.Greater(t, first.Confidence, items[1].Confidence)
	assert.InDelta(t, 0.3, items[1].Confidence, 1e-9)
	assert.LessOrEqual(t, first.Confidence, 0.8)
}

func TestSocialFetchSubredditConstraint(t *testing.T) {
	var gotPath, gotRestrict string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRestrict = r.URL.Query().Get("restrict_sr")
		fmt.Fprint(w, `{"data":{"children":[]}}`)
	}))
	defer srv.Close()

	so := NewSocial(config.SocialConfig{Endpoint: srv.URL, UserAgent: "gatherer/1.0"}, srv.Client())
	_, err := so.Fetch(context.Background(), "generics", map[string]string{"subreddit": "golang"}, 5)
	require.NoError(t, err)
	assert.Equal(t, "/r/golang/search.json", gotPath)
	assert.Equal(t, "1", gotRestrict)
}

func TestSocialFetchThrottled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	so := NewSocial(config.SocialConfig{Endpoint: srv.URL, UserAgent: "gatherer/1.0"}, srv.Client())
	_, err := so.Fetch(context.Background(), "anything", nil, 5)
	assert.True(t, ingest.IsThrottle(err))
}
