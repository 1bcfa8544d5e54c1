package collect

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/graded/internal/config"
	"github.com/TobiSchelling/graded/internal/database"
)

func rss(items ...string) string {
	body := `<?xml version="1.0" encoding="UTF-8"?><rss version="2.0"><channel><title>Test</title>`
	for _, it := range items {
		body += it
	}
	return body + `</channel></rss>`
}

func rssItem(link, title, description string, published time.Time) string {
	return fmt.Sprintf(`<item><title>%s</title><link>%s</link><description><![CDATA[%s]]></description><pubDate>%s</pubDate></item>`,
		title, link, description, published.Format(time.RFC1123Z))
}

func serveFeed(t *testing.T, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func openDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCollectStoresNewEntries(t *testing.T) {
	now := time.Now()
	feedURL := serveFeed(t, rss(
		rssItem("https://example.com/a", "First", "<p>Hello <b>world</b></p><p>again</p>", now),
		rssItem("https://example.com/b", "Second", "plain", now.Add(-time.Hour)),
		rssItem("https://example.com/old", "Old", "stale", now.AddDate(0, 0, -30)),
	))
	disabled := false
	cfg := config.Default()
	cfg.Sources.Feeds = []config.Feed{
		{URL: feedURL, Name: "Example", Category: "science"},
		{URL: "http://127.0.0.1:1/never", Name: "Off", Enabled: &disabled},
	}
	db := openDB(t)
	ctx := context.Background()

	r := NewCollector(cfg, db, 2).Collect(ctx)
	assert.Equal(t, 2, r.TotalFound)
	assert.Equal(t, 2, r.NewItems)
	assert.Equal(t, 0, r.Duplicates)
	assert.Equal(t, 2, r.Sources["Example"])

	items, err := db.GetUnprocessed(ctx, 0, now)
	require.NoError(t, err)
	require.Len(t, items, 2)
	byURL := map[string]database.Item{}
	for _, it := range items {
		byURL[it.URL] = it
	}
	first := byURL["https://example.com/a"]
	require.NotNil(t, first.Content)
	assert.Equal(t, "Hello world again", *first.Content)
	require.NotNil(t, first.Category)
	assert.Equal(t, "science", *first.Category)
	assert.Equal(t, database.StateUnprocessed, first.State)

	r = NewCollector(cfg, db, 2).Collect(ctx)
	assert.Equal(t, 0, r.NewItems)
	assert.Equal(t, 2, r.Duplicates)
}

func TestCollectSkipsBrokenFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Sources.Feeds = []config.Feed{{URL: srv.URL}}
	r := NewCollector(cfg, openDB(t), 1).Collect(context.Background())
	assert.Equal(t, 0, r.TotalFound)
}

func TestCollectNoFeeds(t *testing.T) {
	cfg := config.Default()
	cfg.Sources.Feeds = nil
	r := NewCollector(cfg, openDB(t), 1).Collect(context.Background())
	assert.Equal(t, 0, r.TotalFound)
}

func TestStripHTML(t *testing.T) {
	assert.Equal(t, "a b & c", stripHTML("<div>a</div><div>b &amp; c</div>"))
	assert.Equal(t, "", stripHTML("<script>alert(1)</script>"))
}

func TestExtractSourceName(t *testing.T) {
	assert.Equal(t, "Arstechnica", extractSourceName("https://feeds.arstechnica.com/x"))
	assert.Equal(t, "Example", extractSourceName("https://www.example.org/rss"))
	assert.Equal(t, "Localhost", extractSourceName("http://localhost:8080/feed"))
}
