package collect

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
)

const maxPerFeed = 20

var stripPolicy = bluemonday.StrictPolicy()

// Entry is one parsed feed item ready to be stored.
type Entry struct {
	URL       string
	Title     string
	Content   string
	Source    string
	Category  string
	Published *time.Time
}

// FeedConfig describes a single feed.
type FeedConfig struct {
	URL      string
	Name     string
	Category string
}

// FeedParser parses RSS/Atom/JSON feeds.
type FeedParser struct {
	feeds  []FeedConfig
	parser *gofeed.Parser
}

// NewFeedParser creates a FeedParser for feeds.
func NewFeedParser(feeds []FeedConfig) *FeedParser {
	return &FeedParser{feeds: feeds, parser: gofeed.NewParser()}
}

// ParseAll parses every feed and returns entries published after cutoff.
// A failing feed is logged and skipped.
func (fp *FeedParser) ParseAll(ctx context.Context, cutoff time.Time) []Entry {
	var all []Entry
	for _, fc := range fp.feeds {
		if ctx.Err() != nil {
			break
		}
		name := fc.Name
		if name == "" {
			name = extractSourceName(fc.URL)
		}

		entries, err := fp.parseFeed(ctx, fc, name, cutoff)
		if err != nil {
			slog.Warn("failed to parse feed", "url", fc.URL, "error", err)
			continue
		}
		all = append(all, entries...)
		slog.Debug("parsed feed", "source", name, "entries", len(entries))
	}
	return all
}

func (fp *FeedParser) parseFeed(ctx context.Context, fc FeedConfig, source string, cutoff time.Time) ([]Entry, error) {
	feed, err := fp.parser.ParseURLWithContext(fc.URL, ctx)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, item := range feed.Items {
		if len(entries) >= maxPerFeed {
			break
		}
		entry := parseItem(item, source, fc.Category)
		if entry == nil {
			continue
		}
		// Undated entries get the benefit of the doubt.
		if entry.Published != nil && entry.Published.Before(cutoff) {
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

func parseItem(item *gofeed.Item, source, category string) *Entry {
	link := item.Link
	if link == "" {
		link = item.GUID
	}
	title := strings.TrimSpace(item.Title)
	if link == "" || title == "" {
		return nil
	}

	e := &Entry{URL: link, Title: stripHTML(title), Source: source, Category: category}
	if item.PublishedParsed != nil {
		e.Published = item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		e.Published = item.UpdatedParsed
	}
	if item.Content != "" {
		e.Content = stripHTML(item.Content)
	} else {
		e.Content = stripHTML(item.Description)
	}
	if e.Category == "" && len(item.Categories) > 0 {
		e.Category = strings.ToLower(strings.TrimSpace(item.Categories[0]))
	}
	return e
}

// stripHTML reduces feed markup to plain text with collapsed whitespace.
func stripHTML(text string) string {
	// Tags are replaced by a space so adjacent blocks do not run together.
	spaced := strings.NewReplacer("<", " <").Replace(text)
	plain := stripPolicy.Sanitize(spaced)
	plain = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&#34;", `"`, "&#39;", "'", "&nbsp;", " ").Replace(plain)
	return strings.Join(strings.Fields(plain), " ")
}

func extractSourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())
	for _, prefix := range []string{"www.", "blog.", "blogs.", "rss.", "feeds."} {
		host = strings.TrimPrefix(host, prefix)
	}

	parts := strings.Split(host, ".")
	name := host
	if len(parts) >= 2 {
		name = parts[len(parts)-2]
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
