// Package collect pulls new items from the configured feeds into the item
// store.
package collect

import (
	"context"
	"log/slog"
	"time"

	"github.com/TobiSchelling/graded/internal/config"
	"github.com/TobiSchelling/graded/internal/database"
)

// Result holds the counts of a collection run.
type Result struct {
	TotalFound int
	NewItems   int
	Duplicates int
	Errors     int
	Sources    map[string]int
}

// Collector stores feed entries as unprocessed items.
type Collector struct {
	db       *database.DB
	parser   *FeedParser
	daysBack int
	now      func() time.Time
}

// NewCollector creates a collector for the enabled feeds in cfg.
func NewCollector(cfg *config.Config, db *database.DB, daysBack int) *Collector {
	var feeds []FeedConfig
	for _, f := range cfg.Sources.Feeds {
		if !f.IsEnabled() {
			slog.Debug("skipping disabled feed", "url", f.URL)
			continue
		}
		feeds = append(feeds, FeedConfig{URL: f.URL, Name: f.Name, Category: f.Category})
	}
	if daysBack <= 0 {
		daysBack = 1
	}
	return &Collector{db: db, parser: NewFeedParser(feeds), daysBack: daysBack, now: time.Now}
}

// Collect parses all feeds and inserts new entries. Entries whose URL is
// already stored count as duplicates.
func (c *Collector) Collect(ctx context.Context) *Result {
	r := &Result{Sources: make(map[string]int)}
	if len(c.parser.feeds) == 0 {
		slog.Info("no feeds enabled, nothing to collect")
		return r
	}

	now := c.now()
	cutoff := now.AddDate(0, 0, -c.daysBack)
	entries := c.parser.ParseAll(ctx, cutoff)
	r.TotalFound = len(entries)

	for _, e := range entries {
		id, err := c.db.InsertItem(ctx, database.NewItem{
			URL:         e.URL,
			Title:       e.Title,
			Content:     e.Content,
			Source:      e.Source,
			Category:    e.Category,
			CollectedAt: now,
		})
		switch {
		case err != nil:
			r.Errors++
			slog.Warn("storing feed entry", "url", e.URL, "error", err)
		case id == 0:
			r.Duplicates++
		default:
			r.NewItems++
			r.Sources[e.Source]++
		}
	}

	slog.Info("collection complete", "found", r.TotalFound, "new", r.NewItems, "duplicates", r.Duplicates)
	return r
}
