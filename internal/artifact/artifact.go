// Package artifact builds versioned, read-optimized artifact directories
// from normalized data and publishes them by swapping a live symlink.
package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/graded/internal/database"
	"github.com/TobiSchelling/graded/internal/notify"
)

const (
	versionsDir  = "versions"
	liveLink     = "live"
	tmpPrefix    = ".tmp-"
	manifestFile = "manifest.json"
)

// Options configures artifact output.
type Options struct {
	Dir       string
	Title     string
	BaseURL   string
	FeedItems int
	Tiers     []string
}

// Scope limits which items are rebuilt. Items outside the scope are copied
// from the live version when their bundle is still current.
type Scope struct {
	ItemIDs    []int64
	Categories []string
	Force      bool
}

func (s Scope) includes(b *bundle) bool {
	return slices.Contains(s.ItemIDs, b.Item.ID) || slices.Contains(s.Categories, b.category())
}

// Version describes one artifact directory.
type Version struct {
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	SnapshotAt time.Time `json:"snapshot_at"`
	Items      int       `json:"items"`
	Rebuilt    int       `json:"rebuilt"`
	Copied     int       `json:"copied"`
	Tiers      []string  `json:"tiers"`
	// Bundles maps item id to the version its bundle was built in.
	Bundles map[string]string `json:"bundles"`
	Live    bool              `json:"-"`
}

// Generator builds and publishes artifact versions.
type Generator struct {
	db        *database.DB
	opts      Options
	publisher notify.Publisher
	now       func() time.Time

	// beforeSwap runs after the version directory is complete and before
	// live is switched to it.
	beforeSwap func(name string) error
}

// New creates a generator. publisher may be nil.
func New(db *database.DB, opts Options, publisher notify.Publisher) *Generator {
	return &Generator{db: db, opts: opts, publisher: publisher, now: time.Now}
}

func (g *Generator) versionsPath() string { return filepath.Join(g.opts.Dir, versionsDir) }
func (g *Generator) livePath() string     { return filepath.Join(g.opts.Dir, liveLink) }

// Regenerate builds a new version from a consistent snapshot and makes it
// live. Items are marked generated only after the swap succeeded.
func (g *Generator) Regenerate(ctx context.Context, scope Scope) (*Version, error) {
	bundles, snapshotAt, err := g.snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	live, err := g.liveVersion()
	if err != nil {
		return nil, err
	}

	created := g.now().UTC()
	name := created.Format("20060102T150405.000000Z") + "-" + uuid.NewString()[:8]
	tmp := filepath.Join(g.versionsPath(), tmpPrefix+name)
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	staged := false
	defer func() {
		if !staged {
			os.RemoveAll(tmp)
		}
	}()

	v := &Version{
		Name:       name,
		CreatedAt:  created,
		SnapshotAt: snapshotAt,
		Items:      len(bundles),
		Tiers:      g.opts.Tiers,
		Bundles:    make(map[string]string, len(bundles)),
	}
	rebuilt := make(map[int64]time.Time)
	for _, b := range bundles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := fmt.Sprint(b.Item.ID)
		if origin, ok := g.reusable(b, scope, live); ok {
			src := filepath.Join(g.versionsPath(), live.Name, "items", key)
			if err := copyDir(src, filepath.Join(tmp, "items", key)); err != nil {
				return nil, fmt.Errorf("copying bundle %d: %w", b.Item.ID, err)
			}
			v.Bundles[key] = origin
			v.Copied++
			continue
		}
		if err := g.writeItem(tmp, b); err != nil {
			return nil, fmt.Errorf("writing bundle %d: %w", b.Item.ID, err)
		}
		v.Bundles[key] = name
		v.Rebuilt++
		rebuilt[b.Item.ID] = *b.Item.NormalizedAt
	}

	if err := g.writeListings(tmp, v, bundles); err != nil {
		return nil, err
	}
	if err := writeJSON(filepath.Join(tmp, manifestFile), v); err != nil {
		return nil, err
	}

	final := filepath.Join(g.versionsPath(), name)
	if err := os.Rename(tmp, final); err != nil {
		return nil, fmt.Errorf("finalizing version: %w", err)
	}
	staged = true

	if g.beforeSwap != nil {
		if err := g.beforeSwap(name); err != nil {
			return nil, err
		}
	}
	if err := g.swap(name); err != nil {
		return nil, err
	}
	v.Live = true

	if err := g.db.MarkPayloadGenerated(ctx, rebuilt, name); err != nil {
		// The version is live; unmarked items are rebuilt next time.
		slog.Warn("marking payloads generated", "version", name, "error", err)
	}

	slog.Info("artifact version published", "version", name,
		"items", v.Items, "rebuilt", v.Rebuilt, "copied", v.Copied)
	g.notify(ctx, v, false)
	return v, nil
}

// reusable reports whether b's bundle in the live version is still
// current, returning the version it was originally built in.
func (g *Generator) reusable(b *bundle, scope Scope, live *Version) (string, bool) {
	if scope.Force || live == nil || scope.includes(b) {
		return "", false
	}
	it := b.Item
	if !it.PayloadGenerated || it.PayloadGeneratedAt == nil || it.NormalizedAt == nil || it.PayloadDirectory == nil {
		return "", false
	}
	if it.PayloadGeneratedAt.Before(*it.NormalizedAt) {
		return "", false
	}
	key := fmt.Sprint(it.ID)
	origin, ok := live.Bundles[key]
	if !ok || origin != *it.PayloadDirectory {
		return "", false
	}
	index := filepath.Join(g.versionsPath(), live.Name, "items", key, "index.html")
	if _, err := os.Stat(index); err != nil {
		return "", false
	}
	return origin, true
}

func (g *Generator) notify(ctx context.Context, v *Version, rollback bool) {
	if g.publisher == nil {
		return
	}
	ev := notify.Event{
		Version: v.Name, Items: v.Items, Rebuilt: v.Rebuilt, Copied: v.Copied,
		Rollback: rollback, CreatedAt: g.now().UTC(),
	}
	if err := g.publisher.Publish(ctx, ev); err != nil {
		slog.Warn("publishing artifact event", "version", v.Name, "error", err)
	}
}

// snapshot loads every publishable item with its normalized rows from one
// read-only view. Workers keep claiming and completing items meanwhile.
func (g *Generator) snapshot(ctx context.Context) ([]*bundle, time.Time, error) {
	var bundles []*bundle
	var at time.Time
	err := g.db.Snapshot(ctx, func(r *database.Tx) error {
		at = g.now().UTC()
		items, err := r.ListPublishable(ctx)
		if err != nil {
			return err
		}
		for _, it := range items {
			b := &bundle{Item: it}
			if b.Summaries, err = r.GetSummaries(ctx, it.ID); err != nil {
				return err
			}
			if b.Keywords, err = r.GetKeywords(ctx, it.ID); err != nil {
				return err
			}
			if b.Questions, err = r.GetQuestions(ctx, it.ID); err != nil {
				return err
			}
			if b.Notes, err = r.GetNotes(ctx, it.ID); err != nil {
				return err
			}
			bundles = append(bundles, b)
		}
		return nil
	})
	return bundles, at, err
}
