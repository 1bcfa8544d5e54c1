package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/graded/internal/database"
	"github.com/TobiSchelling/graded/internal/enrich/enrichtest"
	"github.com/TobiSchelling/graded/internal/normalize"
	"github.com/TobiSchelling/graded/internal/notify"
)

var tiers = []string{"basic", "intermediate", "advanced"}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type fixture struct {
	db  *database.DB
	in  *normalize.Inserter
	gen *Generator
	pub *recordingPublisher
	dir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dir := t.TempDir()
	pub := &recordingPublisher{}
	gen := New(db, Options{Dir: dir, Title: "graded", FeedItems: 10, Tiers: tiers}, pub)
	return &fixture{db: db, in: normalize.New(db, tiers), gen: gen, pub: pub, dir: dir}
}

func (f *fixture) addItem(t *testing.T, url, category string) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := f.db.InsertItem(ctx, database.NewItem{URL: url, Title: "Title " + url, Content: "body", Category: category})
	require.NoError(t, err)
	f.normalize(t, id)
	return id
}

func (f *fixture) normalize(t *testing.T, id int64) {
	t.Helper()
	require.NoError(t, f.in.Insert(context.Background(), id, enrichtest.Result(tiers, 5, 5)))
}

func (f *fixture) item(t *testing.T, id int64) *database.Item {
	t.Helper()
	it, err := f.db.Get(context.Background(), id)
	require.NoError(t, err)
	return it
}

func (f *fixture) livePath(parts ...string) string {
	return filepath.Join(append([]string{f.dir, "live"}, parts...)...)
}

func TestRegenerateFirstVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addItem(t, "https://a.com", "science")
	f.addItem(t, "https://b.com", "")

	// Items without normalized rows are not published.
	_, err := f.db.InsertItem(ctx, database.NewItem{URL: "https://c.com", Title: "C"})
	require.NoError(t, err)

	v, err := f.gen.Regenerate(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, 2, v.Items)
	assert.Equal(t, 2, v.Rebuilt)
	assert.Equal(t, 0, v.Copied)

	live, err := f.gen.Live()
	require.NoError(t, err)
	assert.Equal(t, v.Name, live)

	for _, p := range []string{
		"manifest.json", "index.json", "feed.xml", "feed.json",
		"categories/science/basic.json", "categories/uncategorized/advanced.json",
		"items/1/basic.json", "items/1/intermediate.json", "items/1/index.html",
	} {
		assert.FileExists(t, f.livePath(filepath.FromSlash(p)))
	}

	var tier itemTierJSON
	data, err := os.ReadFile(f.livePath("items", "1", "basic.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &tier))
	assert.Equal(t, a, tier.ID)
	assert.Len(t, tier.Keywords, 5)
	assert.Len(t, tier.Questions, 5)
	require.NotNil(t, tier.Summary)

	page, err := os.ReadFile(f.livePath("items", "1", "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(page), "<strong>matters</strong>")
	assert.Contains(t, string(page), "basic-term-0")

	it := f.item(t, a)
	assert.True(t, it.PayloadGenerated)
	require.NotNil(t, it.PayloadDirectory)
	assert.Equal(t, v.Name, *it.PayloadDirectory)
	assert.False(t, it.PayloadGeneratedAt.Before(*it.NormalizedAt))

	require.Len(t, f.pub.events, 1)
	assert.Equal(t, v.Name, f.pub.events[0].Version)
}

func TestRegenerateIsIncremental(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addItem(t, "https://a.com", "science")
	b := f.addItem(t, "https://b.com", "science")

	v1, err := f.gen.Regenerate(ctx, Scope{})
	require.NoError(t, err)

	v2, err := f.gen.Regenerate(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, 0, v2.Rebuilt)
	assert.Equal(t, 2, v2.Copied)
	assert.Equal(t, v1.Name, v2.Bundles["1"], "copied bundles keep their origin")
	assert.FileExists(t, f.livePath("items", "2", "index.html"))

	f.normalize(t, a)
	v3, err := f.gen.Regenerate(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, 1, v3.Rebuilt)
	assert.Equal(t, 1, v3.Copied)
	assert.Equal(t, v3.Name, *f.item(t, a).PayloadDirectory)
	assert.Equal(t, v1.Name, *f.item(t, b).PayloadDirectory)
}

func TestRegenerateScopeAndForce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addItem(t, "https://a.com", "science")
	b := f.addItem(t, "https://b.com", "history")
	f.addItem(t, "https://c.com", "history")

	_, err := f.gen.Regenerate(ctx, Scope{})
	require.NoError(t, err)

	v, err := f.gen.Regenerate(ctx, Scope{ItemIDs: []int64{b}})
	require.NoError(t, err)
	assert.Equal(t, 1, v.Rebuilt)
	assert.Equal(t, 3, v.Items, "a subset scope still yields a complete version")

	v, err = f.gen.Regenerate(ctx, Scope{Categories: []string{"history"}})
	require.NoError(t, err)
	assert.Equal(t, 2, v.Rebuilt)

	v, err = f.gen.Regenerate(ctx, Scope{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 3, v.Rebuilt)
	assert.Equal(t, 0, v.Copied)
}

func TestRegenerateFailureBeforeSwapKeepsLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addItem(t, "https://a.com", "science")

	v1, err := f.gen.Regenerate(ctx, Scope{})
	require.NoError(t, err)

	f.normalize(t, a)
	crash := errors.New("killed")
	f.gen.beforeSwap = func(string) error { return crash }
	_, err = f.gen.Regenerate(ctx, Scope{})
	require.ErrorIs(t, err, crash)

	live, err := f.gen.Live()
	require.NoError(t, err)
	assert.Equal(t, v1.Name, live)
	assert.FileExists(t, f.livePath("items", "1", "index.html"))

	it := f.item(t, a)
	assert.Equal(t, v1.Name, *it.PayloadDirectory, "items are not marked before the swap")
	assert.True(t, it.PayloadGeneratedAt.Before(*it.NormalizedAt))
	assert.Len(t, f.pub.events, 1)

	f.gen.beforeSwap = nil
	v3, err := f.gen.Regenerate(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, 1, v3.Rebuilt, "the stale item is rebuilt on the next run")
}

func TestRenormalizedDuringBuildStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addItem(t, "https://a.com", "science")
	f.addItem(t, "https://b.com", "science")

	// A worker completes a again while the version is being built.
	f.gen.beforeSwap = func(string) error {
		f.normalize(t, a)
		return nil
	}
	_, err := f.gen.Regenerate(ctx, Scope{})
	require.NoError(t, err)
	f.gen.beforeSwap = nil

	pending, err := f.db.CountPayloadPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
	it := f.item(t, a)
	assert.True(t, it.PayloadGeneratedAt.Before(*it.NormalizedAt))

	v, err := f.gen.Regenerate(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, 1, v.Rebuilt)
	assert.Equal(t, 1, v.Copied)
	it = f.item(t, a)
	assert.True(t, it.PayloadGeneratedAt.Equal(*it.NormalizedAt))
}

func TestRollbackThenRegenerate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addItem(t, "https://a.com", "science")
	f.addItem(t, "https://b.com", "science")

	v1, err := f.gen.Regenerate(ctx, Scope{})
	require.NoError(t, err)
	f.normalize(t, a)
	_, err = f.gen.Regenerate(ctx, Scope{})
	require.NoError(t, err)

	require.NoError(t, f.gen.Rollback(ctx, v1.Name))
	live, _ := f.gen.Live()
	assert.Equal(t, v1.Name, live)
	assert.True(t, f.pub.events[len(f.pub.events)-1].Rollback)

	v3, err := f.gen.Regenerate(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, 1, v3.Rebuilt, "item built after the rollback target is rebuilt")
	assert.Equal(t, 1, v3.Copied)

	assert.ErrorIs(t, f.gen.Rollback(ctx, "nope"), ErrUnknownVersion)
}

func TestListAndGC(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addItem(t, "https://a.com", "science")

	var names []string
	for i := 0; i < 4; i++ {
		v, err := f.gen.Regenerate(ctx, Scope{})
		require.NoError(t, err)
		names = append(names, v.Name)
	}

	versions, err := f.gen.List()
	require.NoError(t, err)
	require.Len(t, versions, 4)
	assert.Equal(t, names[3], versions[0].Name)
	assert.True(t, versions[0].Live)

	removed, err := f.gen.GC(2)
	require.NoError(t, err)
	assert.ElementsMatch(t, names[:2], removed)

	versions, err = f.gen.List()
	require.NoError(t, err)
	assert.Len(t, versions, 2)
	assert.FileExists(t, f.livePath("index.json"))
}

func TestGCKeepsLiveAfterRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addItem(t, "https://a.com", "science")

	v1, err := f.gen.Regenerate(ctx, Scope{})
	require.NoError(t, err)
	_, err = f.gen.Regenerate(ctx, Scope{})
	require.NoError(t, err)
	require.NoError(t, f.gen.Rollback(ctx, v1.Name))

	removed, err := f.gen.GC(1)
	require.NoError(t, err)
	assert.NotContains(t, removed, v1.Name)
	assert.FileExists(t, f.livePath("manifest.json"))
}

func TestRegenerateEmptyStore(t *testing.T) {
	f := newFixture(t)
	v, err := f.gen.Regenerate(context.Background(), Scope{})
	require.NoError(t, err)
	assert.Equal(t, 0, v.Items)
	assert.FileExists(t, f.livePath("feed.xml"))
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "machine-learning", slug("Machine Learning"))
	assert.Equal(t, "a-b", slug("a/b"))
	assert.Equal(t, uncategorized, slug("  "))
}
