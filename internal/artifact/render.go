package artifact

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/feeds"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/graded/internal/database"
)

//go:embed templates/*.html
var templateFS embed.FS

var (
	md        = goldmark.New()
	sanitizer = bluemonday.UGCPolicy()
	itemPage  = template.Must(template.New("item.html").Funcs(template.FuncMap{
		"markdown": renderMarkdown,
	}).ParseFS(templateFS, "templates/item.html"))
)

const uncategorized = "uncategorized"

// bundle is one item with its normalized rows as read from the snapshot.
type bundle struct {
	Item      database.Item
	Summaries []database.Summary
	Keywords  []database.Keyword
	Questions []database.Question
	Notes     []database.Note
}

func (b *bundle) category() string {
	if b.Item.Category == nil || *b.Item.Category == "" {
		return uncategorized
	}
	return *b.Item.Category
}

func (b *bundle) summary(tier string) *database.Summary {
	for i := range b.Summaries {
		if b.Summaries[i].Tier == tier {
			return &b.Summaries[i]
		}
	}
	return nil
}

type summaryJSON struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type keywordJSON struct {
	Term       string `json:"term"`
	Definition string `json:"definition"`
}

type questionJSON struct {
	Prompt      string   `json:"prompt"`
	Choices     []string `json:"choices"`
	AnswerIndex int      `json:"answer_index"`
	Explanation string   `json:"explanation,omitempty"`
}

type itemTierJSON struct {
	ID        int64          `json:"id"`
	Title     string         `json:"title"`
	URL       string         `json:"url"`
	Source    string         `json:"source,omitempty"`
	Category  string         `json:"category"`
	Tier      string         `json:"tier"`
	Summary   *summaryJSON   `json:"summary,omitempty"`
	Keywords  []keywordJSON  `json:"keywords"`
	Questions []questionJSON `json:"questions"`
}

type listingJSON struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	URL          string    `json:"url"`
	Path         string    `json:"path"`
	SummaryTitle string    `json:"summary_title,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	NormalizedAt time.Time `json:"normalized_at"`
}

type indexJSON struct {
	Title       string         `json:"title"`
	Version     string         `json:"version"`
	GeneratedAt time.Time      `json:"generated_at"`
	Tiers       []string       `json:"tiers"`
	Categories  map[string]int `json:"categories"`
	Items       []listingJSON  `json:"items"`
}

func itemPath(id int64) string { return fmt.Sprintf("items/%d/", id) }

// writeItem writes items/<id>/<tier>.json and items/<id>/index.html.
func (g *Generator) writeItem(root string, b *bundle) error {
	dir := filepath.Join(root, "items", fmt.Sprint(b.Item.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	var views []itemTierJSON
	for _, tier := range g.opts.Tiers {
		out := itemTierJSON{
			ID:        b.Item.ID,
			Title:     b.Item.Title,
			URL:       b.Item.URL,
			Source:    deref(b.Item.Source),
			Category:  b.category(),
			Tier:      tier,
			Keywords:  []keywordJSON{},
			Questions: []questionJSON{},
		}
		if s := b.summary(tier); s != nil {
			out.Summary = &summaryJSON{Title: s.Title, Body: s.Body}
		}
		for _, k := range b.Keywords {
			if k.Tier == tier {
				out.Keywords = append(out.Keywords, keywordJSON{Term: k.Term, Definition: k.Definition})
			}
		}
		for _, q := range b.Questions {
			if q.Tier == tier {
				out.Questions = append(out.Questions, questionJSON{
					Prompt: q.Prompt, Choices: q.Choices, AnswerIndex: q.AnswerIndex, Explanation: q.Explanation,
				})
			}
		}
		if err := writeJSON(filepath.Join(dir, tier+".json"), out); err != nil {
			return err
		}
		views = append(views, out)
	}

	var buf bytes.Buffer
	err := itemPage.Execute(&buf, map[string]any{
		"Site":     g.opts.Title,
		"Item":     b.Item,
		"Source":   deref(b.Item.Source),
		"Category": b.category(),
		"Tiers":    views,
		"Notes":    b.Notes,
	})
	if err != nil {
		return fmt.Errorf("rendering item page: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "index.html"), buf.Bytes(), 0o644)
}

// writeListings writes the per-category tier listings, index.json and the
// feeds for the whole snapshot.
func (g *Generator) writeListings(root string, v *Version, bundles []*bundle) error {
	sorted := make([]*bundle, len(bundles))
	copy(sorted, bundles)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Item, sorted[j].Item
		if !a.NormalizedAt.Equal(*b.NormalizedAt) {
			return a.NormalizedAt.After(*b.NormalizedAt)
		}
		return a.ID > b.ID
	})

	byCategory := make(map[string][]*bundle)
	for _, b := range sorted {
		byCategory[b.category()] = append(byCategory[b.category()], b)
	}

	index := indexJSON{
		Title:       g.opts.Title,
		Version:     v.Name,
		GeneratedAt: v.CreatedAt,
		Tiers:       g.opts.Tiers,
		Categories:  make(map[string]int, len(byCategory)),
		Items:       []listingJSON{},
	}
	for cat, group := range byCategory {
		index.Categories[cat] = len(group)
		for _, tier := range g.opts.Tiers {
			entries := make([]listingJSON, 0, len(group))
			for _, b := range group {
				entries = append(entries, listing(b, tier))
			}
			path := filepath.Join(root, "categories", slug(cat), tier+".json")
			if err := writeJSON(path, entries); err != nil {
				return err
			}
		}
	}
	var firstTier string
	if len(g.opts.Tiers) > 0 {
		firstTier = g.opts.Tiers[0]
	}
	for _, b := range sorted {
		index.Items = append(index.Items, listing(b, firstTier))
	}
	if err := writeJSON(filepath.Join(root, "index.json"), index); err != nil {
		return err
	}

	return g.writeFeeds(root, v, sorted, firstTier)
}

func (g *Generator) writeFeeds(root string, v *Version, sorted []*bundle, tier string) error {
	if g.opts.FeedItems > 0 && len(sorted) > g.opts.FeedItems {
		sorted = sorted[:g.opts.FeedItems]
	}

	link := g.opts.BaseURL
	if link == "" {
		link = "http://localhost/"
	}
	items := make([]*feeds.Item, 0, len(sorted))
	for _, b := range sorted {
		href := b.Item.URL
		if g.opts.BaseURL != "" {
			href = strings.TrimSuffix(g.opts.BaseURL, "/") + "/" + itemPath(b.Item.ID)
		}
		var description string
		if s := b.summary(tier); s != nil {
			description = s.Body
		}
		items = append(items, &feeds.Item{
			Id:          fmt.Sprint(b.Item.ID),
			Title:       b.Item.Title,
			Link:        &feeds.Link{Href: href},
			Description: description,
			Author:      &feeds.Author{Name: deref(b.Item.Source)},
			Created:     *b.Item.NormalizedAt,
		})
	}

	feed := &feeds.Feed{
		Title:       g.opts.Title,
		Link:        &feeds.Link{Href: link},
		Description: fmt.Sprintf("%s artifact version %s", g.opts.Title, v.Name),
		Author:      &feeds.Author{Name: g.opts.Title},
		Created:     v.CreatedAt,
		Items:       items,
	}

	rss, err := feed.ToRss()
	if err != nil {
		return fmt.Errorf("generating RSS: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, "feed.xml"), []byte(rss), 0o644); err != nil {
		return err
	}
	jsonFeed, err := feed.ToJSON()
	if err != nil {
		return fmt.Errorf("generating JSON feed: %w", err)
	}
	return os.WriteFile(filepath.Join(root, "feed.json"), []byte(jsonFeed), 0o644)
}

func listing(b *bundle, tier string) listingJSON {
	l := listingJSON{
		ID:           b.Item.ID,
		Title:        b.Item.Title,
		URL:          b.Item.URL,
		Path:         itemPath(b.Item.ID),
		NormalizedAt: *b.Item.NormalizedAt,
	}
	if s := b.summary(tier); s != nil {
		l.SummaryTitle = s.Title
		l.Summary = s.Body
	}
	return l
}

// renderMarkdown converts note markdown to sanitized HTML.
func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(sanitizer.SanitizeBytes(buf.Bytes())) //nolint: gosec
}

// slug makes a category safe to use as a directory name.
func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return uncategorized
	}
	return b.String()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
