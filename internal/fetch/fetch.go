// Package fetch fills in full text for items whose feed entry had none.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/TobiSchelling/graded/internal/database"
)

const (
	minContentLen = 100
	maxBodyBytes  = 5 << 20
	userAgent     = "graded/1.0 (content fetcher)"
)

// Result holds the counts of a fetch run.
type Result struct {
	Fetched int
	Failed  int
	Skipped int
}

// ContentFetcher fetches article text over HTTP and extracts it with
// readability.
type ContentFetcher struct {
	db     *database.DB
	client *http.Client
}

// NewContentFetcher creates a fetcher with the given per-request timeout.
func NewContentFetcher(db *database.DB, timeout time.Duration) *ContentFetcher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &ContentFetcher{
		db: db,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// FetchMissingContent fetches up to limit items without content. After an
// HTTP error the remaining items from the same host are skipped for this run.
func (f *ContentFetcher) FetchMissingContent(ctx context.Context, limit int) (*Result, error) {
	items, err := f.db.GetItemsNeedingFetch(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing items needing fetch: %w", err)
	}
	result := &Result{}
	if len(items) == 0 {
		slog.Debug("no items need content fetching")
		return result, nil
	}

	failedHosts := make(map[string]struct{})
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		host := hostOf(it.URL)
		if _, failed := failedHosts[host]; failed {
			result.Skipped++
			continue
		}

		content, err := f.fetchContent(ctx, it.URL)
		var statusErr *httpError
		switch {
		case errors.As(err, &statusErr):
			failedHosts[host] = struct{}{}
			result.Failed++
			f.markAttempted(ctx, it.ID)
			slog.Warn("HTTP error, skipping host for this run", "url", it.URL, "status", statusErr.code)
		case err != nil:
			// Connection problems are retried on the next run.
			result.Failed++
			slog.Debug("fetch failed", "url", it.URL, "error", err)
		case content == "":
			result.Failed++
			f.markAttempted(ctx, it.ID)
			slog.Debug("no extractable content", "url", it.URL)
		default:
			if err := f.db.UpdateItemContent(ctx, it.ID, content); err != nil {
				return result, fmt.Errorf("storing content for item %d: %w", it.ID, err)
			}
			result.Fetched++
		}
	}

	slog.Info("content fetch complete", "fetched", result.Fetched, "failed", result.Failed, "skipped", result.Skipped)
	return result, nil
}

func (f *ContentFetcher) markAttempted(ctx context.Context, id int64) {
	if err := f.db.MarkFetchAttempted(ctx, id); err != nil {
		slog.Warn("marking fetch attempted", "item_id", id, "error", err)
	}
}

func (f *ContentFetcher) fetchContent(ctx context.Context, pageURL string) (string, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", &httpError{code: resp.StatusCode}
	}

	article, err := readability.FromReader(io.LimitReader(resp.Body, maxBodyBytes), parsed)
	if err != nil {
		return "", nil
	}
	text := strings.Join(strings.Fields(article.TextContent), " ")
	if len(text) < minContentLen {
		return "", nil
	}
	return text, nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

type httpError struct {
	code int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, http.StatusText(e.code))
}
