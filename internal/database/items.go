package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var itemColumnList = []string{
	"id", "url", "title", "content", "source", "category", "content_fetched", "collected_at",
	"state", "failure_count", "last_error", "claim_owner", "claimed_at", "claim_expires_at",
	"claim_epoch", "processed_at", "normalized_at",
	"payload_generated", "payload_generated_at", "payload_directory",
}

var itemColumns = strings.Join(itemColumnList, ", ")

// claimableClause matches items a worker may claim at a given instant.
const claimableClause = `(state IN ('unprocessed', 'failed_retryable')
	OR (state = 'claimed' AND (claim_expires_at IS NULL OR claim_expires_at < ?)))`

// InsertItem inserts a collected item. Returns the ID on success, 0 if the
// URL is already known.
func (db *DB) InsertItem(ctx context.Context, it NewItem) (int64, error) {
	collected := it.CollectedAt
	if collected.IsZero() {
		collected = time.Now()
	}
	now := formatTime(time.Now())
	result, err := db.q.ExecContext(ctx,
		`INSERT INTO items (url, title, content, source, category, collected_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO NOTHING`,
		it.URL, it.Title, emptyToNil(it.Content), emptyToNil(it.Source), emptyToNil(it.Category),
		formatTime(collected), now,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting item %s: %w", it.URL, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return result.LastInsertId()
}

// Get returns a single item by ID, or ErrNotFound.
func (r *reader) Get(ctx context.Context, id int64) (*Item, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM items WHERE id = ?", id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// GetUnprocessed returns items that can be claimed at now: unprocessed,
// failed_retryable, or claimed with an expired lease. A limit <= 0 returns
// all of them.
func (r *reader) GetUnprocessed(ctx context.Context, limit int, now time.Time) ([]Item, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+itemColumns+" FROM items WHERE "+claimableClause+
			" ORDER BY collected_at, id LIMIT ?",
		formatTime(now), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// GetItemsByIDs returns the items with the given IDs, ordered by ID.
// Unknown IDs are skipped.
func (r *reader) GetItemsByIDs(ctx context.Context, ids []int64) ([]Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sq.Select(itemColumnList...).
		From("items").
		Where(sq.Eq{"id": ids}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// GetItemsByState returns all items currently in one of states.
func (r *reader) GetItemsByState(ctx context.Context, states ...State) ([]Item, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	query, args, err := sq.Select(itemColumnList...).
		From("items").
		Where(sq.Eq{"state": names}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// GetItemsNeedingFetch returns pending items with empty content whose full
// text has not been fetched yet.
func (r *reader) GetItemsNeedingFetch(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+itemColumns+` FROM items
		WHERE (content IS NULL OR content = '') AND content_fetched = 0
		AND state IN ('unprocessed', 'failed_retryable')
		ORDER BY collected_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// UpdateItemContent stores fetched content and marks the fetch as done.
func (db *DB) UpdateItemContent(ctx context.Context, id int64, content string) error {
	_, err := db.q.ExecContext(ctx,
		"UPDATE items SET content = ?, content_fetched = 1, updated_at = ? WHERE id = ?",
		emptyToNil(content), formatTime(time.Now()), id,
	)
	return err
}

// MarkFetchAttempted records that a fetch was tried so it is not repeated.
func (db *DB) MarkFetchAttempted(ctx context.Context, id int64) error {
	_, err := db.q.ExecContext(ctx,
		"UPDATE items SET content_fetched = 1, updated_at = ? WHERE id = ?",
		formatTime(time.Now()), id,
	)
	return err
}

// UpdateState moves an item from one state to another in a single
// conditional write. It returns ErrConflict when the item is no longer in
// from, and ErrNotFound when it does not exist.
func (db *DB) UpdateState(ctx context.Context, id int64, from, to State) error {
	result, err := db.q.ExecContext(ctx,
		"UPDATE items SET state = ?, updated_at = ? WHERE id = ? AND state = ?",
		string(to), formatTime(time.Now()), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("updating item %d state: %w", id, err)
	}
	return db.checkApplied(ctx, result, id)
}

// CountByState returns the number of items in each state. Every state is
// present in the map.
func (r *reader) CountByState(ctx context.Context) (map[State]int, error) {
	counts := make(map[State]int, len(AllStates))
	for _, s := range AllStates {
		counts[s] = 0
	}
	rows, err := r.q.QueryContext(ctx, "SELECT state, COUNT(*) FROM items GROUP BY state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[State(s)] = n
	}
	return counts, rows.Err()
}

// checkApplied turns a zero-row conditional update into ErrNotFound or
// ErrConflict.
func (r *reader) checkApplied(ctx context.Context, result sql.Result, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = r.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM items WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("item %d: %w", id, ErrNotFound)
	}
	return fmt.Errorf("item %d: %w", id, ErrConflict)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

func scanItem(row rowScanner) (*Item, error) {
	var it Item
	var (
		content, source, category, lastError, owner, payloadDir sql.NullString
		collectedAt, state                                         string
		claimedAt, expiresAt, processedAt, normalizedAt, genAt     sql.NullString
		fetched, generated                                         int
	)
	if err := row.Scan(&it.ID, &it.URL, &it.Title, &content, &source, &category, &fetched,
		&collectedAt, &state, &it.FailureCount, &lastError, &owner, &claimedAt, &expiresAt,
		&it.ClaimEpoch, &processedAt, &normalizedAt, &generated, &genAt, &payloadDir); err != nil {
		return nil, err
	}

	it.Content = nullString(content)
	it.Source = nullString(source)
	it.Category = nullString(category)
	it.LastError = nullString(lastError)
	it.ClaimOwner = nullString(owner)
	it.PayloadDirectory = nullString(payloadDir)
	it.ContentFetched = fetched != 0
	it.PayloadGenerated = generated != 0
	it.State = State(state)

	var err error
	if it.CollectedAt, err = parseTime(collectedAt); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{
		{&it.ClaimedAt, claimedAt},
		{&it.ClaimExpiresAt, expiresAt},
		{&it.ProcessedAt, processedAt},
		{&it.NormalizedAt, normalizedAt},
		{&it.PayloadGeneratedAt, genAt},
	} {
		if *f.dst, err = parseNullTime(f.src); err != nil {
			return nil, err
		}
	}
	return &it, nil
}
