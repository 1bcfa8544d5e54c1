package database

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// ListPublishable returns every item with normalized rows, ordered by ID.
func (r *reader) ListPublishable(ctx context.Context) ([]Item, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+itemColumns+" FROM items WHERE normalized_at IS NOT NULL ORDER BY id",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// CountPayloadPending returns how many publishable items have a stale or
// missing artifact bundle.
func (r *reader) CountPayloadPending(ctx context.Context) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM items WHERE normalized_at IS NOT NULL
		AND (payload_generated = 0 OR payload_generated_at IS NULL OR payload_generated_at < normalized_at)`,
	).Scan(&n)
	return n, err
}

// MarkPayloadGenerated records that the items in generated were rebuilt
// into the artifact version dir. Each id maps to the normalized_at its
// bundle was built from, so a normalization committed after the snapshot
// still leaves the item pending.
func (db *DB) MarkPayloadGenerated(ctx context.Context, generated map[int64]time.Time, dir string) error {
	if len(generated) == 0 {
		return nil
	}
	return db.WithTx(ctx, func(tx *Tx) error {
		for id, normalizedAt := range generated {
			query, args, err := sq.Update("items").
				Set("payload_generated", 1).
				Set("payload_generated_at", formatTime(normalizedAt)).
				Set("payload_directory", dir).
				Where(sq.Eq{"id": id}).
				ToSql()
			if err != nil {
				return err
			}
			if _, err := tx.tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("marking payload generated for item %d: %w", id, err)
			}
		}
		return nil
	})
}
