package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// InsertRawResult appends the raw enrichment response for an item. Raw
// results are never updated or deleted.
func (tx *Tx) InsertRawResult(ctx context.Context, itemID int64, model, payload string, now time.Time) (int64, error) {
	result, err := tx.q.ExecContext(ctx,
		"INSERT INTO enrichment_results (item_id, model, payload, created_at) VALUES (?, ?, ?, ?)",
		itemID, emptyToNil(model), payload, formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting raw result for item %d: %w", itemID, err)
	}
	return result.LastInsertId()
}

// DeleteNormalized removes every normalized row of an item.
func (tx *Tx) DeleteNormalized(ctx context.Context, itemID int64) error {
	for _, table := range []string{"summaries", "keywords", "questions", "item_notes"} {
		if _, err := tx.q.ExecContext(ctx, "DELETE FROM "+table+" WHERE item_id = ?", itemID); err != nil {
			return fmt.Errorf("clearing %s for item %d: %w", table, itemID, err)
		}
	}
	return nil
}

// UpsertSummary writes a summary keyed by (item_id, tier).
func (tx *Tx) UpsertSummary(ctx context.Context, s Summary) error {
	_, err := tx.q.ExecContext(ctx,
		`INSERT INTO summaries (item_id, tier, title, body) VALUES (?, ?, ?, ?)
		ON CONFLICT(item_id, tier) DO UPDATE SET title = excluded.title, body = excluded.body`,
		s.ItemID, s.Tier, s.Title, s.Body,
	)
	return err
}

// UpsertKeyword writes a keyword keyed by (item_id, tier, term).
func (tx *Tx) UpsertKeyword(ctx context.Context, k Keyword) error {
	_, err := tx.q.ExecContext(ctx,
		`INSERT INTO keywords (item_id, tier, term, definition, position) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(item_id, tier, term) DO UPDATE SET
			definition = excluded.definition, position = excluded.position`,
		k.ItemID, k.Tier, k.Term, k.Definition, k.Position,
	)
	return err
}

// UpsertQuestion writes a question keyed by (item_id, tier, position).
func (tx *Tx) UpsertQuestion(ctx context.Context, q Question) error {
	choices, err := json.Marshal(q.Choices)
	if err != nil {
		return err
	}
	_, err = tx.q.ExecContext(ctx,
		`INSERT INTO questions (item_id, tier, position, prompt, choices, answer_index, explanation)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id, tier, position) DO UPDATE SET
			prompt = excluded.prompt, choices = excluded.choices,
			answer_index = excluded.answer_index, explanation = excluded.explanation`,
		q.ItemID, q.Tier, q.Position, q.Prompt, string(choices), q.AnswerIndex, emptyToNil(q.Explanation),
	)
	return err
}

// UpsertNote writes a note keyed by (item_id, kind).
func (tx *Tx) UpsertNote(ctx context.Context, n Note) error {
	_, err := tx.q.ExecContext(ctx,
		`INSERT INTO item_notes (item_id, kind, body) VALUES (?, ?, ?)
		ON CONFLICT(item_id, kind) DO UPDATE SET body = excluded.body`,
		n.ItemID, string(n.Kind), n.Body,
	)
	return err
}

// SetNormalizedAt stamps the item as having current normalized rows.
func (tx *Tx) SetNormalizedAt(ctx context.Context, itemID int64, now time.Time) error {
	result, err := tx.q.ExecContext(ctx,
		"UPDATE items SET normalized_at = ?, updated_at = ? WHERE id = ?",
		formatTime(now), formatTime(now), itemID,
	)
	if err != nil {
		return err
	}
	return tx.checkApplied(ctx, result, itemID)
}

// GetLatestRawResult returns the most recent raw result of an item, or
// ErrNotFound when it has none.
func (r *reader) GetLatestRawResult(ctx context.Context, itemID int64) (*RawResult, error) {
	var rr RawResult
	var model sql.NullString
	var created string
	err := r.q.QueryRowContext(ctx,
		`SELECT id, item_id, model, payload, created_at FROM enrichment_results
		WHERE item_id = ? ORDER BY id DESC LIMIT 1`, itemID,
	).Scan(&rr.ID, &rr.ItemID, &model, &rr.Payload, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("raw result for item %d: %w", itemID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rr.Model = model.String
	if rr.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &rr, nil
}

// CountRawResults returns how many raw results were stored for an item.
func (r *reader) CountRawResults(ctx context.Context, itemID int64) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM enrichment_results WHERE item_id = ?", itemID,
	).Scan(&n)
	return n, err
}

// GetSummaries returns an item's summaries ordered by tier.
func (r *reader) GetSummaries(ctx context.Context, itemID int64) ([]Summary, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT item_id, tier, title, body FROM summaries WHERE item_id = ? ORDER BY tier", itemID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ItemID, &s.Tier, &s.Title, &s.Body); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetKeywords returns an item's keywords ordered by tier and position.
func (r *reader) GetKeywords(ctx context.Context, itemID int64) ([]Keyword, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT item_id, tier, term, definition, position FROM keywords
		WHERE item_id = ? ORDER BY tier, position, term`, itemID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Keyword
	for rows.Next() {
		var k Keyword
		if err := rows.Scan(&k.ItemID, &k.Tier, &k.Term, &k.Definition, &k.Position); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// GetQuestions returns an item's questions ordered by tier and position.
func (r *reader) GetQuestions(ctx context.Context, itemID int64) ([]Question, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT item_id, tier, position, prompt, choices, answer_index, explanation FROM questions
		WHERE item_id = ? ORDER BY tier, position`, itemID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Question
	for rows.Next() {
		var q Question
		var choices string
		var explanation sql.NullString
		if err := rows.Scan(&q.ItemID, &q.Tier, &q.Position, &q.Prompt, &choices,
			&q.AnswerIndex, &explanation); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(choices), &q.Choices); err != nil {
			return nil, fmt.Errorf("decoding choices for item %d: %w", itemID, err)
		}
		q.Explanation = explanation.String
		out = append(out, q)
	}
	return out, rows.Err()
}

// GetNotes returns an item's prose notes ordered by kind.
func (r *reader) GetNotes(ctx context.Context, itemID int64) ([]Note, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT item_id, kind, body FROM item_notes WHERE item_id = ? ORDER BY kind", itemID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Note
	for rows.Next() {
		var n Note
		var kind string
		if err := rows.Scan(&n.ItemID, &kind, &n.Body); err != nil {
			return nil, err
		}
		n.Kind = NoteKind(kind)
		out = append(out, n)
	}
	return out, rows.Err()
}
