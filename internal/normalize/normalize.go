// Package normalize writes enrichment results into the item store as
// normalized rows, all-or-nothing per item.
package normalize

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/TobiSchelling/graded/internal/database"
	"github.com/TobiSchelling/graded/internal/enrich"
)

// Inserter writes enrichment results for items.
type Inserter struct {
	db    *database.DB
	tiers []string
	now   func() time.Time
}

// New creates an inserter. tiers is used to re-parse stored raw results.
func New(db *database.DB, tiers []string) *Inserter {
	return &Inserter{db: db, tiers: tiers, now: time.Now}
}

// Insert stores res for itemID in its own transaction.
func (in *Inserter) Insert(ctx context.Context, itemID int64, res *enrich.Result) error {
	return in.db.WithTx(ctx, func(tx *database.Tx) error {
		return in.InsertTx(ctx, tx, itemID, res)
	})
}

// InsertTx stores res for itemID inside the caller's transaction: it
// appends the raw result, replaces the item's normalized rows and stamps
// normalized_at. The caller rolls back on error.
func (in *Inserter) InsertTx(ctx context.Context, tx *database.Tx, itemID int64, res *enrich.Result) error {
	now := in.now()
	if _, err := tx.InsertRawResult(ctx, itemID, res.Model, res.Raw, now); err != nil {
		return err
	}
	return writeRows(ctx, tx, itemID, res, now)
}

// Replay rebuilds an item's normalized rows from its latest stored raw
// result without calling the service. The item's state is not changed.
func (in *Inserter) Replay(ctx context.Context, itemID int64) error {
	raw, err := in.db.GetLatestRawResult(ctx, itemID)
	if err != nil {
		return err
	}
	res, err := enrich.ParseResult(raw.Payload, in.tiers)
	if err != nil {
		return fmt.Errorf("parsing stored result %d: %w", raw.ID, err)
	}
	res.Model = raw.Model

	err = in.db.WithTx(ctx, func(tx *database.Tx) error {
		return writeRows(ctx, tx, itemID, res, in.now())
	})
	if err != nil {
		return err
	}
	slog.Info("replayed enrichment result", "item_id", itemID, "raw_result_id", raw.ID)
	return nil
}

func writeRows(ctx context.Context, tx *database.Tx, itemID int64, res *enrich.Result, now time.Time) error {
	if err := tx.DeleteNormalized(ctx, itemID); err != nil {
		return err
	}

	for _, tier := range res.Tiers {
		err := tx.UpsertSummary(ctx, database.Summary{
			ItemID: itemID, Tier: tier.Name, Title: tier.Summary.Title, Body: tier.Summary.Body,
		})
		if err != nil {
			return fmt.Errorf("writing %s summary: %w", tier.Name, err)
		}
		for i, kw := range tier.Keywords {
			err := tx.UpsertKeyword(ctx, database.Keyword{
				ItemID: itemID, Tier: tier.Name, Term: kw.Term, Definition: kw.Definition, Position: i,
			})
			if err != nil {
				return fmt.Errorf("writing %s keyword %q: %w", tier.Name, kw.Term, err)
			}
		}
		for i, q := range tier.Questions {
			err := tx.UpsertQuestion(ctx, database.Question{
				ItemID: itemID, Tier: tier.Name, Position: i, Prompt: q.Prompt,
				Choices: q.Choices, AnswerIndex: q.AnswerIndex, Explanation: q.Explanation,
			})
			if err != nil {
				return fmt.Errorf("writing %s question %d: %w", tier.Name, i, err)
			}
		}
	}

	for _, note := range []database.Note{
		{ItemID: itemID, Kind: database.NoteCommentary, Body: res.Commentary},
		{ItemID: itemID, Kind: database.NoteBackground, Body: res.Background},
		{ItemID: itemID, Kind: database.NoteAnalysis, Body: res.Analysis},
	} {
		if note.Body == "" {
			continue
		}
		if err := tx.UpsertNote(ctx, note); err != nil {
			return fmt.Errorf("writing %s note: %w", note.Kind, err)
		}
	}

	return tx.SetNormalizedAt(ctx, itemID, now)
}
