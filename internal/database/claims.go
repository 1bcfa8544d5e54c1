package database

import (
	"context"
	"fmt"
	"time"
)

// Claim identifies one worker's ownership of an item. Owner and Epoch
// together fence every later transition: a worker whose lease was taken
// over holds a stale epoch and cannot commit.
type Claim struct {
	ItemID    int64
	Owner     string
	Epoch     int
	ExpiresAt time.Time
}

// ClaimItem claims id for owner until now+lease. It accepts unprocessed and
// failed_retryable items and claims whose lease expired before now. It
// returns ErrConflict when the item is not claimable.
func (db *DB) ClaimItem(ctx context.Context, id int64, owner string, now time.Time, lease time.Duration) (*Claim, *Item, error) {
	var item *Item
	expires := now.Add(lease)
	err := db.WithTx(ctx, func(tx *Tx) error {
		result, err := tx.q.ExecContext(ctx,
			`UPDATE items SET state = 'claimed', claim_owner = ?, claimed_at = ?,
			claim_expires_at = ?, claim_epoch = claim_epoch + 1, updated_at = ?
			WHERE id = ? AND `+claimableClause,
			owner, formatTime(now), formatTime(expires), formatTime(now), id, formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("claiming item %d: %w", id, err)
		}
		if err := tx.checkApplied(ctx, result, id); err != nil {
			return err
		}
		item, err = tx.Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return &Claim{ItemID: id, Owner: owner, Epoch: item.ClaimEpoch, ExpiresAt: expires}, item, nil
}

// ReleaseClaim returns a claimed item to unprocessed without touching its
// failure counter.
func (db *DB) ReleaseClaim(ctx context.Context, c Claim) error {
	result, err := db.q.ExecContext(ctx,
		`UPDATE items SET state = 'unprocessed', claim_owner = NULL, claimed_at = NULL,
		claim_expires_at = NULL, updated_at = ?
		WHERE id = ? AND state = 'claimed' AND claim_owner = ? AND claim_epoch = ?`,
		formatTime(time.Now()), c.ItemID, c.Owner, c.Epoch,
	)
	if err != nil {
		return fmt.Errorf("releasing item %d: %w", c.ItemID, err)
	}
	return db.checkApplied(ctx, result, c.ItemID)
}

// ForceRelease releases a claim regardless of owner. Used by operators to
// abort stuck claims.
func (db *DB) ForceRelease(ctx context.Context, id int64) error {
	result, err := db.q.ExecContext(ctx,
		`UPDATE items SET state = 'unprocessed', claim_owner = NULL, claimed_at = NULL,
		claim_expires_at = NULL, updated_at = ?
		WHERE id = ? AND state = 'claimed'`,
		formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("releasing item %d: %w", id, err)
	}
	return db.checkApplied(ctx, result, id)
}

// FailClaim moves a claimed item to a failed state. expectedCount is the
// failure count the caller read; the write stores expectedCount+1 and fails
// with ErrConflict if anything changed in between.
func (db *DB) FailClaim(ctx context.Context, c Claim, expectedCount int, to State, lastError string) error {
	if to != StateFailedRetryable && to != StateFailedPermanent {
		return fmt.Errorf("invalid failure state %q", to)
	}
	result, err := db.q.ExecContext(ctx,
		`UPDATE items SET state = ?, failure_count = ?, last_error = ?,
		claim_owner = NULL, claimed_at = NULL, claim_expires_at = NULL, updated_at = ?
		WHERE id = ? AND state = 'claimed' AND claim_owner = ? AND claim_epoch = ?
		AND failure_count = ?`,
		string(to), expectedCount+1, lastError, formatTime(time.Now()),
		c.ItemID, c.Owner, c.Epoch, expectedCount,
	)
	if err != nil {
		return fmt.Errorf("failing item %d: %w", c.ItemID, err)
	}
	return db.checkApplied(ctx, result, c.ItemID)
}

// ForceReprocess returns a processed or failed item to unprocessed and
// resets its failure counter. Claimed items are rejected with ErrConflict.
func (db *DB) ForceReprocess(ctx context.Context, id int64) error {
	result, err := db.q.ExecContext(ctx,
		`UPDATE items SET state = 'unprocessed', failure_count = 0, last_error = NULL, updated_at = ?
		WHERE id = ? AND state IN ('processed', 'failed_retryable', 'failed_permanent')`,
		formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("reprocessing item %d: %w", id, err)
	}
	return db.checkApplied(ctx, result, id)
}

// MarkProcessed completes a claim. It must run in the transaction that wrote
// the item's normalized rows.
func (tx *Tx) MarkProcessed(ctx context.Context, c Claim, now time.Time) error {
	result, err := tx.q.ExecContext(ctx,
		`UPDATE items SET state = 'processed', processed_at = ?, last_error = NULL,
		claim_owner = NULL, claimed_at = NULL, claim_expires_at = NULL, updated_at = ?
		WHERE id = ? AND state = 'claimed' AND claim_owner = ? AND claim_epoch = ?`,
		formatTime(now), formatTime(now), c.ItemID, c.Owner, c.Epoch,
	)
	if err != nil {
		return fmt.Errorf("completing item %d: %w", c.ItemID, err)
	}
	return tx.checkApplied(ctx, result, c.ItemID)
}
