// Package claim owns every item state transition. Lower layers classify
// errors; the Manager decides what state an item moves to.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TobiSchelling/graded/internal/database"
	"github.com/TobiSchelling/graded/internal/enrich"
)

// Outcome is the per-item result of Process.
type Outcome string

const (
	Succeeded Outcome = "succeeded"
	Retrying  Outcome = "retrying"
	Failed    Outcome = "failed"
	Conflict  Outcome = "conflict"
	Aborted   Outcome = "aborted"
	// Errored means an infrastructure error left the item untouched.
	Errored Outcome = "error"
)

// WriteFailure wraps an error from the normalized insert. It is retried
// like a transient enrichment failure.
type WriteFailure struct {
	Err error
}

func (e *WriteFailure) Error() string { return "write failure: " + e.Err.Error() }
func (e *WriteFailure) Unwrap() error { return e.Err }

// Writer stores an enrichment result inside a transaction.
type Writer interface {
	InsertTx(ctx context.Context, tx *database.Tx, itemID int64, res *enrich.Result) error
}

// Options configures the retry and lease policy.
type Options struct {
	MaxRetries int
	Lease      time.Duration
	Tiers      []string
}

// Manager performs claim transitions against the item store.
type Manager struct {
	db     *database.DB
	writer Writer
	opts   Options
	now    func() time.Time
}

// NewManager creates a claim manager.
func NewManager(db *database.DB, writer Writer, opts Options) *Manager {
	return &Manager{db: db, writer: writer, opts: opts, now: time.Now}
}

// Claim takes ownership of an item for owner.
func (m *Manager) Claim(ctx context.Context, id int64, owner string) (*database.Claim, *database.Item, error) {
	return m.db.ClaimItem(ctx, id, owner, m.now(), m.opts.Lease)
}

// Complete writes res and marks the item processed in one transaction.
// Insert errors are returned as *WriteFailure; a lost claim returns
// database.ErrConflict.
func (m *Manager) Complete(ctx context.Context, c database.Claim, res *enrich.Result) error {
	return m.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := m.writer.InsertTx(ctx, tx, c.ItemID, res); err != nil {
			return &WriteFailure{Err: err}
		}
		return tx.MarkProcessed(ctx, c, m.now())
	})
}

// Fail records a failure for a claimed item and returns the state it moved
// to. The counter is incremented first; the item becomes failed_permanent
// when cause is permanent or the new count reaches MaxRetries.
func (m *Manager) Fail(ctx context.Context, c database.Claim, item *database.Item, cause error) (database.State, error) {
	count := item.FailureCount + 1
	to := database.StateFailedRetryable
	if enrich.IsPermanent(cause) || count >= m.opts.MaxRetries {
		to = database.StateFailedPermanent
	}
	if err := m.db.FailClaim(ctx, c, item.FailureCount, to, cause.Error()); err != nil {
		return "", err
	}
	return to, nil
}

// Release returns a claimed item to unprocessed, leaving its failure
// counter untouched.
func (m *Manager) Release(ctx context.Context, c database.Claim) error {
	return m.db.ReleaseClaim(ctx, c)
}

// ForceReprocess resets processed or failed items to unprocessed. It
// returns how many were reset; per-item errors are joined.
func (m *Manager) ForceReprocess(ctx context.Context, ids []int64) (int, error) {
	var errs []error
	n := 0
	for _, id := range ids {
		if err := m.db.ForceReprocess(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Report describes how Process left one item.
type Report struct {
	ItemID  int64
	Outcome Outcome
	State   database.State
	Err     error
}

// Process claims item, enriches it with inv and records the result. It is
// the only place that maps errors to state transitions. Cancelling ctx
// releases the claim immediately.
func (m *Manager) Process(ctx context.Context, item database.Item, owner string, inv enrich.Invoker) Report {
	r := Report{ItemID: item.ID}
	log := slog.With("item_id", item.ID, "owner", owner)

	c, claimed, err := m.Claim(ctx, item.ID, owner)
	if err != nil {
		r.Err = err
		if errors.Is(err, database.ErrConflict) {
			r.Outcome = Conflict
			log.Debug("item already claimed")
		} else {
			r.Outcome = Errored
			log.Error("claim failed", "error", err)
		}
		return r
	}
	log = log.With("epoch", c.Epoch)

	res, err := inv.Invoke(ctx, request(claimed, m.opts.Tiers))
	if err == nil {
		err = m.Complete(ctx, *c, res)
		if err == nil {
			r.Outcome, r.State = Succeeded, database.StateProcessed
			log.Info("item processed", "tiers", len(res.Tiers))
			return r
		}
	}
	r.Err = err

	switch {
	case ctx.Err() != nil:
		return m.abort(ctx, *c, r, log)
	case errors.Is(err, database.ErrConflict):
		r.Outcome = Conflict
		log.Warn("claim lost before completion", "error", err)
		return r
	}

	to, ferr := m.Fail(ctx, *c, claimed, err)
	if ferr != nil {
		if errors.Is(ferr, database.ErrConflict) {
			r.Outcome = Conflict
		} else {
			r.Outcome = Errored
		}
		r.Err = fmt.Errorf("%w (recording failure: %v)", err, ferr)
		log.Error("recording failure", "error", ferr, "cause", err)
		return r
	}

	r.State = to
	if to == database.StateFailedPermanent {
		r.Outcome = Failed
		log.Warn("item failed permanently", "error", err)
	} else {
		r.Outcome = Retrying
		log.Warn("item failed, will retry", "error", err)
	}
	return r
}

func (m *Manager) abort(ctx context.Context, c database.Claim, r Report, log *slog.Logger) Report {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	r.Outcome = Aborted
	if err := m.Release(relCtx, c); err != nil {
		log.Error("releasing claim after abort", "error", err)
		return r
	}
	r.State = database.StateUnprocessed
	log.Info("processing aborted, claim released")
	return r
}

func request(it *database.Item, tiers []string) enrich.Request {
	req := enrich.Request{ItemID: it.ID, Title: it.Title, Tiers: tiers}
	if it.Content != nil {
		req.Content = *it.Content
	}
	if it.Source != nil {
		req.Source = *it.Source
	}
	if it.Category != nil {
		req.Category = *it.Category
	}
	return req
}
