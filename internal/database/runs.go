package database

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// InsertRun records the start of a batch run and sets run.ID.
func (db *DB) InsertRun(ctx context.Context, run *Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	result, err := db.q.ExecContext(ctx,
		"INSERT INTO runs (mode, selected, started_at) VALUES (?, ?, ?)",
		run.Mode, run.Selected, formatTime(run.StartedAt),
	)
	if err != nil {
		return err
	}
	run.ID, err = result.LastInsertId()
	return err
}

// FinishRun stores a run's final counters.
func (db *DB) FinishRun(ctx context.Context, run *Run) error {
	if run.FinishedAt == nil {
		now := time.Now()
		run.FinishedAt = &now
	}
	_, err := db.q.ExecContext(ctx,
		`UPDATE runs SET selected = ?, succeeded = ?, retrying = ?, failed = ?, conflicts = ?,
		artifact_version = ?, finished_at = ? WHERE id = ?`,
		run.Selected, run.Succeeded, run.Retrying, run.Failed, run.Conflicts,
		run.ArtifactVersion, formatTime(*run.FinishedAt), run.ID,
	)
	return err
}

// GetLastRun returns the most recent run, or nil if none exist.
func (r *reader) GetLastRun(ctx context.Context) (*Run, error) {
	var run Run
	var version, finished sql.NullString
	var started string
	err := r.q.QueryRowContext(ctx,
		`SELECT id, mode, selected, succeeded, retrying, failed, conflicts,
		artifact_version, started_at, finished_at FROM runs ORDER BY id DESC LIMIT 1`,
	).Scan(&run.ID, &run.Mode, &run.Selected, &run.Succeeded, &run.Retrying, &run.Failed,
		&run.Conflicts, &version, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.ArtifactVersion = nullString(version)
	if run.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = parseNullTime(finished); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetStats returns aggregate database statistics.
func (r *reader) GetStats(ctx context.Context) (*Stats, error) {
	var s Stats
	var err error
	if s.ByState, err = r.CountByState(ctx); err != nil {
		return nil, err
	}
	for _, n := range s.ByState {
		s.TotalItems += n
	}
	for _, c := range []struct {
		dst   *int
		query string
	}{
		{&s.EnrichmentPasses, "SELECT COUNT(*) FROM enrichment_results"},
		{&s.Summaries, "SELECT COUNT(*) FROM summaries"},
		{&s.Keywords, "SELECT COUNT(*) FROM keywords"},
		{&s.Questions, "SELECT COUNT(*) FROM questions"},
	} {
		if err := r.q.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, err
		}
	}
	if s.PayloadPending, err = r.CountPayloadPending(ctx); err != nil {
		return nil, err
	}
	return &s, nil
}
