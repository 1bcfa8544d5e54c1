package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    url TEXT UNIQUE NOT NULL,
    title TEXT NOT NULL,
    content TEXT,
    source TEXT,
    category TEXT,
    content_fetched INTEGER NOT NULL DEFAULT 0,
    collected_at TEXT NOT NULL DEFAULT (datetime('now')),
    state TEXT NOT NULL DEFAULT 'unprocessed'
        CHECK(state IN ('unprocessed', 'claimed', 'processed', 'failed_retryable', 'failed_permanent')),
    failure_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    claim_owner TEXT,
    claimed_at TEXT,
    claim_expires_at TEXT,
    processed_at TEXT,
    normalized_at TEXT,
    payload_generated INTEGER NOT NULL DEFAULT 0,
    payload_generated_at TEXT,
    payload_directory TEXT,
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS enrichment_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id INTEGER NOT NULL REFERENCES items(id),
    model TEXT,
    payload TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS summaries (
    item_id INTEGER NOT NULL REFERENCES items(id),
    tier TEXT NOT NULL,
    title TEXT NOT NULL,
    body TEXT NOT NULL,
    PRIMARY KEY (item_id, tier)
);

CREATE TABLE IF NOT EXISTS keywords (
    item_id INTEGER NOT NULL REFERENCES items(id),
    tier TEXT NOT NULL,
    term TEXT NOT NULL,
    definition TEXT NOT NULL,
    position INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (item_id, tier, term)
);

CREATE TABLE IF NOT EXISTS questions (
    item_id INTEGER NOT NULL REFERENCES items(id),
    tier TEXT NOT NULL,
    position INTEGER NOT NULL,
    prompt TEXT NOT NULL,
    choices TEXT NOT NULL,
    answer_index INTEGER NOT NULL,
    explanation TEXT,
    PRIMARY KEY (item_id, tier, position)
);

CREATE TABLE IF NOT EXISTS item_notes (
    item_id INTEGER NOT NULL REFERENCES items(id),
    kind TEXT NOT NULL CHECK(kind IN ('commentary', 'background', 'analysis')),
    body TEXT NOT NULL,
    PRIMARY KEY (item_id, kind)
);

CREATE INDEX IF NOT EXISTS idx_items_state ON items(state, collected_at);
CREATE INDEX IF NOT EXISTS idx_items_category ON items(category);
CREATE INDEX IF NOT EXISTS idx_enrichment_results_item ON enrichment_results(item_id, id);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "claim epoch and run reports",
		Up: func(tx *sql.Tx) error {
			exists, err := hasColumn(tx, "items", "claim_epoch")
			if err != nil {
				return err
			}
			if !exists {
				if _, err := tx.Exec(`ALTER TABLE items ADD COLUMN claim_epoch INTEGER NOT NULL DEFAULT 0`); err != nil {
					return err
				}
			}
			_, err = tx.Exec(`
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    mode TEXT NOT NULL CHECK(mode IN ('apply', 'dry-run')),
    selected INTEGER NOT NULL DEFAULT 0,
    succeeded INTEGER NOT NULL DEFAULT 0,
    retrying INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    conflicts INTEGER NOT NULL DEFAULT 0,
    artifact_version TEXT,
    started_at TEXT NOT NULL,
    finished_at TEXT
);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
