package store

import "fmt"

// migrate creates all tables if they don't exist.
//
// Both unique indexes are load-bearing: insert-or-ignore on raw_event and
// insert-or-update on extraction rely on the schema to serialize conflicting
// writers, so concurrent ingestion of the same key races to a single row.
func (s *SQLiteStore) migrate() error {
	statements := []string{
		// Raw communication events with provenance and dedup fingerprint
		`CREATE TABLE IF NOT EXISTS raw_event (
			id           TEXT PRIMARY KEY,
			source       TEXT NOT NULL,
			source_id    TEXT NOT NULL,
			occurred_at  TEXT NOT NULL,
			ingested_at  TEXT NOT NULL,
			payload      TEXT NOT NULL,
			content_hash BLOB NOT NULL
		)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS raw_event_source_source_id_key
			ON raw_event(source, source_id)`,

		// Derived signals, one row per (event, method). Extractions are
		// useless without their event's payload, so deletes cascade.
		`CREATE TABLE IF NOT EXISTS extraction (
			id           TEXT PRIMARY KEY,
			event_id     TEXT NOT NULL REFERENCES raw_event(id) ON DELETE CASCADE,
			method       TEXT NOT NULL,
			extracted_at TEXT NOT NULL,
			confidence   REAL NOT NULL,
			data         TEXT NOT NULL
		)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS uq_event_method
			ON extraction(event_id, method)`,

		// Recency ordering and the retrieval join's confidence floor
		`CREATE INDEX IF NOT EXISTS raw_event_occurred_at_idx
			ON raw_event(occurred_at DESC)`,

		`CREATE INDEX IF NOT EXISTS extraction_method_confidence_idx
			ON extraction(method, confidence)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing migration: %w\nstatement: %s", err, stmt)
		}
	}

	return nil
}
