package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// upsertExtractionSQL inserts an extraction or, on (event_id, method)
// collision, replaces only the refreshable fields. Id, event and method
// identity are immutable once created. A single atomic statement, not a
// read-then-write pair.
const upsertExtractionSQL = `
	INSERT INTO extraction (id, event_id, method, extracted_at, confidence, data)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(event_id, method) DO UPDATE SET
		extracted_at = excluded.extracted_at,
		confidence   = excluded.confidence,
		data         = excluded.data`

// UpsertExtraction writes the extraction for one (event, method) pair.
// Returns ErrEventMissing when the referenced event does not exist; an
// extraction is never silently created as an orphan.
func (s *SQLiteStore) UpsertExtraction(ctx context.Context, x *Extraction) error {
	fillExtractionDefaults(x)

	_, err := s.db.ExecContext(ctx, upsertExtractionSQL,
		x.ID, x.EventID, x.Method, formatTime(x.ExtractedAt), x.Confidence, string(x.Data))
	if err != nil {
		return wrapExtractionErr(x.EventID, err)
	}
	return nil
}

// UpsertExtractionBatch writes a batch of extractions in one transaction.
// All-or-nothing: a failure on any row leaves no partial writes, so a crashed
// batch is fully retryable.
func (s *SQLiteStore) UpsertExtractionBatch(ctx context.Context, batch []*Extraction) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning batch transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertExtractionSQL)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	for _, x := range batch {
		fillExtractionDefaults(x)
		if _, err := stmt.ExecContext(ctx,
			x.ID, x.EventID, x.Method, formatTime(x.ExtractedAt), x.Confidence, string(x.Data)); err != nil {
			return wrapExtractionErr(x.EventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}

// GetExtraction retrieves the extraction for an (event, method) pair.
// Returns (nil, nil) when the event has not been processed yet.
func (s *SQLiteStore) GetExtraction(ctx context.Context, eventID, method string) (*Extraction, error) {
	x := &Extraction{}
	var extractedAt, data string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, event_id, method, extracted_at, confidence, data
		 FROM extraction WHERE event_id = ? AND method = ?`,
		eventID, method,
	).Scan(&x.ID, &x.EventID, &x.Method, &extractedAt, &x.Confidence, &data)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting extraction %s/%s: %w", eventID, method, err)
	}

	if x.ExtractedAt, err = parseTime(extractedAt); err != nil {
		return nil, fmt.Errorf("parsing extracted_at %q: %w", extractedAt, err)
	}
	x.Data = []byte(data)
	return x, nil
}

// RetrieveCandidates joins events with their extractions for the given
// method, keeping rows at or after the cutoff with confidence at or above the
// floor, newest first, bounded by limit. Promotional filtering is the
// caller's concern — it runs after this cap by design.
func (s *SQLiteStore) RetrieveCandidates(ctx context.Context, method string, since time.Time, minConfidence float64, limit int) ([]*Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.source, e.source_id, e.occurred_at, e.ingested_at, e.payload, e.content_hash,
		        x.id, x.event_id, x.method, x.extracted_at, x.confidence, x.data
		 FROM raw_event e
		 JOIN extraction x ON x.event_id = e.id AND x.method = ?
		 WHERE e.occurred_at >= ? AND x.confidence >= ?
		 ORDER BY e.occurred_at DESC, e.rowid ASC
		 LIMIT ?`,
		method, formatTime(since), minConfidence, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("retrieving candidates: %w", err)
	}
	defer rows.Close()

	var candidates []*Candidate
	for rows.Next() {
		c := &Candidate{}
		var occurredAt, ingestedAt, payload, extractedAt, data string

		if err := rows.Scan(
			&c.Event.ID, &c.Event.Source, &c.Event.SourceID, &occurredAt, &ingestedAt,
			&payload, &c.Event.ContentHash,
			&c.Extraction.ID, &c.Extraction.EventID, &c.Extraction.Method,
			&extractedAt, &c.Extraction.Confidence, &data,
		); err != nil {
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}

		if c.Event.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, fmt.Errorf("parsing occurred_at %q: %w", occurredAt, err)
		}
		if c.Event.IngestedAt, err = parseTime(ingestedAt); err != nil {
			return nil, fmt.Errorf("parsing ingested_at %q: %w", ingestedAt, err)
		}
		if c.Extraction.ExtractedAt, err = parseTime(extractedAt); err != nil {
			return nil, fmt.Errorf("parsing extracted_at %q: %w", extractedAt, err)
		}
		if err := unmarshalPayload(payload, &c.Event.Payload); err != nil {
			return nil, err
		}
		c.Extraction.Data = []byte(data)

		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

func fillExtractionDefaults(x *Extraction) {
	if x.ID == "" {
		x.ID = uuid.NewString()
	}
	if x.ExtractedAt.IsZero() {
		x.ExtractedAt = time.Now().UTC()
	}
	if len(x.Data) == 0 {
		x.Data = []byte("{}")
	}
}

// wrapExtractionErr maps SQLite foreign key violations to ErrEventMissing.
func wrapExtractionErr(eventID string, err error) error {
	if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
		return fmt.Errorf("%w: %s", ErrEventMissing, eventID)
	}
	return fmt.Errorf("upserting extraction for event %s: %w", eventID, err)
}
