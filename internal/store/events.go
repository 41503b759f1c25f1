package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertEvent ingests a raw event with insert-or-ignore semantics. The
// returned bool reports whether a row was created: false means an event with
// the same (source, source_id) already existed and nothing was written, so
// ingestion is safe to retry indefinitely.
//
// The content fingerprint is computed here when absent; a payload that cannot
// be canonicalized fails before any write.
func (s *SQLiteStore) InsertEvent(ctx context.Context, e *RawEvent) (bool, error) {
	if e.Source == "" || e.SourceID == "" {
		return false, fmt.Errorf("source and source_id are required")
	}
	if e.OccurredAt.IsZero() {
		return false, fmt.Errorf("occurred_at is required")
	}

	payload, err := CanonicalPayload(e.Payload)
	if err != nil {
		return false, err
	}
	if len(e.ContentHash) == 0 {
		e.ContentHash = hashCanonical(payload)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.IngestedAt.IsZero() {
		e.IngestedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO raw_event (id, source, source_id, occurred_at, ingested_at, payload, content_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source, source_id) DO NOTHING`,
		e.ID, e.Source, e.SourceID, formatTime(e.OccurredAt), formatTime(e.IngestedAt),
		string(payload), e.ContentHash,
	)
	if err != nil {
		return false, fmt.Errorf("inserting event: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

// GetEvent retrieves an event by its (source, source_id) key.
func (s *SQLiteStore) GetEvent(ctx context.Context, source, sourceID string) (*RawEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source, source_id, occurred_at, ingested_at, payload, content_hash
		 FROM raw_event WHERE source = ? AND source_id = ?`,
		source, sourceID,
	)

	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, source, sourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting event %s/%s: %w", source, sourceID, err)
	}
	return e, nil
}

// ListRecentEvents returns events ordered by occurred_at descending, bounded
// by limit. Ties in occurred_at break by insertion order (rowid).
func (s *SQLiteStore) ListRecentEvents(ctx context.Context, limit int) ([]*RawEvent, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, source_id, occurred_at, ingested_at, payload, content_hash
		 FROM raw_event
		 ORDER BY occurred_at DESC, rowid ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing recent events: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// DeleteEvent removes the event matching (source, source_id). Dependent
// extractions are removed by the schema's cascade. Returns ErrNotFound when
// no row matches.
func (s *SQLiteStore) DeleteEvent(ctx context.Context, source, sourceID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM raw_event WHERE source = ? AND source_id = ?`,
		source, sourceID,
	)
	if err != nil {
		return fmt.Errorf("deleting event: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, source, sourceID)
	}
	return nil
}

// FindMissingEvents returns events that have no extraction for the given
// method, newest first. This is the batch worker's backlog query: a
// left-exclusion join, so only events with zero matching extraction rows
// qualify.
func (s *SQLiteStore) FindMissingEvents(ctx context.Context, method string, limit int) ([]*RawEvent, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.source, e.source_id, e.occurred_at, e.ingested_at, e.payload, e.content_hash
		 FROM raw_event e
		 LEFT JOIN extraction x ON x.event_id = e.id AND x.method = ?
		 WHERE x.id IS NULL
		 ORDER BY e.occurred_at DESC, e.rowid ASC
		 LIMIT ?`,
		method, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("finding events missing %q extraction: %w", method, err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*RawEvent, error) {
	e := &RawEvent{}
	var occurredAt, ingestedAt, payload string

	if err := row.Scan(&e.ID, &e.Source, &e.SourceID, &occurredAt, &ingestedAt,
		&payload, &e.ContentHash); err != nil {
		return nil, err
	}

	var err error
	if e.OccurredAt, err = parseTime(occurredAt); err != nil {
		return nil, fmt.Errorf("parsing occurred_at %q: %w", occurredAt, err)
	}
	if e.IngestedAt, err = parseTime(ingestedAt); err != nil {
		return nil, fmt.Errorf("parsing ingested_at %q: %w", ingestedAt, err)
	}
	if err := unmarshalPayload(payload, &e.Payload); err != nil {
		return nil, err
	}
	return e, nil
}

func unmarshalPayload(payload string, dest *map[string]any) error {
	if err := json.Unmarshal([]byte(payload), dest); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}

func collectEvents(rows *sql.Rows) ([]*RawEvent, error) {
	var events []*RawEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
