// Package store provides the SQLite storage layer for threadgraph.
//
// Two tables back the whole system:
// - raw_event: deduplicated communication events with provenance
// - extraction: derived signals, at most one row per (event, method)
//
// The unique constraints on (source, source_id) and (event_id, method) are
// enforced by the schema, not application logic, so concurrent writers race
// harmlessly to a single surviving row.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.threadgraph/threadgraph.db"

// DefaultBatchSize is the default backlog size for the extraction worker.
const DefaultBatchSize = 200

// timeLayout is RFC3339 UTC with a fixed-width fraction. SQLite cannot parse
// Go's default time format, and variable-width fractions break lexicographic
// comparison, so every timestamp is normalized to UTC and formatted with this
// layout before it is written. String order then matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var (
	// ErrNotFound is returned by lookups and deletes keyed on
	// (source, source_id) when no matching event exists.
	ErrNotFound = errors.New("event not found")

	// ErrEventMissing is returned when an extraction write references a
	// nonexistent event id.
	ErrEventMissing = errors.New("extraction references nonexistent event")
)

// RawEvent is a single ingested communication event.
// Immutable after first insert; re-ingesting the same (Source, SourceID)
// is a no-op.
type RawEvent struct {
	ID          string
	Source      string
	SourceID    string
	OccurredAt  time.Time
	IngestedAt  time.Time
	Payload     map[string]any
	ContentHash []byte
}

// Extraction holds the derived signals for one (event, method) pair.
// Data is the JSON-encoded signal bundle produced by the extraction pipeline.
type Extraction struct {
	ID          string
	EventID     string
	Method      string
	ExtractedAt time.Time
	Confidence  float64
	Data        []byte
}

// Candidate is a joined (event, extraction) row returned by retrieval.
type Candidate struct {
	Event      RawEvent
	Extraction Extraction
}

// Stats holds observability counters for the store.
type Stats struct {
	EventCount      int64 `json:"events"`
	ExtractionCount int64 `json:"extractions"`
	PendingCount    int64 `json:"pending"` // events with no extraction for the queried method
	DBSizeBytes     int64 `json:"db_size_bytes,omitempty"`
}

// Config holds configuration for NewStore.
type Config struct {
	DBPath string
}

// Store defines the storage interface consumed by the worker, the retrieval
// engine and the transport seams.
type Store interface {
	// Events
	InsertEvent(ctx context.Context, e *RawEvent) (created bool, err error)
	GetEvent(ctx context.Context, source, sourceID string) (*RawEvent, error)
	ListRecentEvents(ctx context.Context, limit int) ([]*RawEvent, error)
	DeleteEvent(ctx context.Context, source, sourceID string) error

	// Extractions
	UpsertExtraction(ctx context.Context, x *Extraction) error
	UpsertExtractionBatch(ctx context.Context, batch []*Extraction) error
	GetExtraction(ctx context.Context, eventID, method string) (*Extraction, error)
	FindMissingEvents(ctx context.Context, method string, limit int) ([]*RawEvent, error)

	// Retrieval
	RetrieveCandidates(ctx context.Context, method string, since time.Time, minConfidence float64, limit int) ([]*Candidate, error)

	// Observability
	GetStats(ctx context.Context, method string) (*Stats, error)

	Close() error
}

// SQLiteStore implements Store on a single SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (and if needed bootstraps) a SQLite-backed Store.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg Config) (Store, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}

	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// foreign_keys=ON is load-bearing: the extraction table's referential
	// integrity check depends on it.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, dbPath: cfg.DBPath}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetDB exposes the underlying handle for transport-layer tests.
func (s *SQLiteStore) GetDB() *sql.DB {
	return s.db
}

// GetStats returns current database statistics. The pending count is scoped
// to the given extraction method.
func (s *SQLiteStore) GetStats(ctx context.Context, method string) (*Stats, error) {
	stats := &Stats{}

	queries := []struct {
		query string
		args  []any
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM raw_event", nil, &stats.EventCount},
		{"SELECT COUNT(*) FROM extraction", nil, &stats.ExtractionCount},
		{`SELECT COUNT(*) FROM raw_event e
		  LEFT JOIN extraction x ON x.event_id = e.id AND x.method = ?
		  WHERE x.id IS NULL`, []any{method}, &stats.PendingCount},
	}

	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query, q.args...).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("querying stats (%s): %w", q.query, err)
		}
	}

	if s.dbPath != ":memory:" {
		var pageCount, pageSize int64
		if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
			return nil, fmt.Errorf("querying page_count: %w", err)
		}
		if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
			return nil, fmt.Errorf("querying page_size: %w", err)
		}
		stats.DBSizeBytes = pageCount * pageSize
	}

	return stats, nil
}

// formatTime normalizes a timestamp for storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime reads a stored timestamp back.
func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
