package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// newTestStore creates an in-memory store for testing.
func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewStore(Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testEvent builds a plausible gmail event for fixtures.
func testEvent(sourceID string, occurredAt time.Time) *RawEvent {
	return &RawEvent{
		Source:     "gmail",
		SourceID:   sourceID,
		OccurredAt: occurredAt,
		Payload: map[string]any{
			"subject":   "Re: Interview availability",
			"from":      "cheryl@tcu.edu",
			"snippet":   "Are you available Tuesday or Thursday?",
			"thread_id": "thread-123",
		},
	}
}

// mustIngest inserts an event and fails the test on any error.
func mustIngest(t *testing.T, s Store, e *RawEvent) {
	t.Helper()
	if _, err := s.InsertEvent(context.Background(), e); err != nil {
		t.Fatalf("inserting event %s/%s: %v", e.Source, e.SourceID, err)
	}
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	defer s.Close()

	ss := s.(*SQLiteStore)
	for _, table := range []string{"raw_event", "extraction"} {
		var name string
		err := ss.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}

	for _, index := range []string{"raw_event_source_source_id_key", "uq_event_method"} {
		var name string
		err := ss.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='index' AND name=?", index,
		).Scan(&name)
		if err != nil {
			t.Errorf("unique index %q not found: %v", index, err)
		}
	}
}

func TestForeignKeysEnabled(t *testing.T) {
	s := newTestStore(t)
	ss := s.(*SQLiteStore)

	var enabled int
	if err := ss.db.QueryRow("PRAGMA foreign_keys").Scan(&enabled); err != nil {
		t.Fatalf("checking foreign_keys pragma: %v", err)
	}
	if enabled != 1 {
		t.Fatal("foreign_keys pragma is off; extraction integrity depends on it")
	}
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustIngest(t, s, testEvent("msg-001", now))
	mustIngest(t, s, testEvent("msg-002", now.Add(-time.Hour)))

	events, err := s.ListRecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("listing events: %v", err)
	}
	if err := s.UpsertExtraction(ctx, &Extraction{
		EventID: events[0].ID, Method: "rule", Confidence: 0.85, Data: []byte(`{"intent":"schedule"}`),
	}); err != nil {
		t.Fatalf("upserting extraction: %v", err)
	}

	stats, err := s.GetStats(ctx, "rule")
	if err != nil {
		t.Fatalf("getting stats: %v", err)
	}
	if stats.EventCount != 2 {
		t.Errorf("expected 2 events, got %d", stats.EventCount)
	}
	if stats.ExtractionCount != 1 {
		t.Errorf("expected 1 extraction, got %d", stats.ExtractionCount)
	}
	if stats.PendingCount != 1 {
		t.Errorf("expected 1 pending event, got %d", stats.PendingCount)
	}
}

func TestGetStatsDBSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tg.db")
	s, err := NewStore(Config{DBPath: path})
	if err != nil {
		t.Fatalf("creating file-backed store: %v", err)
	}
	defer s.Close()

	mustIngest(t, s, testEvent("msg-001", time.Now().UTC()))

	stats, err := s.GetStats(context.Background(), "rule")
	if err != nil {
		t.Fatalf("getting stats: %v", err)
	}
	if stats.DBSizeBytes <= 0 {
		t.Errorf("db size = %d, want a positive page_count*page_size", stats.DBSizeBytes)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	// Mixed fraction widths and zones must come back as the same instant,
	// and string ordering in the db must match time ordering.
	times := []time.Time{
		time.Date(2026, 1, 14, 21, 2, 0, 0, time.UTC),
		time.Date(2026, 1, 14, 21, 2, 0, 123456789, time.UTC),
		time.Date(2026, 1, 14, 16, 2, 0, 0, time.FixedZone("EST", -5*3600)),
	}

	var prev string
	for i, in := range times {
		formatted := formatTime(in)
		out, err := parseTime(formatted)
		if err != nil {
			t.Fatalf("parsing %q: %v", formatted, err)
		}
		if !out.Equal(in) {
			t.Errorf("round trip changed instant: %v -> %v", in, out)
		}
		if i > 0 && (formatted < prev) != in.Before(times[i-1]) {
			t.Errorf("string order disagrees with time order: %q vs %q", formatted, prev)
		}
		prev = formatted
	}
}
