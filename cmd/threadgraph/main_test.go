package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// ==================== readEnvelope ====================

func TestReadEnvelope_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event.json")
	doc := `{
		"source": "gmail",
		"source_id": "msg-001",
		"occurred_at": "2026-01-14T21:02:00Z",
		"payload": {"subject": "Re: Interview availability", "snippet": "Tuesday?"}
	}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing event file: %v", err)
	}

	env, err := readEnvelope(path)
	if err != nil {
		t.Fatalf("reading envelope: %v", err)
	}

	if env.Source != "gmail" || env.SourceID != "msg-001" {
		t.Errorf("key = %s/%s", env.Source, env.SourceID)
	}
	want := time.Date(2026, 1, 14, 21, 2, 0, 0, time.UTC)
	if !env.OccurredAt.Equal(want) {
		t.Errorf("occurred_at = %v, want %v", env.OccurredAt, want)
	}
	if env.Payload["snippet"] != "Tuesday?" {
		t.Errorf("payload = %v", env.Payload)
	}
}

func TestReadEnvelope_Stdin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdin.json")
	doc := `{"source": "gmail", "source_id": "msg-002", "occurred_at": "2026-01-14T21:02:00Z", "payload": {}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing stdin file: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening stdin file: %v", err)
	}
	defer f.Close()

	orig := os.Stdin
	os.Stdin = f
	t.Cleanup(func() { os.Stdin = orig })

	env, err := readEnvelope("-")
	if err != nil {
		t.Fatalf("reading envelope from stdin: %v", err)
	}
	if env.SourceID != "msg-002" {
		t.Errorf("source_id = %q", env.SourceID)
	}
}

func TestReadEnvelope_Errors(t *testing.T) {
	if _, err := readEnvelope(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("writing bad file: %v", err)
	}
	if _, err := readEnvelope(path); err == nil {
		t.Error("expected error for malformed json")
	}
}

// ==================== setup ====================

func TestSetup_StripsSharedFlags(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tg.db")

	a, rest, err := setup([]string{"--db", dbPath, "some", "args"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer a.store.Close()

	if len(rest) != 2 || rest[0] != "some" || rest[1] != "args" {
		t.Errorf("rest = %v, want [some args]", rest)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("store not created at --db path: %v", err)
	}
}

func TestSetup_DefaultTables(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tg.db")

	a, _, err := setup([]string{"--db", dbPath})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer a.store.Close()

	if len(a.rules.Intents) == 0 {
		t.Error("default ruleset not loaded")
	}
	if _, ok := a.policies.Policies["draft_reply"]; !ok {
		t.Error("default policy table not loaded")
	}
}

func TestSetup_RulesOverride(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "tg.db")
	rulesPath := filepath.Join(dir, "rules.yaml")

	doc := `
intents:
  - intent: billing
    keywords: [invoice]
scoring:
  base: 0.5
  cap: 0.9
`
	if err := os.WriteFile(rulesPath, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing ruleset: %v", err)
	}

	a, _, err := setup([]string{"--db", dbPath, "--rules", rulesPath})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer a.store.Close()

	if len(a.rules.Intents) != 1 || a.rules.Intents[0].Intent != "billing" {
		t.Errorf("ruleset override not applied: %+v", a.rules.Intents)
	}
}

func TestSetup_BadRulesPath(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tg.db")

	if _, _, err := setup([]string{"--db", dbPath, "--rules", "/no/such/rules.yaml"}); err == nil {
		t.Error("expected error for missing ruleset file")
	}
}
