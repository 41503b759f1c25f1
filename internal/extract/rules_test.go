package extract

import (
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

// wantConfidence compares scores with a tolerance; the additive bonuses do not
// land on exact float literals.
func wantConfidence(t *testing.T, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("confidence = %v, want %v", got, want)
	}
}

// schedulePayload mirrors the canonical scheduling email fixture.
func schedulePayload() map[string]any {
	return map[string]any{
		"subject":   "Re: Interview availability",
		"from":      "cheryl@tcu.edu",
		"snippet":   "Are you available Tuesday or Thursday?",
		"thread_id": "thread-123",
	}
}

func TestExtractScheduleEmail(t *testing.T) {
	res := DefaultRuleset().Extract(schedulePayload())

	if res.Signals.Intent != "schedule" {
		t.Errorf("intent = %q, want schedule", res.Signals.Intent)
	}
	if res.Signals.IsPromo {
		t.Error("plain scheduling email flagged as promo")
	}
	want := []string{"Respond with availability"}
	if !reflect.DeepEqual(res.Signals.ActionItems, want) {
		t.Errorf("action items = %v, want %v", res.Signals.ActionItems, want)
	}
	if res.Signals.Sender != "cheryl@tcu.edu" {
		t.Errorf("sender = %q", res.Signals.Sender)
	}
	if res.Signals.ThreadID != "thread-123" {
		t.Errorf("thread id = %q", res.Signals.ThreadID)
	}
	// base 0.55 + intent bonus 0.15 + action bonus 0.15
	wantConfidence(t, res.Confidence, 0.85)
}

func TestExtractPromo(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]any
	}{
		{"sender hint", map[string]any{
			"subject": "Weekly digest",
			"from":    "newsletter@shop.com",
			"snippet": "This week's picks",
		}},
		{"text hint", map[string]any{
			"subject": "One day only",
			"from":    "friend@example.com",
			"snippet": "A limited time offer you can't miss",
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := DefaultRuleset().Extract(tc.payload)
			if !res.Signals.IsPromo {
				t.Fatal("not flagged as promo")
			}
			wantConfidence(t, res.Confidence, 0.25)
		})
	}
}

func TestExtractIntentPriority(t *testing.T) {
	// "schedule" and "reply" both match; the schedule group is checked first.
	res := DefaultRuleset().Extract(map[string]any{
		"subject": "Please reply about the schedule",
		"from":    "colleague@example.com",
		"snippet": "",
	})
	if res.Signals.Intent != "schedule" {
		t.Errorf("intent = %q, want schedule (first group wins)", res.Signals.Intent)
	}
}

func TestExtractDefaultIntent(t *testing.T) {
	res := DefaultRuleset().Extract(map[string]any{
		"subject": "Lunch photos",
		"from":    "friend@example.com",
		"snippet": "Here are the pictures from Saturday",
	})

	if res.Signals.Intent != DefaultIntent {
		t.Errorf("intent = %q, want %q", res.Signals.Intent, DefaultIntent)
	}
	if len(res.Signals.ActionItems) != 0 {
		t.Errorf("unexpected action items: %v", res.Signals.ActionItems)
	}
	if res.Signals.ActionItems == nil {
		t.Error("action items must be an empty slice, not nil")
	}
	// info is not actionable: base only.
	wantConfidence(t, res.Confidence, 0.55)
}

func TestExtractUnconditionalAction(t *testing.T) {
	// "please let me know" fires regardless of intent; here nothing matches an
	// intent group, so the event stays info but still carries the action.
	res := DefaultRuleset().Extract(map[string]any{
		"subject": "Quick question",
		"from":    "friend@example.com",
		"snippet": "Please let me know what you think",
	})

	if res.Signals.Intent != "info" {
		t.Errorf("intent = %q, want info", res.Signals.Intent)
	}
	want := []string{"Reply with requested information"}
	if !reflect.DeepEqual(res.Signals.ActionItems, want) {
		t.Errorf("action items = %v, want %v", res.Signals.ActionItems, want)
	}
	// base 0.55 + action bonus 0.15; no intent bonus for info.
	wantConfidence(t, res.Confidence, 0.7)
}

func TestExtractIntentScopedAction(t *testing.T) {
	// "available" appears but the intent is draft_reply, so the
	// schedule-scoped action rule must not fire.
	res := DefaultRuleset().Extract(map[string]any{
		"subject": "Please respond",
		"from":    "colleague@example.com",
		"snippet": "Respond when you can, I made myself available",
	})

	if res.Signals.Intent != "draft_reply" {
		t.Fatalf("intent = %q, want draft_reply", res.Signals.Intent)
	}
	if len(res.Signals.ActionItems) != 0 {
		t.Errorf("schedule-scoped action fired for draft_reply: %v", res.Signals.ActionItems)
	}
}

func TestExtractMissingFields(t *testing.T) {
	// Absent subject/snippet/from must not panic; non-string values are
	// treated as absent.
	res := DefaultRuleset().Extract(map[string]any{"count": 3})

	if res.Signals.Intent != DefaultIntent {
		t.Errorf("intent = %q, want %q", res.Signals.Intent, DefaultIntent)
	}
	if res.Signals.Sender != "" || res.Signals.ThreadID != "" {
		t.Errorf("passthrough fields should be empty: %+v", res.Signals)
	}
}

func TestExtractDeterministic(t *testing.T) {
	rs := DefaultRuleset()
	payload := schedulePayload()

	first := rs.Extract(payload)
	for i := 0; i < 5; i++ {
		if got := rs.Extract(payload); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d diverged: %+v vs %+v", i, got, first)
		}
	}
}

func TestConfidenceBounds(t *testing.T) {
	rs := DefaultRuleset()
	payloads := []map[string]any{
		schedulePayload(),
		{"subject": "sale", "from": "noreply@x.com", "snippet": "unsubscribe"},
		{"subject": "", "snippet": ""},
		{"subject": "deadline reminder", "snippet": "please let me know the deadline"},
	}

	for _, p := range payloads {
		res := rs.Extract(p)
		if res.Confidence < 0 || res.Confidence > rs.Scoring.Cap {
			t.Errorf("confidence %v out of [0, %v] for %v", res.Confidence, rs.Scoring.Cap, p)
		}
	}
}

func TestLoadRuleset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	doc := `
promo_sender_hints: [bulk]
intents:
  - intent: billing
    keywords: [invoice, payment]
scoring:
  promo_confidence: 0.1
  base: 0.5
  intent_bonus: 0.2
  action_bonus: 0.1
  cap: 0.9
  actionable_intents: [billing]
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing ruleset: %v", err)
	}

	rs, err := LoadRuleset(path)
	if err != nil {
		t.Fatalf("loading ruleset: %v", err)
	}

	res := rs.Extract(map[string]any{
		"subject": "Your invoice is attached",
		"from":    "accounts@example.com",
	})
	if res.Signals.Intent != "billing" {
		t.Errorf("intent = %q, want billing", res.Signals.Intent)
	}
	wantConfidence(t, res.Confidence, 0.7)

	if _, err := LoadRuleset(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing ruleset file")
	}
}
