// Package extract derives structured signals from raw event payloads.
//
// The pipeline is pure and deterministic: the same payload and Ruleset always
// yield the same (intent, promo flag, action items, confidence). No LLM, no
// external state — classification is fixed keyword matching, reproducible by
// contract rather than semantically correct.
//
// Keyword tables live in the Ruleset value, not package globals, so rule sets
// can be tested and versioned independently. DefaultRuleset returns the
// shipped tables; LoadRuleset reads an override document from yaml.
package extract

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// MethodRule identifies extractions produced by this pipeline.
const MethodRule = "rule"

// DefaultIntent is assigned when no intent group matches.
const DefaultIntent = "info"

// Signals is the structured bundle stored as the extraction's data document.
// Sender and ThreadID are passthrough metadata for downstream consumers.
type Signals struct {
	Intent      string   `json:"intent"`
	IsPromo     bool     `json:"is_promo"`
	ActionItems []string `json:"action_items"`
	Sender      string   `json:"sender"`
	ThreadID    string   `json:"thread_id"`
}

// Result pairs the signal bundle with its confidence score.
type Result struct {
	Signals    Signals
	Confidence float64
}

// IntentRule is one keyword group in the first-match-wins intent cascade.
type IntentRule struct {
	Intent   string   `yaml:"intent"`
	Keywords []string `yaml:"keywords"`
}

// ActionRule emits a fixed action item when its keywords match. When Intent
// is set the rule only fires for events classified with that intent.
type ActionRule struct {
	Intent   string   `yaml:"intent,omitempty"`
	Keywords []string `yaml:"keywords"`
	Action   string   `yaml:"action"`
}

// Scoring holds the deterministic confidence model: a fixed low score for
// promotional events, otherwise base plus bonuses, capped.
type Scoring struct {
	PromoConfidence   float64  `yaml:"promo_confidence"`
	Base              float64  `yaml:"base"`
	IntentBonus       float64  `yaml:"intent_bonus"`
	ActionBonus       float64  `yaml:"action_bonus"`
	Cap               float64  `yaml:"cap"`
	ActionableIntents []string `yaml:"actionable_intents"`
}

// Ruleset is the full configuration of the extraction pipeline.
type Ruleset struct {
	PromoSenderHints []string     `yaml:"promo_sender_hints"`
	PromoTextHints   []string     `yaml:"promo_text_hints"`
	Intents          []IntentRule `yaml:"intents"`
	Actions          []ActionRule `yaml:"actions"`
	Scoring          Scoring      `yaml:"scoring"`
}

// DefaultRuleset returns the shipped rule tables.
func DefaultRuleset() Ruleset {
	return Ruleset{
		PromoSenderHints: []string{"noreply", "no-reply", "newsletter", "marketing", "promo"},
		PromoTextHints:   []string{"unsubscribe", "sale", "discount", "limited time", "offer"},

		// Ordering is a deliberate tie-break: text matching several groups is
		// classified by the first group checked.
		Intents: []IntentRule{
			{Intent: "schedule", Keywords: []string{"are you available", "availability", "schedule", "time works", "when can"}},
			{Intent: "draft_reply", Keywords: []string{"confirm", "reply", "respond"}},
			{Intent: "task", Keywords: []string{"remind", "follow up", "deadline", "due"}},
		},

		Actions: []ActionRule{
			{Intent: "schedule", Keywords: []string{"available", "availability"}, Action: "Respond with availability"},
			{Keywords: []string{"please let me know"}, Action: "Reply with requested information"},
		},

		Scoring: Scoring{
			PromoConfidence:   0.25,
			Base:              0.55,
			IntentBonus:       0.15,
			ActionBonus:       0.15,
			Cap:               0.95,
			ActionableIntents: []string{"schedule", "draft_reply", "task"},
		},
	}
}

// LoadRuleset reads a Ruleset document from a yaml file.
func LoadRuleset(path string) (Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Ruleset{}, fmt.Errorf("reading ruleset %s: %w", path, err)
	}

	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return Ruleset{}, fmt.Errorf("parsing ruleset %s: %w", path, err)
	}
	return rs, nil
}

// Extract runs the full pipeline over one payload.
func (r Ruleset) Extract(payload map[string]any) Result {
	text := normalizeText(payload)
	promo := r.classifyPromo(payload, text)
	intent := r.inferIntent(text)
	actions := r.extractActionItems(text, intent)

	return Result{
		Signals: Signals{
			Intent:      intent,
			IsPromo:     promo,
			ActionItems: actions,
			Sender:      stringField(payload, "from"),
			ThreadID:    stringField(payload, "thread_id"),
		},
		Confidence: r.scoreConfidence(intent, promo, actions),
	}
}

// normalizeText concatenates subject and snippet (absent fields are empty),
// trimmed and lower-cased.
func normalizeText(payload map[string]any) string {
	subject := stringField(payload, "subject")
	snippet := stringField(payload, "snippet")
	return strings.ToLower(strings.TrimSpace(subject + " " + snippet))
}

// classifyPromo flags marketing/bulk communication. A sender hint or a text
// hint is independently sufficient.
func (r Ruleset) classifyPromo(payload map[string]any, text string) bool {
	sender := strings.ToLower(stringField(payload, "from"))
	return containsAny(sender, r.PromoSenderHints) || containsAny(text, r.PromoTextHints)
}

// inferIntent walks the intent groups in order; first match wins.
func (r Ruleset) inferIntent(text string) string {
	for _, rule := range r.Intents {
		if containsAny(text, rule.Keywords) {
			return rule.Intent
		}
	}
	return DefaultIntent
}

// extractActionItems evaluates the action rules in their fixed order. Items
// are an ordered sequence, not a set — duplicates within one run survive.
func (r Ruleset) extractActionItems(text, intent string) []string {
	actions := []string{}
	for _, rule := range r.Actions {
		if rule.Intent != "" && rule.Intent != intent {
			continue
		}
		if containsAny(text, rule.Keywords) {
			actions = append(actions, rule.Action)
		}
	}
	return actions
}

// scoreConfidence is exactly reproducible from (intent, promo, action count).
func (r Ruleset) scoreConfidence(intent string, promo bool, actions []string) float64 {
	if promo {
		return r.Scoring.PromoConfidence
	}

	score := r.Scoring.Base
	if containsString(r.Scoring.ActionableIntents, intent) {
		score += r.Scoring.IntentBonus
	}
	if len(actions) > 0 {
		score += r.Scoring.ActionBonus
	}
	if score > r.Scoring.Cap {
		score = r.Scoring.Cap
	}
	return score
}

func stringField(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func containsAny(text string, hints []string) bool {
	for _, h := range hints {
		if h != "" && strings.Contains(text, h) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
