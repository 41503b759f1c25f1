// Package policy maps a consumer's free-text query to a named intent and the
// retrieval thresholds for that intent.
//
// The keyword tables here are tuned for queries ("can you draft a reply"),
// not for event text — the extraction pipeline carries its own tables. Both
// use the same first-match-wins discipline. The policy table itself is a pure
// lookup, a versionable configuration surface with no computation.
package policy

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultIntent is assigned when no query group matches.
const DefaultIntent = "info"

// Policy bundles the retrieval thresholds selected for one query intent.
// A value object, produced fresh per query, never persisted.
type Policy struct {
	MaxDays       int     `yaml:"max_days" json:"max_days"`
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`
	AllowPromo    bool    `yaml:"allow_promo" json:"allow_promo"`
	MaxItems      int     `yaml:"max_items" json:"max_items"`
}

// Cutoff returns the oldest occurred_at admitted under this policy.
func (p Policy) Cutoff(now time.Time) time.Time {
	return now.Add(-time.Duration(p.MaxDays) * 24 * time.Hour)
}

// IntentRule is one keyword group in the query intent cascade.
type IntentRule struct {
	Intent   string   `yaml:"intent"`
	Keywords []string `yaml:"keywords"`
}

// Table holds the query intent cascade and the per-intent policies.
type Table struct {
	Intents  []IntentRule      `yaml:"intents"`
	Policies map[string]Policy `yaml:"policies"`
}

// DefaultTable returns the shipped query rules and policy lookup.
func DefaultTable() Table {
	return Table{
		Intents: []IntentRule{
			{Intent: "draft_reply", Keywords: []string{"draft", "reply", "email back", "respond"}},
			{Intent: "schedule", Keywords: []string{"schedule", "available", "availability", "meeting"}},
			{Intent: "task", Keywords: []string{"todo", "task", "deadline", "due"}},
		},
		Policies: map[string]Policy{
			"draft_reply": {MaxDays: 14, MinConfidence: 0.55, AllowPromo: false, MaxItems: 20},
			"schedule":    {MaxDays: 30, MinConfidence: 0.55, AllowPromo: false, MaxItems: 25},
			"task":        {MaxDays: 45, MinConfidence: 0.55, AllowPromo: false, MaxItems: 25},
			"info":        {MaxDays: 30, MinConfidence: 0.60, AllowPromo: false, MaxItems: 15},
		},
	}
}

// LoadTable reads a Table document from a yaml file.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("reading policy table %s: %w", path, err)
	}

	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Table{}, fmt.Errorf("parsing policy table %s: %w", path, err)
	}
	return t, nil
}

// InferQueryIntent classifies a free-text query; first match wins, falling
// back to DefaultIntent.
func (t Table) InferQueryIntent(query string) string {
	q := strings.ToLower(query)
	for _, rule := range t.Intents {
		for _, k := range rule.Keywords {
			if k != "" && strings.Contains(q, k) {
				return rule.Intent
			}
		}
	}
	return DefaultIntent
}

// ForIntent looks up the policy for an intent, falling back to the default
// intent's policy for unknown tags.
func (t Table) ForIntent(intent string) Policy {
	if p, ok := t.Policies[intent]; ok {
		return p
	}
	return t.Policies[DefaultIntent]
}
