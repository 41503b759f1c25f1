package contextpack

import (
	"fmt"
	"time"
)

// Fact is one consumer-facing statement with provenance and confidence.
type Fact struct {
	Text       string    `json:"text"`
	Source     string    `json:"source"`
	OccurredAt time.Time `json:"occurred_at"`
	Confidence float64   `json:"confidence"`
}

// OpenAction is one outstanding action item carried out of an extraction.
type OpenAction struct {
	Action     string  `json:"action"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
}

// Pack is the context pack handed to downstream consumers.
type Pack struct {
	Query       string       `json:"query"`
	Intent      string       `json:"intent,omitempty"`
	Facts       []Fact       `json:"facts"`
	OpenActions []OpenAction `json:"open_actions"`
}

// Assemble renders candidates into a context pack, preserving their input
// (recency-first) ordering. Each non-promotional candidate with signals
// yields one fact and one open action per action item; candidates lacking
// signals are silently skipped as not-yet-processed, never errors.
func Assemble(query string, candidates []Candidate) *Pack {
	pack := &Pack{
		Query:       query,
		Facts:       []Fact{},
		OpenActions: []OpenAction{},
	}

	for _, c := range candidates {
		if c.Signals == nil || c.Signals.IsPromo {
			continue
		}

		source := sourceTag(c.Event.Source, c.Event.SourceID)

		pack.Facts = append(pack.Facts, Fact{
			Text:       snippetOf(c.Event.Payload),
			Source:     source,
			OccurredAt: c.Event.OccurredAt,
			Confidence: c.Confidence,
		})

		for _, item := range c.Signals.ActionItems {
			pack.OpenActions = append(pack.OpenActions, OpenAction{
				Action:     item,
				Source:     source,
				Confidence: c.Confidence,
			})
		}
	}

	return pack
}

func sourceTag(source, sourceID string) string {
	return fmt.Sprintf("%s:%s", source, sourceID)
}

func snippetOf(payload map[string]any) string {
	if s, ok := payload["snippet"].(string); ok {
		return s
	}
	return ""
}
