package contextpack

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hurttlocker/threadgraph/internal/extract"
	"github.com/hurttlocker/threadgraph/internal/policy"
	"github.com/hurttlocker/threadgraph/internal/store"
)

// Candidate is a retrieval result: one event joined with its decoded signals.
// Signals is nil for candidates whose data document could not be decoded;
// assembly treats those as not-yet-processed and skips them.
type Candidate struct {
	Event      store.RawEvent
	Signals    *extract.Signals
	Confidence float64
}

// Retrieve produces the ranked, bounded candidate set for one policy: events
// inside the lookback window whose extraction clears the confidence floor,
// newest first, capped at MaxItems.
//
// The promotional filter runs after the cap so recency ordering survives; the
// result may legitimately hold fewer than MaxItems entries once promotional
// rows drop out. An empty result is valid output, never an error.
func (e *Engine) Retrieve(ctx context.Context, pol policy.Policy) ([]Candidate, error) {
	cutoff := pol.Cutoff(e.now().UTC())

	rows, err := e.store.RetrieveCandidates(ctx, e.method, cutoff, pol.MinConfidence, pol.MaxItems)
	if err != nil {
		return nil, fmt.Errorf("retrieving candidates: %w", err)
	}

	candidates := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		c := Candidate{Event: row.Event, Confidence: row.Extraction.Confidence}

		var sig extract.Signals
		if err := json.Unmarshal(row.Extraction.Data, &sig); err == nil {
			c.Signals = &sig
		}

		if !pol.AllowPromo && c.Signals != nil && c.Signals.IsPromo {
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// nowFunc lets tests pin the retrieval window.
type nowFunc func() time.Time
