// Package worker runs the extraction pipeline over stored events in discrete
// batches.
//
// Each event is processed independently — there is no cross-event ordering
// dependency — and the whole batch commits atomically, so a crash mid-batch
// leaves earlier batches intact and the failed batch fully retryable. Upserts
// resolve (event, method) collisions in storage, making reruns idempotent.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hurttlocker/threadgraph/internal/extract"
	"github.com/hurttlocker/threadgraph/internal/store"
)

// Options controls one batch run. This is the seam the external scheduler
// calls into.
type Options struct {
	BatchSize   int    // max events pulled; defaults to store.DefaultBatchSize
	OnlyMissing bool   // restrict the pull to events with no extraction yet
	Method      string // extraction method tag; defaults to extract.MethodRule
}

// Report summarizes one batch run.
type Report struct {
	Processed int    `json:"processed"`
	Method    string `json:"method"`
}

// Runner binds a store to a ruleset.
type Runner struct {
	store store.Store
	rules extract.Ruleset
	now   func() time.Time
}

// NewRunner creates a batch extraction runner.
func NewRunner(st store.Store, rules extract.Ruleset) *Runner {
	return &Runner{store: st, rules: rules, now: time.Now}
}

// Run pulls up to BatchSize events, derives signals for each, and upserts the
// results in one transaction. Returns the number of events processed.
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = store.DefaultBatchSize
	}
	if opts.Method == "" {
		opts.Method = extract.MethodRule
	}

	var events []*store.RawEvent
	var err error
	if opts.OnlyMissing {
		events, err = r.store.FindMissingEvents(ctx, opts.Method, opts.BatchSize)
	} else {
		events, err = r.store.ListRecentEvents(ctx, opts.BatchSize)
	}
	if err != nil {
		return nil, fmt.Errorf("pulling extraction backlog: %w", err)
	}

	extractedAt := r.now().UTC()
	batch := make([]*store.Extraction, 0, len(events))
	for _, e := range events {
		result := r.rules.Extract(e.Payload)

		data, err := json.Marshal(result.Signals)
		if err != nil {
			return nil, fmt.Errorf("encoding signals for event %s: %w", e.ID, err)
		}

		batch = append(batch, &store.Extraction{
			EventID:     e.ID,
			Method:      opts.Method,
			ExtractedAt: extractedAt,
			Confidence:  result.Confidence,
			Data:        data,
		})
	}

	if err := r.store.UpsertExtractionBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("committing extraction batch: %w", err)
	}

	return &Report{Processed: len(batch), Method: opts.Method}, nil
}
