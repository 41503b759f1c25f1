// Package contextpack joins stored events with their extractions under a
// retrieval policy and renders the result as a consumer-facing context pack
// of facts and open action items.
package contextpack

import (
	"context"
	"time"

	"github.com/hurttlocker/threadgraph/internal/extract"
	"github.com/hurttlocker/threadgraph/internal/policy"
	"github.com/hurttlocker/threadgraph/internal/store"
)

// Engine answers free-text queries over the store. Read-only and
// side-effect-free: safe to run concurrently with ingestion and extraction.
type Engine struct {
	store  store.Store
	table  policy.Table
	method string
	now    nowFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithMethod selects which extraction method retrieval joins against.
func WithMethod(method string) Option {
	return func(e *Engine) { e.method = method }
}

// WithNow pins the clock used for the lookback window (tests).
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a context pack engine over a store and policy table.
func NewEngine(st store.Store, table policy.Table, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		table:  table,
		method: extract.MethodRule,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BuildPack is the query boundary: free-text query in, context pack out.
// Intent inference selects the policy, retrieval produces the bounded
// candidate set, assembly renders it.
func (e *Engine) BuildPack(ctx context.Context, query string) (*Pack, error) {
	intent := e.table.InferQueryIntent(query)
	pol := e.table.ForIntent(intent)

	candidates, err := e.Retrieve(ctx, pol)
	if err != nil {
		return nil, err
	}

	pack := Assemble(query, candidates)
	pack.Intent = intent
	return pack, nil
}
