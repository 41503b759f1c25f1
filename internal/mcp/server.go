// Package mcp provides a Model Context Protocol server for threadgraph.
//
// It exposes the system's external seams as MCP tools — event ingestion, the
// batch extraction worker, the context pack query boundary, and the admin
// recent/delete operations — plus a stats resource. Supports stdio transport.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hurttlocker/threadgraph/internal/contextpack"
	"github.com/hurttlocker/threadgraph/internal/extract"
	"github.com/hurttlocker/threadgraph/internal/policy"
	"github.com/hurttlocker/threadgraph/internal/store"
	"github.com/hurttlocker/threadgraph/internal/worker"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Store    store.Store
	Rules    extract.Ruleset
	Policies policy.Table
	Version  string
}

// dbMu serializes tool calls that touch the database. The mcp-go library
// dispatches handlers concurrently via goroutines; SQLite supports only one
// writer at a time, and a global mutex keeps ingest-then-query sequences
// ordered.
var dbMu sync.Mutex

// NewServer creates a configured MCP server with all threadgraph tools and
// resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"Threadgraph",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	runner := worker.NewRunner(cfg.Store, cfg.Rules)
	engine := contextpack.NewEngine(cfg.Store, cfg.Policies)

	registerIngestTool(s, cfg.Store)
	registerExtractTool(s, runner)
	registerQueryTool(s, engine)
	registerRecentTool(s, cfg.Store)
	registerDeleteTool(s, cfg.Store)

	registerStatsResource(s, cfg.Store)

	return s
}

// --- Tools ---

func registerIngestTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("threadgraph_ingest",
		mcp.WithDescription("Ingest one communication event. Idempotent: re-ingesting the same (source, source_id) is a no-op and reports status 'exists'."),
		mcp.WithString("source",
			mcp.Required(),
			mcp.Description("Source system tag, e.g. 'gmail' or 'calendar'"),
		),
		mcp.WithString("source_id",
			mcp.Required(),
			mcp.Description("Source-scoped external id, e.g. a message id"),
		),
		mcp.WithString("occurred_at",
			mcp.Required(),
			mcp.Description("Event timestamp, RFC3339"),
		),
		mcp.WithString("payload",
			mcp.Required(),
			mcp.Description("Event payload as a JSON object string (subject, from, snippet, thread_id, ...)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		source, err := req.RequireString("source")
		if err != nil {
			return mcp.NewToolResultError("source is required"), nil
		}
		sourceID, err := req.RequireString("source_id")
		if err != nil {
			return mcp.NewToolResultError("source_id is required"), nil
		}
		occurredStr, err := req.RequireString("occurred_at")
		if err != nil {
			return mcp.NewToolResultError("occurred_at is required"), nil
		}
		occurredAt, err := time.Parse(time.RFC3339, occurredStr)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid occurred_at: %v", err)), nil
		}
		payloadStr, err := req.RequireString("payload")
		if err != nil {
			return mcp.NewToolResultError("payload is required"), nil
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid payload: %v", err)), nil
		}

		created, err := st.InsertEvent(ctx, &store.RawEvent{
			Source:     source,
			SourceID:   sourceID,
			OccurredAt: occurredAt,
			Payload:    payload,
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("ingest failed: %v", err)), nil
		}

		status := "exists"
		if created {
			status = "created"
		}
		return jsonResult(map[string]string{"status": status})
	})
}

func registerExtractTool(s *server.MCPServer, runner *worker.Runner) {
	tool := mcp.NewTool("threadgraph_extract",
		mcp.WithDescription("Run one batch of the rule extraction worker and report how many events were processed."),
		mcp.WithNumber("batch_size",
			mcp.Description(fmt.Sprintf("Max events to process (default: %d)", store.DefaultBatchSize)),
		),
		mcp.WithBoolean("only_missing",
			mcp.Description("Only process events with no extraction yet (default: true)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		opts := worker.Options{OnlyMissing: req.GetBool("only_missing", true)}

		if v, err := req.RequireFloat("batch_size"); err == nil && v > 0 {
			opts.BatchSize = int(v)
		}

		report, err := runner.Run(ctx, opts)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("extraction run failed: %v", err)), nil
		}
		return jsonResult(report)
	})
}

func registerQueryTool(s *server.MCPServer, engine *contextpack.Engine) {
	tool := mcp.NewTool("threadgraph_query",
		mcp.WithDescription("Build a context pack for a free-text query: inferred intent selects the retrieval policy; the result holds ranked facts and open action items with provenance and confidence."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Free-text consumer query, e.g. 'can you draft a reply to Cheryl'"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		query, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError("query is required"), nil
		}

		pack, err := engine.BuildPack(ctx, query)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("building context pack: %v", err)), nil
		}
		return jsonResult(pack)
	})
}

func registerRecentTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("threadgraph_recent",
		mcp.WithDescription("List the most recent events, newest first."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of events (default: 10, max: 100)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		limit := 10
		if v, err := req.RequireFloat("limit"); err == nil && v > 0 {
			limit = int(v)
			if limit > 100 {
				limit = 100
			}
		}

		events, err := st.ListRecentEvents(ctx, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing events: %v", err)), nil
		}
		return jsonResult(recentView(events))
	})
}

func registerDeleteTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("threadgraph_delete",
		mcp.WithDescription("Administratively delete one event by (source, source_id). Dependent extractions are removed with it."),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithString("source", mcp.Required()),
		mcp.WithString("source_id", mcp.Required()),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		source, err := req.RequireString("source")
		if err != nil {
			return mcp.NewToolResultError("source is required"), nil
		}
		sourceID, err := req.RequireString("source_id")
		if err != nil {
			return mcp.NewToolResultError("source_id is required"), nil
		}

		if err := st.DeleteEvent(ctx, source, sourceID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return mcp.NewToolResultError("event not found"), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("delete failed: %v", err)), nil
		}
		return jsonResult(map[string]string{"status": "deleted"})
	})
}

// --- Resources ---

func registerStatsResource(s *server.MCPServer, st store.Store) {
	resource := mcp.NewResource(
		"threadgraph://stats",
		"Store Statistics",
		mcp.WithResourceDescription("Event and extraction counts, pending extraction backlog, and database size."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.GetStats(ctx, extract.MethodRule)
		if err != nil {
			return nil, fmt.Errorf("getting stats: %w", err)
		}

		data, _ := json.MarshalIndent(stats, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}

// --- Helpers ---

type recentEvent struct {
	Source     string         `json:"source"`
	SourceID   string         `json:"source_id"`
	OccurredAt string         `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
}

func recentView(events []*store.RawEvent) []recentEvent {
	out := make([]recentEvent, 0, len(events))
	for _, e := range events {
		out = append(out, recentEvent{
			Source:     e.Source,
			SourceID:   e.SourceID,
			OccurredAt: e.OccurredAt.Format(time.RFC3339),
			Payload:    e.Payload,
		})
	}
	return out
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
