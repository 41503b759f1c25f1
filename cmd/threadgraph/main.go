package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hurttlocker/threadgraph/internal/config"
	"github.com/hurttlocker/threadgraph/internal/contextpack"
	"github.com/hurttlocker/threadgraph/internal/extract"
	tgmcp "github.com/hurttlocker/threadgraph/internal/mcp"
	"github.com/hurttlocker/threadgraph/internal/policy"
	"github.com/hurttlocker/threadgraph/internal/store"
	"github.com/hurttlocker/threadgraph/internal/worker"
	"github.com/mark3labs/mcp-go/server"
)

const version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "ingest":
		err = runIngest(os.Args[2:])
	case "extract":
		err = runExtract(os.Args[2:])
	case "query":
		err = runQuery(os.Args[2:])
	case "recent":
		err = runRecent(os.Args[2:])
	case "delete":
		err = runDelete(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "demo":
		err = runDemo(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("threadgraph %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles the opened store with the resolved rule and policy tables.
type app struct {
	store    store.Store
	rules    extract.Ruleset
	policies policy.Table
}

// setup resolves configuration, opens the store and loads any configured
// rule/policy overrides. Returns the args left after stripping shared flags.
func setup(args []string) (*app, []string, error) {
	opts := config.ResolveOptions{}
	var rest []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--db" && i+1 < len(args):
			i++
			opts.CLIDBPath = args[i]
		case args[i] == "--config" && i+1 < len(args):
			i++
			opts.ConfigPath = args[i]
		case args[i] == "--rules" && i+1 < len(args):
			i++
			opts.CLIRules = args[i]
		case args[i] == "--policies" && i+1 < len(args):
			i++
			opts.CLIPolicies = args[i]
		default:
			rest = append(rest, args[i])
		}
	}

	cfg, err := config.ResolveConfig(opts)
	if err != nil {
		return nil, nil, err
	}

	st, err := store.NewStore(store.Config{DBPath: cfg.DBPath.Value})
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	a := &app{store: st, rules: extract.DefaultRuleset(), policies: policy.DefaultTable()}

	if path := cfg.Rules.Value; path != "" {
		if a.rules, err = extract.LoadRuleset(path); err != nil {
			st.Close()
			return nil, nil, err
		}
	}
	if path := cfg.Policies.Value; path != "" {
		if a.policies, err = policy.LoadTable(path); err != nil {
			st.Close()
			return nil, nil, err
		}
	}

	return a, rest, nil
}

// eventEnvelope is the wire format accepted by the ingest command.
type eventEnvelope struct {
	Source     string         `json:"source"`
	SourceID   string         `json:"source_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
}

func runIngest(args []string) error {
	a, rest, err := setup(args)
	if err != nil {
		return err
	}
	defer a.store.Close()

	if len(rest) == 0 {
		return fmt.Errorf("usage: threadgraph ingest <event.json|-> [--db <path>]")
	}

	ctx := context.Background()
	for _, path := range rest {
		env, err := readEnvelope(path)
		if err != nil {
			return err
		}

		created, err := a.store.InsertEvent(ctx, &store.RawEvent{
			Source:     env.Source,
			SourceID:   env.SourceID,
			OccurredAt: env.OccurredAt,
			Payload:    env.Payload,
		})
		if err != nil {
			return fmt.Errorf("ingesting %s/%s: %w", env.Source, env.SourceID, err)
		}

		if created {
			fmt.Printf("created %s/%s\n", env.Source, env.SourceID)
		} else {
			fmt.Printf("exists  %s/%s\n", env.Source, env.SourceID)
		}
	}
	return nil
}

func readEnvelope(path string) (*eventEnvelope, error) {
	var data []byte
	var err error

	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading event %s: %w", path, err)
	}

	env := &eventEnvelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("parsing event %s: %w", path, err)
	}
	return env, nil
}

func runExtract(args []string) error {
	a, rest, err := setup(args)
	if err != nil {
		return err
	}
	defer a.store.Close()

	opts := worker.Options{OnlyMissing: true}
	for i := 0; i < len(rest); i++ {
		switch {
		case rest[i] == "--batch" && i+1 < len(rest):
			i++
			n, err := strconv.Atoi(rest[i])
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid --batch value: %s", rest[i])
			}
			opts.BatchSize = n
		case rest[i] == "--all":
			opts.OnlyMissing = false
		default:
			return fmt.Errorf("unknown flag: %s", rest[i])
		}
	}

	runner := worker.NewRunner(a.store, a.rules)
	report, err := runner.Run(context.Background(), opts)
	if err != nil {
		return err
	}

	fmt.Printf("processed %d events (method=%s)\n", report.Processed, report.Method)
	return nil
}

func runQuery(args []string) error {
	a, rest, err := setup(args)
	if err != nil {
		return err
	}
	defer a.store.Close()

	if len(rest) == 0 {
		return fmt.Errorf("usage: threadgraph query <text> [--db <path>]")
	}
	query := strings.Join(rest, " ")

	engine := contextpack.NewEngine(a.store, a.policies)
	pack, err := engine.BuildPack(context.Background(), query)
	if err != nil {
		return err
	}

	return printJSON(pack)
}

func runRecent(args []string) error {
	a, rest, err := setup(args)
	if err != nil {
		return err
	}
	defer a.store.Close()

	limit := 10
	for i := 0; i < len(rest); i++ {
		if rest[i] == "--limit" && i+1 < len(rest) {
			i++
			if limit, err = strconv.Atoi(rest[i]); err != nil {
				return fmt.Errorf("invalid --limit value: %s", rest[i])
			}
		} else {
			return fmt.Errorf("unknown flag: %s", rest[i])
		}
	}

	events, err := a.store.ListRecentEvents(context.Background(), limit)
	if err != nil {
		return err
	}

	for _, e := range events {
		snippet, _ := e.Payload["snippet"].(string)
		fmt.Printf("%s  %s:%s  %s\n",
			e.OccurredAt.Format(time.RFC3339), e.Source, e.SourceID, snippet)
	}
	return nil
}

func runDelete(args []string) error {
	a, rest, err := setup(args)
	if err != nil {
		return err
	}
	defer a.store.Close()

	if len(rest) != 2 {
		return fmt.Errorf("usage: threadgraph delete <source> <source_id> [--db <path>]")
	}

	if err := a.store.DeleteEvent(context.Background(), rest[0], rest[1]); err != nil {
		return err
	}
	fmt.Printf("deleted %s/%s\n", rest[0], rest[1])
	return nil
}

func runStats(args []string) error {
	a, _, err := setup(args)
	if err != nil {
		return err
	}
	defer a.store.Close()

	stats, err := a.store.GetStats(context.Background(), extract.MethodRule)
	if err != nil {
		return err
	}

	fmt.Printf("events:       %d\n", stats.EventCount)
	fmt.Printf("extractions:  %d\n", stats.ExtractionCount)
	fmt.Printf("pending:      %d\n", stats.PendingCount)
	if stats.DBSizeBytes > 0 {
		fmt.Printf("db size:      %d bytes\n", stats.DBSizeBytes)
	}
	return nil
}

// runDemo seeds two sample events, runs one extraction batch and prints the
// context pack for a draft-reply query.
func runDemo(args []string) error {
	a, _, err := setup(args)
	if err != nil {
		return err
	}
	defer a.store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	samples := []*store.RawEvent{
		{
			Source:     "gmail",
			SourceID:   "msg-001",
			OccurredAt: now.Add(-2 * time.Hour),
			Payload: map[string]any{
				"subject":   "Re: Interview availability",
				"from":      "cheryl@tcu.edu",
				"to":        "you@tcu.edu",
				"snippet":   "Are you available Tuesday or Thursday?",
				"thread_id": "thread-123",
			},
		},
		{
			Source:     "gmail",
			SourceID:   "promo-001",
			OccurredAt: now.Add(-3 * time.Hour),
			Payload: map[string]any{
				"subject": "Limited time offer inside",
				"from":    "newsletter@shop.com",
				"snippet": "Don't miss this limited time offer — unsubscribe anytime.",
			},
		},
	}

	for _, e := range samples {
		if _, err := a.store.InsertEvent(ctx, e); err != nil {
			return err
		}
	}

	runner := worker.NewRunner(a.store, a.rules)
	report, err := runner.Run(ctx, worker.Options{OnlyMissing: true})
	if err != nil {
		return err
	}
	fmt.Printf("seeded %d events, extracted %d\n\n", len(samples), report.Processed)

	engine := contextpack.NewEngine(a.store, a.policies)
	pack, err := engine.BuildPack(ctx, "can you draft a reply to Cheryl")
	if err != nil {
		return err
	}
	return printJSON(pack)
}

func runServe(args []string) error {
	a, _, err := setup(args)
	if err != nil {
		return err
	}
	defer a.store.Close()

	srv := tgmcp.NewServer(tgmcp.ServerConfig{
		Store:    a.store,
		Rules:    a.rules,
		Policies: a.policies,
		Version:  version,
	})
	return server.ServeStdio(srv)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printUsage() {
	fmt.Printf(`threadgraph %s — communication event memory with rule-based context packs

Usage:
  threadgraph <command> [arguments]

Commands:
  ingest <file|->     Ingest event JSON ({source, source_id, occurred_at, payload})
  extract             Run one batch of the rule extraction worker
  query <text>        Build a context pack for a free-text query
  recent              List recent events, newest first
  delete <src> <id>   Delete one event (and its extractions)
  stats               Show store statistics
  demo                Seed sample events and print a demo context pack
  serve               Serve the MCP stdio transport
  version             Print version

Shared Flags:
  --db <path>         Database path (default: %s)
  --config <path>     Config file path
  --rules <path>      Extraction ruleset yaml override
  --policies <path>   Retrieval policy table yaml override

Extract Flags:
  --batch <n>         Batch size (default: %d)
  --all               Re-extract recent events, not just the missing backlog
`, version, store.DefaultDBPath, store.DefaultBatchSize)
}
