package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openprocess/cpgraph/internal/cpg/config"
	"github.com/openprocess/cpgraph/internal/cpg/engines/celeval"
	"github.com/openprocess/cpgraph/internal/cpg/engines/exprrules"
	"github.com/openprocess/cpgraph/internal/cpg/govern"
	"github.com/openprocess/cpgraph/internal/cpg/graph"
	"github.com/openprocess/cpgraph/internal/cpg/graphfile"
	"github.com/openprocess/cpgraph/internal/cpg/instance"
	"github.com/openprocess/cpgraph/internal/cpg/orchestrator"
	"github.com/openprocess/cpgraph/internal/cpg/ports"
	"github.com/openprocess/cpgraph/internal/cpg/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "validate":
		cmdValidate(os.Args[2:])
	case "simulate":
		cmdSimulate(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  cpgraph validate --graph <file.yaml>")
	fmt.Fprintln(os.Stderr, "  cpgraph simulate --graph <file.yaml> [--context <ctx.yaml>] [--config <cpg.yaml>]")
}

func cmdValidate(args []string) {
	var graphPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--graph":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--graph requires a value")
				os.Exit(1)
			}
			graphPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if graphPath == "" {
		usage()
		os.Exit(1)
	}

	g, diags, err := graphfile.LoadFile(graphPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, d := range diags {
		fmt.Printf("%s: %s (%s)\n", d.Severity, d.Message, d.Rule)
	}
	if graph.Invalid(diags) {
		os.Exit(1)
	}
	fmt.Printf("ok: %s (%s, %d nodes, %d edges)\n",
		filepath.Base(graphPath), g.Key(), len(g.Nodes()), len(g.Edges()))
}

func cmdSimulate(args []string) {
	var graphPath string
	var contextPath string
	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--graph":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--graph requires a value")
				os.Exit(1)
			}
			graphPath = args[i]
		case "--context":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--context requires a value")
				os.Exit(1)
			}
			contextPath = args[i]
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if graphPath == "" {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	g, diags, err := graphfile.LoadFile(graphPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if graph.Invalid(diags) {
		for _, d := range diags {
			fmt.Fprintf(os.Stderr, "%s: %s (%s)\n", d.Severity, d.Message, d.Rule)
		}
		os.Exit(1)
	}
	if g.Status != graph.StatusPublished {
		fmt.Fprintf(os.Stderr, "simulate forces status PUBLISHED (document says %s)\n", g.Status)
		var rebuildDiags []graph.Diagnostic
		g, rebuildDiags, err = republish(graphPath)
		if err != nil || graph.Invalid(rebuildDiags) {
			fmt.Fprintln(os.Stderr, "cannot publish graph for simulation")
			os.Exit(1)
		}
	}

	init, err := loadContext(contextPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	o := newSimOrchestrator(cfg, logger)
	defer o.Close(context.Background())

	principal := ports.Principal{ID: "simulator", Permissions: []string{"*"}}
	in, err := o.StartInstance(context.Background(), g, init, principal, "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("instance %s: %s\n", in.ID, in.Status)
	trs, err := o.Tracer().FindByInstance(context.Background(), in.ID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, tr := range trs {
		line := map[string]any{
			"type":      string(tr.Type),
			"timestamp": tr.Timestamp.Format(time.RFC3339Nano),
		}
		if tr.Outcome != nil {
			line["outcome"] = tr.Outcome
		}
		if tr.Decision != nil {
			line["decision"] = map[string]any{
				"type":     tr.Decision["type"],
				"criteria": tr.Decision["criteria"],
				"reason":   tr.Decision["reason"],
			}
		}
		raw, _ := json.Marshal(line)
		fmt.Println(string(raw))
	}
	if in.Status != instance.StatusCompleted {
		os.Exit(2)
	}
}

// republish reloads the document with status forced to PUBLISHED so drafts
// can be simulated without editing the file.
func republish(graphPath string) (*graph.Graph, []graph.Diagnostic, error) {
	raw, err := os.ReadFile(graphPath)
	if err != nil {
		return nil, nil, err
	}
	var doc graphfile.Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, nil, err
	}
	doc.Status = string(graph.StatusPublished)
	return doc.Build()
}

func loadContext(path string) (instance.ExecutionContext, error) {
	if path == "" {
		return instance.NewExecutionContext(nil, nil), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return instance.ExecutionContext{}, err
	}
	var doc struct {
		Client map[string]any `yaml:"client"`
		Domain map[string]any `yaml:"domain"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return instance.ExecutionContext{}, fmt.Errorf("parse context %s: %w", path, err)
	}
	return instance.NewExecutionContext(doc.Client, doc.Domain), nil
}

func newSimOrchestrator(cfg config.Config, logger zerolog.Logger) *orchestrator.Orchestrator {
	reg := ports.NewRegistry()
	sim := simHandler{}
	for _, t := range []graph.ActionType{
		graph.ActionSystemInvocation,
		graph.ActionHumanTask,
		graph.ActionAgentAssisted,
		graph.ActionNotification,
	} {
		reg.Register(t, "", sim)
	}

	deps := orchestrator.Deps{
		Expressions: celeval.New(),
		Rules:       exprrules.New(),
		Policies:    celeval.NewPolicyEvaluator(),
		Handlers:    reg,
		Logger:      logger,
	}
	if cfg.Tracing.Persist && cfg.Tracing.SQLitePath != "" {
		db, err := store.Open(cfg.Tracing.SQLitePath)
		if err != nil {
			logger.Warn().Err(err).Msg("trace store unavailable, tracing in memory")
		} else if repo, err := store.NewSQLiteTraceRepository(db); err == nil {
			deps.Traces = repo
		}
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		deps.Ledger = govern.NewRedisLedger(client, 0)
	}

	opts := orchestrator.Options{
		EventQueueCapacity:    cfg.EventQueueCapacity,
		EnqueueTimeout:        cfg.EnqueueTimeout(),
		EvaluationInterval:    cfg.EvaluationInterval(),
		MaxCyclesPerSignal:    cfg.MaxCyclesPerSignal,
		FailureSignatureLimit: cfg.FailureSignatureLimit,
		Governance: govern.Options{
			IdempotencyEnabled:   *cfg.Governance.IdempotencyEnabled,
			AuthorizationEnabled: *cfg.Governance.AuthorizationEnabled,
			PolicyGateEnabled:    *cfg.Governance.PolicyGateEnabled,
		},
		TracingEnabled: *cfg.Tracing.Enabled,
		TraceRetention: cfg.TraceRetention(),
	}
	o := orchestrator.New(opts, deps)
	o.SetProgressSink(func(ev map[string]any) {
		raw, _ := json.Marshal(ev)
		logger.Debug().RawJSON("progress", raw).Msg("progress")
	})
	return o
}

// simHandler completes every action immediately, echoing what it would
// have done.
type simHandler struct{}

func (simHandler) Execute(_ context.Context, ac ports.ActionContext) (ports.ActionResult, error) {
	return ports.ActionResult{
		Status: ports.ActionCompleted,
		Output: map[string]any{
			"simulated":   true,
			"action_type": string(ac.Action.Type),
			"handler_ref": ac.Action.HandlerRef,
		},
	}, nil
}
