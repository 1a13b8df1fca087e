// Loopd is a multi-tenant agent loop engine.
//
// It runs LLM research sessions against multiple vendors behind one
// HTTP API, with scheduled tasks, session snapshots, and background
// session evaluation. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	loopd serve              Start the API server
//	loopd ask <prompt>       Run a single session (for testing)
//	loopd version            Print version and build information
//	loopd -o json version    Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loopworks/loopd/internal/api"
	"github.com/loopworks/loopd/internal/buildinfo"
	"github.com/loopworks/loopd/internal/config"
	"github.com/loopworks/loopd/internal/engine"
	"github.com/loopworks/loopd/internal/evaluator"
	"github.com/loopworks/loopd/internal/fetch"
	"github.com/loopworks/loopd/internal/llm"
	"github.com/loopworks/loopd/internal/scheduler"
	"github.com/loopworks/loopd/internal/search"
	"github.com/loopworks/loopd/internal/session"
	"github.com/loopworks/loopd/internal/tools"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], keeping
// os.Exit, os.Stdout, and os.Args out of the application logic so the
// full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the loopd command. Arguments are
// parsed by hand: the flag package relies on package-level globals,
// which makes it impossible to call run() concurrently from tests, and
// the argument surface is small enough that manual parsing is clearer
// than bringing in a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: loopd ask <prompt>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Loopd - Multi-tenant Agent Loop Engine")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: loopd [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  ask          Run a single session (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./loopd.yaml, ~/.config/loopd/config.yaml, /etc/loopd/config.yaml")
	return nil
}

// runAsk handles the "loopd ask <prompt>" subcommand. It boots a
// minimal engine (no snapshots, no scheduler, no evaluator), runs one
// session with the default model, and streams progress to stderr until
// the session reaches a terminal status. Useful for smoke tests and
// debugging without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	logger := newLogger(stderr, slog.LevelWarn, "text")

	prompt := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	client, err := createLLMClient(cfg, logger)
	if err != nil {
		return err
	}
	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}

	eng := engine.New(engine.Options{
		Client:   client,
		Registry: registry,
		Config:   cfg.Engine,
		Logger:   logger,
	})
	defer eng.Close()

	id, err := eng.StartSession("cli", session.Config{Model: cfg.Models.Default}, prompt)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	ch, err := eng.SubscribeProgress(id)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	defer eng.UnsubscribeProgress(id, ch)

	for {
		select {
		case <-ctx.Done():
			_ = eng.Terminate(id)
			return ctx.Err()
		case u, ok := <-ch:
			if !ok {
				return fmt.Errorf("ask: session ended without a final update")
			}
			if u.Final {
				sess, err := eng.GetSession(id)
				if err != nil {
					return err
				}
				if sess.Status() != session.StatusCompleted {
					return fmt.Errorf("ask: session %s (%s)", u.Status, sess.FailReason())
				}
				fmt.Fprintln(stdout, sess.Answer())
				return nil
			}
			fmt.Fprintf(stderr, "[%s] %s\n", u.Sender, u.Message)
		}
	}
}

// runServe handles the "loopd serve" subcommand. It is the primary
// operating mode: loads config, opens the snapshot and scheduler
// databases, builds the engine with all vendors and tools, starts the
// scheduler and the evaluator, and serves the API until a shutdown
// signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. Scheduler and evaluator stop, running sessions are terminated
//  4. Database connections are closed via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting loopd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level and format are
	// known. The initial Info-level text logger covers only the startup
	// banner.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			level, err = config.ParseLogLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"default_model", cfg.Models.Default,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// NotifyContext wraps the parent context so SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := createLLMClient(cfg, logger)
	if err != nil {
		return err
	}

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}

	// --- Snapshot store ---
	snapDB, err := sql.Open("sqlite3", cfg.Snapshot.DBPath)
	if err != nil {
		return fmt.Errorf("open snapshot database: %w", err)
	}
	defer snapDB.Close()

	snapshots, err := session.NewSnapshotStore(snapDB)
	if err != nil {
		return fmt.Errorf("init snapshot store: %w", err)
	}

	// --- Engine ---
	eng := engine.New(engine.Options{
		Client:    client,
		Registry:  registry,
		Config:    cfg.Engine,
		Owners:    cfg.Owners,
		Snapshots: snapshots,
		Logger:    logger,
	})
	defer eng.Close()

	// --- Scheduler ---
	store, err := scheduler.NewStore(cfg.Scheduler.DBPath)
	if err != nil {
		return fmt.Errorf("open scheduler database: %w", err)
	}
	defer store.Close()

	sched := scheduler.New(store, scheduler.EngineRunFunc(eng), scheduler.Options{
		LeaseTTL: time.Duration(cfg.Scheduler.LeaseTTLSeconds) * time.Second,
		Logger:   logger,
	})
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// --- Evaluator ---
	eval := evaluator.New(eng, client, logger, evaluator.Config{
		Interval:      cfg.Engine.EvaluatorSleep(),
		IdleThreshold: cfg.Engine.IdleThreshold(),
		Compaction:    cfg.Engine.Compaction,
	})
	eval.Start(ctx)
	defer eval.Stop()

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, eng, logger)
	server.SetScheduler(sched)

	// --- Graceful shutdown ---
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		_ = server.Shutdown(context.Background())
	}()

	// Blocks until the server is shut down via context cancellation or
	// fatal error.
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("loopd stopped")
	return nil
}

// createLLMClient builds the multi-vendor client from configuration.
// Each model alias in config is mapped to its vendor; the default
// model's vendor acts as the fallback for unmapped aliases.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	clients := make(map[string]llm.Client)

	if cfg.Vendors.Anthropic.Configured() {
		clients["anthropic"] = llm.NewAnthropicClient(cfg.Vendors.Anthropic.APIKey, cfg.Vendors.Anthropic.BaseURL, logger)
		logger.Info("anthropic vendor configured")
	}
	if cfg.Vendors.OpenAI.Configured() {
		clients["openai"] = llm.NewOpenAIClient(cfg.Vendors.OpenAI.APIKey, cfg.Vendors.OpenAI.BaseURL, logger)
		logger.Info("openai vendor configured")
	}
	if cfg.Vendors.Gemini.Configured() {
		clients["gemini"] = llm.NewGeminiClient(cfg.Vendors.Gemini.APIKey, cfg.Vendors.Gemini.BaseURL, logger)
		logger.Info("gemini vendor configured")
	}

	if len(clients) == 0 {
		return nil, fmt.Errorf("no LLM vendor configured (set an API key under vendors)")
	}

	fallbackVendor := ""
	for _, m := range cfg.Models.Available {
		if m.Name == cfg.Models.Default {
			fallbackVendor = m.Provider
		}
	}
	fallback, ok := clients[fallbackVendor]
	if !ok {
		return nil, fmt.Errorf("default model %q requires unconfigured vendor %q", cfg.Models.Default, fallbackVendor)
	}

	multi := llm.NewMultiClient(fallback)
	for name, c := range clients {
		multi.AddProvider(name, c)
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}
	return multi, nil
}

// buildRegistry assembles the tool registry with the builtin tools.
// Web search is registered only when a provider is configured.
func buildRegistry(cfg *config.Config, logger *slog.Logger) (*tools.Registry, error) {
	registry := tools.NewRegistry(logger)

	var searcher tools.Searcher
	if mgr := search.FromConfig(cfg.Search); mgr != nil {
		searcher = &managerSearcher{mgr: mgr}
		logger.Info("web search enabled", "providers", mgr.Providers())
	} else {
		logger.Info("web search disabled (no providers configured)")
	}

	if err := tools.RegisterBuiltins(registry, fetch.New(), searcher); err != nil {
		return nil, fmt.Errorf("register builtin tools: %w", err)
	}
	return registry, nil
}

// managerSearcher adapts a search.Manager to the tools.Searcher
// interface without coupling the search package to the tool layer.
type managerSearcher struct {
	mgr *search.Manager
}

func (a *managerSearcher) Search(ctx context.Context, query string, limit int) ([]tools.SearchResult, error) {
	results, err := a.mgr.Search(ctx, query, search.Options{Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]tools.SearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, tools.SearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Snippet,
		})
	}
	return out, nil
}

// newLogger creates a structured logger writing to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
