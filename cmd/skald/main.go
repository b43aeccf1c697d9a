// Skald is a conversational agent runtime with managed context windows.
//
// It keeps each conversation inside a fixed token budget by archiving
// and summarizing older turns, and exposes the archive back to the
// model as a recall tool. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	skald serve              Start the API server
//	skald ask <question>     Ask a single question (for testing)
//	skald version            Print version and build information
//	skald -o json version    Output version information as JSON
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

	"github.com/skald-org/skald-agent/internal/agent"
	"github.com/skald-org/skald-agent/internal/api"
	"github.com/skald-org/skald-agent/internal/archive"
	"github.com/skald-org/skald-agent/internal/buildinfo"
	"github.com/skald-org/skald-agent/internal/checkpoint"
	"github.com/skald-org/skald-agent/internal/config"
	"github.com/skald-org/skald-agent/internal/llm"
	"github.com/skald-org/skald-agent/internal/memory"
	"github.com/skald-org/skald-agent/internal/prompts"
	"github.com/skald-org/skald-agent/internal/tools"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run]. This keeps os.Exit, os.Stdout, and
// os.Args out of the application logic so the full lifecycle can be
// driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the skald command. Arguments are
// parsed by hand rather than with the flag package, which relies on
// package-level globals that interfere with parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
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
			return fmt.Errorf("usage: skald ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
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
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Skald - Conversational Agent Runtime")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: skald [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runAsk boots a minimal agent (in-memory conversation store, no
// archive, no checkpoints) and processes a single question, printing
// the response to stdout. Useful for smoke tests without the server.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	client := llm.NewOllamaClient(cfg.Ollama.URL)

	convs, err := memory.NewConversationStore("", logger)
	if err != nil {
		return fmt.Errorf("conversation store: %w", err)
	}

	budget := memory.BudgetConfig{
		MaxTokens:          cfg.Window.MaxTokens,
		ActiveBufferTokens: cfg.Window.ActiveBufferTokens,
		SummaryThreshold:   cfg.Window.SummaryThreshold,
	}
	allocator := memory.NewAllocator(budget, nil, logger)

	// One-shot questions never reach the compaction threshold, so no
	// compactor or archive is wired.
	loop := agent.NewLoop(logger, convs, allocator, nil, tools.NewRegistry(), client, cfg.Model, cfg.SystemPrompt)

	resp, err := loop.Run(ctx, &agent.TurnRequest{ConversationID: "cli", Content: question})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, resp.Content)
	return nil
}

// runServe is the primary operating mode: loads config, opens the
// databases, wires the agent loop and context window machinery, starts
// the API server, and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. A shutdown checkpoint is persisted
//  3. The HTTP server drains in-flight requests
//  4. Databases are closed via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Skald", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("config %s: %w", cfgPath, err)
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Model,
		"ollama_url", cfg.Ollama.URL,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Conversation store ---
	// One JSON file per conversation. Survives restarts so in-progress
	// conversations resume where they left off.
	convs, err := memory.NewConversationStore(cfg.DataDir+"/conversations", logger)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}

	// --- History archive ---
	// Append-only record of everything that leaves the live window.
	// Messages are archived before truncation or folding, so primary
	// source data is never discarded.
	archiveStore, err := archive.NewStore(cfg.DataDir+"/archive.db", memory.DefaultTokenCounter, logger)
	if err != nil {
		return fmt.Errorf("open archive store: %w", err)
	}
	defer archiveStore.Close()

	// --- LLM client ---
	client := llm.NewOllamaClient(cfg.Ollama.URL)
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := client.Ping(pingCtx); err != nil {
		logger.Warn("ollama not reachable at startup", "url", cfg.Ollama.URL, "error", err)
	} else {
		logger.Info("connected to ollama", "url", cfg.Ollama.URL)
	}
	pingCancel()

	// --- Window management ---
	budget := memory.BudgetConfig{
		MaxTokens:          cfg.Window.MaxTokens,
		ActiveBufferTokens: cfg.Window.ActiveBufferTokens,
		SummaryThreshold:   cfg.Window.SummaryThreshold,
	}
	allocator := memory.NewAllocator(budget, archiveStore, logger)

	summarize := newSummarizer(client, cfg.Model)
	compactor := memory.NewCompactor(budget, summarize, archiveStore, logger)

	// --- Tools ---
	registry := tools.NewRegistry()
	registry.SetArchiveStore(archiveStore)

	// --- Checkpoints ---
	checkpointDB, err := sql.Open("sqlite3", cfg.DataDir+"/checkpoints.db?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open checkpoint database: %w", err)
	}
	defer checkpointDB.Close()

	ckpts, err := checkpoint.NewStore(checkpointDB)
	if err != nil {
		return fmt.Errorf("create checkpoint store: %w", err)
	}
	logger.Info("checkpointing enabled")

	// --- Agent loop and API server ---
	loop := agent.NewLoop(logger, convs, allocator, compactor, registry, client, cfg.Model, cfg.SystemPrompt)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, loop, convs, archiveStore, ckpts, logger)

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if _, err := ckpts.Capture(convs, checkpoint.TriggerShutdown, ""); err != nil {
			logger.Error("failed to create shutdown checkpoint", "error", err)
		}

		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Skald stopped")
	return nil
}

// newSummarizer adapts the LLM client to the compactor's summarize
// hook: format the folded turns as a transcript, wrap them in the
// summary prompt, and return the model's condensed account.
func newSummarizer(client llm.Client, model string) memory.SummarizeFunc {
	return func(ctx context.Context, msgs []memory.Message) (string, error) {
		pairs := make([][2]string, len(msgs))
		for i, m := range msgs {
			pairs[i] = [2]string{m.Role, m.Content}
		}
		prompt := prompts.SummaryPrompt(prompts.FormatTranscript(pairs))

		resp, err := client.Chat(ctx, model, []llm.Message{{Role: "user", Content: prompt}}, nil)
		if err != nil {
			return "", fmt.Errorf("summarize: %w", err)
		}
		summary := strings.TrimSpace(resp.Message.Content)
		if summary == "" {
			return "", fmt.Errorf("summarize: model returned empty summary")
		}
		return summary, nil
	}
}

// newLogger creates a structured text logger writing to w. All log
// output in Skald goes through slog; this helper standardizes the
// handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty that exact path is used. With no config file
// anywhere, built-in defaults apply.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "(defaults)", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
