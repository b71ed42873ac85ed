// Sillage is a fragrance concierge agent backend.
//
// It serves the concierge HTTP API (invoke, stream, history, threads,
// user profiles and a live event feed) and offers a small CLI for
// one-shot questions and profile ingestion. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	sillage serve                    Start the API server
//	sillage init [dir]               Write a starter config.yaml
//	sillage ask <message>            Ask the concierge one question
//	sillage ingest <user_id> <file>  Store a file as a user's profile document
//	sillage version                  Print version and build information
//	sillage -o json version          Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/sillage/internal/agent"
	"github.com/nugget/sillage/internal/buildinfo"
	"github.com/nugget/sillage/internal/config"
)

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every subcommand.
type options struct {
	configPath string
	outputFmt  string // text or json
	threadID   string
	userID     string
}

// run is the real entry point. Arguments are parsed by hand so that run
// holds no package-level flag state and can be called concurrently from
// tests. Structured logs go to stderr; command output goes to stdout.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var (
		opts    options
		command string
		cmdArgs []string
	)

	value := func(i int, name string) (string, error) {
		if i+1 >= len(args) {
			return "", fmt.Errorf("flag %s needs a value", name)
		}
		return args[i+1], nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-config" || arg == "-o" || arg == "--output" || arg == "-thread" || arg == "-user":
			v, err := value(i, arg)
			if err != nil {
				return err
			}
			i++
			switch arg {
			case "-config":
				opts.configPath = v
			case "-thread":
				opts.threadID = v
			case "-user":
				opts.userID = v
			default:
				opts.outputFmt = v
			}
		case strings.HasPrefix(arg, "-config="):
			opts.configPath = strings.TrimPrefix(arg, "-config=")
		case strings.HasPrefix(arg, "-o="):
			opts.outputFmt = strings.TrimPrefix(arg, "-o=")
		case strings.HasPrefix(arg, "--output="):
			opts.outputFmt = strings.TrimPrefix(arg, "--output=")
		case arg == "-h" || arg == "-help" || arg == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(arg, "-") && command == "":
			command = arg
		case command != "":
			cmdArgs = append(cmdArgs, arg)
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stderr, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return errors.New("usage: sillage ask <message>")
		}
		return runAsk(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "ingest":
		if len(cmdArgs) != 2 {
			return errors.New("usage: sillage ingest <user_id> <file>")
		}
		return runIngest(ctx, stdout, stderr, opts, cmdArgs[0], cmdArgs[1])
	case "version":
		return runVersion(stdout, opts.outputFmt)
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
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Sillage - fragrance concierge agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: sillage [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                    Start the API server")
	fmt.Fprintln(w, "  init [dir]               Write a starter config.yaml (default: .)")
	fmt.Fprintln(w, "  ask <message>            Ask the concierge one question")
	fmt.Fprintln(w, "  ingest <user_id> <file>  Store a file as a user's profile document")
	fmt.Fprintln(w, "  version                  Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -thread <id>      Thread to continue (ask)")
	fmt.Fprintln(w, "  -user <id>        User to act as (ask)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe loads config, wires the application and serves the API until
// ctx is canceled.
func runServe(ctx context.Context, stderr io.Writer, opts options) error {
	logger := newLogger(stderr, slog.LevelInfo, "text")
	logger.Info("starting Sillage", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stderr, level, cfg.LogFormat)
	logger.Info("config loaded",
		"path", cfgPath,
		"listen", cfg.ListenAddr(),
		"database", cfg.Database.Path,
		"driver", cfg.Database.Driver,
		"default_model", cfg.Models.Default,
		"retrieval", cfg.Agent.Retrieval,
		"max_tool_rounds", cfg.Agent.MaxToolRounds,
		"auth", cfg.Auth.JWTSecret != "",
	)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	a.watch(ctx, cfg.Health.PollInterval)
	server := a.server(cfg)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	logger.Info("Sillage stopped")
	return nil
}

// runAsk runs one concierge turn and prints the answer. Tokens are
// streamed in text mode; json mode prints the full result at the end.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, message string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(stderr, level, cfg.LogFormat)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	userID := opts.userID
	if userID == "" {
		userID = "cli"
	}
	threadID := opts.threadID
	if threadID == "" {
		threadID = "cli-" + userID
	}
	req := askRequest(threadID, userID, message)

	if opts.outputFmt == "json" {
		res, err := a.loop.Run(ctx, req)
		if err != nil {
			return fmt.Errorf("ask: %w", err)
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"thread_id":  res.ThreadID,
			"content":    res.Final.Content,
			"assets":     res.NewAssets,
			"rounds":     res.Rounds,
		})
	}

	streamed := false
	res, err := a.loop.RunStream(ctx, req, func(e agent.StreamEvent) {
		if e.Kind == agent.StreamToken {
			streamed = true
			fmt.Fprint(stdout, e.Token)
		}
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	if !streamed {
		fmt.Fprint(stdout, res.Final.Content)
	}
	fmt.Fprintln(stdout)
	for _, asset := range res.NewAssets {
		fmt.Fprintf(stdout, "  * %s  %s\n", asset.Name, asset.URL)
	}
	return nil
}

// runIngest stores the contents of path as userID's profile document.
func runIngest(ctx context.Context, stdout, stderr io.Writer, opts options, userID, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if strings.TrimSpace(string(content)) == "" {
		return fmt.Errorf("%s is empty", path)
	}

	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(stderr, level, cfg.LogFormat)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	doc, err := a.docs.Upsert(ctx, userID, string(content), map[string]any{
		"user_id": userID,
		"source":  "file:" + path,
	})
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	logger.Info("profile document ingested", "user_id", userID, "bytes", len(content))

	if opts.outputFmt == "json" {
		return json.NewEncoder(stdout).Encode(doc)
	}
	fmt.Fprintf(stdout, "Stored %d bytes as the profile document for %s\n", len(content), userID)
	return nil
}

// newLogger creates a structured logger writing to w at the given level
// and format ("text" or "json").
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

// loadConfig locates and parses the configuration file. With no file
// anywhere on the search path the built-in defaults are used.
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
