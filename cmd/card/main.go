package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/relaycore/car/internal/car"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("card %s\n", Version)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `card

Usage:
  card run [flags]
  card version

Commands:
  run       Run the coding-agent-runner daemon using a config and agent-spec file.
  version   Print build information.

`)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", car.DefaultConfigPath(), "Config file path")
	agentsPath := fs.String("agents", "", "Agent spec file path (JSON map of agent_id -> spec)")
	logFormat := fs.String("log-format", "", "Log format: json|text (default: auto-detect from terminal)")
	logLevel := fs.String("log-level", "", "Log level: debug|info|warn|error (default: config value, else info)")
	_ = fs.Parse(args)

	cfg, err := car.LoadConfig(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *agentsPath == "" {
		fmt.Fprintln(os.Stderr, "missing -agents flag")
		os.Exit(2)
	}
	agents, err := car.LoadAgentSpecs(filepath.Clean(*agentsPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load agent specs: %v\n", err)
		os.Exit(1)
	}

	format := *logFormat
	if format == "" {
		format = cfg.LogFormat
	}
	level := *logLevel
	if level == "" {
		level = cfg.LogLevel
	}
	log, err := newLogger(format, level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	orch, err := car.NewOrchestrator(log, cfg.StateDir, car.OrchestratorOptions{
		Config:        *cfg,
		Agents:        agents,
		ClientName:    "card",
		ClientVersion: Version,
		TelemetryPath: filepath.Join(cfg.StateDir, "telemetry.db"),
		AuditStateDir: cfg.StateDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init orchestrator: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info("card.shutdown.signal_received")
		cancel()
	}()

	go orch.Run(ctx)

	<-ctx.Done()
	log.Info("card.shutdown.closing_all")
	orch.CloseAll()
}

// newLogger mirrors internal/agent/agent.go's newLogger, adding
// terminal-aware auto-detection when format is left empty: an interactive
// stdout gets the human-readable text handler, anything else (a service
// manager, a pipe) gets structured JSON.
func newLogger(format string, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	resolvedFormat := strings.ToLower(strings.TrimSpace(format))
	if resolvedFormat == "" {
		if term.IsTerminal(int(os.Stdout.Fd())) {
			resolvedFormat = "text"
		} else {
			resolvedFormat = "json"
		}
	}

	var h slog.Handler
	switch resolvedFormat {
	case "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
