package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/term"

	"github.com/hpungsan/htbwatch/internal/config"
	"github.com/hpungsan/htbwatch/internal/db"
	"github.com/hpungsan/htbwatch/internal/mcp"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"watch": true, "check": true, "history": true, "purge": true,
	"help": true,
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode() bool {
	if len(os.Args) < 2 {
		return false // No args → MCP server
	}
	arg := os.Args[1]
	if cliCommands[arg] {
		return true
	}
	if arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" {
		return true
	}
	return false
}

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// newLogger builds the process logger. Everything goes to w (stderr), since
// stdout carries JSON output or the MCP stream.
func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// printBanner displays a friendly banner when run interactively without args.
func printBanner() {
	fmt.Println(`
   _     _   _                  _       _
  | |__ | |_| |____      ____ _| |_ ___| |__
  | '_ \| __| '_ \ \ /\ / / _' | __/ __| '_ \
  | | | | |_| |_) \ V  V / (_| | || (__| | | |
  |_| |_|\__|_.__/ \_/\_/ \__,_|\__\___|_| |_|

  Clipboard flag watcher and auto-spawner

  Usage: htbwatch <command> [options]
         htbwatch --help

  MCP server mode requires piped input.`)
}

func main() {
	// No args + interactive terminal → show banner and exit
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return
	}

	// Handle --help/--version before DB init (no DB needed)
	if isHelpOrVersion() {
		app := newCLIApp(nil, nil, "", slog.Default())
		if err := app.Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: could not determine home directory: %v\n", err)
		os.Exit(1)
	}

	baseDir := filepath.Join(homeDir, ".htbwatch")

	database, err := db.Init(baseDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to initialize database: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	cwd, err := os.Getwd()
	if err != nil {
		cwd = baseDir
	}
	cfg, err := config.LoadWithRepo(baseDir, cwd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to load config: %v\n", err)
		os.Exit(1)
	}
	db.ConfigurePool(database, cfg)

	logger := newLogger(os.Stderr, cfg.Debug)
	slog.SetDefault(logger)

	for _, name := range mcp.ValidateDisabledTools(cfg.DisabledTools) {
		logger.Warn("config: unknown tool in disabled_tools", "tool", name)
	}
	for _, name := range mcp.ValidateDisabledTypes(cfg.DisabledTypes) {
		logger.Warn("config: unknown type in disabled_types", "type", name)
	}

	// CLI mode: known subcommand
	if isCLIMode() {
		app := newCLIApp(database, cfg, baseDir, logger)
		if err := app.Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Unknown argument + terminal → show error (don't start MCP server)
	if len(os.Args) >= 2 && isTerminal() {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "Run 'htbwatch --help' for usage.\n")
		os.Exit(1)
	}

	// MCP server mode (default)
	if err := runMCP(database, cfg, baseDir, logger); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runMCP serves MCP over stdio with a session running in the background.
// The session stops when stdin closes or on SIGINT/SIGTERM.
func runMCP(database *sql.DB, cfg *config.Config, baseDir string, logger *slog.Logger) error {
	lock, err := acquireWatchLock(baseDir)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess := newSession(database, cfg, logger)

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	serveErr := mcp.Run(database, cfg, sess, Version)

	stop()
	if err := <-done; err != nil {
		logger.Warn("mcp: session ended with error", "error", err)
	}
	return serveErr
}
