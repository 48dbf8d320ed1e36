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
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/urfave/cli/v2"

	"github.com/hpungsan/htbwatch/internal/api"
	"github.com/hpungsan/htbwatch/internal/clipboard"
	"github.com/hpungsan/htbwatch/internal/config"
	"github.com/hpungsan/htbwatch/internal/errors"
	"github.com/hpungsan/htbwatch/internal/flag"
	"github.com/hpungsan/htbwatch/internal/ops"
	"github.com/hpungsan/htbwatch/internal/session"
	"github.com/hpungsan/htbwatch/internal/spawn"
	"github.com/hpungsan/htbwatch/internal/web"
)

// maxStdinBytes caps text piped to `check`.
const maxStdinBytes = 64 << 10

// lockFileName guards against two watchers submitting the same flags.
const lockFileName = "watch.lock"

// newCLIApp creates the CLI application with all commands.
func newCLIApp(db *sql.DB, cfg *config.Config, baseDir string, logger *slog.Logger) *cli.App {
	app := &cli.App{
		Name:    "htbwatch",
		Usage:   "Clipboard flag watcher and auto-spawner for HackTheBox",
		Version: Version,
		Commands: []*cli.Command{
			watchCmd(db, cfg, baseDir, logger),
			checkCmd(),
			historyCmd(db),
			purgeCmd(db, cfg),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// watchOptions selects what a watch session arms at startup.
type watchOptions struct {
	Machine   string
	Arms      []string
	Watchlist string
	UIAddr    string
}

// watchCmd creates the watch command.
func watchCmd(db *sql.DB, cfg *config.Config, baseDir string, logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Watch the clipboard for flags and spawn machines at release (prints events as JSON lines)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "machine", Aliases: []string{"m"}, Usage: "Arm the flag watcher for this machine id or name"},
			&cli.StringSliceFlag{Name: "arm", Aliases: []string{"a"}, Usage: "Schedule a spawn: MACHINE=RFC3339 or MACHINE=DURATION (repeatable)"},
			&cli.StringFlag{Name: "watchlist", Aliases: []string{"w"}, Usage: "YAML file of spawn watches to arm"},
			&cli.StringFlag{Name: "ui", Usage: "Serve the dashboard on this address (e.g. 127.0.0.1:8547)"},
		},
		Action: func(c *cli.Context) error {
			opts := watchOptions{
				Machine:   c.String("machine"),
				Arms:      c.StringSlice("arm"),
				Watchlist: c.String("watchlist"),
				UIAddr:    c.String("ui"),
			}

			lock, err := acquireWatchLock(baseDir)
			if err != nil {
				return outputError(err)
			}
			defer func() { _ = lock.Unlock() }()

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sess := newSession(db, cfg, logger)
			if err := runWatch(ctx, db, cfg, sess, opts, os.Stdout, logger); err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

// checkCmd creates the check command.
func checkCmd() *cli.Command {
	return &cli.Command{
		Name:      "check",
		Usage:     "Classify text as a flag (reads stdin when no argument is given)",
		ArgsUsage: "[text]",
		Action: func(c *cli.Context) error {
			var text string
			switch {
			case c.NArg() > 0:
				text = strings.Join(c.Args().Slice(), " ")
			case stdinHasData():
				var err error
				text, err = readStdin()
				if err != nil {
					return outputError(err)
				}
			default:
				return outputError(errors.NewInvalidRequest("text argument or piped stdin is required"))
			}
			return outputJSON(flag.Check(text))
		},
	}
}

// historyCmd creates the history command.
func historyCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List logged events, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "kind", Aliases: []string{"k"}, Usage: "Filter by kind: flag_found|flag_result|spawn_due|spawn_result|machine_ready"},
			&cli.StringFlag{Name: "machine", Aliases: []string{"m"}, Usage: "Filter by machine"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultListLimit, Usage: "Max items"},
			&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Value: 0, Usage: "Items to skip"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.History(c.Context, db, ops.HistoryInput{
				Kind:      c.String("kind"),
				MachineID: c.String("machine"),
				Limit:     c.Int("limit"),
				Offset:    c.Int("offset"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// purgeCmd creates the purge command.
func purgeCmd(db *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "purge",
		Usage: "Permanently delete logged events",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "older-than", Usage: "Purge events older than N days (e.g., 7d; default: history_retention_days)"},
		},
		Action: func(c *cli.Context) error {
			days := cfg.HistoryRetentionDays
			if olderThan := c.String("older-than"); olderThan != "" {
				d, err := parseDuration(olderThan)
				if err != nil {
					return outputError(errors.NewInvalidRequest(err.Error()))
				}
				days = d
			}

			output, err := ops.Purge(c.Context, db, ops.PurgeInput{OlderThanDays: days})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// newSession builds a session against the live API and the system clipboard.
// Platforms without a clipboard backend get an empty in-memory clipboard.
func newSession(db *sql.DB, cfg *config.Config, logger *slog.Logger) *session.Session {
	if cfg.APIToken == "" {
		logger.Warn("config: no API token; set HTB_API_TOKEN or api_token, every submission will fail")
	}
	gateway := api.NewClient(cfg, api.WithLogger(logger), api.WithUserAgent("htbwatch/"+Version))

	var reader clipboard.Reader = clipboard.SystemReader{}
	if clipboard.Unsupported() {
		logger.Warn("clipboard: no clipboard backend found, flag watching is inert")
		reader = &clipboard.StaticReader{}
	}
	return session.New(cfg, gateway, reader, ops.NewLog(db), logger)
}

// runWatch arms what opts asks for, then runs sess until ctx is done,
// writing every event to out as one JSON line.
func runWatch(ctx context.Context, db *sql.DB, cfg *config.Config, sess *session.Session, opts watchOptions, out io.Writer, logger *slog.Logger) error {
	if opts.Machine != "" {
		if _, err := sess.ArmWatcher(opts.Machine); err != nil {
			return err
		}
	}

	now := sess.Now()
	for _, a := range opts.Arms {
		machine, releaseAt, err := parseArm(a, now)
		if err != nil {
			return err
		}
		if _, err := sess.ArmSpawn(machine, releaseAt); err != nil {
			return err
		}
	}

	if opts.Watchlist != "" {
		wl, err := config.LoadWatchlist(opts.Watchlist)
		if err != nil {
			return errors.NewInvalidRequest(err.Error())
		}
		if err := armWatchlist(sess, wl); err != nil {
			return err
		}
		logger.Info("watch: watchlist loaded", "path", opts.Watchlist, "watches", len(wl.Watches))
	}

	events, cancel := sess.Subscribe()
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		enc := json.NewEncoder(out)
		for ev := range events {
			if err := enc.Encode(ev); err != nil {
				logger.Warn("watch: event not printed", "kind", ev.Kind, "error", err)
			}
		}
	}()

	if opts.UIAddr != "" {
		srv := web.NewServer(db, cfg, sess, Version, opts.UIAddr, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := web.Run(ctx, srv, logger); err != nil {
				logger.Error("web: server failed", "error", err)
			}
		}()
	}

	err := sess.Run(ctx)
	wg.Wait()
	return err
}

// armWatchlist schedules every entry of wl. Release times are all parsed
// before anything is armed.
func armWatchlist(sess *session.Session, wl *config.Watchlist) error {
	releases := make([]time.Time, len(wl.Watches))
	for i, e := range wl.Watches {
		t, err := e.ReleaseTime()
		if err != nil {
			return errors.NewInvalidRequest(err.Error())
		}
		releases[i] = t
	}
	for i, e := range wl.Watches {
		if _, err := sess.ArmSpawn(e.Machine, releases[i]); err != nil {
			return err
		}
	}
	return nil
}

// acquireWatchLock takes the single-instance lock under baseDir without waiting.
func acquireWatchLock(baseDir string) (*flock.Flock, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("creating lock directory: %w", err))
	}
	path := filepath.Join(baseDir, lockFileName)
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("acquiring lock: %w", err))
	}
	if !locked {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("another htbwatch session holds %s", path))
	}
	return lock, nil
}

// Helper functions

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if wErr, ok := err.(*errors.WatchError); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", wErr.Code, wErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads at most maxStdinBytes from stdin.
func readStdin() (string, error) {
	data, err := io.ReadAll(io.LimitReader(os.Stdin, maxStdinBytes+1))
	if err != nil {
		return "", errors.NewInternal(err)
	}
	if len(data) > maxStdinBytes {
		return "", errors.NewInvalidRequest(fmt.Sprintf("stdin exceeds %d bytes", maxStdinBytes))
	}
	return strings.TrimSpace(string(data)), nil
}

// parseArm splits "MACHINE=RELEASE" where RELEASE is RFC3339 or a duration from now.
func parseArm(s string, now time.Time) (string, time.Time, error) {
	machine, release, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(machine) == "" {
		return "", time.Time{}, errors.NewInvalidRequest(fmt.Sprintf("invalid --arm %q: want MACHINE=RFC3339 or MACHINE=DURATION", s))
	}
	releaseAt, err := spawn.ParseRelease(release, now)
	if err != nil {
		return "", time.Time{}, err
	}
	return machine, releaseAt, nil
}

// parseDuration parses "7d" format to days.
func parseDuration(s string) (int, error) {
	if numStr, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(numStr)
		if err != nil {
			return 0, fmt.Errorf("invalid duration: %s", s)
		}
		if days < 0 {
			return 0, fmt.Errorf("duration must be non-negative")
		}
		return days, nil
	}
	return 0, fmt.Errorf("duration must end with 'd' (days), e.g., 7d")
}
