package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hpungsan/htbwatch/internal/api"
	"github.com/hpungsan/htbwatch/internal/clipboard"
	"github.com/hpungsan/htbwatch/internal/config"
	"github.com/hpungsan/htbwatch/internal/db"
	"github.com/hpungsan/htbwatch/internal/dispatch"
	"github.com/hpungsan/htbwatch/internal/errors"
	"github.com/hpungsan/htbwatch/internal/flag"
	"github.com/hpungsan/htbwatch/internal/ops"
	"github.com/hpungsan/htbwatch/internal/session"
)

const testFlag = "0123456789abcdef0123456789abcdef"

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	database, err := db.Init(tmpDir)
	if err != nil {
		t.Fatalf("failed to init test db: %v", err)
	}
	cleanup := func() {
		database.Close()
	}
	return database, cleanup
}

// testConfig returns a fast-ticking config for testing.
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.PollIntervalMs = 10
	cfg.TickIntervalMs = 10
	return cfg
}

// captureStdout runs fn with os.Stdout redirected and returns what it wrote.
func captureStdout(t *testing.T, fn func() error) ([]byte, error) {
	t.Helper()
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w

	runErr := fn()

	w.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	os.Stdout = oldStdout
	return buf.Bytes(), runErr
}

type recordingGateway struct {
	mu    sync.Mutex
	flags []string
}

func (g *recordingGateway) SubmitFlag(_ context.Context, machineID, hash string) (api.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.flags = append(g.flags, machineID+":"+hash)
	return api.Result{Accepted: true, Message: "Flag accepted!"}, nil
}

func (g *recordingGateway) SpawnMachine(context.Context, string) (api.Result, error) {
	return api.Result{Accepted: true, Message: "Spawned!"}, nil
}

func (g *recordingGateway) ActiveMachine(context.Context) (api.ActiveMachine, bool, error) {
	return api.ActiveMachine{}, false, nil
}

// lockedBuffer is written by the event printer and read by the test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// TestParseDuration tests the parseDuration helper function.
func TestParseDuration(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    int
		expectError bool
	}{
		{name: "valid days", input: "7d", expected: 7},
		{name: "zero days", input: "0d", expected: 0},
		{name: "large number", input: "365d", expected: 365},
		{name: "negative days", input: "-7d", expectError: true},
		{name: "no suffix", input: "7", expectError: true},
		{name: "wrong suffix", input: "7h", expectError: true},
		{name: "invalid number", input: "abcd", expectError: true},
		{name: "empty string", input: "", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := parseDuration(tt.input)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if result != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, result)
			}
		})
	}
}

// TestParseArm tests the --arm value parser.
func TestParseArm(t *testing.T) {
	now := time.Date(2026, 10, 17, 18, 0, 0, 0, time.UTC)

	t.Run("rfc3339", func(t *testing.T) {
		machine, at, err := parseArm("monteverde=2026-10-17T19:00:00Z", now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if machine != "monteverde" {
			t.Errorf("expected machine monteverde, got %q", machine)
		}
		if !at.Equal(now.Add(time.Hour)) {
			t.Errorf("expected %v, got %v", now.Add(time.Hour), at)
		}
	})

	t.Run("duration", func(t *testing.T) {
		_, at, err := parseArm("lame=90s", now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !at.Equal(now.Add(90 * time.Second)) {
			t.Errorf("expected %v, got %v", now.Add(90*time.Second), at)
		}
	})

	for _, bad := range []string{"lame", "=1h", "lame=", "lame=tomorrow"} {
		t.Run("invalid "+bad, func(t *testing.T) {
			_, _, err := parseArm(bad, now)
			if !errors.Is(err, errors.ErrInvalidRequest) {
				t.Errorf("expected INVALID_REQUEST, got %v", err)
			}
		})
	}
}

// TestCLICheck tests the check command.
func TestCLICheck(t *testing.T) {
	app := newCLIApp(nil, nil, "", nil)

	tests := []struct {
		arg        string
		valid      bool
		normalized string
	}{
		{arg: "  " + strings.ToUpper(testFlag) + "  ", valid: true, normalized: testFlag},
		{arg: "not-a-flag", valid: false},
	}
	for _, tt := range tests {
		out, err := captureStdout(t, func() error {
			return app.Run([]string{"htbwatch", "check", tt.arg})
		})
		if err != nil {
			t.Fatalf("check %q failed: %v", tt.arg, err)
		}
		var result flag.CheckResult
		if err := json.Unmarshal(out, &result); err != nil {
			t.Fatalf("failed to parse output: %v\nOutput: %s", err, out)
		}
		if result.Valid != tt.valid || result.Normalized != tt.normalized {
			t.Errorf("check %q = %+v", tt.arg, result)
		}
	}
}

// TestCLIHistory tests the history command.
func TestCLIHistory(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for _, kind := range []dispatch.Kind{dispatch.KindSpawnDue, dispatch.KindSpawnResult, dispatch.KindFlagFound} {
		ev := dispatch.NewEvent(kind, dispatch.SourceScheduler)
		ev.MachineID = "lame"
		if err := ops.Record(ctx, database, ev); err != nil {
			t.Fatalf("failed to record event: %v", err)
		}
	}

	app := newCLIApp(database, testConfig(), t.TempDir(), nil)
	out, err := captureStdout(t, func() error {
		return app.Run([]string{"htbwatch", "history", "--kind=spawn_result", "--machine=LAME"})
	})
	if err != nil {
		t.Fatalf("history command failed: %v", err)
	}

	var output ops.HistoryOutput
	if err := json.Unmarshal(out, &output); err != nil {
		t.Fatalf("failed to parse output: %v\nOutput: %s", err, out)
	}
	if len(output.Items) != 1 || output.Items[0].Kind != dispatch.KindSpawnResult {
		t.Errorf("expected one spawn_result, got %+v", output.Items)
	}
	if output.Pagination.Total != 1 {
		t.Errorf("expected total=1, got %d", output.Pagination.Total)
	}
}

// TestCLIPurge tests the purge command.
func TestCLIPurge(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()

	old := dispatch.NewEvent(dispatch.KindFlagResult, dispatch.SourceGateway)
	old.Time = time.Now().Add(-10 * 24 * time.Hour)
	if err := db.InsertEvent(database, &old); err != nil {
		t.Fatalf("failed to insert old event: %v", err)
	}
	recent := dispatch.NewEvent(dispatch.KindFlagResult, dispatch.SourceGateway)
	if err := db.InsertEvent(database, &recent); err != nil {
		t.Fatalf("failed to insert recent event: %v", err)
	}

	app := newCLIApp(database, testConfig(), t.TempDir(), nil)
	out, err := captureStdout(t, func() error {
		return app.Run([]string{"htbwatch", "purge", "--older-than=7d"})
	})
	if err != nil {
		t.Fatalf("purge command failed: %v", err)
	}

	var output ops.PurgeOutput
	if err := json.Unmarshal(out, &output); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}
	if output.Purged != 1 {
		t.Errorf("expected purged=1, got %d", output.Purged)
	}
}

// TestCLIErrorHandling tests that command failures surface as errors.
func TestCLIErrorHandling(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()

	app := newCLIApp(database, testConfig(), t.TempDir(), nil)

	t.Run("unknown kind returns error", func(t *testing.T) {
		err := app.Run([]string{"htbwatch", "history", "--kind=bogus"})
		if err == nil {
			t.Error("expected error, got nil")
		}
	})

	t.Run("invalid duration format returns error", func(t *testing.T) {
		err := app.Run([]string{"htbwatch", "purge", "--older-than=invalid"})
		if err == nil {
			t.Error("expected error, got nil")
		}
	})

	t.Run("zero day purge returns error", func(t *testing.T) {
		err := app.Run([]string{"htbwatch", "purge", "--older-than=0d"})
		if err == nil {
			t.Error("expected error, got nil")
		}
	})
}

// TestRunWatch_SubmitsCopiedFlag runs a whole watch session against an
// in-memory clipboard and checks the printed JSON lines.
func TestRunWatch_SubmitsCopiedFlag(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	cfg := testConfig()

	reader := &clipboard.StaticReader{}
	reader.Set(strings.ToUpper(testFlag))
	gw := &recordingGateway{}
	sess := session.New(cfg, gw, reader, ops.NewLog(database), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out lockedBuffer
	done := make(chan error, 1)
	go func() {
		done <- runWatch(ctx, database, cfg, sess, watchOptions{Machine: "Monteverde"}, &out, testLogger())
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), `"kind":"flag_result"`) {
		if time.Now().After(deadline) {
			t.Fatalf("no flag_result printed; output: %s", out.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("runWatch returned error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	var first dispatch.Event
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("first line is not an event: %v\n%s", err, lines[0])
	}
	if first.Kind != dispatch.KindFlagFound || first.Hash != testFlag || first.MachineID != "monteverde" {
		t.Errorf("unexpected first event: %+v", first)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.flags) != 1 || gw.flags[0] != "monteverde:"+testFlag {
		t.Errorf("expected one submission, got %v", gw.flags)
	}

	logged, err := ops.History(context.Background(), database, ops.HistoryInput{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if logged.Pagination.Total != 2 {
		t.Errorf("expected 2 logged events, got %d", logged.Pagination.Total)
	}
}

// TestRunWatch_ArmsWatchlist checks --arm and --watchlist before the session starts.
func TestRunWatch_ArmsWatchlist(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	cfg := testConfig()

	path := filepath.Join(t.TempDir(), "watches.yaml")
	doc := "watches:\n  - machine: Lame\n    release: 2099-01-01T00:00:00Z\n  - machine: jerry\n    release: 2099-01-02T00:00:00Z\n"
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatalf("write watchlist: %v", err)
	}

	sess := session.New(cfg, &recordingGateway{}, &clipboard.StaticReader{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opts := watchOptions{Arms: []string{"blue=48h"}, Watchlist: path}
	var out lockedBuffer
	if err := runWatch(ctx, database, cfg, sess, opts, &out, testLogger()); err != nil {
		t.Fatalf("runWatch returned error: %v", err)
	}

	watches := sess.Watches()
	if len(watches) != 3 {
		t.Fatalf("expected 3 watches, got %+v", watches)
	}
	if watches[0].MachineID != "blue" || watches[1].MachineID != "lame" || watches[2].MachineID != "jerry" {
		t.Errorf("unexpected order: %s, %s, %s", watches[0].MachineID, watches[1].MachineID, watches[2].MachineID)
	}
}

// TestRunWatch_RejectsBadInput checks that startup errors come back before any session runs.
func TestRunWatch_RejectsBadInput(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	cfg := testConfig()

	tests := []struct {
		name string
		opts watchOptions
		code errors.ErrorCode
	}{
		{name: "bad arm", opts: watchOptions{Arms: []string{"lame"}}, code: errors.ErrInvalidRequest},
		{name: "duplicate arm", opts: watchOptions{Arms: []string{"lame=1h", "LAME=2h"}}, code: errors.ErrAlreadyArmed},
		{name: "missing watchlist", opts: watchOptions{Watchlist: filepath.Join(t.TempDir(), "nope.yaml")}, code: errors.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := session.New(cfg, &recordingGateway{}, &clipboard.StaticReader{}, nil, nil)
			var out lockedBuffer
			err := runWatch(context.Background(), database, cfg, sess, tt.opts, &out, testLogger())
			if !errors.Is(err, tt.code) {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

// TestArmWatchlist_BadReleaseArmsNothing tests that an unparseable entry is
// reported even when the loader did not validate it.
func TestArmWatchlist_BadReleaseArmsNothing(t *testing.T) {
	sess := session.New(testConfig(), &recordingGateway{}, &clipboard.StaticReader{}, nil, nil)
	wl := &config.Watchlist{Watches: []config.WatchlistEntry{
		{Machine: "blue", Release: "2030-01-01T19:00:00Z"},
		{Machine: "lame", Release: "tomorrow"},
	}}

	err := armWatchlist(sess, wl)
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Fatalf("expected INVALID_REQUEST, got %v", err)
	}
	if !strings.Contains(err.Error(), `invalid release time "tomorrow"`) {
		t.Errorf("error = %v, want the bad release named", err)
	}
	if n := len(sess.Watches()); n != 0 {
		t.Errorf("watches armed = %d, want 0", n)
	}

	wl.Watches[1].Release = "2030-01-02T19:00:00Z"
	if err := armWatchlist(sess, wl); err != nil {
		t.Fatalf("armWatchlist: %v", err)
	}
	if n := len(sess.Watches()); n != 2 {
		t.Errorf("watches armed = %d, want 2", n)
	}
}

// TestAcquireWatchLock tests the single-instance lock.
func TestAcquireWatchLock(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "nested")

	first, err := acquireWatchLock(baseDir)
	if err != nil {
		t.Fatalf("first lock failed: %v", err)
	}

	if _, err := acquireWatchLock(baseDir); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("expected INVALID_REQUEST while held, got %v", err)
	}

	if err := first.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	again, err := acquireWatchLock(baseDir)
	if err != nil {
		t.Fatalf("lock after unlock failed: %v", err)
	}
	_ = again.Unlock()
}

// TestIsCLIMode tests the isCLIMode function.
func TestIsCLIMode(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected bool
	}{
		{name: "no args", args: []string{"htbwatch"}, expected: false},
		{name: "watch command", args: []string{"htbwatch", "watch"}, expected: true},
		{name: "check command", args: []string{"htbwatch", "check"}, expected: true},
		{name: "history command", args: []string{"htbwatch", "history"}, expected: true},
		{name: "help flag", args: []string{"htbwatch", "--help"}, expected: true},
		{name: "version flag", args: []string{"htbwatch", "--version"}, expected: true},
		{name: "short help flag", args: []string{"htbwatch", "-h"}, expected: true},
		{name: "short version flag", args: []string{"htbwatch", "-v"}, expected: true},
		{name: "unknown arg defaults to MCP", args: []string{"htbwatch", "--unknown"}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldArgs := os.Args
			defer func() { os.Args = oldArgs }()

			os.Args = tt.args
			if result := isCLIMode(); result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

// TestIsHelpOrVersion tests the isHelpOrVersion function.
func TestIsHelpOrVersion(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected bool
	}{
		{name: "no args", args: []string{"htbwatch"}, expected: false},
		{name: "help flag", args: []string{"htbwatch", "--help"}, expected: true},
		{name: "short help flag", args: []string{"htbwatch", "-h"}, expected: true},
		{name: "version flag", args: []string{"htbwatch", "--version"}, expected: true},
		{name: "short version flag", args: []string{"htbwatch", "-v"}, expected: true},
		{name: "help subcommand", args: []string{"htbwatch", "help"}, expected: true},
		{name: "watch command is not help", args: []string{"htbwatch", "watch"}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldArgs := os.Args
			defer func() { os.Args = oldArgs }()

			os.Args = tt.args
			if result := isHelpOrVersion(); result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

// TestReadStdinWithLimit tests the readStdin function respects size limits.
func TestReadStdinWithLimit(t *testing.T) {
	withStdin := func(t *testing.T, content string) (string, error) {
		t.Helper()
		r, w, err := os.Pipe()
		if err != nil {
			t.Fatalf("Failed to create pipe: %v", err)
		}
		go func() {
			_, _ = w.WriteString(content)
			w.Close()
		}()
		oldStdin := os.Stdin
		os.Stdin = r
		defer func() { os.Stdin = oldStdin }()
		return readStdin()
	}

	t.Run("within limit", func(t *testing.T) {
		got, err := withStdin(t, "  "+testFlag+"\n")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != testFlag {
			t.Errorf("expected %q, got %q", testFlag, got)
		}
	})

	t.Run("exceeds limit", func(t *testing.T) {
		_, err := withStdin(t, strings.Repeat("a", maxStdinBytes+1))
		if !errors.Is(err, errors.ErrInvalidRequest) {
			t.Errorf("expected INVALID_REQUEST, got %v", err)
		}
	})
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, false).Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug line written at info level: %s", buf.String())
	}
	newLogger(&buf, true).Debug("poller: shown", "k", "v")
	if !strings.Contains(buf.String(), "poller: shown") || !strings.Contains(buf.String(), "k=v") {
		t.Errorf("unexpected debug output: %s", buf.String())
	}
}

func testLogger() *slog.Logger {
	return newLogger(&bytes.Buffer{}, false)
}
