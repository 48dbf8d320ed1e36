package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HTB_API_TOKEN", "")
	t.Setenv("HTB_API_BASE_URL", "")
	t.Setenv("HTB_DEBUG", "")
}

func TestLoad_DefaultWhenMissing(t *testing.T) {
	clearEnv(t)
	tmpDir := t.TempDir()

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	def := DefaultConfig()
	if cfg.PollIntervalMs != def.PollIntervalMs {
		t.Fatalf("PollIntervalMs = %d, want %d", cfg.PollIntervalMs, def.PollIntervalMs)
	}
	if cfg.TickIntervalMs != def.TickIntervalMs {
		t.Fatalf("TickIntervalMs = %d, want %d", cfg.TickIntervalMs, def.TickIntervalMs)
	}
	if cfg.APIBaseURL != DefaultAPIBaseURL {
		t.Fatalf("APIBaseURL = %q, want %q", cfg.APIBaseURL, DefaultAPIBaseURL)
	}
	if cfg.APIToken != "" {
		t.Fatalf("APIToken = %q, want empty", cfg.APIToken)
	}
}

func TestLoad_OverridesFromFile(t *testing.T) {
	clearEnv(t)
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	body := `{"poll_interval_ms": 500, "api_token": "file-token", "debug": true}`
	if err := os.WriteFile(configPath, []byte(body), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PollIntervalMs != 500 {
		t.Fatalf("PollIntervalMs = %d, want 500", cfg.PollIntervalMs)
	}
	if cfg.PollInterval() != 500*time.Millisecond {
		t.Fatalf("PollInterval() = %v, want 500ms", cfg.PollInterval())
	}
	if cfg.TickIntervalMs != 1000 {
		t.Fatalf("TickIntervalMs = %d, want default 1000", cfg.TickIntervalMs)
	}
	if cfg.APIToken != "file-token" {
		t.Fatalf("APIToken = %q, want file-token", cfg.APIToken)
	}
	if !cfg.Debug {
		t.Fatalf("Debug = false, want true")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	clearEnv(t)
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	if err := os.WriteFile(configPath, []byte(`{not json}`), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := Load(tmpDir); err == nil {
		t.Fatalf("Load() expected error, got nil")
	}
}

func TestLoad_EnvTokenWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTB_API_TOKEN", "env-token")
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, "config.json"), []byte(`{"api_token": "file-token"}`), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIToken != "env-token" {
		t.Fatalf("APIToken = %q, want env-token", cfg.APIToken)
	}
}

func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name      string
		env       map[string]string
		start     Config
		wantToken string
		wantBase  string
		wantDebug bool
	}{
		{
			name:      "placeholder token ignored",
			env:       map[string]string{"HTB_API_TOKEN": "your_token_here"},
			start:     Config{APIToken: "kept", APIBaseURL: DefaultAPIBaseURL},
			wantToken: "kept",
			wantBase:  DefaultAPIBaseURL,
		},
		{
			name:      "base url trailing slash trimmed",
			env:       map[string]string{"HTB_API_BASE_URL": "http://localhost:9999/api/v4/"},
			start:     Config{},
			wantBase:  "http://localhost:9999/api/v4",
			wantToken: "",
		},
		{
			name:      "debug true",
			env:       map[string]string{"HTB_DEBUG": "TRUE"},
			start:     Config{APIBaseURL: DefaultAPIBaseURL},
			wantBase:  DefaultAPIBaseURL,
			wantDebug: true,
		},
		{
			name:      "debug false overrides file",
			env:       map[string]string{"HTB_DEBUG": "false"},
			start:     Config{APIBaseURL: DefaultAPIBaseURL, Debug: true},
			wantBase:  DefaultAPIBaseURL,
			wantDebug: false,
		},
		{
			name:      "unset leaves config alone",
			env:       nil,
			start:     Config{APIToken: "t", APIBaseURL: "http://x", Debug: true},
			wantToken: "t",
			wantBase:  "http://x",
			wantDebug: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.start
			got := ApplyEnv(&cfg, func(k string) string { return tt.env[k] })
			if got.APIToken != tt.wantToken {
				t.Errorf("APIToken = %q, want %q", got.APIToken, tt.wantToken)
			}
			if got.APIBaseURL != tt.wantBase {
				t.Errorf("APIBaseURL = %q, want %q", got.APIBaseURL, tt.wantBase)
			}
			if got.Debug != tt.wantDebug {
				t.Errorf("Debug = %v, want %v", got.Debug, tt.wantDebug)
			}
		})
	}
}

func TestLoad_DisabledTools(t *testing.T) {
	clearEnv(t)
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	if err := os.WriteFile(configPath, []byte(`{"disabled_tools": ["history_purge", "spawn_arm"]}`), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.DisabledTools) != 2 {
		t.Fatalf("DisabledTools length = %d, want 2", len(cfg.DisabledTools))
	}
	if cfg.DisabledTools[0] != "history_purge" {
		t.Errorf("DisabledTools[0] = %q, want %q", cfg.DisabledTools[0], "history_purge")
	}
}

func TestLoadWithRepo_BothPresent(t *testing.T) {
	clearEnv(t)
	globalDir := t.TempDir()
	repoRoot := t.TempDir()
	repoDir := filepath.Join(repoRoot, ".htbwatch")
	if err := os.MkdirAll(repoDir, 0700); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(globalDir, "config.json"),
		[]byte(`{"poll_interval_ms": 2000, "tick_interval_ms": 500, "disabled_tools": ["history_purge"]}`), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(repoDir, "config.json"),
		[]byte(`{"poll_interval_ms": 250, "disabled_tools": ["spawn_arm", "history_purge"]}`), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := LoadWithRepo(globalDir, repoRoot)
	if err != nil {
		t.Fatalf("LoadWithRepo() error = %v", err)
	}
	if cfg.PollIntervalMs != 250 {
		t.Errorf("PollIntervalMs = %d, want 250 (repo wins)", cfg.PollIntervalMs)
	}
	if cfg.TickIntervalMs != 500 {
		t.Errorf("TickIntervalMs = %d, want 500 (from global)", cfg.TickIntervalMs)
	}
	if cfg.SpawnWindowSec != 60 {
		t.Errorf("SpawnWindowSec = %d, want default 60", cfg.SpawnWindowSec)
	}
	if len(cfg.DisabledTools) != 2 {
		t.Errorf("DisabledTools = %v, want 2 deduplicated entries", cfg.DisabledTools)
	}
}

func TestLoadWithRepo_NeitherPresent(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadWithRepo(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("LoadWithRepo() error = %v", err)
	}
	if cfg.PollIntervalMs != DefaultConfig().PollIntervalMs {
		t.Errorf("PollIntervalMs = %d, want default", cfg.PollIntervalMs)
	}
}

func TestMerge_ScalarOverride(t *testing.T) {
	three := 3
	base := &Config{PollIntervalMs: 1000, MaxRetries: &three, APIToken: "a"}
	overlay := &Config{PollIntervalMs: 200}

	result := Merge(base, overlay)
	if result.PollIntervalMs != 200 {
		t.Errorf("PollIntervalMs = %d, want 200", result.PollIntervalMs)
	}
	if result.Retries() != 3 {
		t.Errorf("Retries() = %d, want 3", result.Retries())
	}
	if result.APIToken != "a" {
		t.Errorf("APIToken = %q, want a", result.APIToken)
	}
}

func TestLoadWithRepo_ZeroMaxRetriesDisablesRetries(t *testing.T) {
	clearEnv(t)
	globalDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(globalDir, "config.json"), []byte(`{"max_retries": 5}`), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	repoRoot := t.TempDir()
	if err := os.MkdirAll(filepath.Join(repoRoot, ".htbwatch"), 0700); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(repoRoot, ".htbwatch", "config.json"), []byte(`{"max_retries": 0}`), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := LoadWithRepo(globalDir, repoRoot)
	if err != nil {
		t.Fatalf("LoadWithRepo() error = %v", err)
	}
	if cfg.Retries() != 0 {
		t.Errorf("Retries() = %d, want 0", cfg.Retries())
	}
}

func TestRetries(t *testing.T) {
	zero, five, negative := 0, 5, -2
	tests := []struct {
		name string
		val  *int
		want int
	}{
		{"unset", nil, DefaultMaxRetries},
		{"zero", &zero, 0},
		{"five", &five, 5},
		{"negative clamps", &negative, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{MaxRetries: tt.val}
			if got := cfg.Retries(); got != tt.want {
				t.Errorf("Retries() = %d, want %d", got, tt.want)
			}
		})
	}

	// Merge copies the value rather than sharing the pointer.
	merged := Merge(DefaultConfig(), &Config{MaxRetries: &five})
	five = 9
	if merged.Retries() != 5 {
		t.Errorf("merged Retries() = %d, want 5", merged.Retries())
	}
}

func TestMerge_BooleanOr(t *testing.T) {
	if !Merge(&Config{Debug: true}, &Config{}).Debug {
		t.Error("Debug should be true when base is true")
	}
	if !Merge(&Config{}, &Config{Debug: true}).Debug {
		t.Error("Debug should be true when overlay is true")
	}
}

func TestMerge_ArrayMergeDedup(t *testing.T) {
	base := &Config{DisabledTypes: []string{"history", " spawn "}}
	overlay := &Config{DisabledTypes: []string{"spawn", "", "flag"}}

	result := Merge(base, overlay)
	want := []string{"history", "spawn", "flag"}
	if len(result.DisabledTypes) != len(want) {
		t.Fatalf("DisabledTypes = %v, want %v", result.DisabledTypes, want)
	}
	for i := range want {
		if result.DisabledTypes[i] != want[i] {
			t.Errorf("DisabledTypes[%d] = %q, want %q", i, result.DisabledTypes[i], want[i])
		}
	}
}

func TestFindRepoConfig_InParentDir(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".htbwatch"), 0700); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	configPath := filepath.Join(root, ".htbwatch", "config.json")
	if err := os.WriteFile(configPath, []byte(`{}`), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0700); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	if got := FindRepoConfig(nested); got != configPath {
		t.Errorf("FindRepoConfig() = %q, want %q", got, configPath)
	}
}

func TestDurations(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.TickInterval() != time.Second {
		t.Errorf("TickInterval() = %v, want 1s", cfg.TickInterval())
	}
	if cfg.SpawnWindow() != time.Minute {
		t.Errorf("SpawnWindow() = %v, want 1m", cfg.SpawnWindow())
	}
	if cfg.RetryBackoff() != 2*time.Second {
		t.Errorf("RetryBackoff() = %v, want 2s", cfg.RetryBackoff())
	}
	if cfg.IPPollInterval() != 3*time.Second || cfg.IPPollAttempts != 20 {
		t.Errorf("IP poll = %v x %d, want 3s x 20", cfg.IPPollInterval(), cfg.IPPollAttempts)
	}
}
