package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultAPIBaseURL is the HackTheBox labs v4 API root.
const DefaultAPIBaseURL = "https://labs.hackthebox.com/api/v4"

// DefaultMaxRetries applies when max_retries is absent from every config file.
const DefaultMaxRetries = 3

// placeholderToken is the value shipped in example .env files; treated as unset.
const placeholderToken = "your_token_here"

// Config holds application configuration.
type Config struct {
	// APIToken is the HackTheBox app token sent as a Bearer credential.
	// HTB_API_TOKEN in the environment takes precedence.
	APIToken string `json:"api_token,omitempty"`

	// APIBaseURL is the API root (no trailing slash).
	APIBaseURL string `json:"api_base_url,omitempty"`

	// PollIntervalMs is the clipboard sampling interval.
	PollIntervalMs int `json:"poll_interval_ms,omitempty"`

	// TickIntervalMs is the auto-spawn scheduler tick interval.
	TickIntervalMs int `json:"tick_interval_ms,omitempty"`

	// SpawnWindowSec is how long after a release time a failed spawn keeps being retried.
	SpawnWindowSec int `json:"spawn_window_sec,omitempty"`

	// MaxRetries bounds retries of 5xx/429/connection failures per API call.
	// nil means unset; an explicit 0 disables retries. Read it via Retries.
	MaxRetries *int `json:"max_retries,omitempty"`

	// RetryBackoffMs is the initial backoff between API retries, doubled each attempt.
	RetryBackoffMs int `json:"retry_backoff_ms,omitempty"`

	// IPPollIntervalMs is the wait between active-machine lookups after a spawn.
	IPPollIntervalMs int `json:"ip_poll_interval_ms,omitempty"`

	// IPPollAttempts bounds active-machine lookups before giving up on an IP.
	IPPollAttempts int `json:"ip_poll_attempts,omitempty"`

	// HistoryRetentionDays is the default age for history purges.
	HistoryRetentionDays int `json:"history_retention_days,omitempty"`

	// Debug enables debug-level logging.
	Debug bool `json:"debug,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// 0 means use sql.DB default (unlimited).
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `json:"disabled_tools,omitempty"`

	// DisabledTypes is a list of tool groups to disable entirely.
	// Known types: "watcher", "spawn", "flag", "history".
	DisabledTypes []string `json:"disabled_types,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		APIBaseURL:           DefaultAPIBaseURL,
		PollIntervalMs:       1000,
		TickIntervalMs:       1000,
		SpawnWindowSec:       60,
		RetryBackoffMs:       2000,
		IPPollIntervalMs:     3000,
		IPPollAttempts:       20,
		HistoryRetentionDays: 30,
	}
}

// PollInterval returns PollIntervalMs as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// TickInterval returns TickIntervalMs as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// SpawnWindow returns SpawnWindowSec as a duration.
func (c *Config) SpawnWindow() time.Duration {
	return time.Duration(c.SpawnWindowSec) * time.Second
}

// Retries returns the retry limit, DefaultMaxRetries when unset.
func (c *Config) Retries() int {
	if c.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return max(*c.MaxRetries, 0)
}

// IPPollInterval returns IPPollIntervalMs as a duration.
func (c *Config) IPPollInterval() time.Duration {
	return time.Duration(c.IPPollIntervalMs) * time.Millisecond
}

// RetryBackoff returns RetryBackoffMs as a duration.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// Load loads configuration from baseDir/config.json and applies the environment overlay.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.htbwatch.
func Load(baseDir string) (*Config, error) {
	cfg, err := loadFile(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, err
	}
	return ApplyEnv(cfg, os.Getenv), nil
}

// LoadWithRepo loads configuration from both global (~/.htbwatch) and repo (.htbwatch) directories.
// Repo config is found by walking upward from startDir to find the nearest .htbwatch/config.json.
// Repo config takes precedence for scalar values; arrays are merged (deduplicated).
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	repo, err := loadFileRaw(FindRepoConfig(startDir))
	if err != nil {
		return nil, err
	}

	return ApplyEnv(Merge(Merge(DefaultConfig(), global), repo), os.Getenv), nil
}

// FindRepoConfig walks upward from startDir to find the nearest .htbwatch/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	dir := startDir
	for {
		configPath := filepath.Join(dir, ".htbwatch", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ApplyEnv overlays HTB_API_TOKEN, HTB_API_BASE_URL and HTB_DEBUG onto cfg.
// getenv is injected so tests need not touch the process environment.
func ApplyEnv(cfg *Config, getenv func(string) string) *Config {
	if tok := strings.TrimSpace(getenv("HTB_API_TOKEN")); tok != "" && tok != placeholderToken {
		cfg.APIToken = tok
	}
	if base := strings.TrimSpace(getenv("HTB_API_BASE_URL")); base != "" {
		cfg.APIBaseURL = base
	}
	switch strings.ToLower(strings.TrimSpace(getenv("HTB_DEBUG"))) {
	case "true", "1", "yes":
		cfg.Debug = true
	case "false", "0", "no":
		cfg.Debug = false
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	return cfg
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{
		APIToken:             pickString(overlay.APIToken, base.APIToken),
		APIBaseURL:           pickString(overlay.APIBaseURL, base.APIBaseURL),
		PollIntervalMs:       pickInt(overlay.PollIntervalMs, base.PollIntervalMs),
		TickIntervalMs:       pickInt(overlay.TickIntervalMs, base.TickIntervalMs),
		SpawnWindowSec:       pickInt(overlay.SpawnWindowSec, base.SpawnWindowSec),
		MaxRetries:           pickIntPtr(overlay.MaxRetries, base.MaxRetries),
		RetryBackoffMs:       pickInt(overlay.RetryBackoffMs, base.RetryBackoffMs),
		IPPollIntervalMs:     pickInt(overlay.IPPollIntervalMs, base.IPPollIntervalMs),
		IPPollAttempts:       pickInt(overlay.IPPollAttempts, base.IPPollAttempts),
		HistoryRetentionDays: pickInt(overlay.HistoryRetentionDays, base.HistoryRetentionDays),
		DBMaxOpenConns:       pickInt(overlay.DBMaxOpenConns, base.DBMaxOpenConns),
		DBMaxIdleConns:       pickInt(overlay.DBMaxIdleConns, base.DBMaxIdleConns),
	}

	// Booleans: overlay wins if true, else base
	result.Debug = base.Debug || overlay.Debug

	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)
	result.DisabledTypes = mergeStringSlice(base.DisabledTypes, overlay.DisabledTypes)

	return result
}

func pickInt(overlay, base int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

// pickIntPtr lets an explicit zero in overlay win.
func pickIntPtr(overlay, base *int) *int {
	if overlay != nil {
		v := *overlay
		return &v
	}
	if base != nil {
		v := *base
		return &v
	}
	return nil
}

func pickString(overlay, base string) string {
	if overlay != "" {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
