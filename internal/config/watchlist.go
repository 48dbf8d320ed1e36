package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WatchlistEntry pre-arms one auto-spawn watch.
type WatchlistEntry struct {
	Machine string `yaml:"machine"`
	Release string `yaml:"release"` // RFC3339
}

// Watchlist is the YAML document passed to `watch --watchlist`:
//
//	watches:
//	  - machine: monteverde
//	    release: 2026-10-17T19:00:00Z
type Watchlist struct {
	Watches []WatchlistEntry `yaml:"watches"`
}

// ReleaseTime parses the entry's release timestamp.
func (e WatchlistEntry) ReleaseTime() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(e.Release))
	if err != nil {
		return time.Time{}, fmt.Errorf("watch %q: invalid release time %q: %w", e.Machine, e.Release, err)
	}
	return t, nil
}

// LoadWatchlist reads and validates a watchlist file.
func LoadWatchlist(path string) (*Watchlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read watchlist: %w", err)
	}
	return ParseWatchlist(data)
}

// ParseWatchlist decodes a watchlist document. Every entry must name a machine
// and carry a parseable release time.
func ParseWatchlist(data []byte) (*Watchlist, error) {
	var wl Watchlist
	if err := yaml.Unmarshal(data, &wl); err != nil {
		return nil, fmt.Errorf("parse watchlist: %w", err)
	}
	for i, e := range wl.Watches {
		if strings.TrimSpace(e.Machine) == "" {
			return nil, fmt.Errorf("watch #%d: machine is required", i+1)
		}
		if _, err := e.ReleaseTime(); err != nil {
			return nil, err
		}
	}
	return &wl, nil
}
