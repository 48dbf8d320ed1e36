package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseWatchlist(t *testing.T) {
	doc := `
watches:
  - machine: monteverde
    release: 2026-10-17T19:00:00Z
  - machine: Lame
    release: "2026-10-18T19:00:00+02:00"
`
	wl, err := ParseWatchlist([]byte(doc))
	require.NoError(t, err)
	require.Len(t, wl.Watches, 2)
	require.Equal(t, "monteverde", wl.Watches[0].Machine)

	rt, err := wl.Watches[1].ReleaseTime()
	require.NoError(t, err)
	require.True(t, rt.Equal(time.Date(2026, 10, 18, 17, 0, 0, 0, time.UTC)))
}

func TestParseWatchlist_MissingMachine(t *testing.T) {
	_, err := ParseWatchlist([]byte("watches:\n  - release: 2026-10-17T19:00:00Z\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "machine is required")
}

func TestParseWatchlist_BadRelease(t *testing.T) {
	_, err := ParseWatchlist([]byte("watches:\n  - machine: x\n    release: tomorrow\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid release time")
}

func TestParseWatchlist_InvalidYAML(t *testing.T) {
	_, err := ParseWatchlist([]byte("watches: [unclosed"))
	require.Error(t, err)
}

func TestLoadWatchlist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchlist.yaml")
	require.NoError(t, os.WriteFile(path, []byte("watches: []\n"), 0600))

	wl, err := LoadWatchlist(path)
	require.NoError(t, err)
	require.Empty(t, wl.Watches)

	_, err = LoadWatchlist(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
