package clipboard

import (
	"sync"

	"github.com/atotto/clipboard"
)

// SystemReader reads the platform clipboard. On Linux this needs xclip,
// xsel, wl-paste or termux-clipboard-get on PATH; without one every read
// fails and the poller skips.
type SystemReader struct{}

// ReadText implements Reader.
func (SystemReader) ReadText() (string, error) {
	return clipboard.ReadAll()
}

// Unsupported reports whether the platform has no usable clipboard backend.
func Unsupported() bool {
	return clipboard.Unsupported
}

// StaticReader is an in-memory clipboard. It is safe for concurrent use and
// serves as the Reader for tests and for headless (MCP/CI) sessions.
type StaticReader struct {
	mu   sync.Mutex
	text string
	err  error
}

// Set replaces the clipboard text and clears any injected error.
func (r *StaticReader) Set(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.text = text
	r.err = nil
}

// Fail makes subsequent reads return err until the next Set.
func (r *StaticReader) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// ReadText implements Reader.
func (r *StaticReader) ReadText() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	return r.text, nil
}
