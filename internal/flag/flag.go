// Package flag classifies clipboard text as flag candidates and suppresses repeats.
package flag

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/hpungsan/htbwatch/internal/clipboard"
	"github.com/hpungsan/htbwatch/internal/dispatch"
)

// HashLen is the length of an MD5-shaped flag.
const HashLen = 32

var hashPattern = regexp.MustCompile(`^[a-fA-F0-9]{32}$`)

// Candidate is an accepted, not-yet-submitted flag.
type Candidate struct {
	Hash   string           `json:"hash"`
	Source clipboard.Sample `json:"source"`
}

// CheckResult is the pure classification of a piece of text.
type CheckResult struct {
	Valid      bool   `json:"valid"`
	Normalized string `json:"normalized,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Normalize trims text and lowercases it if it is flag-shaped.
// ok is false for anything other than exactly 32 hex characters.
func Normalize(text string) (hash string, ok bool) {
	t := strings.TrimSpace(text)
	if !hashPattern.MatchString(t) {
		return "", false
	}
	return strings.ToLower(t), true
}

// Check classifies text without touching any dedup state.
func Check(text string) CheckResult {
	t := strings.TrimSpace(text)
	if hash, ok := Normalize(t); ok {
		return CheckResult{Valid: true, Normalized: hash}
	}
	switch {
	case t == "":
		return CheckResult{Reason: "empty"}
	case len(t) != HashLen:
		return CheckResult{Reason: "length must be 32"}
	default:
		return CheckResult{Reason: "non-hex characters"}
	}
}

// Emitter hands events to the interactive context. *dispatch.Dispatcher implements it.
type Emitter interface {
	Emit(ctx context.Context, ev dispatch.Event) bool
}

// Matcher accepts flag-shaped samples that have not been seen this session.
type Matcher struct {
	seen   *DedupSet
	emit   Emitter
	logger *slog.Logger
}

// NewMatcher creates a Matcher over a session-owned dedup set.
// emit may be nil when only Match is used.
func NewMatcher(seen *DedupSet, emit Emitter, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{seen: seen, emit: emit, logger: logger}
}

// Match validates a sample and records its hash. It returns false for
// non-matching text and for hashes already dispatched this session.
func (m *Matcher) Match(s clipboard.Sample) (Candidate, bool) {
	hash, ok := Normalize(s.Text)
	if !ok {
		return Candidate{}, false
	}
	if !m.seen.Add(hash) {
		return Candidate{}, false
	}
	return Candidate{Hash: hash, Source: s}, true
}

// Observe is the clipboard.Sink: matched candidates become flag_found events.
// A candidate the emitter refuses is released so the next sample retries it.
func (m *Matcher) Observe(ctx context.Context, s clipboard.Sample) {
	if m.emit == nil {
		return
	}
	c, ok := m.Match(s)
	if !ok {
		return
	}

	ev := dispatch.NewEvent(dispatch.KindFlagFound, dispatch.SourceClipboard)
	ev.Hash = c.Hash
	ev.Time = c.Source.ObservedAt
	if !m.emit.Emit(ctx, ev) {
		m.seen.Remove(c.Hash)
		m.logger.Debug("matcher: flag not dispatched, released", "hash", Short(c.Hash))
		return
	}
	m.logger.Info("matcher: flag detected", "hash", Short(c.Hash))
}

// Short returns the first eight characters of a hash for display and logs.
func Short(hash string) string {
	if len(hash) <= 8 {
		return hash
	}
	return hash[:8] + "..."
}
