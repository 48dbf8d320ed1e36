// Package spawn keeps the registry of timed auto-spawn watches and fires each
// one exactly once, at or after its release time.
package spawn

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hpungsan/htbwatch/internal/dispatch"
	"github.com/hpungsan/htbwatch/internal/errors"
)

// DefaultTick is the scheduler period when none is configured.
const DefaultTick = time.Second

var whitespaceRegex = regexp.MustCompile(`\s+`)

// NormalizeMachineID trims, lowercases and collapses internal whitespace.
func NormalizeMachineID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return whitespaceRegex.ReplaceAllString(s, " ")
}

// Emitter hands events to the interactive context. *dispatch.Dispatcher implements it.
type Emitter interface {
	Emit(ctx context.Context, ev dispatch.Event) bool
}

// Options tunes the scheduler.
type Options struct {
	// Tick is the evaluation frequency. Default: 1s.
	Tick time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Now overrides time.Now.
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.Tick <= 0 {
		o.Tick = DefaultTick
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Scheduler owns the watch registry. Arm, Cancel and Tick run under a single
// mutex, so a watch is never both cancelled and fired.
type Scheduler struct {
	emit Emitter
	opts Options

	mu      sync.Mutex
	watches map[string]*Watch

	fired     atomic.Int64
	cancelled atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Pending   int   `json:"pending"`
	Fired     int64 `json:"fired"`
	Cancelled int64 `json:"cancelled"`
}

// NewScheduler creates an empty registry.
func NewScheduler(emit Emitter, opts Options) *Scheduler {
	opts.defaults()
	return &Scheduler{
		emit:    emit,
		opts:    opts,
		watches: make(map[string]*Watch),
	}
}

// Arm registers a Pending watch for machineID. It fails with ALREADY_ARMED if
// one is already pending; the existing watch is left untouched.
func (s *Scheduler) Arm(machineID string, releaseAt time.Time) (Watch, error) {
	id := NormalizeMachineID(machineID)
	if id == "" {
		return Watch{}, errors.NewInvalidRequest("machine_id is required")
	}
	if releaseAt.IsZero() {
		return Watch{}, errors.NewInvalidRequest("release_at is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.watches[id]; ok {
		return Watch{}, errors.NewAlreadyArmed(id)
	}
	w := &Watch{
		MachineID: id,
		ReleaseAt: releaseAt,
		ArmedAt:   s.opts.Now(),
		State:     StatePending,
	}
	s.watches[id] = w
	s.opts.Logger.Info("scheduler: armed", "machine", id, "release_at", releaseAt.UTC())
	return *w, nil
}

// Cancel moves a Pending watch to Cancelled and removes it. It fails with
// NOT_FOUND if machineID has no pending watch.
func (s *Scheduler) Cancel(machineID string) (Watch, error) {
	id := NormalizeMachineID(machineID)

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.watches[id]
	if !ok {
		return Watch{}, errors.NewNotFound(id)
	}
	w.State = StateCancelled
	delete(s.watches, id)
	s.cancelled.Add(1)
	s.opts.Logger.Info("scheduler: cancelled", "machine", id)
	return *w, nil
}

// Get returns a copy of the pending watch for machineID.
func (s *Scheduler) Get(machineID string) (Watch, bool) {
	id := NormalizeMachineID(machineID)
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[id]
	if !ok {
		return Watch{}, false
	}
	return *w, true
}

// List returns copies of all pending watches, earliest release first.
func (s *Scheduler) List() []Watch {
	s.mu.Lock()
	out := make([]Watch, 0, len(s.watches))
	for _, w := range s.watches {
		out = append(out, *w)
	}
	s.mu.Unlock()

	sortWatches(out)
	return out
}

// Stats returns the current counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	pending := len(s.watches)
	s.mu.Unlock()
	return Stats{
		Pending:   pending,
		Fired:     s.fired.Load(),
		Cancelled: s.cancelled.Load(),
	}
}

// Tick fires every Pending watch whose release time is at or before now.
// Each fired watch is removed from the registry and produces exactly one
// spawn_due event. The fired watches are returned in release order.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []Watch {
	s.mu.Lock()
	var due []Watch
	for id, w := range s.watches {
		if now.Before(w.ReleaseAt) {
			continue
		}
		w.State = StateFired
		due = append(due, *w)
		delete(s.watches, id)
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return nil
	}
	sortWatches(due)

	// Emit outside the lock: the state transition is already committed, and a
	// slow consumer must not stall Arm/Cancel.
	for _, w := range due {
		s.fired.Add(1)
		late := now.Sub(w.ReleaseAt)
		s.opts.Logger.Info("scheduler: fired", "machine", w.MachineID, "late_by", late.Round(time.Millisecond))
		if s.emit == nil {
			continue
		}
		ev := dispatch.NewEvent(dispatch.KindSpawnDue, dispatch.SourceScheduler)
		ev.MachineID = w.MachineID
		ev.ReleaseAt = w.ReleaseAt
		s.emit.Emit(ctx, ev)
	}
	return due
}

// Run blocks until ctx is cancelled, calling Tick every opts.Tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	s.opts.Logger.Debug("scheduler: started", "tick", s.opts.Tick)
	for {
		select {
		case <-ctx.Done():
			s.opts.Logger.Debug("scheduler: stopped")
			return
		case <-ticker.C:
			s.Tick(ctx, s.opts.Now())
		}
	}
}

func sortWatches(ws []Watch) {
	sort.Slice(ws, func(i, j int) bool {
		if !ws[i].ReleaseAt.Equal(ws[j].ReleaseAt) {
			return ws[i].ReleaseAt.Before(ws[j].ReleaseAt)
		}
		return ws[i].MachineID < ws[j].MachineID
	})
}
