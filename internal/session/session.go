// Package session wires the clipboard poller, flag matcher, spawn scheduler
// and dispatcher into one interactive context that talks to the API gateway.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hpungsan/htbwatch/internal/api"
	"github.com/hpungsan/htbwatch/internal/clipboard"
	"github.com/hpungsan/htbwatch/internal/config"
	"github.com/hpungsan/htbwatch/internal/dispatch"
	"github.com/hpungsan/htbwatch/internal/errors"
	"github.com/hpungsan/htbwatch/internal/flag"
	"github.com/hpungsan/htbwatch/internal/ops"
	"github.com/hpungsan/htbwatch/internal/spawn"
)

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 32

// WatcherStatus describes the flag watcher.
type WatcherStatus struct {
	Armed     bool            `json:"armed"`
	MachineID string          `json:"machine_id,omitempty"`
	Seen      int             `json:"seen"`
	Poller    clipboard.Stats `json:"poller"`
}

// Status is a snapshot of the whole session.
type Status struct {
	Running    bool           `json:"running"`
	Watcher    WatcherStatus  `json:"watcher"`
	Scheduler  spawn.Stats    `json:"scheduler"`
	Dispatcher dispatch.Stats `json:"dispatcher"`
	Watches    []spawn.Watch  `json:"watches"`
}

// Session is the interactive context. Only the dispatcher consumer started
// by Run reacts to events; everything else hands events to it.
//
// A Session is single use: once Run returns, the dispatcher is closed and the
// dedup set is cleared.
type Session struct {
	cfg      *config.Config
	gateway  api.Gateway
	recorder ops.Recorder
	logger   *slog.Logger
	now      func() time.Time

	seen       *flag.DedupSet
	matcher    *flag.Matcher
	poller     *clipboard.Poller
	scheduler  *spawn.Scheduler
	dispatcher *dispatch.Dispatcher

	mu     sync.Mutex
	target string // machine the flag watcher submits to; "" when disarmed
	subs   map[int]chan dispatch.Event
	nextID int

	started atomic.Bool
	running atomic.Bool

	// calls tracks in-flight gateway goroutines.
	calls sync.WaitGroup
}

// New builds a disarmed session. recorder may be nil to skip the event log.
func New(cfg *config.Config, gateway api.Gateway, reader clipboard.Reader, recorder ops.Recorder, logger *slog.Logger) *Session {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		cfg:      cfg,
		gateway:  gateway,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
		seen:     flag.NewDedupSet(),
		subs:     make(map[int]chan dispatch.Event),
	}
	s.dispatcher = dispatch.New(dispatch.DefaultBuffer, logger)
	s.matcher = flag.NewMatcher(s.seen, targetStamper{s}, logger)
	s.poller = clipboard.NewPoller(reader, s.matcher.Observe, clipboard.Options{
		Interval: cfg.PollInterval(),
		Logger:   logger,
	})
	s.scheduler = spawn.NewScheduler(s.dispatcher, spawn.Options{
		Tick:   cfg.TickInterval(),
		Logger: logger,
	})
	return s
}

// targetStamper tags flag_found events with the machine the watcher was
// armed for when the sample was taken, so the consumer can drop stale ones.
type targetStamper struct{ s *Session }

func (t targetStamper) Emit(ctx context.Context, ev dispatch.Event) bool {
	target, armed := t.s.watcher()
	if !armed {
		return false
	}
	ev.MachineID = target
	return t.s.dispatcher.Emit(ctx, ev)
}

// Run starts the poller and scheduler and consumes events on the calling
// goroutine until ctx is done. It returns INVALID_REQUEST if called twice.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.NewInvalidRequest("session already started")
	}
	s.running.Store(true)
	defer s.running.Store(false)

	bg, cancel := context.WithCancel(ctx)

	var loops sync.WaitGroup
	loops.Add(2)
	go func() { defer loops.Done(); s.poller.Run(bg) }()
	go func() { defer loops.Done(); s.scheduler.Run(bg) }()

	s.logger.Info("session: started",
		"poll_interval", s.cfg.PollInterval(), "tick_interval", s.cfg.TickInterval())

	s.dispatcher.Run(bg, func(ev dispatch.Event) { s.handle(bg, ev) })

	cancel()
	loops.Wait()
	s.calls.Wait()
	s.dispatcher.Close()
	s.seen.Clear()
	s.closeSubscribers()

	s.logger.Info("session: stopped", "dispatch", s.dispatcher.Stats())
	return nil
}

// handle runs on the consumer goroutine.
func (s *Session) handle(ctx context.Context, ev dispatch.Event) {
	switch ev.Kind {
	case dispatch.KindFlagFound:
		target, armed := s.watcher()
		if !armed || target != ev.MachineID {
			// Never submitted, so a later copy may go to the new target.
			s.seen.Remove(ev.Hash)
			s.logger.Debug("session: stale flag dropped",
				"hash", flag.Short(ev.Hash), "for", ev.MachineID, "target", target)
			return
		}
		s.publish(ctx, ev)
		s.submitFlag(ctx, ev.MachineID, ev.Hash)

	case dispatch.KindSpawnDue:
		s.publish(ctx, ev)
		s.spawnMachine(ctx, ev.MachineID, ev.ReleaseAt)

	case dispatch.KindFlagResult, dispatch.KindSpawnResult, dispatch.KindMachineReady:
		s.publish(ctx, ev)

	default:
		s.logger.Warn("session: unknown event kind", "kind", ev.Kind)
	}
}

// submitFlag runs one SubmitFlag call off the consumer goroutine.
func (s *Session) submitFlag(ctx context.Context, machineID, hash string) {
	s.calls.Add(1)
	go func() {
		defer s.calls.Done()

		s.logger.Info("session: submitting flag", "machine", machineID, "hash", flag.Short(hash))
		res, err := s.gateway.SubmitFlag(ctx, machineID, hash)

		out := dispatch.NewEvent(dispatch.KindFlagResult, dispatch.SourceGateway)
		out.MachineID = machineID
		out.Hash = hash
		out.Attempts = 1
		if err != nil {
			out.Message = err.Error()
			s.logger.Warn("session: flag submission failed", "machine", machineID, "error", err)
		} else {
			out.Accepted = res.Accepted
			out.Message = res.Message
			s.logger.Info("session: flag result", "machine", machineID, "accepted", res.Accepted, "message", res.Message)
		}
		s.dispatcher.Emit(ctx, out)
	}()
}

// spawnMachine retries SpawnMachine every tick interval until it is accepted
// or the spawn window after releaseAt closes, then emits one spawn_result.
// An accepted spawn is followed by awaitIP.
func (s *Session) spawnMachine(ctx context.Context, machineID string, releaseAt time.Time) {
	s.calls.Add(1)
	go func() {
		defer s.calls.Done()

		deadline := releaseAt.Add(s.cfg.SpawnWindow())
		out := dispatch.NewEvent(dispatch.KindSpawnResult, dispatch.SourceGateway)
		out.MachineID = machineID
		out.ReleaseAt = releaseAt

		ticker := time.NewTicker(s.cfg.TickInterval())
		defer ticker.Stop()

		for {
			out.Attempts++
			res, err := s.gateway.SpawnMachine(ctx, machineID)
			switch {
			case err == nil && res.Accepted:
				out.Accepted = true
				out.Message = res.Message
			case err != nil:
				out.Message = err.Error()
			default:
				out.Message = res.Message
			}
			if out.Accepted {
				s.logger.Info("session: spawned", "machine", machineID, "attempts", out.Attempts, "message", out.Message)
				break
			}

			s.logger.Debug("session: spawn attempt failed",
				"machine", machineID, "attempt", out.Attempts, "message", out.Message)
			if errors.Is(err, errors.ErrUnauthorized) || errors.Is(err, errors.ErrNotFound) {
				break
			}
			if !s.now().Before(deadline) {
				out.Message = "spawn window passed: " + out.Message
				break
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}

		if !out.Accepted {
			s.logger.Warn("session: spawn gave up", "machine", machineID, "attempts", out.Attempts, "message", out.Message)
		}
		s.dispatcher.Emit(ctx, out)
		if out.Accepted {
			s.awaitIP(ctx, machineID)
		}
	}()
}

// awaitIP asks for the active machine every IP poll interval until it has an
// address or the attempts run out, then emits one machine_ready. It returns
// without emitting when ctx ends.
func (s *Session) awaitIP(ctx context.Context, machineID string) {
	interval := s.cfg.IPPollInterval()
	if interval <= 0 {
		interval = 3 * time.Second
	}
	limit := max(s.cfg.IPPollAttempts, 1)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	attempts := 0
	message := fmt.Sprintf("no IP after %d lookups", limit)
	accepted := false

poll:
	for attempts < limit {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		attempts++
		m, ok, err := s.gateway.ActiveMachine(ctx)
		switch {
		case err != nil:
			s.logger.Debug("session: active machine lookup failed", "machine", machineID, "attempt", attempts, "error", err)
			if errors.Is(err, errors.ErrUnauthorized) {
				message = err.Error()
				break poll
			}
		case ok && m.IP != "":
			accepted = true
			message = m.IP
			break poll
		default:
			s.logger.Debug("session: machine has no IP yet", "machine", machineID, "attempt", attempts, "spawning", m.IsSpawning)
		}
	}

	out := dispatch.NewEvent(dispatch.KindMachineReady, dispatch.SourceGateway)
	out.MachineID = machineID
	out.Attempts = attempts
	out.Accepted = accepted
	out.Message = message
	if accepted {
		s.logger.Info("session: machine ready", "machine", machineID, "ip", message, "lookups", attempts)
	} else {
		s.logger.Warn("session: machine IP unknown", "machine", machineID, "lookups", attempts, "message", message)
	}
	s.dispatcher.Emit(ctx, out)
}

// publish records ev and fans it out to subscribers without blocking.
func (s *Session) publish(ctx context.Context, ev dispatch.Event) {
	if s.recorder != nil {
		if err := s.recorder.Record(ctx, ev); err != nil {
			s.logger.Warn("session: event not recorded", "kind", ev.Kind, "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Debug("session: subscriber lagging, event dropped", "subscriber", id, "kind", ev.Kind)
		}
	}
}

// Subscribe returns a channel of every event handled by the session. The
// channel is closed by cancel or when Run returns. Slow readers miss events.
func (s *Session) Subscribe() (<-chan dispatch.Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan dispatch.Event, subscriberBuffer)
	if s.subs == nil {
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

func (s *Session) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subs = nil
}

// ArmWatcher points the flag watcher at machineID and starts sampling.
// Re-arming for another machine makes flags already in flight stale.
func (s *Session) ArmWatcher(machineID string) (WatcherStatus, error) {
	id := spawn.NormalizeMachineID(machineID)
	if id == "" {
		return WatcherStatus{}, errors.NewInvalidRequest("machine_id is required")
	}
	s.mu.Lock()
	s.target = id
	s.mu.Unlock()

	s.poller.Arm()
	s.logger.Info("session: watcher armed", "machine", id)
	return s.WatcherStatus(), nil
}

// DisarmWatcher stops sampling. Flags found before this call are dropped.
func (s *Session) DisarmWatcher() WatcherStatus {
	s.poller.Disarm()
	s.mu.Lock()
	s.target = ""
	s.mu.Unlock()
	return s.WatcherStatus()
}

// WatcherStatus reports the flag watcher state.
func (s *Session) WatcherStatus() WatcherStatus {
	target, armed := s.watcher()
	return WatcherStatus{
		Armed:     armed,
		MachineID: target,
		Seen:      s.seen.Len(),
		Poller:    s.poller.Stats(),
	}
}

func (s *Session) watcher() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target, s.target != ""
}

// ArmSpawn schedules a spawn for machineID at releaseAt.
func (s *Session) ArmSpawn(machineID string, releaseAt time.Time) (spawn.Watch, error) {
	return s.scheduler.Arm(machineID, releaseAt)
}

// CancelSpawn disarms a pending spawn watch.
func (s *Session) CancelSpawn(machineID string) (spawn.Watch, error) {
	return s.scheduler.Cancel(machineID)
}

// Watches lists pending spawn watches, earliest release first.
func (s *Session) Watches() []spawn.Watch {
	return s.scheduler.List()
}

// Status returns a snapshot for status displays.
func (s *Session) Status() Status {
	return Status{
		Running:    s.running.Load(),
		Watcher:    s.WatcherStatus(),
		Scheduler:  s.scheduler.Stats(),
		Dispatcher: s.dispatcher.Stats(),
		Watches:    s.Watches(),
	}
}

// Now returns the session clock.
func (s *Session) Now() time.Time { return s.now() }
