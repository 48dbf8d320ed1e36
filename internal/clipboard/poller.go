// Package clipboard samples the system clipboard on a fixed interval while armed.
package clipboard

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the sampling period when none is configured.
const DefaultInterval = time.Second

// Sample is one clipboard read. It is discarded once the sink returns.
type Sample struct {
	Text       string    `json:"text"`
	ObservedAt time.Time `json:"observed_at"`
}

// Reader reads the current clipboard text.
type Reader interface {
	ReadText() (string, error)
}

// Sink receives samples in the order they were taken.
type Sink func(ctx context.Context, s Sample)

// Options tunes the poller.
type Options struct {
	// Interval is the sampling frequency. Default: 1s.
	Interval time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Now overrides time.Now for ObservedAt stamps.
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Poller samples a Reader while armed and forwards non-empty text to a Sink.
//
// Arm and Disarm may be called from any goroutine. The armed flag is checked
// at the top of every tick, so a Disarm takes effect before the next sample.
// Run may be called again after it returns.
type Poller struct {
	reader Reader
	sink   Sink
	opts   Options

	armed   atomic.Bool
	running atomic.Bool
	runMu   sync.Mutex

	ticks    atomic.Int64
	samples  atomic.Int64
	skipped  atomic.Int64
	failures atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Armed    bool  `json:"armed"`
	Running  bool  `json:"running"`
	Ticks    int64 `json:"ticks"`
	Samples  int64 `json:"samples"`
	Skipped  int64 `json:"skipped"`
	Failures int64 `json:"failures"`
}

// NewPoller creates a disarmed Poller. Call Run to start the loop.
func NewPoller(reader Reader, sink Sink, opts Options) *Poller {
	opts.defaults()
	return &Poller{reader: reader, sink: sink, opts: opts}
}

// Arm starts forwarding samples on the next tick.
func (p *Poller) Arm() {
	if !p.armed.Swap(true) {
		p.opts.Logger.Info("poller: armed", "interval", p.opts.Interval)
	}
}

// Disarm stops forwarding samples from the next tick on.
func (p *Poller) Disarm() {
	if p.armed.Swap(false) {
		p.opts.Logger.Info("poller: disarmed")
	}
}

// Armed reports whether samples are being forwarded.
func (p *Poller) Armed() bool { return p.armed.Load() }

// Interval returns the configured sampling period.
func (p *Poller) Interval() time.Duration { return p.opts.Interval }

// Stats returns the current counters.
func (p *Poller) Stats() Stats {
	return Stats{
		Armed:    p.armed.Load(),
		Running:  p.running.Load(),
		Ticks:    p.ticks.Load(),
		Samples:  p.samples.Load(),
		Skipped:  p.skipped.Load(),
		Failures: p.failures.Load(),
	}
}

// Run blocks until ctx is cancelled, sampling at opts.Interval.
// Concurrent calls are serialized; a second Run waits for the first to return.
func (p *Poller) Run(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.running.Store(true)
	defer p.running.Store(false)

	log := p.opts.Logger
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	log.Debug("poller: started", "interval", p.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			log.Debug("poller: stopped")
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll performs a single tick: if armed, read the clipboard and forward the
// sample. Unreadable or empty clipboards are skipped silently.
func (p *Poller) Poll(ctx context.Context) {
	p.ticks.Add(1)
	if !p.armed.Load() {
		return
	}

	text, err := p.reader.ReadText()
	if err != nil {
		p.failures.Add(1)
		p.opts.Logger.Debug("poller: clipboard unreadable", "error", err)
		return
	}
	if text == "" {
		p.skipped.Add(1)
		return
	}

	p.samples.Add(1)
	p.sink(ctx, Sample{Text: text, ObservedAt: p.opts.Now()})
}
