package spawn

import (
	"fmt"
	"strings"
	"time"

	"github.com/hpungsan/htbwatch/internal/errors"
)

// State is the lifecycle position of a Watch.
type State int

const (
	// StatePending waits for its release time.
	StatePending State = iota
	// StateFired is terminal: the spawn request was emitted once.
	StateFired
	// StateCancelled is terminal: the user disarmed the watch before release.
	StateCancelled
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFired:
		return "fired"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = StatePending
	case "fired":
		*s = StateFired
	case "cancelled":
		*s = StateCancelled
	default:
		return fmt.Errorf("unknown watch state %q", b)
	}
	return nil
}

// Watch is a scheduled spawn for one machine. Values handed out by the
// Scheduler are copies for display; the registry owns the originals.
type Watch struct {
	MachineID string    `json:"machine_id"`
	ReleaseAt time.Time `json:"release_at"`
	ArmedAt   time.Time `json:"armed_at"`
	State     State     `json:"state"`
}

// Remaining returns the time left until release, or zero once due.
func (w Watch) Remaining(now time.Time) time.Duration {
	if d := w.ReleaseAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// FormatRemaining renders a duration as "1d 2h 3m 4s", dropping leading zero units.
func FormatRemaining(d time.Duration) string {
	total := int64(d / time.Second)
	if total <= 0 {
		return "0s"
	}
	days, r := total/86400, total%86400
	hours, r := r/3600, r%3600
	mins, secs := r/60, r%60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if mins > 0 {
		parts = append(parts, fmt.Sprintf("%dm", mins))
	}
	parts = append(parts, fmt.Sprintf("%ds", secs))
	return strings.Join(parts, " ")
}

// ParseRelease accepts an RFC3339 timestamp or a duration relative to now
// ("90s", "+2h30m").
func ParseRelease(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.NewInvalidRequest("release time is required")
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(strings.TrimPrefix(value, "+")); err == nil {
		return now.Add(d), nil
	}
	return time.Time{}, errors.NewInvalidRequest(fmt.Sprintf("invalid release time %q: want RFC3339 or a duration like 90s", value))
}
