package dispatch

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind identifies what happened.
type Kind string

const (
	// KindFlagFound is emitted by the clipboard matcher for each new flag-shaped token.
	// Hash carries the lowercased token.
	KindFlagFound Kind = "flag_found"

	// KindFlagResult carries the outcome of a flag submission.
	// Accepted reports the verdict; Message carries the API message or error.
	KindFlagResult Kind = "flag_result"

	// KindSpawnDue is emitted by the scheduler when a watch reaches its release time.
	KindSpawnDue Kind = "spawn_due"

	// KindSpawnResult carries the outcome of a spawn request.
	KindSpawnResult Kind = "spawn_result"

	// KindMachineReady follows an accepted spawn. Accepted is true when the
	// machine reported an address, which Message carries; otherwise Message
	// says why the lookup stopped.
	KindMachineReady Kind = "machine_ready"
)

// Source identifies the producer of an event. Ordering is only guaranteed per source.
type Source string

const (
	SourceClipboard Source = "clipboard"
	SourceScheduler Source = "scheduler"
	SourceGateway   Source = "gateway"
)

// Event is a message handed from a background activity to the interactive context.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Source    Source    `json:"source"`
	MachineID string    `json:"machine_id,omitempty"`
	Hash      string    `json:"hash,omitempty"`
	Message   string    `json:"message,omitempty"`
	Accepted  bool      `json:"accepted,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	ReleaseAt time.Time `json:"release_at,omitzero"`
	Time      time.Time `json:"time"`
}

// NewEvent stamps an event with a fresh ULID and the current time.
func NewEvent(kind Kind, source Source) Event {
	now := time.Now()
	return Event{
		ID:     newID(now),
		Kind:   kind,
		Source: source,
		Time:   now,
	}
}

func newID(t time.Time) string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
