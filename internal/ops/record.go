package ops

import (
	"context"
	"database/sql"

	"github.com/hpungsan/htbwatch/internal/db"
	"github.com/hpungsan/htbwatch/internal/dispatch"
	"github.com/hpungsan/htbwatch/internal/errors"
)

// Recorder appends events to the log. The session depends on this instead of
// *sql.DB so it can run without a database.
type Recorder interface {
	Record(ctx context.Context, ev dispatch.Event) error
}

// Log is the SQLite-backed Recorder.
type Log struct {
	DB *sql.DB
}

// NewLog wraps an initialized database.
func NewLog(database *sql.DB) *Log {
	return &Log{DB: database}
}

// Record implements Recorder.
func (l *Log) Record(ctx context.Context, ev dispatch.Event) error {
	return Record(ctx, l.DB, ev)
}

// Record validates and appends one event. Events without an id get a fresh one.
func Record(ctx context.Context, database *sql.DB, ev dispatch.Event) error {
	if _, err := ValidateKind(string(ev.Kind)); err != nil || ev.Kind == "" {
		return errors.NewInvalidRequest("event kind is required")
	}
	if ev.Source == "" {
		return errors.NewInvalidRequest("event source is required")
	}
	if ev.ID == "" {
		fresh := dispatch.NewEvent(ev.Kind, ev.Source)
		ev.ID = fresh.ID
		if ev.Time.IsZero() {
			ev.Time = fresh.Time
		}
	}
	ev.MachineID = normalizeMachine(ev.MachineID)
	return db.InsertEvent(database, &ev)
}
