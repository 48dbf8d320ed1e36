package db

import (
	"database/sql"
	"strings"
	"time"

	"github.com/hpungsan/htbwatch/internal/dispatch"
	"github.com/hpungsan/htbwatch/internal/errors"
)

// ErrUniqueConstraint is returned when an insert violates a UNIQUE constraint.
var ErrUniqueConstraint = &errors.WatchError{
	Code:    "UNIQUE_CONSTRAINT",
	Status:  409,
	Message: "unique constraint violation",
}

// EventFilter narrows ListEvents. Empty fields match everything.
type EventFilter struct {
	Kind      string
	MachineID string
}

// InsertEvent appends an event to the log.
func InsertEvent(db *sql.DB, ev *dispatch.Event) error {
	createdAt := ev.Time
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO events (
			id, kind, source, machine_id, hash, message, accepted, attempts, release_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.Exec(query,
		ev.ID, string(ev.Kind), string(ev.Source),
		toNullString(ev.MachineID), toNullString(ev.Hash), toNullString(ev.Message),
		boolToInt(ev.Accepted), ev.Attempts, toNullUnix(ev.ReleaseAt), createdAt.Unix(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrUniqueConstraint
		}
		return errors.NewInternal(err)
	}
	return nil
}

// isUniqueConstraintError checks if the error is a SQLite UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ListEvents returns a page of events, newest first, and the total number of
// events matching the filter.
func ListEvents(db *sql.DB, f EventFilter, limit, offset int) ([]dispatch.Event, int, error) {
	where, args := f.clause()

	var total int
	if err := db.QueryRow("SELECT COUNT(*) FROM events"+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.NewInternal(err)
	}

	query := `
		SELECT id, kind, source, machine_id, hash, message, accepted, attempts, release_at, created_at
		FROM events` + where + `
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`
	rows, err := db.Query(query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []dispatch.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, errors.NewInternal(err)
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.NewInternal(err)
	}
	return out, total, nil
}

// PurgeEvents hard-deletes events created before the cutoff and returns the count.
func PurgeEvents(db *sql.DB, before time.Time) (int, error) {
	result, err := db.Exec("DELETE FROM events WHERE created_at < ?", before.Unix())
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return int(n), nil
}

func (f EventFilter) clause() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.MachineID != "" {
		conds = append(conds, "machine_id = ?")
		args = append(args, f.MachineID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanEvent(rows *sql.Rows) (*dispatch.Event, error) {
	var (
		ev        dispatch.Event
		kind      string
		source    string
		machineID sql.NullString
		hash      sql.NullString
		message   sql.NullString
		accepted  int
		releaseAt sql.NullInt64
		createdAt int64
	)
	err := rows.Scan(&ev.ID, &kind, &source, &machineID, &hash, &message,
		&accepted, &ev.Attempts, &releaseAt, &createdAt)
	if err != nil {
		return nil, err
	}

	ev.Kind = dispatch.Kind(kind)
	ev.Source = dispatch.Source(source)
	ev.MachineID = machineID.String
	ev.Hash = hash.String
	ev.Message = message.String
	ev.Accepted = accepted != 0
	if releaseAt.Valid {
		ev.ReleaseAt = time.Unix(releaseAt.Int64, 0).UTC()
	}
	ev.Time = time.Unix(createdAt, 0).UTC()
	return &ev, nil
}

// toNullString maps "" to NULL.
func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// toNullUnix maps the zero time to NULL.
func toNullUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
