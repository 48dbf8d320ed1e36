package ops

import (
	"context"
	"database/sql"

	"github.com/hpungsan/htbwatch/internal/db"
	"github.com/hpungsan/htbwatch/internal/dispatch"
)

// HistoryInput contains parameters for the History operation.
type HistoryInput struct {
	Kind      string // optional: flag_found, flag_result, spawn_due, spawn_result, machine_ready
	MachineID string // optional, normalized like spawn watch ids
	Limit     int    // default: 20, max: 100
	Offset    int    // default: 0
}

// HistoryOutput contains the result of the History operation.
type HistoryOutput struct {
	Items      []dispatch.Event `json:"items"`
	Pagination Pagination       `json:"pagination"`
	Sort       string           `json:"sort"`
}

// History retrieves logged events, newest first, with pagination.
func History(ctx context.Context, database *sql.DB, input HistoryInput) (*HistoryOutput, error) {
	kind, err := ValidateKind(input.Kind)
	if err != nil {
		return nil, err
	}
	limit, offset := clampPage(input.Limit, input.Offset)

	filter := db.EventFilter{
		Kind:      string(kind),
		MachineID: normalizeMachine(input.MachineID),
	}
	items, total, err := db.ListEvents(database, filter, limit, offset)
	if err != nil {
		return nil, err
	}

	// Ensure we return an empty array rather than nil
	if items == nil {
		items = []dispatch.Event{}
	}

	return &HistoryOutput{
		Items: items,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  offset,
			HasMore: offset+len(items) < total,
			Total:   total,
		},
		Sort: "created_at_desc",
	}, nil
}
