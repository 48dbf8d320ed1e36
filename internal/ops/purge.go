package ops

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hpungsan/htbwatch/internal/db"
	"github.com/hpungsan/htbwatch/internal/errors"
)

// PurgeInput contains parameters for the Purge operation.
type PurgeInput struct {
	OlderThanDays int // required, > 0

	// Now overrides the reference time (tests).
	Now time.Time
}

// PurgeOutput contains the result of the Purge operation.
type PurgeOutput struct {
	Purged  int    `json:"purged"`
	Message string `json:"message"`
}

// Purge permanently deletes logged events older than OlderThanDays.
func Purge(ctx context.Context, database *sql.DB, input PurgeInput) (*PurgeOutput, error) {
	if input.OlderThanDays <= 0 {
		return nil, errors.NewInvalidRequest("older_than_days must be positive")
	}
	now := input.Now
	if now.IsZero() {
		now = time.Now()
	}
	cutoff := now.Add(-time.Duration(input.OlderThanDays) * 24 * time.Hour)

	count, err := db.PurgeEvents(database, cutoff)
	if err != nil {
		return nil, err
	}

	return &PurgeOutput{
		Purged:  count,
		Message: formatPurgeMessage(count, input.OlderThanDays),
	}, nil
}

// formatPurgeMessage creates a human-readable message for the purge result.
func formatPurgeMessage(count, olderThanDays int) string {
	if count == 0 {
		return fmt.Sprintf("No events older than %d days", olderThanDays)
	}

	word := "event"
	if count > 1 {
		word = "events"
	}
	return fmt.Sprintf("Permanently deleted %d %s (older than %d days)", count, word, olderThanDays)
}
