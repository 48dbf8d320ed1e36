// Package ops implements the event log operations shared by the CLI, the MCP
// server and the web dashboard.
package ops

import (
	"strings"

	"github.com/hpungsan/htbwatch/internal/dispatch"
	"github.com/hpungsan/htbwatch/internal/errors"
	"github.com/hpungsan/htbwatch/internal/spawn"
)

// Pagination limits
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

var knownKinds = map[dispatch.Kind]bool{
	dispatch.KindFlagFound:    true,
	dispatch.KindFlagResult:   true,
	dispatch.KindSpawnDue:     true,
	dispatch.KindSpawnResult:  true,
	dispatch.KindMachineReady: true,
}

// ValidateKind returns the kind filter, or INVALID_REQUEST for unknown kinds.
// An empty kind means "all".
func ValidateKind(kind string) (dispatch.Kind, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return "", nil
	}
	k := dispatch.Kind(strings.ToLower(kind))
	if !knownKinds[k] {
		return "", errors.NewInvalidRequest("kind must be one of flag_found, flag_result, spawn_due, spawn_result, machine_ready")
	}
	return k, nil
}

// clampPage applies list defaults and bounds.
func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return limit, max(offset, 0)
}

func normalizeMachine(id string) string {
	return spawn.NormalizeMachineID(id)
}
