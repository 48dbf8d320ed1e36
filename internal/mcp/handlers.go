package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	goerrors "errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/htbwatch/internal/config"
	"github.com/hpungsan/htbwatch/internal/errors"
	"github.com/hpungsan/htbwatch/internal/flag"
	"github.com/hpungsan/htbwatch/internal/ops"
	"github.com/hpungsan/htbwatch/internal/session"
	"github.com/hpungsan/htbwatch/internal/spawn"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	db   *sql.DB
	cfg  *config.Config
	sess *session.Session
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(db *sql.DB, cfg *config.Config, sess *session.Session) *Handlers {
	return &Handlers{db: db, cfg: cfg, sess: sess}
}

// Request types for each tool

// MachineRequest is the argument shape of tools addressing one machine.
type MachineRequest struct {
	MachineID string `json:"machine_id"`
}

// SpawnArmRequest represents the arguments for spawn_arm.
type SpawnArmRequest struct {
	MachineID string `json:"machine_id"`
	ReleaseAt string `json:"release_at"`
}

// FlagCheckRequest represents the arguments for flag_check.
type FlagCheckRequest struct {
	Text string `json:"text"`
}

// HistoryListRequest represents the arguments for history_list.
type HistoryListRequest struct {
	Kind      string `json:"kind,omitempty"`
	MachineID string `json:"machine_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

// HistoryPurgeRequest represents the arguments for history_purge.
type HistoryPurgeRequest struct {
	OlderThanDays int `json:"older_than_days,omitempty"`
}

// WatchView is a spawn watch with its countdown.
type WatchView struct {
	spawn.Watch
	Remaining string `json:"remaining"`
}

// SpawnListOutput is the result of spawn_list.
type SpawnListOutput struct {
	Items []WatchView `json:"items"`
	Count int         `json:"count"`
}

// NewWatchView renders w relative to now.
func NewWatchView(w spawn.Watch, now time.Time) WatchView {
	return WatchView{Watch: w, Remaining: spawn.FormatRemaining(w.Remaining(now))}
}

// Handler implementations

// HandleWatcherArm handles the watcher_arm tool call.
func (h *Handlers) HandleWatcherArm(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[MachineRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	result, err := h.sess.ArmWatcher(input.MachineID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleWatcherDisarm handles the watcher_disarm tool call.
func (h *Handlers) HandleWatcherDisarm(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return successResult(h.sess.DisarmWatcher())
}

// HandleWatcherStatus handles the watcher_status tool call.
func (h *Handlers) HandleWatcherStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return successResult(h.sess.Status())
}

// HandleSpawnArm handles the spawn_arm tool call.
func (h *Handlers) HandleSpawnArm(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SpawnArmRequest](req)
	if err != nil {
		return errorResult(err), nil
	}

	now := h.sess.Now()
	releaseAt, err := spawn.ParseRelease(input.ReleaseAt, now)
	if err != nil {
		return errorResult(err), nil
	}
	w, err := h.sess.ArmSpawn(input.MachineID, releaseAt)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(NewWatchView(w, now))
}

// HandleSpawnCancel handles the spawn_cancel tool call.
func (h *Handlers) HandleSpawnCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[MachineRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	w, err := h.sess.CancelSpawn(input.MachineID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(w)
}

// HandleSpawnList handles the spawn_list tool call.
func (h *Handlers) HandleSpawnList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	now := h.sess.Now()
	watches := h.sess.Watches()

	out := SpawnListOutput{Items: make([]WatchView, 0, len(watches)), Count: len(watches)}
	for _, w := range watches {
		out.Items = append(out.Items, NewWatchView(w, now))
	}
	return successResult(out)
}

// HandleFlagCheck handles the flag_check tool call.
func (h *Handlers) HandleFlagCheck(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[FlagCheckRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(flag.Check(input.Text))
}

// HandleHistoryList handles the history_list tool call.
func (h *Handlers) HandleHistoryList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[HistoryListRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	result, err := ops.History(ctx, h.db, ops.HistoryInput{
		Kind:      input.Kind,
		MachineID: input.MachineID,
		Limit:     input.Limit,
		Offset:    input.Offset,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleHistoryPurge handles the history_purge tool call.
func (h *Handlers) HandleHistoryPurge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[HistoryPurgeRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	days := input.OlderThanDays
	if days == 0 {
		days = h.cfg.HistoryRetentionDays
	}
	result, err := ops.Purge(ctx, h.db, ops.PurgeInput{OlderThanDays: days})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// errorResult converts an error to an MCP error result with structured JSON.
// Wrapped WatchErrors keep their code; the wrapper text becomes the message.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	var wErr *errors.WatchError
	if goerrors.As(err, &wErr) {
		msg := wErr.Message
		if err != error(wErr) {
			msg = err.Error()
		}
		errorObj := map[string]any{
			"code":    wErr.Code,
			"message": msg,
			"status":  wErr.Status,
		}
		// Details of INTERNAL errors may carry paths or SQL text.
		if wErr.Code != errors.ErrInternal && wErr.Details != nil {
			errorObj["details"] = wErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    "INTERNAL",
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result with JSON content.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
