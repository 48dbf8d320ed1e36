package mcp

import (
	"database/sql"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/htbwatch/internal/config"
	"github.com/hpungsan/htbwatch/internal/session"
)

// KnownTypes lists all valid type names.
var KnownTypes = []string{"watcher", "spawn", "flag", "history"}

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"watcher_arm": {
		def:     watcherArmToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleWatcherArm },
	},
	"watcher_disarm": {
		def:     watcherDisarmToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleWatcherDisarm },
	},
	"watcher_status": {
		def:     watcherStatusToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleWatcherStatus },
	},
	"spawn_arm": {
		def:     spawnArmToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSpawnArm },
	},
	"spawn_cancel": {
		def:     spawnCancelToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSpawnCancel },
	},
	"spawn_list": {
		def:     spawnListToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSpawnList },
	},
	"flag_check": {
		def:     flagCheckToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleFlagCheck },
	},
	"history_list": {
		def:     historyListToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleHistoryList },
	},
	"history_purge": {
		def:     historyPurgeToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleHistoryPurge },
	},
}

// AllToolNames returns a list of all valid tool names.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// ValidateDisabledTypes returns a list of unknown type names from the given list.
func ValidateDisabledTypes(names []string) []string {
	known := make(map[string]bool, len(KnownTypes))
	for _, t := range KnownTypes {
		known[t] = true
	}

	unknown := make([]string, 0)
	for _, name := range names {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// GetTypeForTool extracts the type name from a tool name.
// Tool names follow the pattern "type_action" (e.g., "spawn_arm" → "spawn").
func GetTypeForTool(toolName string) string {
	if idx := strings.Index(toolName, "_"); idx > 0 {
		return toolName[:idx]
	}
	return ""
}

// ExpandTypesToTools returns all tool names belonging to the given types.
func ExpandTypesToTools(types []string) []string {
	if len(types) == 0 {
		return nil
	}

	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	tools := make([]string, 0)
	for name := range toolRegistry {
		typ := GetTypeForTool(name)
		if typeSet[typ] {
			tools = append(tools, name)
		}
	}
	return tools
}

// NewServer creates an MCP server exposing the session and the event log.
// Tools listed in cfg.DisabledTools or belonging to cfg.DisabledTypes
// are excluded from registration.
func NewServer(db *sql.DB, cfg *config.Config, sess *session.Session, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"htbwatch",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(db, cfg, sess)

	// Build set of disabled tools: first expand types, then add individual tools
	disabled := make(map[string]bool)
	for _, tool := range ExpandTypesToTools(cfg.DisabledTypes) {
		disabled[tool] = true
	}
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	// Register tools (skip disabled)
	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Run serves MCP over stdio until stdin closes.
func Run(db *sql.DB, cfg *config.Config, sess *session.Session, version string) error {
	s := NewServer(db, cfg, sess, version)
	return server.ServeStdio(s)
}
