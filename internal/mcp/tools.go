package mcp

import "github.com/mark3labs/mcp-go/mcp"

var watcherArmToolDef = mcp.NewTool("watcher_arm",
	mcp.WithDescription("Arm the clipboard flag watcher for a machine. Every new 32-character hex string copied to the clipboard is submitted once as a flag for that machine. Re-arming for another machine retargets the watcher."),
	mcp.WithString("machine_id",
		mcp.Required(),
		mcp.Description("Machine id or name (e.g. \"223\" or \"monteverde\")"),
	),
)

var watcherDisarmToolDef = mcp.NewTool("watcher_disarm",
	mcp.WithDescription("Stop watching the clipboard. Flags detected before disarming are not submitted."),
)

var watcherStatusToolDef = mcp.NewTool("watcher_status",
	mcp.WithDescription("Show the flag watcher, the spawn scheduler and the pending spawn watches."),
)

var spawnArmToolDef = mcp.NewTool("spawn_arm",
	mcp.WithDescription("Schedule an automatic spawn request for a machine at its release time. Fails with ALREADY_ARMED if the machine already has a pending watch."),
	mcp.WithString("machine_id",
		mcp.Required(),
		mcp.Description("Machine id or name"),
	),
	mcp.WithString("release_at",
		mcp.Required(),
		mcp.Description("RFC3339 release time (e.g. 2026-10-17T19:00:00Z) or a duration from now (e.g. 90s, 2h30m)"),
	),
)

var spawnCancelToolDef = mcp.NewTool("spawn_cancel",
	mcp.WithDescription("Cancel a pending spawn watch. A cancelled watch never fires."),
	mcp.WithString("machine_id",
		mcp.Required(),
		mcp.Description("Machine id or name"),
	),
)

var spawnListToolDef = mcp.NewTool("spawn_list",
	mcp.WithDescription("List pending spawn watches, earliest release first, with time remaining."),
)

var flagCheckToolDef = mcp.NewTool("flag_check",
	mcp.WithDescription("Check whether text is flag-shaped (exactly 32 hex characters after trimming). Does not submit anything."),
	mcp.WithString("text",
		mcp.Required(),
		mcp.Description("Text to classify"),
	),
)

var historyListToolDef = mcp.NewTool("history_list",
	mcp.WithDescription("List logged watcher and spawn events, newest first."),
	mcp.WithString("kind",
		mcp.Description("Filter by kind: flag_found, flag_result, spawn_due, spawn_result, machine_ready"),
	),
	mcp.WithString("machine_id",
		mcp.Description("Filter by machine"),
	),
	mcp.WithNumber("limit",
		mcp.Description("Max items (default 20, max 100)"),
	),
	mcp.WithNumber("offset",
		mcp.Description("Items to skip"),
	),
)

var historyPurgeToolDef = mcp.NewTool("history_purge",
	mcp.WithDescription("Permanently delete logged events older than N days."),
	mcp.WithNumber("older_than_days",
		mcp.Description("Age threshold in days (default: history_retention_days from config)"),
	),
)
