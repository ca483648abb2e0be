// Package mcp exposes dispatcher operations as MCP tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/GoCodeAlone/fieldops/activity"
	"github.com/GoCodeAlone/fieldops/geofence"
	"github.com/GoCodeAlone/fieldops/idle"
	"github.com/GoCodeAlone/fieldops/task"
)

// ActivityReader is the read side of the activity ledger.
type ActivityReader interface {
	List(ctx context.Context, filter activity.Filter) ([]*activity.Record, error)
}

// Deps are the services the tools operate on. Tools act as Actor, which
// must be an admin for the write tools to succeed.
type Deps struct {
	Tasks    *task.Machine
	Idle     *idle.Tracker
	Activity ActivityReader
	Actor    task.Actor
	Version  string
	Now      func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

// NewServer creates the MCP server with all tools registered.
func NewServer(d Deps) *server.MCPServer {
	version := d.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer("fieldops", version)

	// Tasks
	s.AddTool(mcp.NewTool("create_task",
		mcp.WithDescription("Create a field task. It starts waiting for acceptance by its assignees."),
		mcp.WithString("title", mcp.Description("Task title"), mcp.Required()),
		mcp.WithString("description", mcp.Description("Task description")),
		mcp.WithNumber("lat", mcp.Description("Site latitude in degrees"), mcp.Required()),
		mcp.WithNumber("lng", mcp.Description("Site longitude in degrees"), mcp.Required()),
		mcp.WithNumber("radius_km", mcp.Description("Geofence radius in kilometers"), mcp.Required()),
		mcp.WithNumber("time_limit_minutes", mcp.Description("Minutes to reach the site after acceptance (0 = none)")),
		mcp.WithArray("assigned_to", mcp.Description("Worker user IDs"), mcp.Required(),
			mcp.Items(map[string]any{"type": "string"})),
	), createTaskHandler(d))

	s.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List active tasks with optional filters."),
		mcp.WithString("status", mcp.Description("Filter by status (waiting_for_acceptance|on_the_way|on_site|completed)")),
		mcp.WithString("assigned_to", mcp.Description("Filter by worker user ID")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of tasks")),
	), listTasksHandler(d))

	s.AddTool(mcp.NewTool("get_task",
		mcp.WithDescription("Get a task by ID, including the remaining countdown."),
		mcp.WithString("id", mcp.Description("Task ID"), mcp.Required()),
	), getTaskHandler(d))

	s.AddTool(mcp.NewTool("update_task",
		mcp.WithDescription("Move a task to a new status or mark it completed."),
		mcp.WithString("id", mcp.Description("Task ID"), mcp.Required()),
		mcp.WithString("status", mcp.Description("New status")),
		mcp.WithBoolean("completed", mcp.Description("Mark the task completed")),
	), updateTaskHandler(d))

	s.AddTool(mcp.NewTool("delete_task",
		mcp.WithDescription("Delete a task. Its assignees stop tracking it."),
		mcp.WithString("id", mcp.Description("Task ID"), mcp.Required()),
	), deleteTaskHandler(d))

	// Time accounting
	s.AddTool(mcp.NewTool("idle_stats",
		mcp.WithDescription("Idle and productive time for one worker and day."),
		mcp.WithString("user_id", mcp.Description("Worker user ID"), mcp.Required()),
		mcp.WithString("date", mcp.Description("Day as YYYY-MM-DD (defaults to today)")),
	), idleStatsHandler(d))

	s.AddTool(mcp.NewTool("idle_history",
		mcp.WithDescription("Per-worker, per-day idle and productive summaries."),
		mcp.WithString("user_id", mcp.Description("Worker user ID (all workers if omitted)")),
		mcp.WithString("from", mcp.Description("First day, YYYY-MM-DD (defaults to today)")),
		mcp.WithString("to", mcp.Description("Last day, YYYY-MM-DD (defaults to today)")),
	), idleHistoryHandler(d))

	// Activity
	s.AddTool(mcp.NewTool("list_activity",
		mcp.WithDescription("Recent activity records, newest first."),
		mcp.WithString("user_id", mcp.Description("Filter by worker user ID")),
		mcp.WithString("task_id", mcp.Description("Filter by task ID")),
		mcp.WithString("type", mcp.Description("Filter by record type")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of records (default 50)")),
	), listActivityHandler(d))

	return s
}

// Serve starts the MCP server on stdio.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func errorResult(err error) (*mcp.CallToolResult, error) {
	if errors.Is(err, task.ErrNotFound) {
		return mcp.NewToolResultError("task not found"), nil
	}
	return mcp.NewToolResultError(err.Error()), nil
}

// taskResult is a task plus its live countdown.
type taskResult struct {
	*task.Task
	RemainingMs *int64 `json:"remaining_ms,omitempty"`
}

func withRemaining(t *task.Task, now time.Time) taskResult {
	res := taskResult{Task: t}
	if timer := task.TimerFor(t); timer.Active() {
		ms := timer.Remaining(now).Milliseconds()
		res.RemainingMs = &ms
	}
	return res
}

func createTaskHandler(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		var assignees []string
		if raw, ok := args["assigned_to"].([]any); ok {
			for _, a := range raw {
				if s, ok := a.(string); ok && s != "" {
					assignees = append(assignees, s)
				}
			}
		}

		t := &task.Task{
			Title:       mcp.ParseString(request, "title", ""),
			Description: mcp.ParseString(request, "description", ""),
			Location: geofence.Coordinate{
				Lat: mcp.ParseFloat64(request, "lat", 0),
				Lng: mcp.ParseFloat64(request, "lng", 0),
			},
			RadiusKm:         mcp.ParseFloat64(request, "radius_km", 0),
			TimeLimitMinutes: mcp.ParseInt(request, "time_limit_minutes", 0),
			AssignedTo:       assignees,
		}
		if err := d.Tasks.Create(ctx, t, d.Actor); err != nil {
			return errorResult(err)
		}
		return jsonResult(withRemaining(t, d.now()))
	}
}

func listTasksHandler(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filter := task.Filter{
			AssignedTo: mcp.ParseString(request, "assigned_to", ""),
			Limit:      mcp.ParseInt(request, "limit", 0),
		}
		if s := mcp.ParseString(request, "status", ""); s != "" {
			st, err := task.ParseStatus(s)
			if err != nil {
				return errorResult(err)
			}
			filter.Status = &st
		}

		tasks, err := d.Tasks.List(ctx, d.Actor, filter)
		if err != nil {
			return errorResult(err)
		}
		now := d.now()
		out := make([]taskResult, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, withRemaining(t, now))
		}
		return jsonResult(map[string]any{"tasks": out})
	}
}

func getTaskHandler(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		t, err := d.Tasks.Get(ctx, mcp.ParseString(request, "id", ""), d.Actor)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(withRemaining(t, d.now()))
	}
}

func updateTaskHandler(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		var p task.Patch
		if s, ok := args["status"].(string); ok && s != "" {
			st, err := task.ParseStatus(s)
			if err != nil {
				return errorResult(err)
			}
			p.Status = &st
		}
		if c, ok := args["completed"].(bool); ok {
			p.Completed = &c
		}
		if p.Status == nil && p.Completed == nil {
			return mcp.NewToolResultError("nothing to update: pass status or completed"), nil
		}

		t, err := d.Tasks.ApplyPatch(ctx, mcp.ParseString(request, "id", ""), d.Actor, p)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(withRemaining(t, d.now()))
	}
}

func deleteTaskHandler(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseString(request, "id", "")
		if err := d.Tasks.AdminDelete(ctx, id, d.Actor); err != nil {
			return errorResult(err)
		}
		return mcp.NewToolResultText(fmt.Sprintf("Task '%s' deleted", id)), nil
	}
}

func idleStatsHandler(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		now := d.now()
		date := mcp.ParseString(request, "date", "")
		if date == "" {
			date = d.Idle.Day(now)
		}
		st, err := d.Idle.Stats(ctx, mcp.ParseString(request, "user_id", ""), date, now)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(st)
	}
}

func idleHistoryHandler(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		now := d.now()
		to := mcp.ParseString(request, "to", d.Idle.Day(now))
		from := mcp.ParseString(request, "from", to)

		hist, err := d.Idle.History(ctx, mcp.ParseString(request, "user_id", ""), from, to, now)
		if err != nil {
			return errorResult(err)
		}
		if hist == nil {
			hist = []idle.Stats{}
		}
		return jsonResult(map[string]any{"history": hist})
	}
}

func listActivityHandler(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filter := activity.Filter{
			UserID: mcp.ParseString(request, "user_id", ""),
			TaskID: mcp.ParseString(request, "task_id", ""),
			Limit:  mcp.ParseInt(request, "limit", 50),
		}
		if s := mcp.ParseString(request, "type", ""); s != "" {
			typ := activity.Type(s)
			if !typ.Valid() {
				return mcp.NewToolResultError(fmt.Sprintf("unknown activity type '%s'", s)), nil
			}
			filter.Type = typ
		}

		recs, err := d.Activity.List(ctx, filter)
		if err != nil {
			return errorResult(err)
		}
		if recs == nil {
			recs = []*activity.Record{}
		}
		return jsonResult(map[string]any{"records": recs})
	}
}
