package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/turbomcp-go/turbomcp/internal/protocol"
	"github.com/turbomcp-go/turbomcp/internal/task"
)

// defaultTaskTTL is used when a caller sets "task": {} without a ttl. It is
// a fixed value; the config file's task.default_ttl is not consulted.
const defaultTaskTTL = 10 * time.Minute

// millisToDuration converts a task.ttl request value, which spec.md §3's
// Task data model carries as ttl_ms, into a time.Duration.
func millisToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func taskHandleResult(t *task.Task) map[string]any {
	return map[string]any{
		"task": map[string]any{
			"taskId":         t.ID,
			"status":         string(t.Status),
			"pollIntervalMs": t.PollIntervalMS,
		},
	}
}

func taskToJSON(t *task.Task) map[string]any {
	out := map[string]any{
		"taskId": t.ID,
		"status": string(t.Status),
	}
	switch t.Status {
	case task.StatusCompleted:
		out["result"] = t.Result
	case task.StatusFailed:
		out["error"] = t.Error
	}
	return out
}

func taskError(err error) error {
	if errors.Is(err, task.ErrUnknownTask) || errors.Is(err, task.ErrAlreadyTerminal) {
		return protocol.NewError(protocol.CodeInvalidParams, err.Error(), nil)
	}
	return err
}

type taskIDParams struct {
	TaskID string `json:"taskId"`
}

func handleTasksGet(ctx context.Context, rt *Runtime, params json.RawMessage) (any, error) {
	var p taskIDParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if rt.Tasks == nil {
		return nil, protocol.NewError(protocol.CodeInternalError, "task subsystem not configured", nil)
	}
	t, err := rt.Tasks.Get(ctx, p.TaskID)
	if err != nil {
		return nil, taskError(err)
	}
	return taskToJSON(t), nil
}

// handleTasksResult blocks until the task reaches a terminal state, per
// spec.md §4.8's "tasks/result ... blocking until terminal" semantics.
func handleTasksResult(ctx context.Context, rt *Runtime, params json.RawMessage) (any, error) {
	var p taskIDParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if rt.Tasks == nil {
		return nil, protocol.NewError(protocol.CodeInternalError, "task subsystem not configured", nil)
	}
	t, err := rt.Tasks.Result(ctx, p.TaskID)
	if err != nil {
		return nil, taskError(err)
	}
	return taskToJSON(t), nil
}

type taskListParams struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func handleTasksList(ctx context.Context, rt *Runtime, params json.RawMessage) (any, error) {
	var p taskListParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if rt.Tasks == nil {
		return nil, protocol.NewError(protocol.CodeInternalError, "task subsystem not configured", nil)
	}
	tasks, nextCursor, err := rt.Tasks.List(ctx, p.Cursor, p.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskToJSON(t))
	}
	resp := map[string]any{"tasks": out}
	if nextCursor != "" {
		resp["nextCursor"] = nextCursor
	}
	return resp, nil
}

func handleTasksCancel(ctx context.Context, rt *Runtime, params json.RawMessage) (any, error) {
	var p taskIDParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if rt.Tasks == nil {
		return nil, protocol.NewError(protocol.CodeInternalError, "task subsystem not configured", nil)
	}
	t, err := rt.Tasks.Cancel(ctx, p.TaskID)
	if err != nil {
		return nil, taskError(err)
	}
	return taskToJSON(t), nil
}
