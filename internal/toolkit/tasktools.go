package toolkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	llmtools "github.com/flitsinc/go-llms/tools"
)

// ErrWaitPending distinguishes "still running when the wait elapsed" from a
// hard failure.
var ErrWaitPending = errors.New("task still pending")

// TaskView is what the tools see of a task.
type TaskView struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// TaskSpec is what the model provides when scheduling a child task.
type TaskSpec struct {
	Kind        string
	Instruction string
	Priority    string
	ParentID    string
	Deadline    time.Duration
}

// Backend is the narrow surface the task tools need. In a worker process it
// is an HTTP client talking to the orchestrator; tests use a fake.
type Backend interface {
	ScheduleTask(ctx context.Context, spec TaskSpec) (string, error)
	WaitForTask(ctx context.Context, id string, timeout time.Duration) (TaskView, error)
	CancelTask(ctx context.Context, id, reason string) error
	TaskStatus(ctx context.Context, id string) (TaskView, error)
	NotifyOwner(ctx context.Context, subject, body string) error
}

// RegisterTaskTools installs the task orchestration tools. ownTaskID is the
// task the current worker is executing; scheduled children hang off it
// unless the model names another parent.
func RegisterTaskTools(reg *Registry, backend Backend, ownTaskID string) error {
	tools := []Tool{
		scheduleTaskTool(backend, ownTaskID),
		waitForTaskTool(backend),
		cancelTaskTool(backend),
		taskStatusTool(backend),
		notifyOwnerTool(backend),
	}
	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

func scheduleTaskTool(backend Backend, ownTaskID string) Tool {
	type params struct {
		Kind            string `json:"kind"`
		Instruction     string `json:"instruction"`
		Priority        string `json:"priority,omitempty"`
		ParentID        string `json:"parent_id,omitempty"`
		DeadlineSeconds int    `json:"deadline_seconds,omitempty"`
	}
	return Tool{
		Schema: llmtools.FunctionSchema{
			Name:        "schedule_task",
			Description: "Enqueue a new task. Defaults to a child of the current task; children run while their parent is alive.",
			Parameters: llmtools.ValueSchema{
				Type: "object",
				Properties: schemaProps(
					prop("kind", llmtools.ValueSchema{Type: "string", Description: "Task category, e.g. user, evolve, research"}),
					prop("instruction", llmtools.ValueSchema{Type: "string", Description: "What the task should accomplish"}),
					prop("priority", llmtools.ValueSchema{Type: "string", Description: "critical, high, normal or low"}),
					prop("parent_id", llmtools.ValueSchema{Type: "string", Description: "Override the parent; empty means the current task"}),
					prop("deadline_seconds", llmtools.ValueSchema{Type: "integer", Description: "Optional wall-clock deadline"}),
				),
				Required: []string{"kind", "instruction"},
			},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var p params
			if err := json.Unmarshal(args, &p); err != nil {
				return nil, fmt.Errorf("bad arguments: %w", err)
			}
			if strings.TrimSpace(p.Instruction) == "" {
				return nil, fmt.Errorf("instruction is required")
			}
			spec := TaskSpec{
				Kind:        p.Kind,
				Instruction: p.Instruction,
				Priority:    p.Priority,
				ParentID:    p.ParentID,
			}
			if spec.ParentID == "" {
				spec.ParentID = ownTaskID
			}
			if p.DeadlineSeconds > 0 {
				spec.Deadline = time.Duration(p.DeadlineSeconds) * time.Second
			}
			id, err := backend.ScheduleTask(ctx, spec)
			if err != nil {
				return nil, err
			}
			return map[string]any{"task_id": id, "parent_id": spec.ParentID}, nil
		},
	}
}

func waitForTaskTool(backend Backend) Tool {
	type params struct {
		TaskID      string `json:"task_id"`
		WaitSeconds int    `json:"wait_seconds"`
	}
	return Tool{
		Schema: llmtools.FunctionSchema{
			Name:        "wait_for_task",
			Description: "Block until a task settles or the wait elapses. On timeout the task keeps running in the background.",
			Parameters: llmtools.ValueSchema{
				Type: "object",
				Properties: schemaProps(
					prop("task_id", llmtools.ValueSchema{Type: "string", Description: "Task to wait for"}),
					prop("wait_seconds", llmtools.ValueSchema{Type: "integer", Description: "Seconds to wait, must be > 0"}),
				),
				Required: []string{"task_id", "wait_seconds"},
			},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var p params
			if err := json.Unmarshal(args, &p); err != nil {
				return nil, fmt.Errorf("bad arguments: %w", err)
			}
			if p.TaskID == "" {
				return nil, fmt.Errorf("task_id is required")
			}
			if p.WaitSeconds <= 0 {
				return nil, fmt.Errorf("wait_seconds must be > 0")
			}
			view, err := backend.WaitForTask(ctx, p.TaskID, time.Duration(p.WaitSeconds)*time.Second)
			resp := map[string]any{"task_id": p.TaskID, "status": view.Status}
			if view.Result != "" {
				resp["result"] = view.Result
			}
			if view.Error != "" {
				resp["error"] = view.Error
			}
			if errors.Is(err, ErrWaitPending) {
				resp["pending"] = true
				return resp, nil
			}
			if err != nil {
				return nil, err
			}
			return resp, nil
		},
	}
}

func cancelTaskTool(backend Backend) Tool {
	type params struct {
		TaskID string `json:"task_id"`
		Reason string `json:"reason,omitempty"`
	}
	return Tool{
		Schema: llmtools.FunctionSchema{
			Name:        "cancel_task",
			Description: "Cancel a task and everything scheduled under it.",
			Parameters: llmtools.ValueSchema{
				Type: "object",
				Properties: schemaProps(
					prop("task_id", llmtools.ValueSchema{Type: "string", Description: "Task to cancel"}),
					prop("reason", llmtools.ValueSchema{Type: "string", Description: "Why it is being cancelled"}),
				),
				Required: []string{"task_id"},
			},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var p params
			if err := json.Unmarshal(args, &p); err != nil {
				return nil, fmt.Errorf("bad arguments: %w", err)
			}
			if p.TaskID == "" {
				return nil, fmt.Errorf("task_id is required")
			}
			reason := p.Reason
			if reason == "" {
				reason = "cancelled by worker"
			}
			if err := backend.CancelTask(ctx, p.TaskID, reason); err != nil {
				return nil, err
			}
			return map[string]any{"task_id": p.TaskID, "cancelled": true}, nil
		},
	}
}

func taskStatusTool(backend Backend) Tool {
	type params struct {
		TaskID string `json:"task_id"`
	}
	return Tool{
		Schema: llmtools.FunctionSchema{
			Name:        "task_status",
			Description: "Look up the current status, result and error of a task.",
			Parameters: llmtools.ValueSchema{
				Type: "object",
				Properties: schemaProps(
					prop("task_id", llmtools.ValueSchema{Type: "string", Description: "Task to inspect"}),
				),
				Required: []string{"task_id"},
			},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var p params
			if err := json.Unmarshal(args, &p); err != nil {
				return nil, fmt.Errorf("bad arguments: %w", err)
			}
			if p.TaskID == "" {
				return nil, fmt.Errorf("task_id is required")
			}
			view, err := backend.TaskStatus(ctx, p.TaskID)
			if err != nil {
				return nil, err
			}
			return view, nil
		},
	}
}

func notifyOwnerTool(backend Backend) Tool {
	type params struct {
		Subject string `json:"subject,omitempty"`
		Body    string `json:"body"`
	}
	return Tool{
		Schema: llmtools.FunctionSchema{
			Name:        "notify_owner",
			Description: "Send a message to the system owner's chat. Use sparingly, for things worth interrupting a human for.",
			Parameters: llmtools.ValueSchema{
				Type: "object",
				Properties: schemaProps(
					prop("subject", llmtools.ValueSchema{Type: "string", Description: "Short headline"}),
					prop("body", llmtools.ValueSchema{Type: "string", Description: "Message text"}),
				),
				Required: []string{"body"},
			},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var p params
			if err := json.Unmarshal(args, &p); err != nil {
				return nil, fmt.Errorf("bad arguments: %w", err)
			}
			if strings.TrimSpace(p.Body) == "" {
				return nil, fmt.Errorf("body is required")
			}
			if err := backend.NotifyOwner(ctx, p.Subject, p.Body); err != nil {
				return nil, err
			}
			return map[string]any{"sent": true}, nil
		},
	}
}
