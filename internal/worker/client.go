package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/assmoddevv/ouroboros/internal/ai"
	"github.com/assmoddevv/ouroboros/internal/loop"
	"github.com/assmoddevv/ouroboros/internal/queue"
	"github.com/assmoddevv/ouroboros/internal/schema"
	"github.com/assmoddevv/ouroboros/internal/toolkit"
)

// Client is the worker's only line to the orchestrator. It carries the gate,
// the spend meter, the progress reporter and the task tools over the same
// HTTP surface the operator uses.
type Client struct {
	APIURL     string
	TaskID     string
	Generation int
	HTTP       *http.Client
	Log        *zap.Logger
}

func (c *Client) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) log() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zap.NewNop()
}

// FetchTask loads the task this worker was spawned for.
func (c *Client) FetchTask(ctx context.Context) (queue.Task, error) {
	var task queue.Task
	if err := c.getJSON(ctx, "/api/tasks/"+url.PathEscape(c.TaskID), &task); err != nil {
		return queue.Task{}, fmt.Errorf("fetch task %s: %w", c.TaskID, err)
	}
	return task, nil
}

// Check implements loop.Gate by heartbeating the orchestrator. The response
// carries the merged control signal for this task and generation.
func (c *Client) Check(ctx context.Context) (loop.Signal, error) {
	var sig loop.Signal
	err := c.postJSON(ctx, "/api/worker/heartbeat", map[string]any{
		"task_id":    c.TaskID,
		"generation": c.Generation,
	}, &sig)
	if err != nil {
		return loop.Signal{}, fmt.Errorf("heartbeat: %w", err)
	}
	return sig, nil
}

// Charge implements loop.Charger. The worker never touches the ledger: it
// appends a round_cost event and the dispatcher applies the charge when it
// consumes the stream.
func (c *Client) Charge(ctx context.Context, taskID string, amountUSD float64) error {
	if amountUSD <= 0 {
		return nil
	}
	err := c.postJSON(ctx, "/api/events", map[string]any{
		"kind":    string(schema.KindRoundCost),
		"task_id": taskID,
		"body":    fmt.Sprintf("spent $%.4f", amountUSD),
		"metadata": map[string]any{
			schema.MetaCostUSD:    amountUSD,
			schema.MetaGeneration: c.Generation,
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("charge: %w", err)
	}
	return nil
}

// Exhausted implements loop.Charger.
func (c *Client) Exhausted(ctx context.Context) (bool, error) {
	var snap struct {
		Exhausted bool `json:"exhausted"`
	}
	if err := c.getJSON(ctx, "/api/budget", &snap); err != nil {
		return false, fmt.Errorf("budget check: %w", err)
	}
	return snap.Exhausted, nil
}

// RoundDone implements loop.Reporter. Report failures are logged and
// swallowed; losing a progress event must not kill the run.
func (c *Client) RoundDone(ctx context.Context, round int, responseText string, usage ai.Usage) {
	body := headline(responseText)
	if body == "" {
		body = fmt.Sprintf("round %d finished", round)
	}
	err := c.PushEvent(ctx, schema.KindTaskProgress, body, map[string]any{
		schema.MetaRound:      round,
		schema.MetaGeneration: c.Generation,
	})
	if err != nil {
		c.log().Warn("progress event failed", zap.Int("round", round), zap.Error(err))
	}
}

// RoundFailed implements loop.Reporter. Round failures ride the progress
// stream with a reason marker so the dispatcher can feed them to the breaker.
func (c *Client) RoundFailed(ctx context.Context, round int, reason string) {
	err := c.PushEvent(ctx, schema.KindTaskProgress, fmt.Sprintf("round %d failed: %s", round, reason), map[string]any{
		schema.MetaRound:      round,
		schema.MetaGeneration: c.Generation,
		schema.MetaReason:     "round_failure",
	})
	if err != nil {
		c.log().Warn("round failure event failed", zap.Int("round", round), zap.Error(err))
	}
}

// ToolDone implements loop.Reporter.
func (c *Client) ToolDone(ctx context.Context, round int, name string, failed bool) {
	body := fmt.Sprintf("tool %s finished", name)
	if failed {
		body = fmt.Sprintf("tool %s failed", name)
	}
	err := c.PushEvent(ctx, schema.KindToolResult, body, map[string]any{
		schema.MetaRound:    round,
		schema.MetaToolName: name,
		"failed":            failed,
	})
	if err != nil {
		c.log().Warn("tool event failed", zap.String("tool", name), zap.Error(err))
	}
}

// PushEvent publishes an event attributed to this worker's task.
func (c *Client) PushEvent(ctx context.Context, kind schema.EventKind, body string, metadata map[string]any) error {
	return c.postJSON(ctx, "/api/events", map[string]any{
		"kind":     string(kind),
		"task_id":  c.TaskID,
		"body":     body,
		"metadata": metadata,
	}, nil)
}

// ScheduleTask implements toolkit.Backend.
func (c *Client) ScheduleTask(ctx context.Context, spec toolkit.TaskSpec) (string, error) {
	payload := map[string]any{
		"kind":        spec.Kind,
		"instruction": spec.Instruction,
		"priority":    spec.Priority,
		"parent_id":   spec.ParentID,
	}
	if spec.Deadline > 0 {
		payload["deadline_seconds"] = int(spec.Deadline / time.Second)
	}
	var task queue.Task
	if err := c.postJSON(ctx, "/api/tasks", payload, &task); err != nil {
		return "", fmt.Errorf("schedule task: %w", err)
	}
	return task.ID, nil
}

// WaitForTask implements toolkit.Backend, mapping the API's pending flag
// onto ErrWaitPending.
func (c *Client) WaitForTask(ctx context.Context, id string, timeout time.Duration) (toolkit.TaskView, error) {
	path := fmt.Sprintf("/api/tasks/%s/wait?timeout_seconds=%d", url.PathEscape(id), int(timeout/time.Second))
	var out struct {
		Pending bool       `json:"pending"`
		Task    queue.Task `json:"task"`
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return toolkit.TaskView{}, fmt.Errorf("wait for task %s: %w", id, err)
	}
	view := taskView(out.Task)
	if out.Pending {
		return view, toolkit.ErrWaitPending
	}
	return view, nil
}

// CancelTask implements toolkit.Backend.
func (c *Client) CancelTask(ctx context.Context, id, reason string) error {
	err := c.postJSON(ctx, "/api/tasks/"+url.PathEscape(id)+"/cancel", map[string]any{"reason": reason}, nil)
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", id, err)
	}
	return nil
}

// TaskStatus implements toolkit.Backend.
func (c *Client) TaskStatus(ctx context.Context, id string) (toolkit.TaskView, error) {
	var task queue.Task
	if err := c.getJSON(ctx, "/api/tasks/"+url.PathEscape(id), &task); err != nil {
		return toolkit.TaskView{}, fmt.Errorf("task status %s: %w", id, err)
	}
	return taskView(task), nil
}

// NotifyOwner implements toolkit.Backend.
func (c *Client) NotifyOwner(ctx context.Context, subject, body string) error {
	return c.postJSON(ctx, "/api/events", map[string]any{
		"kind":    string(schema.KindNotify),
		"task_id": c.TaskID,
		"subject": subject,
		"body":    body,
	}, nil)
}

func taskView(task queue.Task) toolkit.TaskView {
	return toolkit.TaskView{
		ID:     task.ID,
		Status: string(task.Status),
		Result: task.Result,
		Error:  task.Error,
	}
}

func headline(text string) string {
	line := strings.TrimSpace(text)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	if len(line) > 160 {
		line = line[:160]
	}
	return line
}

func (c *Client) getJSON(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.APIURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, dest)
}

func (c *Client) postJSON(ctx context.Context, path string, payload map[string]any, dest any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, dest)
}

func (c *Client) do(req *http.Request, dest any) error {
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(body))
		var wrapped struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &wrapped) == nil && wrapped.Error != "" {
			msg = wrapped.Error
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}
	if dest == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api status %d", e.Status)
	}
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether an API call failed because the resource does
// not exist.
func IsNotFound(err error) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
