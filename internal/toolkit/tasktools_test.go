package toolkit

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

type fakeBackend struct {
	scheduled []TaskSpec
	cancelled []string
	notified  []string
	waitView  TaskView
	waitErr   error
	statusMap map[string]TaskView
}

func (f *fakeBackend) ScheduleTask(_ context.Context, spec TaskSpec) (string, error) {
	f.scheduled = append(f.scheduled, spec)
	return "child-1", nil
}

func (f *fakeBackend) WaitForTask(_ context.Context, id string, _ time.Duration) (TaskView, error) {
	return f.waitView, f.waitErr
}

func (f *fakeBackend) CancelTask(_ context.Context, id, reason string) error {
	f.cancelled = append(f.cancelled, id+":"+reason)
	return nil
}

func (f *fakeBackend) TaskStatus(_ context.Context, id string) (TaskView, error) {
	return f.statusMap[id], nil
}

func (f *fakeBackend) NotifyOwner(_ context.Context, subject, body string) error {
	f.notified = append(f.notified, subject+"|"+body)
	return nil
}

func newTestRegistry(t *testing.T, backend Backend) *Registry {
	t.Helper()
	reg := NewRegistry()
	if err := RegisterTaskTools(reg, backend, "task-1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func TestSchemasAreStableAndComplete(t *testing.T) {
	reg := newTestRegistry(t, &fakeBackend{})
	schemas := reg.Schemas()
	want := []string{"cancel_task", "notify_owner", "schedule_task", "task_status", "wait_for_task"}
	if len(schemas) != len(want) {
		t.Fatalf("schemas = %d, want %d", len(schemas), len(want))
	}
	for i, name := range want {
		if schemas[i].Name != name {
			t.Fatalf("schema %d = %q, want %q", i, schemas[i].Name, name)
		}
	}
}

func TestScheduleTaskDefaultsParentToOwnTask(t *testing.T) {
	backend := &fakeBackend{}
	reg := newTestRegistry(t, backend)

	result, err := reg.Dispatch(context.Background(), "schedule_task",
		json.RawMessage(`{"kind":"research","instruction":"dig into it","deadline_seconds":60}`))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !strings.Contains(result, "child-1") {
		t.Fatalf("result = %q", result)
	}
	if len(backend.scheduled) != 1 {
		t.Fatalf("scheduled = %d, want 1", len(backend.scheduled))
	}
	spec := backend.scheduled[0]
	if spec.ParentID != "task-1" {
		t.Fatalf("parent = %q, want own task", spec.ParentID)
	}
	if spec.Deadline != time.Minute {
		t.Fatalf("deadline = %v, want 1m", spec.Deadline)
	}
}

func TestScheduleTaskRequiresInstruction(t *testing.T) {
	reg := newTestRegistry(t, &fakeBackend{})
	if _, err := reg.Dispatch(context.Background(), "schedule_task", json.RawMessage(`{"kind":"user"}`)); err == nil {
		t.Fatal("expected error for missing instruction")
	}
}

func TestWaitForTaskReportsPendingOnTimeout(t *testing.T) {
	backend := &fakeBackend{waitView: TaskView{ID: "child-1", Status: "running"}, waitErr: ErrWaitPending}
	reg := newTestRegistry(t, backend)

	result, err := reg.Dispatch(context.Background(), "wait_for_task",
		json.RawMessage(`{"task_id":"child-1","wait_seconds":5}`))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !strings.Contains(result, `"pending":true`) {
		t.Fatalf("result = %q, want pending flag", result)
	}

	if _, err := reg.Dispatch(context.Background(), "wait_for_task",
		json.RawMessage(`{"task_id":"child-1","wait_seconds":0}`)); err == nil {
		t.Fatal("expected error for non-positive wait")
	}
}

func TestCancelTaskDefaultsReason(t *testing.T) {
	backend := &fakeBackend{}
	reg := newTestRegistry(t, backend)
	if _, err := reg.Dispatch(context.Background(), "cancel_task", json.RawMessage(`{"task_id":"child-1"}`)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(backend.cancelled) != 1 || backend.cancelled[0] != "child-1:cancelled by worker" {
		t.Fatalf("cancelled = %v", backend.cancelled)
	}
}

func TestNotifyOwnerRequiresBody(t *testing.T) {
	backend := &fakeBackend{}
	reg := newTestRegistry(t, backend)

	if _, err := reg.Dispatch(context.Background(), "notify_owner", json.RawMessage(`{"subject":"hi"}`)); err == nil {
		t.Fatal("expected error for missing body")
	}
	if _, err := reg.Dispatch(context.Background(), "notify_owner", json.RawMessage(`{"subject":"hi","body":"done"}`)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(backend.notified) != 1 || backend.notified[0] != "hi|done" {
		t.Fatalf("notified = %v", backend.notified)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	reg := newTestRegistry(t, &fakeBackend{})
	if _, err := reg.Dispatch(context.Background(), "rm_rf", nil); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	tool := Tool{
		Schema:  scheduleTaskTool(&fakeBackend{}, "t").Schema,
		Handler: func(context.Context, json.RawMessage) (any, error) { return nil, nil },
	}
	if err := reg.Register(tool); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(tool); err == nil {
		t.Fatal("expected duplicate error")
	}
}
