package queue

import (
	"time"

	"github.com/assmoddevv/ouroboros/internal/schema"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending           Status = "pending"
	StatusRunning           Status = "running"
	StatusBlockedOnChildren Status = "blocked_on_children"
	StatusSucceeded         Status = "succeeded"
	StatusFailed            Status = "failed"
	StatusTimedOut          Status = "timed_out"
	StatusCancelled         Status = "cancelled"
	StatusBudgetExceeded    Status = "budget_exceeded"
	StatusRoundLimit        Status = "round_limit_exceeded"
)

// Terminal reports whether the status is final. Terminal tasks never
// transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled,
		StatusBudgetExceeded, StatusRoundLimit:
		return true
	}
	return false
}

// validTransitions gates every status change. An empty target set means the
// status is terminal.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled, StatusTimedOut},
	StatusRunning: {
		StatusPending, StatusBlockedOnChildren, StatusSucceeded, StatusFailed,
		StatusTimedOut, StatusCancelled, StatusBudgetExceeded, StatusRoundLimit,
	},
	StatusBlockedOnChildren: {
		StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled,
		StatusBudgetExceeded,
	},
}

func canTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Task is one unit of work in the queue. A task may decompose into children
// by scheduling tasks with its own ID as parent.
type Task struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Priority    schema.Priority `json:"priority"`
	Status      Status          `json:"status"`
	Instruction string          `json:"instruction"`
	Payload     map[string]any  `json:"payload,omitempty"`
	ParentID    string          `json:"parent_id,omitempty"`
	Generation  int             `json:"generation"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Deadline    *time.Time      `json:"deadline,omitempty"`
	Result      string          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`

	// PendingStatus holds the outcome a parked parent will settle into once
	// its last live child reaches a terminal status.
	PendingStatus Status `json:"pending_status,omitempty"`
}

// Spec describes a task to enqueue.
type Spec struct {
	Kind        string
	Priority    schema.Priority
	Instruction string
	Payload     map[string]any
	ParentID    string
	Deadline    *time.Time
}

// Update is one progress record appended by a worker.
type Update struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListFilter narrows List results.
type ListFilter struct {
	Status   Status
	Kind     string
	ParentID string
	Limit    int
}
