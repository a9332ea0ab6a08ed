package eventbus

import (
	"time"

	"github.com/assmoddevv/ouroboros/internal/schema"
)

// Event is one immutable record in the append-only audit log.
type Event struct {
	ID        string           `json:"id"`
	Stream    string           `json:"stream"`
	Kind      schema.EventKind `json:"kind"`
	TaskID    string           `json:"task_id,omitempty"`
	Subject   string           `json:"subject,omitempty"`
	Body      string           `json:"body"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	Payload   map[string]any   `json:"payload,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	Read      bool             `json:"read"`
	ReadBy    []string         `json:"read_by,omitempty"`
}

type EventSummary struct {
	ID        string           `json:"id"`
	Stream    string           `json:"stream"`
	Kind      schema.EventKind `json:"kind"`
	TaskID    string           `json:"task_id,omitempty"`
	Subject   string           `json:"subject,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	Read      bool             `json:"read"`
}

// EventInput describes an event to append. Stream is derived from Kind.
type EventInput struct {
	Kind     schema.EventKind
	TaskID   string
	Subject  string
	Body     string
	Metadata map[string]any
	Payload  map[string]any
}

type ListOptions struct {
	Reader string // read/unread is evaluated from this reader's perspective
	TaskID string // restrict to one task's events
	Unread bool   // only events the reader has not acked
	Limit  int
	Order  string // "fifo" (oldest first) or "lifo"
}
