package schema

import "strings"

// EventKind is the closed set of event types the dispatcher understands.
// Anything else is logged and dropped.
type EventKind string

const (
	KindTaskStarted     EventKind = "task_started"
	KindTaskProgress    EventKind = "task_progress"
	KindToolResult      EventKind = "tool_result"
	KindRoundCost       EventKind = "round_cost"
	KindTaskDone        EventKind = "task_done"
	KindTaskFailed      EventKind = "task_failed"
	KindWorkerUnhealthy EventKind = "worker_unhealthy"
	KindWorkerHeartbeat EventKind = "worker_heartbeat"
	KindBreakerTripped  EventKind = "breaker_tripped"
	KindBudgetAlert     EventKind = "budget_alert"
	KindEmergencyStop   EventKind = "emergency_stop"
	KindNotify          EventKind = "notify"
)

// ParseKind returns the kind and whether it is one of the known kinds.
func ParseKind(raw string) (EventKind, bool) {
	kind := EventKind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case KindTaskStarted, KindTaskProgress, KindToolResult, KindRoundCost,
		KindTaskDone, KindTaskFailed, KindWorkerUnhealthy, KindWorkerHeartbeat,
		KindBreakerTripped, KindBudgetAlert, KindEmergencyStop, KindNotify:
		return kind, true
	default:
		return kind, false
	}
}

// Terminal reports whether the kind describes a terminal task outcome.
func (k EventKind) Terminal() bool {
	return k == KindTaskDone || k == KindTaskFailed
}

const (
	StreamTasks   = "tasks"   // lifecycle + cost + tool results
	StreamSignals = "signals" // control commands, breaker, budget, estop
	StreamHealth  = "health"  // heartbeats, worker crash reports
	StreamNotify  = "notify"  // outward notifications for the chat transport
)

// StreamFor maps an event kind onto the stream it is appended to.
func StreamFor(kind EventKind) string {
	switch kind {
	case KindWorkerHeartbeat, KindWorkerUnhealthy:
		return StreamHealth
	case KindBreakerTripped, KindBudgetAlert, KindEmergencyStop:
		return StreamSignals
	case KindNotify:
		return StreamNotify
	default:
		return StreamTasks
	}
}

// DispatchStreams are the streams the dispatcher's control loop consumes.
// Notify is excluded: it is output, produced by the dispatcher itself.
var DispatchStreams = []string{StreamTasks, StreamSignals, StreamHealth}
