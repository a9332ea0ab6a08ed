package schema

// Task kinds. User-submitted work always enters the queue; self-initiated
// kinds are refused at intake while the breaker is paused or spend has
// crossed the budget threshold.
const (
	TaskKindUser    = "user"
	TaskKindSelf    = "self"
	TaskKindSubtask = "subtask"
	TaskKindEvolve  = "evolve"
)

// SelfInitiated reports whether a task kind originates from the system
// itself rather than an operator.
func SelfInitiated(kind string) bool {
	return kind == TaskKindSelf || kind == TaskKindEvolve
}
