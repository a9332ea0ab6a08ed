package schema

import "strings"

// Priority is a validated task priority tier. Lower rank dispatches first;
// tasks inside a tier dispatch in creation order.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// ParsePriority validates a raw string. Defaults to PriorityNormal.
func ParsePriority(raw string) Priority {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "normal":
		return PriorityNormal
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Rank returns the numeric tier (lower = dispatched first).
// critical=0, high=1, normal=2, low=3.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// FromRank converts a stored tier back to its Priority.
func FromRank(rank int) Priority {
	switch rank {
	case 0:
		return PriorityCritical
	case 1:
		return PriorityHigh
	case 3:
		return PriorityLow
	default:
		return PriorityNormal
	}
}
