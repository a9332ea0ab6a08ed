package promptctx

import (
	"fmt"
	"strings"
)

// ToolCallRecord is one tool invocation and its (already truncated) result.
type ToolCallRecord struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
	Result    string `json:"result"`
	Failed    bool   `json:"failed,omitempty"`
}

// Round is one completed reasoning turn: what the model said, which tools it
// called, and what they returned.
type Round struct {
	Index     int              `json:"index"`
	Response  string           `json:"response,omitempty"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
}

// Turn is one message in the rendered transcript.
type Turn struct {
	Role string // "assistant" or "user"
	Text string
}

// renderVerbatim expands a round into transcript turns. The assistant turn
// carries the model output plus the tool calls it made; the user turn
// carries the results.
func (r Round) renderVerbatim() []Turn {
	var assistant strings.Builder
	if r.Response != "" {
		assistant.WriteString(r.Response)
	}
	for _, call := range r.ToolCalls {
		if assistant.Len() > 0 {
			assistant.WriteString("\n")
		}
		fmt.Fprintf(&assistant, "[tool call] %s(%s)", call.Name, call.Arguments)
	}

	turns := []Turn{{Role: "assistant", Text: assistant.String()}}
	if len(r.ToolCalls) > 0 {
		var results strings.Builder
		for i, call := range r.ToolCalls {
			if i > 0 {
				results.WriteString("\n")
			}
			status := "ok"
			if call.Failed {
				status = "error"
			}
			fmt.Fprintf(&results, "[tool result %s] %s: %s", status, call.Name, call.Result)
		}
		turns = append(turns, Turn{Role: "user", Text: results.String()})
	}
	return turns
}

// digestLine reduces a round to a single line for the compacted history.
func (r Round) digestLine() string {
	var parts []string
	if r.Response != "" {
		parts = append(parts, headline(r.Response))
	}
	for _, call := range r.ToolCalls {
		status := "ok"
		if call.Failed {
			status = "error"
		}
		parts = append(parts, fmt.Sprintf("%s(%s)", call.Name, status))
	}
	if len(parts) == 0 {
		parts = append(parts, "(empty round)")
	}
	return fmt.Sprintf("round %d: %s", r.Index, strings.Join(parts, "; "))
}

func headline(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 160
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
