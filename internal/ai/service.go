package ai

import (
	"context"
	"encoding/json"
	"strings"

	llmtools "github.com/flitsinc/go-llms/tools"
)

// Service is the model boundary the reasoning loop talks to. One Complete
// call is one round: it sends the assembled context and returns whatever the
// model produced, text and tool calls both unexecuted.
type Service interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Turn is one prior message in the transcript.
type Turn struct {
	Role string
	Text string
}

// Request is the input for one round.
type Request struct {
	System     string
	Transcript []Turn
	Tools      []llmtools.FunctionSchema
}

// ToolCall is a tool invocation the model requested. The loop executes it;
// the service never does.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Usage is the token spend of one round, with the derived dollar cost.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Response is the model output for one round.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// IsTransient reports whether a model error is worth retrying: rate limits,
// upstream flaps and timeouts. Auth and validation errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit", "429", "overloaded", "529",
		"500", "502", "503", "504",
		"timeout", "deadline exceeded", "connection reset", "connection refused",
		"temporarily unavailable", "eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
