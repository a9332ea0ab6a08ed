package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	llmtools "github.com/flitsinc/go-llms/tools"
)

// Handler executes one tool call. The returned value is JSON-encoded into
// the result the model sees.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool pairs an advertised schema with its handler.
type Tool struct {
	Schema  llmtools.FunctionSchema
	Handler Handler
}

// Registry is the set of tools the reasoning loop can dispatch. Lookup is by
// schema name.
type Registry struct {
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

func (r *Registry) Register(tool Tool) error {
	name := tool.Schema.Name
	if name == "" {
		return fmt.Errorf("tool schema has no name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s has no handler", name)
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Schemas returns the advertised schemas in a stable order.
func (r *Registry) Schemas() []llmtools.FunctionSchema {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]llmtools.FunctionSchema, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name].Schema)
	}
	return out
}

// Dispatch runs one tool call and renders its result as JSON text. A call to
// an unknown tool is an error result, not a crash: the model sees it and can
// correct itself.
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage) (string, error) {
	tool, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	value, err := tool.Handler(ctx, args)
	if err != nil {
		return "", err
	}
	if value == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode result of %s: %w", name, err)
	}
	return string(encoded), nil
}
