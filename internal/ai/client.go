package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flitsinc/go-llms/anthropic"
	"github.com/flitsinc/go-llms/content"
	"github.com/flitsinc/go-llms/google"
	"github.com/flitsinc/go-llms/llms"
	"github.com/flitsinc/go-llms/openai"
	llmtools "github.com/flitsinc/go-llms/tools"
)

// Config selects and authenticates a model provider.
type Config struct {
	Provider string
	Model    string
	APIKey   string

	// Pricing in USD per million tokens, used to derive per-round cost.
	PriceInPerMTok  float64
	PriceOutPerMTok float64
}

// Client implements Service on top of a go-llms provider.
type Client struct {
	provider llms.Provider
	config   Config
}

func NewClient(cfg Config) (*Client, error) {
	provider, err := newProvider(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{provider: provider, config: cfg}, nil
}

// NewClientWithProvider wires an existing provider, for tests.
func NewClientWithProvider(provider llms.Provider, cfg Config) *Client {
	return &Client{provider: provider, config: cfg}
}

func newProvider(cfg Config) (llms.Provider, error) {
	if cfg.Provider == "" {
		return nil, fmt.Errorf("llm provider is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm model is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm api key is required")
	}

	switch cfg.Provider {
	case "openai-responses":
		return openai.NewResponsesAPI(cfg.APIKey, cfg.Model), nil
	case "openai-chat":
		return openai.NewChatCompletionsAPI(cfg.APIKey, cfg.Model), nil
	case "anthropic":
		model := anthropic.New(cfg.APIKey, cfg.Model)
		model.WithMaxTokens(62976)
		model.WithThinking(1024)
		return model, nil
	case "google":
		return google.New(cfg.Model).WithGeminiAPI(cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// Complete runs one round against the provider. Tool calls come back
// unexecuted so the caller controls dispatch.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if c == nil || c.provider == nil {
		return Response{}, fmt.Errorf("client has no provider")
	}

	messages := make([]llms.Message, 0, len(req.Transcript))
	for _, turn := range req.Transcript {
		msg := llms.Message{Role: "user", Content: content.FromText(turn.Text)}
		if turn.Role == "assistant" {
			msg.Role = "assistant"
		}
		messages = append(messages, msg)
	}
	if len(messages) == 0 {
		messages = append(messages, llms.Message{Role: "user", Content: content.FromText("Begin.")})
	}

	var toolbox *llmtools.Toolbox
	if len(req.Tools) > 0 {
		declared := make([]llmtools.Tool, 0, len(req.Tools))
		for i := range req.Tools {
			schema := req.Tools[i]
			declared = append(declared, llmtools.External(schema.Description, &schema,
				func(r llmtools.Runner, params json.RawMessage) llmtools.Result {
					return llmtools.Errorf("tool %s is dispatched by the caller", schema.Name)
				}))
		}
		toolbox = llmtools.Box(declared...)
	}

	stream := c.provider.Generate(ctx, content.FromText(req.System), messages, toolbox, nil)

	var resp Response
	var text strings.Builder
	for status := range stream.Iter() {
		switch status {
		case llms.StreamStatusText:
			text.WriteString(stream.Text())
		case llms.StreamStatusToolCallReady:
			call := stream.ToolCall()
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: call.Arguments,
			})
		}
	}
	if err := stream.Err(); err != nil {
		return Response{}, fmt.Errorf("model round: %w", err)
	}

	usage := stream.Usage()
	resp.Text = text.String()
	resp.Usage = Usage{
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	}
	resp.Usage.CostUSD = float64(resp.Usage.InputTokens)*c.config.PriceInPerMTok/1e6 +
		float64(resp.Usage.OutputTokens)*c.config.PriceOutPerMTok/1e6
	return resp, nil
}
