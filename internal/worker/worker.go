package worker

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/assmoddevv/ouroboros/internal/ai"
	"github.com/assmoddevv/ouroboros/internal/config"
	"github.com/assmoddevv/ouroboros/internal/loop"
	"github.com/assmoddevv/ouroboros/internal/promptctx"
	"github.com/assmoddevv/ouroboros/internal/queue"
	"github.com/assmoddevv/ouroboros/internal/schema"
	"github.com/assmoddevv/ouroboros/internal/toolkit"
	"github.com/assmoddevv/ouroboros/internal/vcs"
)

const preamble = `You are Ouroboros, an autonomous agent running as a worker process.
You receive one task at a time and work on it in rounds. Each round you may
call tools; a reply with no tool calls is your final answer and ends the task.

Decompose large work with schedule_task and collect results with
wait_for_task; children run while you stay alive. Use notify_owner for
anything the operator must see. Be direct: the final answer should state what
was done and what, if anything, remains.`

// Options configures one worker run.
type Options struct {
	TaskID     string
	Generation int
	APIURL     string
	Config     config.Config
	Log        *zap.Logger
	HTTP       *http.Client

	// Model overrides for tests. When nil, clients are built from Config.
	Model  ai.Service
	Backup ai.Service
}

// Run executes a single task to completion and reports the outcome back to
// the orchestrator. The process is expected to exit afterwards; every spawn
// gets fresh code.
func Run(ctx context.Context, opts Options) error {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	client := &Client{
		APIURL:     opts.APIURL,
		TaskID:     opts.TaskID,
		Generation: opts.Generation,
		HTTP:       opts.HTTP,
		Log:        log,
	}

	task, err := client.FetchTask(ctx)
	if err != nil {
		return err
	}
	if task.Status != queue.StatusRunning {
		return fmt.Errorf("task %s is %s, refusing to run", task.ID, task.Status)
	}

	model, backup, err := buildModels(opts)
	if err != nil {
		reportFailure(ctx, client, "error", err.Error())
		return err
	}

	assembler := &promptctx.Assembler{
		Preamble:   preamble,
		KeepRounds: opts.Config.KeepRounds,
		Budget:     opts.Config.PromptBudget,
		Compactor:  &modelCompactor{model: model},
	}

	registry := toolkit.NewRegistry()
	if err := toolkit.RegisterTaskTools(registry, client, task.ID); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	if opts.Config.RepoDir != "" {
		repo, err := vcs.Open(vcs.Config{
			Dir:    opts.Config.RepoDir,
			Branch: opts.Config.GitBranch,
			Remote: opts.Config.GitRemote,
			Name:   opts.Config.GitName,
			Email:  opts.Config.GitEmail,
			User:   opts.Config.GitUser,
			Token:  opts.Config.GitToken,
		})
		if err != nil {
			log.Warn("source tools disabled", zap.Error(err))
		} else if err := toolkit.RegisterGitTools(registry, repo); err != nil {
			return fmt.Errorf("register git tools: %w", err)
		}
	}

	runner := &loop.Runner{
		Task: promptctx.TaskInfo{
			ID:          task.ID,
			Kind:        task.Kind,
			Instruction: task.Instruction,
			Attempt:     task.Attempts,
		},
		Model:     model,
		Backup:    backup,
		Tools:     registry,
		Assembler: assembler,
		Gate:      client,
		Charger:   client,
		Reporter:  client,
		Log:       log,
		Config: loop.Config{
			MaxRounds:       opts.Config.MaxRounds,
			ToolConcurrency: opts.Config.ToolConcurrency,
			ToolResultCap:   opts.Config.ToolResultCap,
			RoundTimeout:    opts.Config.RoundTimeout,
			RetryAttempts:   opts.Config.RetryAttempts,
			EscalateAfter:   opts.Config.EscalateAfter,
		},
	}

	outcome, err := runner.Run(ctx)
	if err != nil {
		reportFailure(ctx, client, "error", err.Error())
		return err
	}
	report(ctx, client, outcome)
	log.Info("run finished",
		zap.String("task_id", task.ID),
		zap.String("status", string(outcome.Status)),
		zap.Int("rounds", outcome.Rounds),
		zap.Float64("spent_usd", outcome.SpentUSD))
	return nil
}

func buildModels(opts Options) (ai.Service, ai.Service, error) {
	if opts.Model != nil {
		return opts.Model, opts.Backup, nil
	}
	cfg := opts.Config
	model, err := ai.NewClient(ai.Config{
		Provider:        cfg.LLMProvider,
		Model:           cfg.LLMModel,
		APIKey:          cfg.LLMAPIKey,
		PriceInPerMTok:  cfg.PriceInPerMTok,
		PriceOutPerMTok: cfg.PriceOutPerMTok,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("primary model: %w", err)
	}
	if cfg.LLMBackupModel == "" {
		return model, nil, nil
	}
	backup, err := ai.NewClient(ai.Config{
		Provider:        cfg.LLMProvider,
		Model:           cfg.LLMBackupModel,
		APIKey:          cfg.LLMAPIKey,
		PriceInPerMTok:  cfg.PriceInPerMTok,
		PriceOutPerMTok: cfg.PriceOutPerMTok,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("backup model: %w", err)
	}
	return model, backup, nil
}

// report translates the loop outcome into the terminal event the dispatcher
// settles the task on.
func report(ctx context.Context, client *Client, outcome loop.Outcome) {
	switch outcome.Status {
	case loop.StatusDone:
		body := strings.TrimSpace(outcome.Result)
		if body == "" {
			body = "task complete"
		}
		err := client.PushEvent(ctx, schema.KindTaskDone, body, map[string]any{
			"result":           outcome.Result,
			schema.MetaRound:   outcome.Rounds,
			schema.MetaCostUSD: outcome.SpentUSD,
		})
		if err != nil {
			client.log().Error("completion event failed", zap.Error(err))
		}
	case loop.StatusCancelled:
		reportFailure(ctx, client, "cancelled", reasonOr(outcome.Reason, "cancelled"))
	case loop.StatusDrained:
		reportFailure(ctx, client, "drained", reasonOr(outcome.Reason, "drained"))
	case loop.StatusBudgetExceeded:
		reportFailure(ctx, client, "budget", reasonOr(outcome.Reason, "spend cap reached"))
	case loop.StatusRoundLimit:
		reportFailure(ctx, client, "round_limit", reasonOr(outcome.Reason, "round limit reached"))
	default:
		reportFailure(ctx, client, "error", reasonOr(outcome.Reason, "task failed"))
	}
}

func reportFailure(ctx context.Context, client *Client, reason, detail string) {
	err := client.PushEvent(ctx, schema.KindTaskFailed, detail, map[string]any{
		schema.MetaReason: reason,
	})
	if err != nil {
		client.log().Error("failure event failed", zap.String("reason", reason), zap.Error(err))
	}
}

func reasonOr(reason, fallback string) string {
	if strings.TrimSpace(reason) == "" {
		return fallback
	}
	return reason
}

// modelCompactor summarizes old transcript rounds with the same model that
// runs the task. The assembler falls back to its deterministic digest when
// this fails.
type modelCompactor struct {
	model ai.Service
}

func (m *modelCompactor) Summarize(ctx context.Context, input string) (string, error) {
	resp, err := m.model.Complete(ctx, ai.Request{
		System: "Summarize this agent transcript in a few sentences. Keep task IDs, tool outcomes and open threads. No preamble.",
		Transcript: []ai.Turn{
			{Role: "user", Text: input},
		},
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", fmt.Errorf("empty summary")
	}
	return resp.Text, nil
}
