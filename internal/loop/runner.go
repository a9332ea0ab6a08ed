package loop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/assmoddevv/ouroboros/internal/ai"
	"github.com/assmoddevv/ouroboros/internal/promptctx"
	"github.com/assmoddevv/ouroboros/internal/toolkit"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Status is how a reasoning run ended.
type Status string

const (
	StatusDone           Status = "done"            // model produced a final answer
	StatusFailed         Status = "failed"          // unrecoverable model error
	StatusCancelled      Status = "cancelled"       // gate said stop
	StatusDrained        Status = "drained"         // gate said hand the task back
	StatusBudgetExceeded Status = "budget_exceeded" // global spend cap hit
	StatusRoundLimit     Status = "round_limit"     // ran out of rounds
)

// Outcome is the terminal result of a run.
type Outcome struct {
	Status   Status
	Result   string
	Reason   string
	Rounds   int
	SpentUSD float64
}

// Signal is what the gate reports at each round boundary. Budget means the
// spend cap or its pause threshold was crossed: the loop stops with a
// budget_exceeded outcome instead of waiting for headroom that cannot appear
// while spend is frozen.
type Signal struct {
	Cancel bool
	Paused bool
	Drain  bool
	Budget bool
	Reason string
}

// Gate lets the orchestrator steer a running loop. It is consulted between
// rounds only; a round in flight always finishes.
type Gate interface {
	Check(ctx context.Context) (Signal, error)
}

// Charger meters model spend. Charge reports cost that already happened and
// is never refused; Exhausted gates the next round.
type Charger interface {
	Charge(ctx context.Context, taskID string, amountUSD float64) error
	Exhausted(ctx context.Context) (bool, error)
}

// Reporter receives progress as the loop runs. Implementations must not
// block; failures to report never fail the run.
type Reporter interface {
	RoundDone(ctx context.Context, round int, responseText string, usage ai.Usage)
	RoundFailed(ctx context.Context, round int, reason string)
	ToolDone(ctx context.Context, round int, name string, failed bool)
}

// Config bounds a run.
type Config struct {
	MaxRounds       int
	ToolConcurrency int
	ToolResultCap   int
	RoundTimeout    time.Duration
	RetryAttempts   int
	EscalateAfter   int
}

func (c Config) withDefaults() Config {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 200
	}
	if c.ToolConcurrency <= 0 {
		c.ToolConcurrency = 4
	}
	if c.ToolResultCap <= 0 {
		c.ToolResultCap = 16000
	}
	if c.RoundTimeout <= 0 {
		c.RoundTimeout = 5 * time.Minute
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.EscalateAfter <= 0 {
		c.EscalateAfter = 2
	}
	return c
}

// Runner drives the bounded reasoning loop for one task: assemble context,
// call the model, dispatch the tools it asked for, repeat. A round with no
// tool calls is the final answer.
type Runner struct {
	Task      promptctx.TaskInfo
	Model     ai.Service
	Backup    ai.Service
	Tools     *toolkit.Registry
	Assembler *promptctx.Assembler
	Gate      Gate
	Charger   Charger
	Reporter  Reporter
	Log       *zap.Logger
	Config    Config
}

func (r *Runner) Run(ctx context.Context) (Outcome, error) {
	if r.Model == nil {
		return Outcome{}, fmt.Errorf("runner has no model")
	}
	if r.Assembler == nil {
		return Outcome{}, fmt.Errorf("runner has no assembler")
	}
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}
	cfg := r.Config.withDefaults()

	var rounds []promptctx.Round
	var spent float64
	emptyRounds := 0

	for round := 1; round <= cfg.MaxRounds; round++ {
		outcome, stop, err := r.checkGate(ctx, round, spent)
		if err != nil {
			return Outcome{}, err
		}
		if stop {
			return outcome, nil
		}

		if r.Charger != nil {
			exhausted, err := r.Charger.Exhausted(ctx)
			if err != nil {
				return Outcome{}, fmt.Errorf("budget check: %w", err)
			}
			if exhausted {
				return Outcome{Status: StatusBudgetExceeded, Reason: "spend cap reached", Rounds: round - 1, SpentUSD: spent}, nil
			}
		}

		prompt, err := r.Assembler.Assemble(ctx, r.Task, rounds)
		if err != nil {
			return Outcome{}, fmt.Errorf("assemble round %d: %w", round, err)
		}
		req := ai.Request{System: prompt.System}
		for _, turn := range prompt.Transcript {
			req.Transcript = append(req.Transcript, ai.Turn{Role: turn.Role, Text: turn.Text})
		}
		if r.Tools != nil {
			req.Tools = r.Tools.Schemas()
		}

		resp, err := r.complete(ctx, cfg, req, emptyRounds >= cfg.EscalateAfter)
		if err != nil {
			log.Warn("model round failed for good", zap.Int("round", round), zap.Error(err))
			if r.Reporter != nil {
				r.Reporter.RoundFailed(ctx, round, err.Error())
			}
			return Outcome{Status: StatusFailed, Reason: err.Error(), Rounds: round, SpentUSD: spent}, nil
		}

		if r.Charger != nil && resp.Usage.CostUSD > 0 {
			if err := r.Charger.Charge(ctx, r.Task.ID, resp.Usage.CostUSD); err != nil {
				log.Warn("charge failed", zap.Error(err))
			}
		}
		spent += resp.Usage.CostUSD

		// A round with neither text nor tool calls is a failure, not an
		// answer. The streak escalates to the backup model and, if it
		// persists there too, fails the task.
		if len(resp.ToolCalls) == 0 && strings.TrimSpace(resp.Text) == "" {
			emptyRounds++
			log.Warn("model returned an empty round",
				zap.Int("round", round),
				zap.Int("consecutive", emptyRounds))
			if r.Reporter != nil {
				r.Reporter.RoundFailed(ctx, round, "empty response")
			}
			if emptyRounds >= 2*cfg.EscalateAfter {
				return Outcome{
					Status:   StatusFailed,
					Reason:   fmt.Sprintf("%d consecutive empty responses", emptyRounds),
					Rounds:   round,
					SpentUSD: spent,
				}, nil
			}
			rounds = append(rounds, promptctx.Round{Index: round})
			continue
		}
		emptyRounds = 0

		if r.Reporter != nil {
			r.Reporter.RoundDone(ctx, round, resp.Text, resp.Usage)
		}
		if len(resp.ToolCalls) == 0 {
			return Outcome{Status: StatusDone, Result: resp.Text, Rounds: round, SpentUSD: spent}, nil
		}

		records := r.dispatchTools(ctx, cfg, round, resp.ToolCalls)
		rounds = append(rounds, promptctx.Round{
			Index:     round,
			Response:  resp.Text,
			ToolCalls: records,
		})
	}

	return Outcome{
		Status:   StatusRoundLimit,
		Reason:   fmt.Sprintf("no outcome after %d rounds", cfg.MaxRounds),
		Rounds:   cfg.MaxRounds,
		SpentUSD: spent,
	}, nil
}

// checkGate consults the gate, blocking while paused. stop is true when the
// returned outcome ends the run.
func (r *Runner) checkGate(ctx context.Context, round int, spent float64) (Outcome, bool, error) {
	if r.Gate == nil {
		return Outcome{}, false, nil
	}
	for {
		select {
		case <-ctx.Done():
			return Outcome{Status: StatusCancelled, Reason: ctx.Err().Error(), Rounds: round - 1, SpentUSD: spent}, true, nil
		default:
		}
		sig, err := r.Gate.Check(ctx)
		if err != nil {
			return Outcome{}, false, fmt.Errorf("gate check: %w", err)
		}
		switch {
		case sig.Cancel:
			return Outcome{Status: StatusCancelled, Reason: sig.Reason, Rounds: round - 1, SpentUSD: spent}, true, nil
		case sig.Budget:
			return Outcome{Status: StatusBudgetExceeded, Reason: sig.Reason, Rounds: round - 1, SpentUSD: spent}, true, nil
		case sig.Drain:
			return Outcome{Status: StatusDrained, Reason: sig.Reason, Rounds: round - 1, SpentUSD: spent}, true, nil
		case sig.Paused:
			select {
			case <-ctx.Done():
				return Outcome{Status: StatusCancelled, Reason: ctx.Err().Error(), Rounds: round - 1, SpentUSD: spent}, true, nil
			case <-time.After(2 * time.Second):
			}
		default:
			return Outcome{}, false, nil
		}
	}
}

// complete runs one model round with retry on transient errors, switching to
// the backup model after EscalateAfter failed attempts. escalate starts the
// round on the backup outright, for callers already past an empty-round
// streak on the primary.
func (r *Runner) complete(ctx context.Context, cfg Config, req ai.Request, escalate bool) (ai.Response, error) {
	roundCtx, cancel := context.WithTimeout(ctx, cfg.RoundTimeout)
	defer cancel()

	var resp ai.Response
	attempt := 0
	op := func() error {
		attempt++
		svc := r.Model
		if r.Backup != nil && (escalate || attempt > cfg.EscalateAfter) {
			svc = r.Backup
		}
		var err error
		resp, err = svc.Complete(roundCtx, req)
		if err == nil {
			return nil
		}
		if !ai.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(cfg.RetryAttempts)),
		roundCtx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return ai.Response{}, err
	}
	return resp, nil
}

// dispatchTools runs the round's tool calls with bounded concurrency.
// Results keep call order regardless of completion order, and a failing tool
// becomes an error record the model sees next round.
func (r *Runner) dispatchTools(ctx context.Context, cfg Config, round int, calls []ai.ToolCall) []promptctx.ToolCallRecord {
	records := make([]promptctx.ToolCallRecord, len(calls))

	g, toolCtx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.ToolConcurrency)
	for i, call := range calls {
		g.Go(func() error {
			record := promptctx.ToolCallRecord{
				Name:      call.Name,
				Arguments: string(call.Arguments),
			}
			if r.Tools == nil {
				record.Failed = true
				record.Result = "no tools available"
			} else {
				result, err := r.Tools.Dispatch(toolCtx, call.Name, call.Arguments)
				if err != nil {
					record.Failed = true
					record.Result = err.Error()
				} else {
					record.Result = result
				}
			}
			record.Result = promptctx.TruncateResult(record.Result, cfg.ToolResultCap)
			records[i] = record
			if r.Reporter != nil {
				r.Reporter.ToolDone(ctx, round, call.Name, record.Failed)
			}
			return nil
		})
	}
	_ = g.Wait()
	return records
}
