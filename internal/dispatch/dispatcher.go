package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/assmoddevv/ouroboros/internal/breaker"
	"github.com/assmoddevv/ouroboros/internal/budget"
	"github.com/assmoddevv/ouroboros/internal/eventbus"
	"github.com/assmoddevv/ouroboros/internal/loop"
	"github.com/assmoddevv/ouroboros/internal/queue"
	"github.com/assmoddevv/ouroboros/internal/schema"
	"github.com/assmoddevv/ouroboros/internal/supervisor"
	"go.uber.org/zap"
)

const reader = "dispatcher"

// Config bounds the dispatcher's scheduling decisions.
type Config struct {
	MaxWorkers   int
	Tick         time.Duration
	EvolveEvery  time.Duration // 0 disables idle self-improvement tasks
	TaskDeadline time.Duration // default deadline stamped on evolve tasks
	RecoverRetry int           // requeue attempts for orphaned running tasks on startup
}

// Dispatcher is the single place where queue, ledger, breaker and worker
// state change in response to events. Everything funnels through its one
// goroutine: bus events, the scheduler tick, and startup recovery. Workers
// and API handlers only append events or read.
type Dispatcher struct {
	queue    *queue.Queue
	bus      *eventbus.Bus
	ledger   *budget.Ledger
	breaker  *breaker.Breaker
	workers  *supervisor.Supervisor
	log      *zap.Logger
	cfg      Config
	handlers map[schema.EventKind]func(ctx context.Context, event eventbus.Event) error

	exits      chan supervisor.Exit
	lastEvolve time.Time
	evolveOff  atomic.Bool
}

func New(q *queue.Queue, bus *eventbus.Bus, ledger *budget.Ledger, brk *breaker.Breaker, workers *supervisor.Supervisor, cfg Config, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 5
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.RecoverRetry <= 0 {
		cfg.RecoverRetry = 3
	}
	d := &Dispatcher{
		queue:      q,
		bus:        bus,
		ledger:     ledger,
		breaker:    brk,
		workers:    workers,
		log:        log,
		cfg:        cfg,
		exits:      make(chan supervisor.Exit, 64),
		lastEvolve: time.Now(),
	}
	d.handlers = map[schema.EventKind]func(context.Context, eventbus.Event) error{
		schema.KindTaskProgress:    d.handleTaskProgress,
		schema.KindRoundCost:       d.handleRoundCost,
		schema.KindTaskDone:        d.handleTaskDone,
		schema.KindTaskFailed:      d.handleTaskFailed,
		schema.KindWorkerUnhealthy: d.handleWorkerUnhealthy,
		schema.KindBreakerTripped:  d.handleBreakerTripped,
		schema.KindBudgetAlert:     d.handleBudgetAlert,
		schema.KindEmergencyStop:   d.handleEmergencyStop,
	}
	workers.OnExit(func(exit supervisor.Exit) {
		select {
		case d.exits <- exit:
		default:
			log.Warn("exit channel full, dropping", zap.String("task_id", exit.TaskID))
		}
	})
	return d
}

// Run is the dispatch loop. It recovers interrupted state first, then
// serializes bus events, worker exits and the scheduler tick until the
// context ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	events := d.bus.Subscribe(ctx, schema.DispatchStreams)
	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			d.handle(ctx, event)
		case exit := <-d.exits:
			d.handleExit(ctx, exit)
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// recover replays events nobody dispatched yet, then requeues tasks left
// running by a previous process. Replay comes first: a task whose completion
// was persisted but never handled should settle, not run again.
func (d *Dispatcher) recover(ctx context.Context) error {
	for _, stream := range schema.DispatchStreams {
		summaries, err := d.bus.List(ctx, stream, eventbus.ListOptions{
			Reader: reader,
			Unread: true,
			Order:  "fifo",
			Limit:  1000,
		})
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(summaries))
		for _, summary := range summaries {
			ids = append(ids, summary.ID)
		}
		events, err := d.bus.Read(ctx, stream, ids, reader)
		if err != nil {
			return err
		}
		for _, event := range events {
			d.handle(ctx, event)
		}
	}

	requeued, failed, err := d.queue.Recover(ctx, d.cfg.RecoverRetry)
	if err != nil {
		return err
	}
	if len(requeued) > 0 || len(failed) > 0 {
		d.log.Info("recovered interrupted tasks",
			zap.Strings("requeued", requeued),
			zap.Strings("failed", failed))
	}
	return nil
}

// handle routes one event. Unknown kinds are logged and acknowledged so they
// never wedge the loop.
func (d *Dispatcher) handle(ctx context.Context, event eventbus.Event) {
	if handler, ok := d.handlers[event.Kind]; ok {
		if err := handler(ctx, event); err != nil {
			d.log.Error("event handler failed",
				zap.String("kind", string(event.Kind)),
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	}
	if err := d.bus.Ack(ctx, event.Stream, []string{event.ID}, reader); err != nil {
		d.log.Warn("ack failed", zap.String("event_id", event.ID), zap.Error(err))
	}
}

// handleTaskProgress feeds round failures into the breaker. Ordinary
// progress events are audit-only.
func (d *Dispatcher) handleTaskProgress(ctx context.Context, event eventbus.Event) error {
	if schema.GetMetaString(event.Metadata, schema.MetaReason) != "round_failure" {
		return nil
	}
	task, err := d.queue.Get(ctx, event.TaskID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return nil
		}
		return err
	}
	if !schema.SelfInitiated(task.Kind) {
		return nil
	}
	d.noteBreakerFailure(ctx, fmt.Sprintf("task %s: %s", event.TaskID, event.Body))
	return nil
}

// handleRoundCost applies a worker's reported spend to the ledger. Workers
// only append the event; the ledger moves here, on the dispatch goroutine.
func (d *Dispatcher) handleRoundCost(ctx context.Context, event eventbus.Event) error {
	amount := schema.GetMetaFloat(event.Metadata, schema.MetaCostUSD)
	if amount <= 0 {
		return nil
	}
	total, err := d.ledger.Charge(ctx, event.TaskID, amount)
	if err != nil {
		return err
	}
	d.maybeBudgetAlert(ctx, total, amount)
	return nil
}

// maybeBudgetAlert raises a budget alert the first time total spend crosses
// the pause threshold.
func (d *Dispatcher) maybeBudgetAlert(ctx context.Context, total, lastCharge float64) {
	capUSD := d.ledger.CapUSD()
	if capUSD <= 0 {
		return
	}
	snap, err := d.ledger.Snapshot(ctx)
	if err != nil {
		return
	}
	threshold := capUSD * snap.PausePct / 100
	if total < threshold || total-lastCharge >= threshold {
		return
	}
	d.pushEvent(ctx, eventbus.EventInput{
		Kind: schema.KindBudgetAlert,
		Body: fmt.Sprintf("spend passed %.0f%% of the budget cap", snap.PausePct),
	})
}

func (d *Dispatcher) handleTaskDone(ctx context.Context, event eventbus.Event) error {
	taskID := event.TaskID
	result := schema.GetMetaString(event.Metadata, "result")
	if result == "" {
		result = event.Body
	}

	task, err := d.queue.Succeed(ctx, taskID, result)
	if err != nil {
		var transitionErr *queue.StatusTransitionError
		if errors.As(err, &transitionErr) {
			d.log.Debug("stale completion ignored", zap.String("task_id", taskID), zap.Error(err))
			return nil
		}
		return err
	}
	if err := d.breaker.Success(ctx); err != nil {
		d.log.Warn("breaker reset failed", zap.Error(err))
	}
	d.workers.Release(taskID)
	return d.afterSettle(ctx, task)
}

func (d *Dispatcher) handleTaskFailed(ctx context.Context, event eventbus.Event) error {
	taskID := event.TaskID
	reason := schema.GetMetaString(event.Metadata, schema.MetaReason)
	detail := event.Body

	d.workers.Release(taskID)

	var task queue.Task
	var err error
	switch reason {
	case "drained":
		// The worker handed the task back; it goes out again untouched.
		if _, err := d.queue.Requeue(ctx, taskID); err != nil {
			var transitionErr *queue.StatusTransitionError
			if !errors.As(err, &transitionErr) {
				return err
			}
		}
		return nil
	case "cancelled":
		_, err := d.queue.Cancel(ctx, taskID, detail)
		var transitionErr *queue.StatusTransitionError
		if err != nil && !errors.As(err, &transitionErr) {
			return err
		}
		task, err = d.queue.Get(ctx, taskID)
		if err != nil {
			return err
		}
		return d.afterSettle(ctx, task)
	case "round_limit":
		task, err = d.queue.ExceedRoundLimit(ctx, taskID, detail)
	case "budget":
		task, err = d.queue.ExhaustBudget(ctx, taskID, detail)
	default:
		task, err = d.queue.Fail(ctx, taskID, detail)
		// User tasks fail on their own terms without touching the breaker.
		if err == nil && schema.SelfInitiated(task.Kind) {
			d.noteBreakerFailure(ctx, fmt.Sprintf("task %s: %s", taskID, detail))
		}
	}
	if err != nil {
		var transitionErr *queue.StatusTransitionError
		if errors.As(err, &transitionErr) {
			d.log.Debug("stale failure ignored", zap.String("task_id", taskID), zap.Error(err))
			return nil
		}
		return err
	}
	return d.afterSettle(ctx, task)
}

// noteBreakerFailure records one self-initiated failure and announces the
// trip once the threshold is crossed.
func (d *Dispatcher) noteBreakerFailure(ctx context.Context, detail string) {
	tripped, err := d.breaker.Failure(ctx, detail)
	if err != nil {
		d.log.Warn("breaker update failed", zap.Error(err))
		return
	}
	if tripped {
		d.pushEvent(ctx, eventbus.EventInput{
			Kind: schema.KindBreakerTripped,
			Body: "intake paused after repeated failures, last: " + detail,
		})
	}
}

// afterSettle runs the bookkeeping every settled task needs: one owner
// notification, plus finalizing a parked parent if this was its last live
// child.
func (d *Dispatcher) afterSettle(ctx context.Context, task queue.Task) error {
	if task.Status.Terminal() {
		d.notify(ctx, task)
	}
	if task.ParentID == "" {
		return nil
	}
	parent, done, err := d.queue.FinalizeParent(ctx, task.ParentID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return nil
		}
		return err
	}
	if done {
		d.workers.Release(parent.ID)
		return d.afterSettle(ctx, parent)
	}
	return nil
}

func (d *Dispatcher) notify(ctx context.Context, task queue.Task) {
	body := task.Result
	if body == "" {
		body = task.Error
	}
	if body == "" {
		body = string(task.Status)
	}
	d.pushEvent(ctx, eventbus.EventInput{
		Kind:    schema.KindNotify,
		TaskID:  task.ID,
		Subject: fmt.Sprintf("task %s %s", task.ID, task.Status),
		Body:    body,
		Metadata: map[string]any{
			schema.MetaTaskKind: task.Kind,
		},
	})
}

func (d *Dispatcher) handleWorkerUnhealthy(ctx context.Context, event eventbus.Event) error {
	return d.respawnOrFail(ctx, event.TaskID, event.Body)
}

// handleExit reacts to worker processes dying on their own. An exit that
// arrives while the task's terminal event sits unhandled in the stream is a
// clean finish racing the bus, not a crash.
func (d *Dispatcher) handleExit(ctx context.Context, exit supervisor.Exit) {
	if exit.Expected {
		return
	}
	if d.pendingTerminalEvent(ctx, exit.TaskID) {
		return
	}
	detail := "worker exited"
	if exit.Err != nil {
		detail = fmt.Sprintf("worker exited: %v", exit.Err)
	}
	d.pushEvent(ctx, eventbus.EventInput{
		Kind:   schema.KindWorkerUnhealthy,
		TaskID: exit.TaskID,
		Body:   detail,
		Metadata: map[string]any{
			schema.MetaGeneration: exit.Generation,
		},
	})
}

// respawnOrFail gives a crashed task a fresh worker generation until the
// respawn cap runs out, then fails it.
func (d *Dispatcher) respawnOrFail(ctx context.Context, taskID, detail string) error {
	task, err := d.queue.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return nil
		}
		return err
	}
	if task.Status != queue.StatusRunning {
		return nil
	}
	if d.pendingTerminalEvent(ctx, taskID) {
		return nil
	}

	if !d.workers.NoteRespawn(taskID) {
		failed, err := d.queue.Fail(ctx, taskID, fmt.Sprintf("worker kept dying: %s", detail))
		if err != nil {
			var transitionErr *queue.StatusTransitionError
			if errors.As(err, &transitionErr) {
				return nil
			}
			return err
		}
		d.workers.Release(taskID)
		if schema.SelfInitiated(task.Kind) {
			d.noteBreakerFailure(ctx, fmt.Sprintf("task %s workers kept dying: %s", taskID, detail))
		}
		return d.afterSettle(ctx, failed)
	}

	generation, err := d.queue.NextGeneration(ctx, taskID)
	if err != nil {
		return err
	}
	d.log.Info("respawning worker",
		zap.String("task_id", taskID),
		zap.Int("generation", generation),
		zap.String("cause", detail))
	return d.workers.Spawn(ctx, taskID, generation)
}

// pendingTerminalEvent reports whether the task already persisted a
// task_done or task_failed this dispatcher has not consumed yet. The worker
// pushes its terminal event before exiting, so a clean finish can look like
// a crash until the stream catches up.
func (d *Dispatcher) pendingTerminalEvent(ctx context.Context, taskID string) bool {
	summaries, err := d.bus.List(ctx, schema.StreamTasks, eventbus.ListOptions{
		Reader: reader,
		TaskID: taskID,
		Unread: true,
		Limit:  100,
	})
	if err != nil {
		d.log.Warn("terminal event check failed", zap.String("task_id", taskID), zap.Error(err))
		return false
	}
	for _, summary := range summaries {
		if summary.Kind.Terminal() {
			return true
		}
	}
	return false
}

func (d *Dispatcher) handleBreakerTripped(ctx context.Context, event eventbus.Event) error {
	d.pushEvent(ctx, eventbus.EventInput{
		Kind:    schema.KindNotify,
		Subject: "circuit breaker tripped",
		Body:    event.Body,
	})
	return nil
}

func (d *Dispatcher) handleBudgetAlert(ctx context.Context, event eventbus.Event) error {
	d.pushEvent(ctx, eventbus.EventInput{
		Kind:    schema.KindNotify,
		Subject: "budget alert",
		Body:    event.Body,
	})
	return nil
}

// handleEmergencyStop kills everything: cancels every live task, stops the
// workers, and pauses intake until an operator resumes.
func (d *Dispatcher) handleEmergencyStop(ctx context.Context, event eventbus.Event) error {
	reason := event.Body
	if err := d.breaker.Pause(ctx, reason); err != nil {
		return err
	}
	for _, status := range []queue.Status{queue.StatusRunning, queue.StatusBlockedOnChildren, queue.StatusPending} {
		tasks, err := d.queue.List(ctx, queue.ListFilter{Status: status, Limit: 1000})
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if _, err := d.queue.Cancel(ctx, task.ID, reason); err != nil {
				var transitionErr *queue.StatusTransitionError
				if !errors.As(err, &transitionErr) {
					d.log.Error("cancel during emergency stop", zap.String("task_id", task.ID), zap.Error(err))
				}
			}
			d.workers.Release(task.ID)
		}
	}
	d.pushEvent(ctx, eventbus.EventInput{
		Kind:    schema.KindNotify,
		Subject: "emergency stop",
		Body:    reason,
	})
	return nil
}

// tick is the scheduler pass: expire deadlines, police worker health, top up
// workers from the queue, and inject an idle self-improvement task.
func (d *Dispatcher) tick(ctx context.Context) {
	expired, err := d.queue.ExpireDeadlines(ctx)
	if err != nil {
		d.log.Error("deadline sweep failed", zap.Error(err))
	}
	for _, task := range expired {
		d.workers.Release(task.ID)
		if err := d.afterSettle(ctx, task); err != nil {
			d.log.Error("settle expired task", zap.String("task_id", task.ID), zap.Error(err))
		}
	}

	for _, stall := range d.workers.HealthCheck() {
		if !stall.Hard {
			d.log.Warn("worker heartbeat overdue",
				zap.String("task_id", stall.TaskID),
				zap.Duration("silence", stall.Silence))
			d.pushEvent(ctx, eventbus.EventInput{
				Kind:   schema.KindTaskProgress,
				TaskID: stall.TaskID,
				Body:   fmt.Sprintf("worker stalled, no heartbeat for %s", stall.Silence.Round(time.Second)),
				Metadata: map[string]any{
					schema.MetaGeneration: stall.Generation,
				},
			})
			continue
		}
		d.pushEvent(ctx, eventbus.EventInput{
			Kind:   schema.KindWorkerUnhealthy,
			TaskID: stall.TaskID,
			Body:   fmt.Sprintf("no heartbeat for %s, worker killed", stall.Silence.Round(time.Second)),
			Metadata: map[string]any{
				schema.MetaGeneration: stall.Generation,
			},
		})
	}

	d.fillWorkers(ctx)
	d.maybeEvolve(ctx)
}

// fillWorkers claims runnable tasks and spawns workers up to the cap. An
// exhausted budget stops all dispatch; a paused breaker or threshold-level
// spend only fences off self-initiated work, user tasks keep flowing.
func (d *Dispatcher) fillWorkers(ctx context.Context) {
	exhausted, err := d.ledger.Exhausted(ctx)
	if err != nil {
		d.log.Error("budget check failed", zap.Error(err))
		return
	}
	if exhausted {
		return
	}
	skipSelf := false
	if paused, err := d.breaker.Paused(ctx); err != nil {
		d.log.Error("breaker check failed", zap.Error(err))
		return
	} else if paused {
		skipSelf = true
	}
	if past, err := d.ledger.PastThreshold(ctx); err != nil {
		d.log.Error("budget check failed", zap.Error(err))
		return
	} else if past {
		skipSelf = true
	}

	for d.workers.ActiveCount() < d.cfg.MaxWorkers {
		task, ok, err := d.queue.DequeueNext(ctx, skipSelf)
		if err != nil {
			d.log.Error("dequeue failed", zap.Error(err))
			return
		}
		if !ok {
			return
		}
		generation, err := d.queue.NextGeneration(ctx, task.ID)
		if err != nil {
			d.log.Error("generation bump failed", zap.String("task_id", task.ID), zap.Error(err))
			return
		}
		if err := d.workers.Spawn(ctx, task.ID, generation); err != nil {
			d.log.Error("spawn failed", zap.String("task_id", task.ID), zap.Error(err))
			if _, rerr := d.queue.Requeue(ctx, task.ID); rerr != nil {
				d.log.Error("requeue after failed spawn", zap.String("task_id", task.ID), zap.Error(rerr))
			}
			return
		}
		d.pushEvent(ctx, eventbus.EventInput{
			Kind:   schema.KindTaskStarted,
			TaskID: task.ID,
			Body:   fmt.Sprintf("worker generation %d started", generation),
			Metadata: map[string]any{
				schema.MetaGeneration: generation,
				schema.MetaTaskKind:   task.Kind,
			},
		})
	}
}

// SetEvolve turns the idle self-improvement stream on or off. Safe to call
// from API handlers; the dispatch goroutine reads it on every tick.
func (d *Dispatcher) SetEvolve(enabled bool) {
	d.evolveOff.Store(!enabled)
}

// EvolveEnabled reports whether idle self-improvement tasks are being queued.
func (d *Dispatcher) EvolveEnabled() bool {
	return d.cfg.EvolveEvery > 0 && !d.evolveOff.Load()
}

// maybeEvolve enqueues a self-improvement task when the system has been idle
// long enough. Self-initiated work is refused outright while intake is
// paused or spend is past the alert threshold; user tasks are not.
func (d *Dispatcher) maybeEvolve(ctx context.Context) {
	if !d.EvolveEnabled() || time.Since(d.lastEvolve) < d.cfg.EvolveEvery {
		return
	}
	if paused, err := d.breaker.Paused(ctx); err != nil || paused {
		return
	}
	if past, err := d.ledger.PastThreshold(ctx); err != nil || past {
		return
	}
	for _, status := range []queue.Status{queue.StatusPending, queue.StatusRunning} {
		tasks, err := d.queue.List(ctx, queue.ListFilter{Status: status, Limit: 1})
		if err != nil || len(tasks) > 0 {
			return
		}
	}

	spec := queue.Spec{
		Kind:        schema.TaskKindEvolve,
		Priority:    schema.PriorityLow,
		Instruction: "Review the system's recent task history and its own source tree. Pick one concrete improvement, implement it, and commit it.",
	}
	if d.cfg.TaskDeadline > 0 {
		deadline := time.Now().UTC().Add(d.cfg.TaskDeadline)
		spec.Deadline = &deadline
	}
	task, err := d.queue.Enqueue(ctx, spec)
	if err != nil {
		d.log.Error("evolve enqueue failed", zap.Error(err))
		return
	}
	d.lastEvolve = time.Now()
	d.log.Info("idle, queued self-improvement task", zap.String("task_id", task.ID))
}

// WorkerSignals merges the per-worker signals with global conditions. The
// API's heartbeat endpoint calls this. An exhausted budget stops every
// worker; threshold-level spend and a paused breaker only reach
// self-initiated tasks, so a user task in flight finishes on its own terms.
func (d *Dispatcher) WorkerSignals(ctx context.Context, taskID string, generation int) loop.Signal {
	sig, ok := d.workers.Heartbeat(taskID, generation)
	if !ok || sig.Cancel || sig.Drain {
		return sig
	}
	if exhausted, err := d.ledger.Exhausted(ctx); err == nil && exhausted {
		sig.Budget = true
		sig.Reason = "budget exhausted"
		return sig
	}
	task, err := d.queue.Get(ctx, taskID)
	if err != nil || !schema.SelfInitiated(task.Kind) {
		return sig
	}
	if past, err := d.ledger.PastThreshold(ctx); err == nil && past {
		sig.Budget = true
		sig.Reason = "budget threshold reached"
		return sig
	}
	if paused, err := d.breaker.Paused(ctx); err == nil && paused {
		sig.Paused = true
		if sig.Reason == "" {
			sig.Reason = "intake paused"
		}
	}
	return sig
}

func (d *Dispatcher) pushEvent(ctx context.Context, input eventbus.EventInput) {
	if _, err := d.bus.Push(ctx, input); err != nil {
		d.log.Error("event push failed", zap.String("kind", string(input.Kind)), zap.Error(err))
	}
}
