package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/assmoddevv/ouroboros/internal/breaker"
	"github.com/assmoddevv/ouroboros/internal/budget"
	"github.com/assmoddevv/ouroboros/internal/eventbus"
	"github.com/assmoddevv/ouroboros/internal/queue"
	"github.com/assmoddevv/ouroboros/internal/schema"
	"github.com/assmoddevv/ouroboros/internal/supervisor"
	"github.com/assmoddevv/ouroboros/internal/testutil"
)

type fakeProc struct {
	done chan struct{}
	once sync.Once
}

func (p *fakeProc) Wait() error { <-p.done; return nil }
func (p *fakeProc) Kill() error { p.once.Do(func() { close(p.done) }); return nil }

type fakeStarter struct {
	mu     sync.Mutex
	starts int
	gens   []int
}

func (f *fakeStarter) Start(_ context.Context, _ string, generation int) (supervisor.Proc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.gens = append(f.gens, generation)
	return &fakeProc{done: make(chan struct{})}, nil
}

type fixture struct {
	d       *Dispatcher
	q       *queue.Queue
	bus     *eventbus.Bus
	ledger  *budget.Ledger
	brk     *breaker.Breaker
	workers *supervisor.Supervisor
	starter *fakeStarter
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db := testutil.OpenTestDB(t)
	q := queue.New(db)
	bus := eventbus.NewBus(db)
	ledger := budget.NewLedger(db, 10, 90)
	brk, err := breaker.New(context.Background(), db, 2)
	if err != nil {
		t.Fatalf("breaker: %v", err)
	}
	starter := &fakeStarter{}
	workers := supervisor.New(starter, supervisor.Config{
		SoftTimeout: time.Minute,
		HardTimeout: 3 * time.Minute,
		RespawnCap:  2,
	}, nil)
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = 2
	}
	d := New(q, bus, ledger, brk, workers, cfg, nil)
	return &fixture{d: d, q: q, bus: bus, ledger: ledger, brk: brk, workers: workers, starter: starter}
}

func (f *fixture) runningTask(t *testing.T, kind string) queue.Task {
	t.Helper()
	ctx := context.Background()
	if _, err := f.q.Enqueue(ctx, queue.Spec{Kind: kind, Instruction: "work"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, ok, err := f.q.DequeueNext(ctx, false)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	return task
}

func (f *fixture) pushAndHandle(t *testing.T, input eventbus.EventInput) {
	t.Helper()
	ctx := context.Background()
	event, err := f.bus.Push(ctx, input)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	f.d.handle(ctx, event)
}

func TestTaskDoneSettlesReleasesAndNotifies(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	task := f.runningTask(t, "user")

	f.pushAndHandle(t, eventbus.EventInput{
		Kind:     schema.KindTaskDone,
		TaskID:   task.ID,
		Body:     "completed",
		Metadata: map[string]any{"result": "the answer"},
	})

	got, err := f.q.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != queue.StatusSucceeded || got.Result != "the answer" {
		t.Fatalf("task = %+v, want succeeded with result", got)
	}

	notes, err := f.bus.List(ctx, schema.StreamNotify, eventbus.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("list notify: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("notify events = %d, want exactly one per settled task", len(notes))
	}

	// The handled event must be acked for the dispatcher reader.
	unread, err := f.bus.List(ctx, schema.StreamTasks, eventbus.ListOptions{Reader: reader, Unread: true, Limit: 10})
	if err != nil {
		t.Fatalf("list unread: %v", err)
	}
	for _, e := range unread {
		if e.Kind == schema.KindTaskDone {
			t.Fatal("handled event left unread")
		}
	}
}

func TestSelfInitiatedFailuresTripBreaker(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		task := f.runningTask(t, "self")
		f.pushAndHandle(t, eventbus.EventInput{
			Kind:   schema.KindTaskFailed,
			TaskID: task.ID,
			Body:   "exploded",
		})
	}

	paused, err := f.brk.Paused(ctx)
	if err != nil {
		t.Fatalf("paused: %v", err)
	}
	if !paused {
		t.Fatal("two consecutive self-initiated failures should trip the threshold-2 breaker")
	}

	signals, err := f.bus.List(ctx, schema.StreamSignals, eventbus.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("list signals: %v", err)
	}
	found := false
	for _, e := range signals {
		if e.Kind == schema.KindBreakerTripped {
			found = true
		}
	}
	if !found {
		t.Fatal("breaker trip event missing")
	}

	// While paused, user tasks keep dispatching; self-initiated ones wait.
	if _, err := f.q.Enqueue(ctx, queue.Spec{Kind: "user", Instruction: "more"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := f.q.Enqueue(ctx, queue.Spec{Kind: "self", Instruction: "tinker"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.d.fillWorkers(ctx)
	if f.starter.starts != 1 {
		t.Fatalf("starts = %d while breaker paused, want 1 (the user task)", f.starter.starts)
	}
	running, err := f.q.List(ctx, queue.ListFilter{Status: queue.StatusRunning, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(running) != 1 || running[0].Kind != "user" {
		t.Fatalf("running = %+v, want just the user task", running)
	}
}

func TestUserFailuresLeaveBreakerAlone(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task := f.runningTask(t, "user")
		f.pushAndHandle(t, eventbus.EventInput{
			Kind:   schema.KindTaskFailed,
			TaskID: task.ID,
			Body:   "exploded",
		})
	}

	paused, err := f.brk.Paused(ctx)
	if err != nil {
		t.Fatalf("paused: %v", err)
	}
	if paused {
		t.Fatal("user task failures must not trip the breaker")
	}
}

func TestRoundFailureProgressFeedsBreakerForSelfTasksOnly(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	user := f.runningTask(t, "user")
	for i := 0; i < 3; i++ {
		f.pushAndHandle(t, eventbus.EventInput{
			Kind:     schema.KindTaskProgress,
			TaskID:   user.ID,
			Body:     "round 1 failed: empty response",
			Metadata: map[string]any{schema.MetaReason: "round_failure"},
		})
	}
	paused, err := f.brk.Paused(ctx)
	if err != nil {
		t.Fatalf("paused: %v", err)
	}
	if paused {
		t.Fatal("user round failures must not trip the breaker")
	}

	self := f.runningTask(t, "self")
	for i := 0; i < 2; i++ {
		f.pushAndHandle(t, eventbus.EventInput{
			Kind:     schema.KindTaskProgress,
			TaskID:   self.ID,
			Body:     "round 1 failed: empty response",
			Metadata: map[string]any{schema.MetaReason: "round_failure"},
		})
	}
	paused, err = f.brk.Paused(ctx)
	if err != nil {
		t.Fatalf("paused: %v", err)
	}
	if !paused {
		t.Fatal("repeated self-initiated round failures should trip the breaker")
	}
}

func TestRoundCostEventChargesLedgerAndAlertsOnce(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	task := f.runningTask(t, "user")

	// Cap is 10 with a 90% threshold. The second charge crosses it; the
	// third must not alert again.
	for _, amount := range []float64{5.0, 4.5, 0.2} {
		f.pushAndHandle(t, eventbus.EventInput{
			Kind:     schema.KindRoundCost,
			TaskID:   task.ID,
			Body:     "spent",
			Metadata: map[string]any{schema.MetaCostUSD: amount},
		})
	}

	snap, err := f.ledger.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.SpentUSD < 9.69 || snap.SpentUSD > 9.71 {
		t.Fatalf("spent = %f, want 9.7", snap.SpentUSD)
	}

	signals, err := f.bus.List(ctx, schema.StreamSignals, eventbus.ListOptions{Limit: 20})
	if err != nil {
		t.Fatalf("list signals: %v", err)
	}
	alerts := 0
	for _, e := range signals {
		if e.Kind == schema.KindBudgetAlert {
			alerts++
		}
	}
	if alerts != 1 {
		t.Fatalf("budget alerts = %d, want exactly 1", alerts)
	}
}

func TestDrainedWorkerRequeuesTask(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	task := f.runningTask(t, "user")

	f.pushAndHandle(t, eventbus.EventInput{
		Kind:     schema.KindTaskFailed,
		TaskID:   task.ID,
		Body:     "orchestrator restarting",
		Metadata: map[string]any{schema.MetaReason: "drained"},
	})

	got, err := f.q.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != queue.StatusPending {
		t.Fatalf("status = %q, want requeued to pending", got.Status)
	}
	notes, _ := f.bus.List(ctx, schema.StreamNotify, eventbus.ListOptions{Limit: 10})
	if len(notes) != 0 {
		t.Fatal("drain must not notify the owner")
	}
}

func TestRoundLimitAndBudgetReasonsMapToDistinctStatuses(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	limited := f.runningTask(t, "user")
	f.pushAndHandle(t, eventbus.EventInput{
		Kind:     schema.KindTaskFailed,
		TaskID:   limited.ID,
		Body:     "no outcome after 200 rounds",
		Metadata: map[string]any{schema.MetaReason: "round_limit"},
	})
	got, _ := f.q.Get(ctx, limited.ID)
	if got.Status != queue.StatusRoundLimit {
		t.Fatalf("status = %q, want round_limit_exceeded", got.Status)
	}

	broke := f.runningTask(t, "user")
	f.pushAndHandle(t, eventbus.EventInput{
		Kind:     schema.KindTaskFailed,
		TaskID:   broke.ID,
		Body:     "spend cap reached",
		Metadata: map[string]any{schema.MetaReason: "budget"},
	})
	got, _ = f.q.Get(ctx, broke.ID)
	if got.Status != queue.StatusBudgetExceeded {
		t.Fatalf("status = %q, want budget_exceeded", got.Status)
	}
}

func TestWorkerCrashRespawnsWithFreshGenerationThenFails(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	task := f.runningTask(t, "user")

	// First two crashes get fresh generations.
	for want := 1; want <= 2; want++ {
		if err := f.d.respawnOrFail(ctx, task.ID, "segfault"); err != nil {
			t.Fatalf("respawn %d: %v", want, err)
		}
		f.starter.mu.Lock()
		gens := append([]int(nil), f.starter.gens...)
		f.starter.mu.Unlock()
		if len(gens) != want || gens[want-1] != want {
			t.Fatalf("generations = %v after crash %d", gens, want)
		}
		if err := f.workers.Kill(task.ID); err != nil {
			t.Fatalf("kill: %v", err)
		}
	}

	// Third crash exhausts the cap of 2.
	if err := f.d.respawnOrFail(ctx, task.ID, "segfault"); err != nil {
		t.Fatalf("final crash: %v", err)
	}
	got, err := f.q.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != queue.StatusFailed {
		t.Fatalf("status = %q, want failed after respawn cap", got.Status)
	}
}

func TestCleanExitWithPendingCompletionIsNotACrash(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	task := f.runningTask(t, "user")
	if err := f.workers.Spawn(ctx, task.ID, 1); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	// The worker persisted its completion and exited before the dispatcher
	// consumed the event.
	if _, err := f.bus.Push(ctx, eventbus.EventInput{
		Kind:   schema.KindTaskDone,
		TaskID: task.ID,
		Body:   "finished",
	}); err != nil {
		t.Fatalf("push: %v", err)
	}

	f.d.handleExit(ctx, supervisor.Exit{TaskID: task.ID, Generation: 1})
	health, err := f.bus.List(ctx, schema.StreamHealth, eventbus.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("list health: %v", err)
	}
	for _, e := range health {
		if e.Kind == schema.KindWorkerUnhealthy {
			t.Fatal("clean finish reported as a crash")
		}
	}

	if err := f.d.respawnOrFail(ctx, task.ID, "worker exited"); err != nil {
		t.Fatalf("respawnOrFail: %v", err)
	}
	if f.starter.starts != 1 {
		t.Fatalf("starts = %d, want only the original worker", f.starter.starts)
	}
	got, err := f.q.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != queue.StatusRunning {
		t.Fatalf("status = %q, the pending completion must settle the task, not a crash handler", got.Status)
	}
}

func TestTickNotifiesExpiredTaskOnce(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	deadline := time.Now().UTC().Add(-time.Minute)
	task, err := f.q.Enqueue(ctx, queue.Spec{Kind: "user", Instruction: "late", Deadline: &deadline})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	f.d.tick(ctx)

	got, err := f.q.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != queue.StatusTimedOut {
		t.Fatalf("status = %q, want timed_out", got.Status)
	}
	notes, err := f.bus.List(ctx, schema.StreamNotify, eventbus.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("list notify: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("notify events = %d, want exactly one per expired task", len(notes))
	}
}

func TestRecoverFailsTasksPastRetryBudget(t *testing.T) {
	f := newFixture(t, Config{RecoverRetry: 1})
	ctx := context.Background()

	task := f.runningTask(t, "user")
	if _, err := f.q.Requeue(ctx, task.ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if _, ok, err := f.q.DequeueNext(ctx, false); err != nil || !ok {
		t.Fatalf("second claim: ok=%v err=%v", ok, err)
	}

	if err := f.d.recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	got, err := f.q.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != queue.StatusFailed {
		t.Fatalf("status = %q, want failed after the retry budget runs out", got.Status)
	}
}

func TestFillWorkersRespectsCap(t *testing.T) {
	f := newFixture(t, Config{MaxWorkers: 2})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.q.Enqueue(ctx, queue.Spec{Kind: "user", Instruction: "work"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	f.d.fillWorkers(ctx)

	if f.starter.starts != 2 {
		t.Fatalf("starts = %d, want capped at 2", f.starter.starts)
	}
	running, err := f.q.List(ctx, queue.ListFilter{Status: queue.StatusRunning, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(running) != 2 {
		t.Fatalf("running = %d, want 2", len(running))
	}
	started, err := f.bus.List(ctx, schema.StreamTasks, eventbus.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	n := 0
	for _, e := range started {
		if e.Kind == schema.KindTaskStarted {
			n++
		}
	}
	if n != 2 {
		t.Fatalf("task_started events = %d, want 2", n)
	}
}

func TestEmergencyStopCancelsEverythingAndPausesIntake(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	running := f.runningTask(t, "user")
	if _, err := f.q.Enqueue(ctx, queue.Spec{Kind: "user", Instruction: "queued"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	f.pushAndHandle(t, eventbus.EventInput{
		Kind: schema.KindEmergencyStop,
		Body: "operator panic",
	})

	for _, status := range []queue.Status{queue.StatusRunning, queue.StatusPending} {
		tasks, err := f.q.List(ctx, queue.ListFilter{Status: status, Limit: 10})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(tasks) != 0 {
			t.Fatalf("%s tasks = %d after emergency stop", status, len(tasks))
		}
	}
	got, _ := f.q.Get(ctx, running.ID)
	if got.Status != queue.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", got.Status)
	}
	paused, err := f.brk.Paused(ctx)
	if err != nil {
		t.Fatalf("paused: %v", err)
	}
	if !paused {
		t.Fatal("emergency stop must pause intake")
	}
}

func TestRecoverReplaysUnreadEventsAndRequeuesRunning(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	settled := f.runningTask(t, "user")
	interrupted := f.runningTask(t, "user")

	// A completion event arrived but the previous dispatcher died before
	// handling it.
	if _, err := f.bus.Push(ctx, eventbus.EventInput{
		Kind:     schema.KindTaskDone,
		TaskID:   settled.ID,
		Body:     "done",
		Metadata: map[string]any{"result": "survived restart"},
	}); err != nil {
		t.Fatalf("push: %v", err)
	}

	if err := f.d.recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	got, _ := f.q.Get(ctx, settled.ID)
	if got.Status != queue.StatusSucceeded || got.Result != "survived restart" {
		t.Fatalf("settled task = %+v", got)
	}
	got, _ = f.q.Get(ctx, interrupted.ID)
	if got.Status != queue.StatusPending {
		t.Fatalf("interrupted task status = %q, want requeued", got.Status)
	}

	unread, err := f.bus.List(ctx, schema.StreamTasks, eventbus.ListOptions{Reader: reader, Unread: true, Limit: 10})
	if err != nil {
		t.Fatalf("list unread: %v", err)
	}
	if len(unread) != 0 {
		t.Fatalf("unread after recover = %d, want 0", len(unread))
	}
}

func TestWorkerSignalsMergeGlobalConditions(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	user := f.runningTask(t, "user")
	self := f.runningTask(t, "self")

	for _, id := range []string{user.ID, self.ID} {
		if err := f.workers.Spawn(ctx, id, 1); err != nil {
			t.Fatalf("spawn: %v", err)
		}
	}

	sig := f.d.WorkerSignals(ctx, user.ID, 1)
	if sig.Cancel || sig.Paused || sig.Drain || sig.Budget {
		t.Fatalf("sig = %+v, want all clear", sig)
	}

	// A paused breaker only reaches self-initiated workers.
	if err := f.brk.Pause(ctx, "manual"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if sig = f.d.WorkerSignals(ctx, self.ID, 1); !sig.Paused {
		t.Fatal("breaker pause must pause self-initiated workers")
	}
	if sig = f.d.WorkerSignals(ctx, user.ID, 1); sig.Paused || sig.Budget {
		t.Fatalf("sig = %+v, user task must keep running through a pause", sig)
	}
	if err := f.brk.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}

	// Cap is 10 with a 90% threshold: 9.5 stops self-initiated spend only,
	// 10.5 stops everyone.
	if _, err := f.ledger.Charge(ctx, user.ID, 9.5); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if sig = f.d.WorkerSignals(ctx, self.ID, 1); !sig.Budget {
		t.Fatal("budget threshold must stop self-initiated workers")
	}
	if sig = f.d.WorkerSignals(ctx, user.ID, 1); sig.Budget || sig.Paused {
		t.Fatalf("sig = %+v, user task must keep running past the threshold", sig)
	}
	if _, err := f.ledger.Charge(ctx, user.ID, 1.0); err != nil {
		t.Fatalf("charge: %v", err)
	}
	for _, id := range []string{user.ID, self.ID} {
		if sig = f.d.WorkerSignals(ctx, id, 1); !sig.Budget {
			t.Fatalf("sig = %+v, exhausted budget must stop every worker", sig)
		}
	}

	sig = f.d.WorkerSignals(ctx, user.ID, 99)
	if !sig.Cancel {
		t.Fatal("stale generation must be cancelled")
	}
}

func TestIdleEvolveInjection(t *testing.T) {
	f := newFixture(t, Config{EvolveEvery: time.Minute, TaskDeadline: time.Hour})
	ctx := context.Background()

	f.d.lastEvolve = time.Now().Add(-2 * time.Minute)
	f.d.maybeEvolve(ctx)

	tasks, err := f.q.List(ctx, queue.ListFilter{Kind: "evolve", Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("evolve tasks = %d, want 1", len(tasks))
	}
	if tasks[0].Priority != schema.PriorityLow {
		t.Fatalf("priority = %q, want low", tasks[0].Priority)
	}
	if tasks[0].Deadline == nil {
		t.Fatal("evolve task should carry the default deadline")
	}

	// Not idle anymore: nothing new gets queued.
	f.d.lastEvolve = time.Now().Add(-2 * time.Minute)
	f.d.maybeEvolve(ctx)
	tasks, _ = f.q.List(ctx, queue.ListFilter{Kind: "evolve", Limit: 10})
	if len(tasks) != 1 {
		t.Fatalf("evolve tasks = %d, idle check failed", len(tasks))
	}
}

func TestEvolveRefusedWhenDisabledOrUnhealthy(t *testing.T) {
	f := newFixture(t, Config{EvolveEvery: time.Minute})
	ctx := context.Background()

	evolveCount := func() int {
		t.Helper()
		tasks, err := f.q.List(ctx, queue.ListFilter{Kind: "evolve", Limit: 10})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		return len(tasks)
	}

	f.d.SetEvolve(false)
	f.d.lastEvolve = time.Now().Add(-2 * time.Minute)
	f.d.maybeEvolve(ctx)
	if n := evolveCount(); n != 0 {
		t.Fatalf("evolve tasks = %d while disabled, want 0", n)
	}
	if f.d.EvolveEnabled() {
		t.Fatal("EvolveEnabled should report disabled")
	}
	f.d.SetEvolve(true)

	// Self-initiated work is refused while intake is paused.
	if err := f.brk.Pause(ctx, "manual"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	f.d.maybeEvolve(ctx)
	if n := evolveCount(); n != 0 {
		t.Fatalf("evolve tasks = %d while paused, want 0", n)
	}
	if err := f.brk.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}

	// And while spend is past the alert threshold. Cap 10, 90%.
	if _, err := f.ledger.Charge(ctx, "user-1", 9.5); err != nil {
		t.Fatalf("charge: %v", err)
	}
	f.d.maybeEvolve(ctx)
	if n := evolveCount(); n != 0 {
		t.Fatalf("evolve tasks = %d past budget threshold, want 0", n)
	}

	if _, err := f.ledger.Refund(ctx, "user-1", 9.5); err != nil {
		t.Fatalf("refund: %v", err)
	}
	f.d.maybeEvolve(ctx)
	if n := evolveCount(); n != 1 {
		t.Fatalf("evolve tasks = %d after conditions cleared, want 1", n)
	}
}
