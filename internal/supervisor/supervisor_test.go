package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/assmoddevv/ouroboros/internal/loop"
)

type fakeProc struct {
	done   chan struct{}
	killed atomic.Bool
	once   sync.Once
}

func newFakeProc() *fakeProc {
	return &fakeProc{done: make(chan struct{})}
}

func (p *fakeProc) Wait() error {
	<-p.done
	return nil
}

func (p *fakeProc) Kill() error {
	p.killed.Store(true)
	p.exit()
	return nil
}

func (p *fakeProc) exit() { p.once.Do(func() { close(p.done) }) }

type fakeStarter struct {
	mu     sync.Mutex
	starts []struct {
		TaskID     string
		Generation int
	}
	procs []*fakeProc
}

func (f *fakeStarter) Start(_ context.Context, taskID string, generation int) (Proc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, struct {
		TaskID     string
		Generation int
	}{taskID, generation})
	proc := newFakeProc()
	f.procs = append(f.procs, proc)
	return proc, nil
}

func (f *fakeStarter) lastProc() *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[len(f.procs)-1]
}

func newTestSupervisor(starter Starter) *Supervisor {
	return New(starter, Config{
		SoftTimeout: time.Minute,
		HardTimeout: 3 * time.Minute,
		RespawnCap:  2,
	}, nil)
}

func TestSpawnRefusesSecondLiveWorker(t *testing.T) {
	starter := &fakeStarter{}
	sup := newTestSupervisor(starter)
	ctx := context.Background()

	if err := sup.Spawn(ctx, "task-1", 1); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := sup.Spawn(ctx, "task-1", 2); err == nil {
		t.Fatal("expected error spawning over a live worker")
	}
	if sup.ActiveCount() != 1 {
		t.Fatalf("active = %d, want 1", sup.ActiveCount())
	}
}

func TestEachSpawnStartsFreshProcessWithItsGeneration(t *testing.T) {
	starter := &fakeStarter{}
	sup := newTestSupervisor(starter)
	ctx := context.Background()

	var exits []Exit
	var exitMu sync.Mutex
	exitSeen := make(chan struct{}, 8)
	sup.OnExit(func(e Exit) {
		exitMu.Lock()
		exits = append(exits, e)
		exitMu.Unlock()
		exitSeen <- struct{}{}
	})

	for gen := 1; gen <= 3; gen++ {
		if err := sup.Spawn(ctx, "task-1", gen); err != nil {
			t.Fatalf("spawn gen %d: %v", gen, err)
		}
		starter.lastProc().exit()
		<-exitSeen
	}

	starter.mu.Lock()
	defer starter.mu.Unlock()
	if len(starter.starts) != 3 {
		t.Fatalf("starts = %d, want one process per generation", len(starter.starts))
	}
	for i, start := range starter.starts {
		if start.Generation != i+1 {
			t.Fatalf("start %d generation = %d, want %d", i, start.Generation, i+1)
		}
	}
	exitMu.Lock()
	defer exitMu.Unlock()
	for _, e := range exits {
		if e.Expected {
			t.Fatalf("exit %+v marked expected, worker died on its own", e)
		}
	}
}

func TestHeartbeatRejectsStaleGeneration(t *testing.T) {
	starter := &fakeStarter{}
	sup := newTestSupervisor(starter)

	if err := sup.Spawn(context.Background(), "task-1", 2); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if _, ok := sup.Heartbeat("task-1", 2); !ok {
		t.Fatal("current generation heartbeat rejected")
	}
	sig, ok := sup.Heartbeat("task-1", 1)
	if ok {
		t.Fatal("stale generation heartbeat accepted")
	}
	if !sig.Cancel {
		t.Fatal("stale worker must be told to stop")
	}
	if _, ok := sup.Heartbeat("ghost", 1); ok {
		t.Fatal("unknown task heartbeat accepted")
	}
}

func TestSignalDeliveredOnNextHeartbeat(t *testing.T) {
	starter := &fakeStarter{}
	sup := newTestSupervisor(starter)

	if err := sup.Spawn(context.Background(), "task-1", 1); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	sup.Signal("task-1", loop.Signal{Paused: true, Reason: "budget alert"})

	sig, ok := sup.Heartbeat("task-1", 1)
	if !ok {
		t.Fatal("heartbeat rejected")
	}
	if !sig.Paused || sig.Reason != "budget alert" {
		t.Fatalf("signal = %+v", sig)
	}
}

func TestHealthCheckSoftThenHard(t *testing.T) {
	starter := &fakeStarter{}
	sup := newTestSupervisor(starter)

	base := time.Now()
	current := base
	sup.SetClock(func() time.Time { return current })

	if err := sup.Spawn(context.Background(), "task-1", 1); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	current = base.Add(30 * time.Second)
	if stalls := sup.HealthCheck(); len(stalls) != 0 {
		t.Fatalf("stalls = %v before soft timeout", stalls)
	}

	current = base.Add(2 * time.Minute)
	stalls := sup.HealthCheck()
	if len(stalls) != 1 || stalls[0].Hard {
		t.Fatalf("stalls = %+v, want one soft stall", stalls)
	}
	if starter.lastProc().killed.Load() {
		t.Fatal("soft stall must not kill the worker")
	}
	if stalls := sup.HealthCheck(); len(stalls) != 0 {
		t.Fatalf("stalls = %+v, soft stall should report once", stalls)
	}

	current = base.Add(10 * time.Minute)
	stalls = sup.HealthCheck()
	if len(stalls) != 1 || !stalls[0].Hard {
		t.Fatalf("stalls = %+v, want one hard stall", stalls)
	}
	if !starter.lastProc().killed.Load() {
		t.Fatal("hard stall must kill the worker")
	}
	if sup.ActiveCount() != 0 {
		t.Fatalf("active = %d after hard stall", sup.ActiveCount())
	}
}

func TestRespawnCap(t *testing.T) {
	sup := newTestSupervisor(&fakeStarter{})

	if !sup.NoteRespawn("task-1") || !sup.NoteRespawn("task-1") {
		t.Fatal("respawns within cap refused")
	}
	if sup.NoteRespawn("task-1") {
		t.Fatal("respawn over cap allowed")
	}

	sup.Release("task-1")
	if !sup.NoteRespawn("task-1") {
		t.Fatal("release must reset the respawn count")
	}
}

func TestDrainAll(t *testing.T) {
	starter := &fakeStarter{}
	sup := newTestSupervisor(starter)
	ctx := context.Background()

	if err := sup.Spawn(ctx, "task-1", 1); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := sup.Spawn(ctx, "task-2", 1); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	sup.DrainAll("restarting")

	for _, taskID := range []string{"task-1", "task-2"} {
		sig, ok := sup.Heartbeat(taskID, 1)
		if !ok {
			t.Fatalf("heartbeat for %s rejected", taskID)
		}
		if !sig.Drain {
			t.Fatalf("worker %s not draining", taskID)
		}
	}
}

func TestReleaseKillsLiveWorker(t *testing.T) {
	starter := &fakeStarter{}
	sup := newTestSupervisor(starter)

	if err := sup.Spawn(context.Background(), "task-1", 1); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	sup.Release("task-1")
	if !starter.lastProc().killed.Load() {
		t.Fatal("release must kill a still-live worker")
	}
	if sup.Has("task-1") {
		t.Fatal("handle must be gone after release")
	}
}
