package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/assmoddevv/ouroboros/internal/idgen"
	"github.com/assmoddevv/ouroboros/internal/loop"
	"go.uber.org/zap"
)

// HandleStatus is the supervisor's view of one worker.
type HandleStatus string

const (
	HandleStarting HandleStatus = "starting"
	HandleActive   HandleStatus = "active"
	HandleDraining HandleStatus = "draining"
	HandleDead     HandleStatus = "dead"
)

// Handle tracks one worker process bound to one task generation.
type Handle struct {
	ID         string       `json:"id"` // unique per spawn
	TaskID     string       `json:"task_id"`
	Generation int          `json:"generation"`
	Status     HandleStatus `json:"status"`
	StartedAt  time.Time    `json:"started_at"`
	LastBeat   time.Time    `json:"last_beat"`

	proc       Proc
	signals    loop.Signal
	softWarned bool
}

// Stall reports a worker that stopped heartbeating. Hard stalls have been
// killed and need a respawn decision; soft stalls are a warning.
type Stall struct {
	TaskID     string
	Generation int
	Hard       bool
	Silence    time.Duration
}

// Exit reports a worker process that terminated on its own.
type Exit struct {
	TaskID     string
	Generation int
	Err        error
	Expected   bool // true when the supervisor killed or released it
}

// Config bounds worker lifecycles.
type Config struct {
	SoftTimeout time.Duration // heartbeat silence that earns a warning
	HardTimeout time.Duration // heartbeat silence that gets the worker killed
	RespawnCap  int           // respawns per task before giving up
}

// Supervisor owns worker processes: one live worker per task, respawns with
// a bumped generation, and stall detection off heartbeats. It never touches
// the task queue; exits and stalls are reported and the dispatcher decides.
type Supervisor struct {
	starter Starter
	cfg     Config
	log     *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	handles  map[string]*Handle
	respawns map[string]int
	onExit   func(Exit)
}

func New(starter Starter, cfg Config, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SoftTimeout <= 0 {
		cfg.SoftTimeout = 10 * time.Minute
	}
	if cfg.HardTimeout <= cfg.SoftTimeout {
		cfg.HardTimeout = 3 * cfg.SoftTimeout
	}
	if cfg.RespawnCap <= 0 {
		cfg.RespawnCap = 3
	}
	return &Supervisor{
		starter:  starter,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		handles:  map[string]*Handle{},
		respawns: map[string]int{},
	}
}

// OnExit registers the callback invoked when a worker process terminates.
// Must be set before the first Spawn.
func (s *Supervisor) OnExit(fn func(Exit)) {
	s.mu.Lock()
	s.onExit = fn
	s.mu.Unlock()
}

// SetClock overrides the time source, for tests.
func (s *Supervisor) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Spawn starts a worker for the task at the given generation. A task can
// have at most one live worker; spawning over a live handle is an error.
func (s *Supervisor) Spawn(ctx context.Context, taskID string, generation int) error {
	s.mu.Lock()
	if existing, ok := s.handles[taskID]; ok && existing.Status != HandleDead {
		s.mu.Unlock()
		return fmt.Errorf("task %s already has a %s worker (gen %d)", taskID, existing.Status, existing.Generation)
	}
	now := s.now()
	handle := &Handle{
		ID:         idgen.New(),
		TaskID:     taskID,
		Generation: generation,
		Status:     HandleStarting,
		StartedAt:  now,
		LastBeat:   now,
	}
	s.handles[taskID] = handle
	s.mu.Unlock()

	proc, err := s.starter.Start(ctx, taskID, generation)
	if err != nil {
		s.mu.Lock()
		delete(s.handles, taskID)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	handle.proc = proc
	s.mu.Unlock()

	go s.watch(handle, proc)
	s.log.Info("worker spawned",
		zap.String("worker_id", handle.ID),
		zap.String("task_id", taskID),
		zap.Int("generation", generation))
	return nil
}

// watch reaps the worker process and reports unexpected exits.
func (s *Supervisor) watch(handle *Handle, proc Proc) {
	err := proc.Wait()

	s.mu.Lock()
	expected := handle.Status == HandleDead || handle.Status == HandleDraining
	handle.Status = HandleDead
	onExit := s.onExit
	s.mu.Unlock()

	if onExit != nil {
		onExit(Exit{
			TaskID:     handle.TaskID,
			Generation: handle.Generation,
			Err:        err,
			Expected:   expected,
		})
	}
}

// Heartbeat records a beat and returns the pending control signals. A beat
// from a stale generation is rejected so a superseded worker stops itself.
func (s *Supervisor) Heartbeat(taskID string, generation int) (loop.Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle, ok := s.handles[taskID]
	if !ok || handle.Generation != generation || handle.Status == HandleDead {
		return loop.Signal{Cancel: true, Reason: "stale worker generation"}, false
	}
	handle.LastBeat = s.now()
	handle.softWarned = false
	if handle.Status == HandleStarting {
		handle.Status = HandleActive
	}
	return handle.signals, true
}

// Signal sets the control signals the task's worker will see on its next
// heartbeat.
func (s *Supervisor) Signal(taskID string, sig loop.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle, ok := s.handles[taskID]; ok {
		handle.signals = sig
		if sig.Drain {
			handle.Status = HandleDraining
		}
	}
}

// DrainAll tells every live worker to wrap up, ahead of a restart.
func (s *Supervisor) DrainAll(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, handle := range s.handles {
		if handle.Status == HandleDead {
			continue
		}
		handle.signals = loop.Signal{Drain: true, Reason: reason}
		handle.Status = HandleDraining
	}
}

// HealthCheck scans for stalled workers. Hard-stalled workers are killed
// before being reported; the caller decides about respawning.
func (s *Supervisor) HealthCheck() []Stall {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var stalls []Stall
	for _, handle := range s.handles {
		if handle.Status == HandleDead {
			continue
		}
		silence := now.Sub(handle.LastBeat)
		if silence < s.cfg.SoftTimeout {
			continue
		}
		stall := Stall{
			TaskID:     handle.TaskID,
			Generation: handle.Generation,
			Silence:    silence,
		}
		if silence >= s.cfg.HardTimeout {
			stall.Hard = true
			handle.Status = HandleDead
			if handle.proc != nil {
				if err := handle.proc.Kill(); err != nil {
					s.log.Warn("kill stalled worker", zap.String("task_id", handle.TaskID), zap.Error(err))
				}
			}
		} else {
			// A soft stall is reported once per silence episode; a beat
			// rearms it.
			if handle.softWarned {
				continue
			}
			handle.softWarned = true
		}
		stalls = append(stalls, stall)
	}
	return stalls
}

// Kill force-stops the task's worker.
func (s *Supervisor) Kill(taskID string) error {
	s.mu.Lock()
	handle, ok := s.handles[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no worker for task %s", taskID)
	}
	alreadyDead := handle.Status == HandleDead
	handle.Status = HandleDead
	proc := handle.proc
	s.mu.Unlock()

	if alreadyDead || proc == nil {
		return nil
	}
	return proc.Kill()
}

// Release forgets a task's handle and respawn count once the task settled.
func (s *Supervisor) Release(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle, ok := s.handles[taskID]; ok {
		if handle.Status != HandleDead && handle.proc != nil {
			handle.Status = HandleDead
			_ = handle.proc.Kill()
		}
		delete(s.handles, taskID)
	}
	delete(s.respawns, taskID)
}

// NoteRespawn counts a respawn attempt and reports whether the cap still
// allows it.
func (s *Supervisor) NoteRespawn(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.respawns[taskID]++
	return s.respawns[taskID] <= s.cfg.RespawnCap
}

// ActiveCount returns the number of live workers.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, handle := range s.handles {
		if handle.Status != HandleDead {
			n++
		}
	}
	return n
}

// Handles returns a snapshot of all tracked workers for status reporting.
func (s *Supervisor) Handles() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handle, 0, len(s.handles))
	for _, handle := range s.handles {
		out = append(out, *handle)
	}
	return out
}

// Has reports whether the task currently has a live worker.
func (s *Supervisor) Has(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.handles[taskID]
	return ok && handle.Status != HandleDead
}
