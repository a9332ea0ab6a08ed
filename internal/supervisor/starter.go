package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// Proc is a running worker process.
type Proc interface {
	Wait() error
	Kill() error
}

// Starter launches one worker for one task generation. The production
// starter re-execs the orchestrator binary from disk, so every generation
// runs whatever code is currently checked out, not the code the parent was
// started with.
type Starter interface {
	Start(ctx context.Context, taskID string, generation int) (Proc, error)
}

// ExecStarter spawns `<bin> worker -task <id> -generation <n>` pointed back
// at the orchestrator's HTTP API.
type ExecStarter struct {
	Bin    string
	APIURL string
	Dir    string
	Env    []string
}

type execProc struct {
	cmd *exec.Cmd
}

func (p *execProc) Wait() error { return p.cmd.Wait() }

func (p *execProc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (s *ExecStarter) Start(ctx context.Context, taskID string, generation int) (Proc, error) {
	bin := s.Bin
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve own binary: %w", err)
		}
		bin = exe
	}

	cmd := exec.CommandContext(ctx, bin, "worker",
		"-task", taskID,
		"-generation", strconv.Itoa(generation),
		"-api", s.APIURL,
	)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker for %s gen %d: %w", taskID, generation, err)
	}
	return &execProc{cmd: cmd}, nil
}
