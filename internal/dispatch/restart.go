package dispatch

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
)

// listenerFdEnv carries the descriptor number of the inherited API listener
// to a restarted process. ExtraFiles places the handed-over socket at fd 3.
const listenerFdEnv = "OURO_LISTENER_FD"

// Restarter re-execs the binary on disk while handing the listening socket
// to the successor. Self-modifying tasks rebuild the binary between
// generations; a restart is how new code takes over without dropping the
// API socket.
type Restarter struct {
	Listener net.Listener
	Args     []string
	Env      []string
}

// filer covers the listener types that can surface their descriptor,
// *net.TCPListener and *net.UnixListener among them.
type filer interface {
	File() (*os.File, error)
}

func (r *Restarter) Restart() error {
	if r.Listener == nil {
		return fmt.Errorf("restarter has no listener")
	}
	if len(r.Args) == 0 {
		return fmt.Errorf("restarter has no argv")
	}
	ln, ok := r.Listener.(filer)
	if !ok {
		return fmt.Errorf("listener %T cannot be handed over", r.Listener)
	}
	file, err := ln.File()
	if err != nil {
		return fmt.Errorf("listener file: %w", err)
	}
	defer file.Close()

	cmd := exec.Command(r.Args[0], r.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{file}
	cmd.Env = append(append([]string{}, r.Env...), listenerFdEnv+"=3")

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start successor: %w", err)
	}
	return nil
}

// ListenerFromEnv recovers the listener a predecessor handed over. It
// returns nil with no error when this process was started normally.
func ListenerFromEnv() (net.Listener, error) {
	raw := os.Getenv(listenerFdEnv)
	if raw == "" {
		return nil, nil
	}
	fd, err := strconv.Atoi(raw)
	if err != nil || fd < 3 {
		return nil, fmt.Errorf("bad %s value %q", listenerFdEnv, raw)
	}
	file := os.NewFile(uintptr(fd), "inherited-listener")
	defer file.Close()
	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("inherited listener: %w", err)
	}
	return ln, nil
}
