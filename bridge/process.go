package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Process is a handle on a running transport process.
type Process interface {
	Pid() int
	// Signal delivers sig. Signaling a process that already exited is not an error.
	Signal(sig syscall.Signal) error
	Alive() bool
}

type Spawner interface {
	// Spawn starts a transport connected to url for the given session. It does not wait for the process.
	Spawn(ctx context.Context, url, sessionID string) (Process, error)
}

// ExecSpawner runs the transport binary as a detached child in its own process group.
type ExecSpawner struct {
	// Path is the transport binary. When empty it is located with Resolve on first spawn,
	// downloading it from DownloadURL if that is set and the binary is missing.
	Path        string
	DownloadURL string
	// Dir is where resolution starts and where a downloaded binary is placed; empty means the working directory.
	Dir string

	Stdout io.Writer
	Stderr io.Writer
	Log    *zap.SugaredLogger
	// Console is told when a download fails.
	Console interface{ Print(msg string) }

	resolveOnce sync.Once
	resolved    string
	resolveErr  error
}

func (s *ExecSpawner) log() *zap.SugaredLogger {
	if s.Log == nil {
		return zap.NewNop().Sugar()
	}
	return s.Log
}

func (s *ExecSpawner) path(ctx context.Context) (string, error) {
	if s.Path != "" {
		return s.Path, nil
	}
	s.resolveOnce.Do(func() {
		s.resolved, s.resolveErr = Locate(ctx, s.log(), s.Dir, s.DownloadURL)
		if s.resolveErr != nil && s.DownloadURL != "" && s.Console != nil {
			s.Console.Print("Failed to download transport binary.\n\n" + s.resolveErr.Error())
		}
	})
	return s.resolved, s.resolveErr
}

func (s *ExecSpawner) Spawn(ctx context.Context, url, sessionID string) (Process, error) {
	path, err := s.path(ctx)
	if err != nil {
		return nil, err
	}

	// not bound to ctx: the transport is stopped through the exit protocol, not by cancellation
	cmd := exec.Command(path, url, sessionID)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting transport %s: %w", path, err)
	}

	p := &process{pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		s.log().Debugw("transport exited", "PID", p.pid, "Err", err)
		close(p.done)
	}()
	s.log().Debugw("spawned transport", "PID", p.pid, "Path", path)
	return p, nil
}

type process struct {
	pid  int
	done chan struct{}
}

func (p *process) Pid() int { return p.pid }

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *process) Alive() bool {
	if p.exited() {
		return false
	}
	return PidAlive(p.pid)
}

// Signal sends sig to the transport's whole process group, reaching any children it started.
func (p *process) Signal(sig syscall.Signal) error {
	err := unix.Kill(-p.pid, sig)
	if errors.Is(err, unix.ESRCH) && !p.exited() {
		err = unix.Kill(p.pid, sig)
	}
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return fmt.Errorf("signaling transport %d: %w", p.pid, err)
}

// PidAlive reports whether a process with the given id exists.
func PidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
