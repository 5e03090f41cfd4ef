// Package process owns one launched OS process: it starts the command in its
// own process group, reaps it exactly once from a dedicated goroutine, and
// stops it with a graceful signal followed by a forced kill.
package process

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// reapWait bounds how long Stop and Kill wait for the reaper after SIGKILL.
const reapWait = 2 * time.Second

// ErrStillRunning is returned by Stop and Kill when the process survived SIGKILL
// within the reap window.
var ErrStillRunning = errors.New("process did not exit after kill")

type Process struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	logs      io.Closer
	done      chan struct{} // closed once cmd.Wait returned

	mu       sync.Mutex
	exitErr  error
	exitedAt time.Time
}

// Start launches cmd in a new process group and begins reaping it in the
// background. logs, when non-nil, is closed after the process exits; it is
// typically the writer wired to cmd.Stderr.
func Start(cmd *exec.Cmd, logs io.Closer) (*Process, error) {
	if cmd == nil {
		return nil, errors.New("nil command")
	}
	configureSysProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		if logs != nil {
			_ = logs.Close()
		}
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	p := &Process{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		logs:      logs,
		done:      make(chan struct{}),
	}
	go p.reap()
	return p, nil
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.exitedAt = time.Now()
	p.mu.Unlock()
	if p.logs != nil {
		_ = p.logs.Close()
	}
	close(p.done)
}

// PID returns the OS process id.
func (p *Process) PID() int { return p.pid }

// Done is closed when the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process exits and returns its exit error.
func (p *Process) Wait() error {
	<-p.done
	return p.ExitErr()
}

// ExitErr returns the error from cmd.Wait, or nil while still running.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Alive probes liveness. A child that already exited but is not yet reaped is
// reported as dead.
func (p *Process) Alive() bool {
	if p == nil || p.Exited() {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(p.pid) {
		return false
	}
	return processExists(p.pid)
}

// Stop sends a graceful termination signal to the process group and waits up
// to grace for it to exit. If it does not, the group is killed.
func (p *Process) Stop(grace time.Duration) error {
	if p == nil || p.Exited() {
		return nil
	}
	if err := terminateGroup(p.pid); err != nil && !p.Exited() {
		// signal delivery failed; escalate right away
		return p.Kill()
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
	}
	return p.Kill()
}

// Kill force-kills the process group and waits briefly for the reaper.
func (p *Process) Kill() error {
	if p == nil || p.Exited() {
		return nil
	}
	_ = killGroup(p.pid)
	t := time.NewTimer(reapWait)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
		return fmt.Errorf("pid %d: %w", p.pid, ErrStillRunning)
	}
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	st := Status{
		PID:       p.pid,
		StartedAt: p.startedAt,
		StoppedAt: p.exitedAt,
	}
	exitErr := p.exitErr
	p.mu.Unlock()
	st.Running = p.Alive()
	if st.Running {
		if t, ok := kernelStartTime(p.pid); ok {
			st.StartedAt = t
		}
	}
	if exitErr != nil {
		st.ExitErr = exitErr.Error()
	}
	st.ExitCode, st.Signal = ExitStatus(exitErr)
	return st
}

// Uptime returns how long the process has been running, or its total run time
// once it exited.
func (p *Process) Uptime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exitedAt.IsZero() {
		return p.exitedAt.Sub(p.startedAt)
	}
	return time.Since(p.startedAt)
}

// ExitStatus decodes the exit code and terminating signal from a cmd.Wait error.
// A nil error is a clean exit (0, "").
func ExitStatus(err error) (code int, signal string) {
	if err == nil {
		return 0, ""
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return -1, ""
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, ws.Signal().String()
	}
	return ee.ExitCode(), ""
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
