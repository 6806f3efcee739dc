// Package supervisor owns the external benchmark worker's process lifecycle:
// deterministic launch, observation, signalling, and reaping of the worker's
// process group.
package supervisor

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/fairyhunter13/showdisk-qualifier/internal/domain"
)

// maxStdoutBytes caps captured worker stdout. fio's JSON output for a full
// show plan stays well under this.
const maxStdoutBytes = 16 * 1024 * 1024

// stderrBuffer is the per-worker stderr line channel capacity. When the
// consumer falls behind, older lines are dropped rather than blocking the
// worker's pipe.
const stderrBuffer = 256

// Supervisor launches workers in their own process group so signals reach
// any sub-processes the worker spawns.
type Supervisor struct {
	grace time.Duration
}

// New constructs a Supervisor. grace is the pause between graceful
// termination and force-kill; zero selects the 2 s default.
func New(grace time.Duration) *Supervisor {
	if grace <= 0 {
		grace = 2 * time.Second
	}
	return &Supervisor{grace: grace}
}

type handle struct {
	cmd      *exec.Cmd
	pid      int
	pgid     int
	stdout   *limitedBuffer
	stderrCh chan string

	done   chan error // receives the cmd.Wait result exactly once
	exited chan struct{}

	reapOnce sync.Once
	waitErr  error
}

func (h *handle) PID() int              { return h.pid }
func (h *handle) PGID() int             { return h.pgid }
func (h *handle) Stderr() <-chan string { return h.stderrCh }

// reap consumes the cmd.Wait result; safe to call from multiple paths.
func (h *handle) reap() error {
	h.reapOnce.Do(func() { h.waitErr = <-h.done })
	return h.waitErr
}

// Launch starts the worker in a new process group. It returns only after the
// child exists; spawn failure is reported synchronously.
func (s *Supervisor) Launch(_ domain.Context, spec domain.LaunchSpec) (domain.WorkerHandle, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	out := &limitedBuffer{max: maxStdoutBytes}
	cmd.Stdout = out

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", domain.ErrLaunchFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrLaunchFailed, err)
	}

	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		// Setpgid makes the child its own group leader; fall back to the
		// pid if the group query races with a very fast exit.
		pgid = pid
	}

	h := &handle{
		cmd:      cmd,
		pid:      pid,
		pgid:     pgid,
		stdout:   out,
		stderrCh: make(chan string, stderrBuffer),
		done:     make(chan error, 1),
		exited:   make(chan struct{}),
	}

	// Stderr lines are forwarded in emission order; a full channel drops
	// the line so the worker's pipe never backs up.
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		sc := bufio.NewScanner(stderrPipe)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case h.stderrCh <- sc.Text():
			default:
			}
		}
	}()

	go func() {
		// The pipe must be fully drained before Wait closes it.
		<-scanDone
		err := cmd.Wait()
		close(h.stderrCh)
		h.done <- err
		close(h.exited)
	}()

	return h, nil
}

// Wait blocks until the worker exits or the wall-clock deadline expires. On
// expiry the group is terminated gracefully, observed for the grace period,
// force-killed, and reaped before KilledByTimeout is returned.
func (s *Supervisor) Wait(ctx domain.Context, wh domain.WorkerHandle, deadline time.Duration) (domain.WaitResult, error) {
	h, ok := wh.(*handle)
	if !ok {
		return domain.WaitResult{}, fmt.Errorf("op=supervisor.Wait: foreign handle %T", wh)
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-h.exited:
		return s.exitResult(h), nil
	case <-timer.C:
		if err := s.Terminate(h); err != nil {
			slog.Warn("terminate after deadline", slog.Any("error", err))
		}
		h.reap()
		res := s.exitResult(h)
		res.Outcome = domain.OutcomeKilledByTimeout
		return res, nil
	case <-ctx.Done():
		if err := s.Terminate(h); err != nil {
			slog.Warn("terminate on cancel", slog.Any("error", err))
		}
		h.reap()
		res := s.exitResult(h)
		res.Outcome = domain.OutcomeKilledBySignal
		return res, nil
	}
}

func (s *Supervisor) exitResult(h *handle) domain.WaitResult {
	waitErr := h.reap()
	res := domain.WaitResult{Outcome: domain.OutcomeExited, Stdout: h.stdout.Bytes()}
	if h.cmd.ProcessState != nil {
		res.ExitCode = h.cmd.ProcessState.ExitCode()
		if ws, ok := h.cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Outcome = domain.OutcomeKilledBySignal
		}
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		slog.Warn("worker wait", slog.Any("error", waitErr))
	}
	return res
}

// Terminate sends a graceful signal to the process group, waits the grace
// period, force-kills if still alive, and blocks until the worker is reaped.
func (s *Supervisor) Terminate(wh domain.WorkerHandle) error {
	h, ok := wh.(*handle)
	if !ok {
		return fmt.Errorf("op=supervisor.Terminate: foreign handle %T", wh)
	}
	if err := s.signalGroup(h.pgid, syscall.SIGTERM); err != nil {
		return err
	}
	select {
	case <-h.exited:
	case <-time.After(s.grace):
		if err := s.signalGroup(h.pgid, syscall.SIGKILL); err != nil {
			return err
		}
		<-h.exited
	}
	h.reap()
	return nil
}

// Kill force-kills the process group immediately and blocks until reaped.
func (s *Supervisor) Kill(wh domain.WorkerHandle) error {
	h, ok := wh.(*handle)
	if !ok {
		return fmt.Errorf("op=supervisor.Kill: foreign handle %T", wh)
	}
	if err := s.signalGroup(h.pgid, syscall.SIGKILL); err != nil {
		return err
	}
	<-h.exited
	h.reap()
	return nil
}

// signalGroup delivers sig to the whole group. A vanished group is success;
// permission denials are logged, not fatal.
func (s *Supervisor) signalGroup(pgid int, sig syscall.Signal) error {
	err := syscall.Kill(-pgid, sig)
	switch {
	case err == nil, errors.Is(err, syscall.ESRCH):
		return nil
	case errors.Is(err, syscall.EPERM):
		slog.Warn("signal permission denied", slog.Int("pgid", pgid), slog.String("signal", sig.String()))
		return nil
	default:
		return fmt.Errorf("op=supervisor.signal pgid=%d sig=%s: %w", pgid, sig, err)
	}
}

// Alive reports whether a process with the given pid currently exists.
func (s *Supervisor) Alive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// FindOrphans scans running processes and returns pids whose command line
// matches the predicate. The scan is advisory: processes started after it
// begins may not be observed.
func (s *Supervisor) FindOrphans(ctx domain.Context, match func(cmdline string) bool) ([]int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=supervisor.FindOrphans: %w", err)
	}
	self := os.Getpid()
	var pids []int
	for _, p := range procs {
		if int(p.Pid) == self {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		if match(cmdline) {
			pids = append(pids, int(p.Pid))
		}
	}
	return pids, nil
}

// KillPID force-kills a single pid. Process-already-gone is success.
func (s *Supervisor) KillPID(pid int) error {
	err := syscall.Kill(pid, syscall.SIGKILL)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if errors.Is(err, syscall.EPERM) {
		slog.Warn("kill permission denied", slog.Int("pid", pid))
		return nil
	}
	return fmt.Errorf("op=supervisor.KillPID pid=%d: %w", pid, err)
}

// limitedBuffer caps captured output; excess bytes are discarded while still
// reporting success to exec.Cmd.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.max - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}
