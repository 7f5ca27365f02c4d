// Package process supervises the single blockchain node child process an
// agent runs: spawn, persisted pid for crash recovery, and graceful
// SIGINT->SIGKILL shutdown with a 10s deadline. Grounded on spec §4.6 and
// the teacher's os/exec subprocess handling idiom, generalized to a
// single-child invariant with disk-persisted pid.
package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/snops/pkg/apierr"
	"github.com/cuemby/snops/pkg/log"
)

// ShutdownDeadline is how long a graceful SIGINT is given before SIGKILL.
const ShutdownDeadline = 10 * time.Second

// Command is the desired child process invocation; two Commands compare
// equal (via Equal) when they would produce the identical process.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

func (c Command) Equal(other Command) bool {
	if c.Path != other.Path || c.Dir != other.Dir || len(c.Args) != len(other.Args) || len(c.Env) != len(other.Env) {
		return false
	}
	for i := range c.Args {
		if c.Args[i] != other.Args[i] {
			return false
		}
	}
	for i := range c.Env {
		if c.Env[i] != other.Env[i] {
			return false
		}
	}
	return true
}

// PidStore persists the supervised child's OS pid so a restarted agent can
// find and reap a zombie left by its previous instance.
type PidStore struct {
	path string
}

func NewPidStore(dataDir string) *PidStore {
	return &PidStore{path: dataDir + "/node.pid"}
}

func (s *PidStore) Load() (int, bool) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return 0, false
	}
	var pid int
	if _, err := fmt.Sscanf(string(b), "%d", &pid); err != nil {
		return 0, false
	}
	return pid, true
}

func (s *PidStore) Save(pid int) error {
	return os.WriteFile(s.path, []byte(fmt.Sprintf("%d", pid)), 0o600)
}

func (s *PidStore) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Supervisor owns the at-most-one live child invariant for one agent.
type Supervisor struct {
	pids PidStore

	mu        sync.Mutex
	cmd       *exec.Cmd
	current   *Command
	waitCh    chan struct{}
	sigintAt  time.Time
	sigkilled bool
}

// NewSupervisor constructs a Supervisor and, if a pid was persisted from a
// prior agent instance, attempts to reap it immediately.
func NewSupervisor(dataDir string) *Supervisor {
	s := &Supervisor{pids: *NewPidStore(dataDir)}
	if pid, ok := s.pids.Load(); ok {
		s.reapStale(pid)
	}
	return s
}

func (s *Supervisor) reapStale(pid int) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		_ = s.pids.Clear()
		return
	}
	log.Logger.Info().Int("pid", pid).Msg("process: reaping stale child from prior agent instance")
	_ = proc.Signal(syscall.SIGINT)
	done := make(chan struct{})
	go func() {
		_, _ = proc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ShutdownDeadline):
		_ = proc.Signal(syscall.SIGKILL)
		<-done
	}
	_ = s.pids.Clear()
}

// IsRunning reports whether the supervised child is currently alive.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// Current returns the command presently running, if any.
func (s *Supervisor) Current() (Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Command{}, false
	}
	return *s.current, true
}

// Spawn starts cmd as the supervised child. Callers must ensure no child is
// currently running (drive EndProcessReconciler to completion first); the
// single-child invariant is enforced by returning an error otherwise.
func (s *Supervisor) Spawn(cmd Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return apierr.New(apierr.KindInternal, "process.already-running", "a child process is already running")
	}

	execCmd := exec.Command(cmd.Path, cmd.Args...)
	execCmd.Env = cmd.Env
	execCmd.Dir = cmd.Dir
	execCmd.Stdout = os.Stdout
	execCmd.Stderr = os.Stderr

	if err := execCmd.Start(); err != nil {
		return apierr.SpawnFailed(err)
	}
	if err := s.pids.Save(execCmd.Process.Pid); err != nil {
		log.Logger.Warn().Err(err).Msg("process: failed to persist child pid")
	}

	s.cmd = execCmd
	s.current = &cmd
	s.sigintAt = time.Time{}
	s.sigkilled = false
	s.waitCh = make(chan struct{})

	waitCh := s.waitCh
	go func() {
		_ = execCmd.Wait()
		s.mu.Lock()
		s.cmd = nil
		s.current = nil
		_ = s.pids.Clear()
		s.mu.Unlock()
		close(waitCh)
	}()

	log.Logger.Info().Str("path", cmd.Path).Int("pid", execCmd.Process.Pid).Msg("process: spawned child")
	return nil
}

// GracefulShutdown is idempotent: the first call sends SIGINT and records
// the instant; later calls escalate to SIGKILL once the deadline has
// elapsed. It races the shutdown deadline against a user-initiated SIGINT
// (ctx cancellation), which immediately escalates.
func (s *Supervisor) GracefulShutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.cmd == nil {
		s.mu.Unlock()
		return nil
	}
	proc := s.cmd.Process
	waitCh := s.waitCh
	if s.sigintAt.IsZero() {
		s.sigintAt = time.Now()
		_ = proc.Signal(syscall.SIGINT)
		log.Logger.Info().Int("pid", proc.Pid).Msg("process: sent SIGINT")
	}
	deadline := s.sigintAt.Add(ShutdownDeadline)
	s.mu.Unlock()

	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		s.escalate(proc)
		<-waitCh
		return nil
	case <-time.After(time.Until(deadline)):
		s.escalate(proc)
		<-waitCh
		return nil
	}
}

// StepShutdown is the non-blocking tick used by EndProcessReconciler: it
// sends SIGINT on first call, escalates to SIGKILL once ShutdownDeadline
// has elapsed since, and reports whether the child has exited. Unlike
// GracefulShutdown it never blocks, so a reconciler driver can requeue it
// on an interval instead of dedicating a goroutine to the wait.
func (s *Supervisor) StepShutdown() (exited bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return true
	}
	proc := s.cmd.Process
	if s.sigintAt.IsZero() {
		s.sigintAt = time.Now()
		_ = proc.Signal(syscall.SIGINT)
		log.Logger.Info().Int("pid", proc.Pid).Msg("process: sent SIGINT")
		return false
	}
	if !s.sigkilled && time.Since(s.sigintAt) > ShutdownDeadline {
		s.sigkilled = true
		_ = proc.Signal(syscall.SIGKILL)
		log.Logger.Warn().Int("pid", proc.Pid).Msg("process: escalating to SIGKILL")
	}
	return false
}

func (s *Supervisor) escalate(proc *os.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sigkilled {
		return
	}
	s.sigkilled = true
	log.Logger.Warn().Int("pid", proc.Pid).Msg("process: escalating to SIGKILL")
	_ = proc.Signal(syscall.SIGKILL)
}
