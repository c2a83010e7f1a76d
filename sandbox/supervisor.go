// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// State is the supervisor's position in the sandbox lifecycle. Every state
// reaches CleanedUp on any error or termination signal, including
// Initializing.
type State int

const (
	Initializing State = iota
	FilesystemReady
	ResourceGroupReady
	Launched
	Exited
	CleanedUp
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case FilesystemReady:
		return "filesystem-ready"
	case ResourceGroupReady:
		return "resource-group-ready"
	case Launched:
		return "launched"
	case Exited:
		return "exited"
	case CleanedUp:
		return "cleaned-up"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CleanupState holds the in-flight resource handles so that the one cleanup
// routine can reach them from any exit path, including an asynchronous
// termination signal. Handles are registered as each resource is created;
// Run tears both down exactly once, resource group first (it references the
// process running inside the mounts), filesystem second, each guarded so a
// failure in one never skips the other.
type CleanupState struct {
	mu    sync.Mutex
	root  *StagedRoot
	group *ControlGroup
	done  bool
}

// SetRoot registers the staged root for cleanup.
func (c *CleanupState) SetRoot(root *StagedRoot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.root = root
}

// SetGroup registers the control group for cleanup.
func (c *CleanupState) SetGroup(group *ControlGroup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.group = group
}

// Run performs the combined teardown. Safe to call from any exit path and
// from the signal handler; only the first call acts. The individual
// teardowns are themselves idempotent and never propagate errors.
func (c *CleanupState) Run() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	group, root := c.group, c.root
	c.mu.Unlock()

	group.Teardown()
	root.Teardown()
}

// terminationSignals trigger the cleanup path when delivered at any point
// in the lifecycle.
var terminationSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGHUP,
	syscall.SIGTERM,
	syscall.SIGQUIT,
}

// requiredFacilities are the capabilities the supervisor itself needs:
// mount and namespace manipulation, chroot, privilege switching, and
// capability adjustment.
var requiredFacilities = []struct {
	cap  int
	name string
}{
	{unix.CAP_SYS_ADMIN, "CAP_SYS_ADMIN (mount and namespace manipulation)"},
	{unix.CAP_SYS_CHROOT, "CAP_SYS_CHROOT (root switching)"},
	{unix.CAP_SETUID, "CAP_SETUID (privilege switching)"},
	{unix.CAP_SETGID, "CAP_SETGID (privilege switching)"},
	{unix.CAP_SETPCAP, "CAP_SETPCAP (capability adjustment)"},
}

// Supervisor drives the sandbox lifecycle: construction, launch, wait, and
// the cleanup coordination that runs on normal exit, error, or termination
// signal. A Supervisor is single-use.
type Supervisor struct {
	spec     *Spec
	identity *Identity
	logger   *slog.Logger

	mu      sync.Mutex
	state   State
	child   *exec.Cmd
	cleanup *CleanupState
	pending syscall.Signal
}

// NewSupervisor creates a supervisor for one invocation. The logger may be
// nil.
func NewSupervisor(spec *Spec, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		spec:    spec,
		logger:  logger,
		state:   Initializing,
		cleanup: &CleanupState{},
	}
}

// State returns the supervisor's current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Preconditions verifies that the invocation may proceed at all: effective
// superuser identity, and every capability the setup sequence depends on.
// Nothing is created before these pass.
func (s *Supervisor) Preconditions() error {
	if euid := os.Geteuid(); euid != 0 {
		return &PermissionError{UID: euid}
	}
	effective, err := effectiveCapabilities()
	if err != nil {
		return &DependencyMissingError{Facility: fmt.Sprintf("capability probe (%v)", err)}
	}
	for _, f := range requiredFacilities {
		if effective&(1<<uint(f.cap)) == 0 {
			return &DependencyMissingError{Facility: f.name}
		}
	}
	return nil
}

// Run executes the full lifecycle for the given program and arguments and
// returns the exit status to report. Setup errors return a non-nil error
// after partial teardown; a launched program's own exit status is preserved
// through cleanup. If a termination signal arrived while the program was
// running, the returned status is the signal's conventional 128+N.
//
// The setup section holds the supervisor lock, so a signal arriving
// mid-construction waits for the in-flight step to finish recording before
// cleanup runs; a signal before launch cleans up and exits directly from
// the handler.
func (s *Supervisor) Run(program string, args []string) (int, error) {
	if err := s.spec.Validate(); err != nil {
		return 1, err
	}
	if err := s.Preconditions(); err != nil {
		return 1, err
	}

	identity, err := ResolveIdentity(s.spec.User, s.spec.Group)
	if err != nil {
		return 1, err
	}
	s.identity = identity

	mask, err := ParseCapabilities(s.spec.Capabilities)
	if err != nil {
		return 1, &ConfigError{Field: "cap", Reason: err.Error()}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, terminationSignals...)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			s.handleSignal(sig)
		}
	}()

	s.mu.Lock()

	// Initializing -> FilesystemReady.
	root, err := BuildRoot(s.spec, identity, s.cleanup, s.logger)
	if err != nil {
		s.failLocked()
		return 1, err
	}
	s.state = FilesystemReady
	s.logger.Debug("state transition", "state", s.state.String())

	// FilesystemReady -> ResourceGroupReady.
	group, err := CreateControlGroup(s.spec, identity, s.cleanup, s.logger)
	if err != nil {
		s.failLocked()
		return 1, err
	}
	s.state = ResourceGroupReady
	s.logger.Debug("state transition", "state", s.state.String())

	// ResourceGroupReady -> Launched. Program resolution fails before the
	// transition commits, so no half-launched state needs teardown.
	resolved, err := resolveProgram(root.Path, program)
	if err != nil {
		s.failLocked()
		return 1, err
	}

	cgroupFd, err := group.Fd()
	if err != nil {
		s.failLocked()
		return 1, err
	}

	cmd, payload, err := launchCommand(&initSpec{
		Root:     root.Path,
		Hostname: s.spec.Hostname,
		UID:      identity.UID,
		GID:      identity.GID,
		Caps:     mask.Numbers(),
		Program:  resolved,
		Args:     args,
		Env:      []string{"TERM=" + os.Getenv("TERM")},
	}, cgroupFd)
	if err != nil {
		unix.Close(cgroupFd)
		s.failLocked()
		return 1, err
	}

	err = cmd.Start()
	payload.Close()
	unix.Close(cgroupFd)
	if err != nil {
		s.failLocked()
		return 1, &LaunchError{Program: program, Err: err}
	}
	s.child = cmd
	s.state = Launched
	s.logger.Debug("state transition", "state", s.state.String(), "pid", cmd.Process.Pid)
	s.mu.Unlock()

	// Launched -> Exited: the only blocking wait. The child is PID 1 of
	// its namespace, so this effectively waits for the whole namespace.
	waitErr := cmd.Wait()
	status := exitStatus(cmd, waitErr)

	s.mu.Lock()
	s.state = Exited
	pending := s.pending
	s.mu.Unlock()
	s.logger.Debug("state transition", "state", Exited.String(), "status", status)

	// Exited -> CleanedUp. Cleanup never overrides the program's outcome.
	s.cleanup.Run()
	s.setState(CleanedUp)

	if pending != 0 {
		return 128 + int(pending), nil
	}
	return status, nil
}

// handleSignal is the asynchronous termination path. Before launch it
// drives the state machine straight to CleanedUp and exits with the
// signal's conventional status; after launch it forwards the signal to the
// sandboxed process and lets the main flow wait for the real exit before
// tearing down.
func (s *Supervisor) handleSignal(sig os.Signal) {
	signum, ok := sig.(syscall.Signal)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.state >= Launched {
		s.pending = signum
		child := s.child
		s.mu.Unlock()
		s.logger.Debug("forwarding signal to sandboxed process", "signal", signum.String())
		if child != nil && child.Process != nil {
			child.Process.Signal(signum)
		}
		return
	}
	s.logger.Debug("termination signal before launch, cleaning up", "signal", signum.String(), "state", s.state.String())
	s.state = CleanedUp
	s.mu.Unlock()

	s.cleanup.Run()
	os.Exit(128 + int(signum))
}

// failLocked routes a setup failure to CleanedUp. Called with the lock
// held.
func (s *Supervisor) failLocked() {
	s.state = CleanedUp
	s.mu.Unlock()
	s.cleanup.Run()
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// exitStatus extracts the status to report from a finished child: its exit
// code, or 128+N when the child died on signal N.
func exitStatus(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return 1
}
