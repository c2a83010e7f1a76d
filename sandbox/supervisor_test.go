// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Initializing:       "initializing",
		FilesystemReady:    "filesystem-ready",
		ResourceGroupReady: "resource-group-ready",
		Launched:           "launched",
		Exited:             "exited",
		CleanedUp:          "cleaned-up",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(state), got, want)
		}
	}
}

func TestCleanupStateRunsOnce(t *testing.T) {
	cleanup := &CleanupState{}

	// Empty state: both calls are no-ops and must not panic.
	cleanup.Run()
	cleanup.Run()

	// With handles: the handles' own torn-down flags make a second Run
	// harmless, and Run itself only acts once.
	cleanup = &CleanupState{}
	root := &StagedRoot{}
	group := &ControlGroup{}
	cleanup.SetRoot(root)
	cleanup.SetGroup(group)
	cleanup.Run()
	cleanup.Run()
	if !root.torn || !group.torn {
		t.Error("cleanup should have marked both handles torn down")
	}
}

func TestPreconditionsWithoutRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("requires non-root")
	}
	supervisor := NewSupervisor(DefaultSpec(), nil)
	err := supervisor.Preconditions()
	if err == nil {
		t.Fatal("expected error as non-root")
	}
	var permErr *PermissionError
	if !errors.As(err, &permErr) {
		t.Fatalf("expected PermissionError, got %T: %v", err, err)
	}
}

func TestSupervisorStartsInitializing(t *testing.T) {
	supervisor := NewSupervisor(DefaultSpec(), nil)
	if got := supervisor.State(); got != Initializing {
		t.Errorf("new supervisor state = %v, want %v", got, Initializing)
	}
}

func TestExitStatus(t *testing.T) {
	ok := exec.Command("/bin/true")
	if err := ok.Run(); err != nil {
		t.Fatalf("running /bin/true: %v", err)
	}
	if got := exitStatus(ok, nil); got != 0 {
		t.Errorf("exitStatus for clean exit = %d, want 0", got)
	}

	bad := exec.Command("/bin/false")
	err := bad.Run()
	if err == nil {
		t.Fatal("/bin/false should fail")
	}
	if got := exitStatus(bad, err); got != 1 {
		t.Errorf("exitStatus for /bin/false = %d, want 1", got)
	}

	if got := exitStatus(nil, errors.New("never started")); got != 1 {
		t.Errorf("exitStatus for non-exit error = %d, want 1", got)
	}
}

// TestSignalBeforeLaunchCleansUp delivers a termination signal while the
// supervisor is still in ResourceGroupReady, with a real staged root and
// control group registered. The signal path must tear both down and exit
// with the signal's conventional status, so it runs in a subprocess.
func TestSignalBeforeLaunchCleansUp(t *testing.T) {
	if os.Getenv("CAGE_TEST_SIGNAL_STAGE") == "1" {
		signalBeforeLaunchStage()
	}
	skipIfNotRoot(t)

	stateFile := filepath.Join(t.TempDir(), "paths")
	cmd := exec.Command(os.Args[0], "-test.run=TestSignalBeforeLaunchCleansUp")
	cmd.Env = append(os.Environ(),
		"CAGE_TEST_SIGNAL_STAGE=1",
		"CAGE_TEST_STATE_FILE="+stateFile,
	)
	output, err := cmd.CombinedOutput()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("subprocess did not exit with a status: %v (output: %s)", err, output)
	}
	want := 128 + int(syscall.SIGTERM)
	if got := exitErr.ExitCode(); got != want {
		t.Fatalf("subprocess exit code = %d, want %d (output: %s)", got, want, output)
	}

	record, err := os.ReadFile(stateFile)
	if err != nil {
		t.Fatalf("subprocess never recorded its resources: %v", err)
	}
	paths := strings.Fields(string(record))
	if len(paths) != 2 {
		t.Fatalf("state file holds %q, want a root path and a group path", record)
	}
	for _, p := range paths {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s still present after signal-driven cleanup", p)
		}
	}
}

// signalBeforeLaunchStage is the subprocess body for
// TestSignalBeforeLaunchCleansUp. It builds the root and the group, records
// their host paths for the parent, then hands handleSignal a SIGTERM in
// state ResourceGroupReady. handleSignal never returns before launch.
func signalBeforeLaunchStage() {
	fail := func(err error) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	spec := DefaultSpec()
	spec.ReadOnlyPaths = []string{"/bin"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	supervisor := NewSupervisor(spec, logger)
	identity := &Identity{UID: 0, GID: 0}

	root, err := BuildRoot(spec, identity, supervisor.cleanup, logger)
	if err != nil {
		fail(err)
	}
	group, err := CreateControlGroup(spec, identity, supervisor.cleanup, logger)
	if err != nil {
		fail(err)
	}
	record := root.Path + "\n" + filepath.Join(cgroupMountpoint, group.Name) + "\n"
	if err := os.WriteFile(os.Getenv("CAGE_TEST_STATE_FILE"), []byte(record), 0o644); err != nil {
		fail(err)
	}

	supervisor.mu.Lock()
	supervisor.state = ResourceGroupReady
	supervisor.mu.Unlock()
	supervisor.handleSignal(syscall.SIGTERM)
	os.Exit(3)
}

func TestRunRejectsInvalidSpec(t *testing.T) {
	spec := DefaultSpec()
	spec.CPUPercent = 500
	supervisor := NewSupervisor(spec, nil)
	code, err := supervisor.Run("/bin/true", nil)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	var configErr *ConfigError
	if !errors.As(err, &configErr) {
		t.Errorf("expected ConfigError, got %T: %v", err, err)
	}
}
