// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// fakeRoot builds a staged-root-shaped directory tree with the given
// executable paths present.
func fakeRoot(t *testing.T, executables ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, p := range executables {
		full := filepath.Join(root, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("#!/bin/sh\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestResolveProgramAbsolute(t *testing.T) {
	root := fakeRoot(t, "bin/sh")
	resolved, err := resolveProgram(root, "/bin/sh")
	if err != nil {
		t.Fatalf("resolveProgram failed: %v", err)
	}
	if resolved != "/bin/sh" {
		t.Errorf("resolved = %q, want /bin/sh", resolved)
	}
}

func TestResolveProgramSearchesPath(t *testing.T) {
	root := fakeRoot(t, "usr/bin/tool")
	resolved, err := resolveProgram(root, "tool")
	if err != nil {
		t.Fatalf("resolveProgram failed: %v", err)
	}
	if resolved != "/usr/bin/tool" {
		t.Errorf("resolved = %q, want /usr/bin/tool", resolved)
	}
}

func TestResolveProgramPrefersEarlierPathEntries(t *testing.T) {
	root := fakeRoot(t, "usr/local/bin/tool", "usr/bin/tool")
	resolved, err := resolveProgram(root, "tool")
	if err != nil {
		t.Fatalf("resolveProgram failed: %v", err)
	}
	if resolved != "/usr/local/bin/tool" {
		t.Errorf("resolved = %q, want /usr/local/bin/tool", resolved)
	}
}

func TestResolveProgramMissing(t *testing.T) {
	root := fakeRoot(t, "bin/sh")
	_, err := resolveProgram(root, "/bin/absent")
	if err == nil {
		t.Fatal("expected error for absent program")
	}
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected LaunchError, got %T: %v", err, err)
	}
	if launchErr.Program != "/bin/absent" {
		t.Errorf("error names %q, want /bin/absent", launchErr.Program)
	}

	if _, err := resolveProgram(root, "absent"); err == nil {
		t.Fatal("expected error for absent bare name")
	}
}

func TestResolveProgramRejectsNonExecutable(t *testing.T) {
	root := t.TempDir()
	full := filepath.Join(root, "bin", "data")
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte("not a program"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := resolveProgram(root, "/bin/data"); err == nil {
		t.Fatal("expected error for non-executable file")
	}
}

func TestResolveProgramRejectsDirectory(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "bin", "subdir"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := resolveProgram(root, "/bin/subdir"); err == nil {
		t.Fatal("expected error for directory target")
	}
}

func TestLaunchCommandPayload(t *testing.T) {
	spec := &initSpec{
		Root:     "/tmp/cage-test",
		Hostname: "cage",
		UID:      65534,
		GID:      65534,
		Caps:     []int{10},
		Program:  "/bin/sh",
		Args:     []string{"-c", "true"},
	}

	fd, err := os.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer fd.Close()

	cmd, payload, err := launchCommand(spec, int(fd.Fd()))
	if err != nil {
		t.Fatalf("launchCommand failed: %v", err)
	}
	defer payload.Close()

	if cmd.Path != "/proc/self/exe" {
		t.Errorf("command path = %q, want /proc/self/exe", cmd.Path)
	}
	if cmd.SysProcAttr == nil || !cmd.SysProcAttr.UseCgroupFD {
		t.Error("launch must clone directly into the control group")
	}
	if len(cmd.Env) != 1 || cmd.Env[0] != initEnvVar+"=1" {
		t.Errorf("launch environment = %v, want only %s=1", cmd.Env, initEnvVar)
	}
	if len(cmd.ExtraFiles) != 1 {
		t.Fatalf("expected one inherited payload descriptor, got %d", len(cmd.ExtraFiles))
	}
}
