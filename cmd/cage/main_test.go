// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"
)

func TestRunHelp(t *testing.T) {
	code, err := run([]string{"--help"})
	if err != nil {
		t.Fatalf("run(--help) failed: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
}

func TestRunMissingProgram(t *testing.T) {
	code, err := run([]string{"--can-read=/bin"})
	if err == nil {
		t.Fatal("expected usage error without a program")
	}
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestRunUnknownFlag(t *testing.T) {
	if _, err := run([]string{"--no-such-flag"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestRunInvalidLimit(t *testing.T) {
	// Range validation fires before any resource is touched, so this is
	// safe to exercise regardless of privileges.
	code, err := run([]string{"--cpu-pct=0", "--can-read=/bin", "--", "/bin/true"})
	if err == nil {
		t.Fatal("expected validation error for cpu-pct=0")
	}
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestRunProfileFileRequiresProfile(t *testing.T) {
	if _, err := run([]string{"--profile-file=/tmp/profiles.yaml", "--", "/bin/true"}); err == nil {
		t.Fatal("expected error for --profile-file without --profile")
	}
}
