// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	loader := NewProfileLoader()
	if err := loader.LoadDefaults(); err != nil {
		t.Fatalf("LoadDefaults failed: %v", err)
	}

	names := loader.List()
	if len(names) != 2 || names[0] != "minimal" || names[1] != "shell" {
		t.Errorf("unexpected profile names: %v", names)
	}

	profile, err := loader.Resolve("minimal")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(profile.ReadOnly) == 0 {
		t.Error("minimal profile should whitelist read-only paths")
	}
}

func TestResolveUnknownProfile(t *testing.T) {
	loader := NewProfileLoader()
	if err := loader.LoadDefaults(); err != nil {
		t.Fatalf("LoadDefaults failed: %v", err)
	}
	if _, err := loader.Resolve("no-such-profile"); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestLaterConfigWins(t *testing.T) {
	loader := NewProfileLoader()
	if err := loader.LoadDefaults(); err != nil {
		t.Fatalf("LoadDefaults failed: %v", err)
	}

	override := filepath.Join(t.TempDir(), "profiles.yaml")
	content := `
profiles:
  shell:
    description: "replacement"
    memory_limit_mb: 512
`
	if err := os.WriteFile(override, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := loader.LoadFile(override); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	profile, err := loader.Resolve("shell")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if profile.MemoryLimitMB != 512 {
		t.Errorf("memory_limit_mb = %d, want 512 from the later file", profile.MemoryLimitMB)
	}
}

func TestProfileApply(t *testing.T) {
	spec := DefaultSpec()
	profile := &Profile{
		ReadOnly:      []string{"/opt/app"},
		MemoryLimitMB: 256,
		User:          "appuser",
	}
	profile.Apply(spec)

	if len(spec.ReadOnlyPaths) != 1 || spec.ReadOnlyPaths[0] != "/opt/app" {
		t.Errorf("read-only paths = %v", spec.ReadOnlyPaths)
	}
	if spec.MemoryLimitMB != 256 {
		t.Errorf("memory = %d, want 256", spec.MemoryLimitMB)
	}
	if spec.User != "appuser" {
		t.Errorf("user = %q, want appuser", spec.User)
	}

	// Unset profile fields leave the spec defaults alone.
	if spec.ProcMax != 100 || spec.CPUPercent != 10 || spec.Group != "nogroup" {
		t.Errorf("unset profile fields must not clobber defaults: %+v", spec)
	}
}

func TestParseProfilesConfigRejectsBadYAML(t *testing.T) {
	if _, err := ParseProfilesConfig([]byte("profiles: [not a map")); err == nil {
		t.Fatal("expected parse error")
	}
}
