// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// ValidationResult holds the result of one pre-flight check.
type ValidationResult struct {
	Name    string
	Passed  bool
	Message string
	Warning bool // True if this is a warning, not an error.
}

// Validator performs pre-flight validation for a sandbox invocation
// without creating any resources.
type Validator struct {
	results []ValidationResult
	errors  int
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{results: make([]ValidationResult, 0)}
}

// Results returns all validation results.
func (v *Validator) Results() []ValidationResult {
	return v.results
}

// HasErrors returns true if any validation failed.
func (v *Validator) HasErrors() bool {
	return v.errors > 0
}

func (v *Validator) pass(name, message string) {
	v.results = append(v.results, ValidationResult{Name: name, Passed: true, Message: message})
}

func (v *Validator) warn(name, message string) {
	v.results = append(v.results, ValidationResult{Name: name, Passed: true, Message: message, Warning: true})
}

func (v *Validator) fail(name, message string) {
	v.results = append(v.results, ValidationResult{Name: name, Passed: false, Message: message})
	v.errors++
}

// ValidateAll runs every pre-flight check for the spec.
func (v *Validator) ValidateAll(spec *Spec) {
	v.ValidateSuperuser()
	v.ValidateCapabilities()
	v.ValidateControlGroups()
	v.ValidateIdentity(spec.User, spec.Group)
	v.ValidatePaths(spec.ReadOnlyPaths, "read-only")
	v.ValidatePaths(spec.ReadWritePaths, "read-write")
	v.ValidateSpec(spec)
}

// ValidateSuperuser checks for effective root identity.
func (v *Validator) ValidateSuperuser() {
	euid := os.Geteuid()
	if euid != 0 {
		v.fail("superuser", fmt.Sprintf("effective uid is %d, sandbox setup requires root", euid))
		return
	}
	v.pass("superuser", "running as root")
}

// ValidateCapabilities checks that the capabilities the setup sequence
// depends on are present in our own effective set.
func (v *Validator) ValidateCapabilities() {
	effective, err := effectiveCapabilities()
	if err != nil {
		v.fail("capabilities", fmt.Sprintf("cannot probe effective capabilities: %v", err))
		return
	}
	var missing []string
	for _, f := range requiredFacilities {
		if effective&(1<<uint(f.cap)) == 0 {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		v.fail("capabilities", "missing: "+strings.Join(missing, ", "))
		return
	}
	v.pass("capabilities", "all required capabilities present")
}

// ValidateControlGroups checks that the cgroup v2 unified hierarchy is
// mounted with the cpu, memory, and pids controllers available.
func (v *Validator) ValidateControlGroups() {
	if err := checkControllers(); err != nil {
		v.fail("cgroup2", err.Error())
		return
	}
	v.pass("cgroup2", fmt.Sprintf("unified hierarchy at %s with cpu, memory, pids", cgroupMountpoint))
}

// ValidateIdentity checks that the substitute user and group resolve.
func (v *Validator) ValidateIdentity(userRef, groupRef string) {
	id, err := ResolveIdentity(userRef, groupRef)
	if err != nil {
		v.fail("identity", err.Error())
		return
	}
	if id.UID == 0 {
		v.warn("identity", fmt.Sprintf("substitute user %q is uid 0; the sandboxed program will run as root", userRef))
		return
	}
	v.pass("identity", fmt.Sprintf("%s:%s resolves to %d:%d", userRef, groupRef, id.UID, id.GID))
}

// ValidatePaths checks that every whitelisted path exists and is readable.
func (v *Validator) ValidatePaths(paths []string, kind string) {
	for _, p := range paths {
		name := "path:" + kind
		if !filepath.IsAbs(p) {
			v.fail(name, fmt.Sprintf("%s is not absolute", p))
			continue
		}
		resolved, err := filepath.EvalSymlinks(p)
		if err != nil {
			v.fail(name, fmt.Sprintf("%s: %v", p, err))
			continue
		}
		if err := unix.Access(resolved, unix.R_OK); err != nil {
			v.fail(name, fmt.Sprintf("%s is not readable: %v", p, err))
			continue
		}
		v.pass(name, resolved)
	}
}

// ValidateSpec checks the limit ranges.
func (v *Validator) ValidateSpec(spec *Spec) {
	if err := spec.Validate(); err != nil {
		v.fail("limits", err.Error())
		return
	}
	v.pass("limits", fmt.Sprintf("pids=%d cpu=%d%% memory=%dMB", spec.ProcMax, spec.CPUPercent, spec.MemoryLimitMB))
}

// PrintResults writes validation results to a writer.
func (v *Validator) PrintResults(w io.Writer) {
	for _, r := range v.results {
		var prefix string
		if r.Passed {
			if r.Warning {
				prefix = "⚠"
			} else {
				prefix = "✓"
			}
		} else {
			prefix = "✗"
		}
		fmt.Fprintf(w, "%s %s: %s\n", prefix, r.Name, r.Message)
	}

	fmt.Fprintln(w)
	if v.HasErrors() {
		fmt.Fprintf(w, "Validation failed with %d error(s)\n", v.errors)
	} else {
		fmt.Fprintln(w, "Ready to run sandbox")
	}
}
