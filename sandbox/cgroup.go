// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/cgroups/v3/cgroup2"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

const (
	// cgroupMountpoint is the cgroup v2 unified hierarchy root.
	cgroupMountpoint = "/sys/fs/cgroup"

	// controlGroupPrefix prefixes every generated group name. The random
	// suffix keeps concurrent invocations on the same host from colliding.
	controlGroupPrefix = "cage-"

	// cpuPeriod is the fixed CPU bandwidth scheduling period in
	// microseconds. The quota is a fraction of this period, so the
	// sandboxed program is hard-capped regardless of system load.
	cpuPeriod = 1_000_000
)

// ControlGroup is the handle for one sandbox's resource-control group, with
// process-count, CPU, and memory controllers attached. Exactly one handle
// exists per invocation; the handle remembers that it has been torn down.
type ControlGroup struct {
	// Name is the generated group name, or "" once torn down.
	Name string

	path    string
	manager *cgroup2.Manager
	logger  *slog.Logger
	torn    bool
}

// GroupResources translates the sandbox limits into a runtime-spec resource
// description: pids.max = procMax, cpu.max = period*cpuPercent/100 over a
// 1,000,000µs period, memory.max = memoryLimitMB MiB. It rejects
// out-of-range values without touching the host.
func GroupResources(procMax, cpuPercent, memoryLimitMB int) (*specs.LinuxResources, error) {
	if procMax <= 0 {
		return nil, &ResourceGroupError{Op: "configure pids.max", Err: fmt.Errorf("process limit %d is not positive", procMax)}
	}
	if cpuPercent <= 0 || cpuPercent > 100 {
		return nil, &ResourceGroupError{Op: "configure cpu.max", Err: fmt.Errorf("cpu percent %d out of range (0,100]", cpuPercent)}
	}
	if memoryLimitMB <= 0 {
		return nil, &ResourceGroupError{Op: "configure memory.max", Err: fmt.Errorf("memory limit %d MB is not positive", memoryLimitMB)}
	}

	quota := int64(cpuPeriod) * int64(cpuPercent) / 100
	period := uint64(cpuPeriod)
	memory := int64(memoryLimitMB) * 1024 * 1024

	return &specs.LinuxResources{
		CPU:    &specs.LinuxCPU{Quota: &quota, Period: &period},
		Memory: &specs.LinuxMemory{Limit: &memory},
		Pids:   &specs.LinuxPids{Limit: int64(procMax)},
	}, nil
}

// CreateControlGroup creates the sandbox's control group with a unique name
// and the configured limits, and delegates ownership to the substitute
// identity so the unprivileged process may be placed into it. The handle is
// registered with cleanup before limits are applied.
func CreateControlGroup(spec *Spec, identity *Identity, cleanup *CleanupState, logger *slog.Logger) (*ControlGroup, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := checkControllers(); err != nil {
		return nil, err
	}

	resources, err := GroupResources(spec.ProcMax, spec.CPUPercent, spec.MemoryLimitMB)
	if err != nil {
		return nil, err
	}

	name, err := generateGroupName()
	if err != nil {
		return nil, &ResourceGroupError{Op: "generate group name", Err: err}
	}

	group := &ControlGroup{
		Name:   name,
		path:   filepath.Join(cgroupMountpoint, name),
		logger: logger,
	}
	if cleanup != nil {
		cleanup.SetGroup(group)
	}

	manager, err := cgroup2.NewManager(cgroupMountpoint, "/"+name, cgroup2.ToResources(resources))
	if err != nil {
		return nil, &ResourceGroupError{Op: "create group " + name, Err: err}
	}
	group.manager = manager

	// Delegate the group and its membership file so the sandboxed identity
	// can be attached and can manage its own descendants.
	for _, p := range []string{group.path, filepath.Join(group.path, "cgroup.procs")} {
		if err := os.Chown(p, identity.UID, identity.GID); err != nil {
			return nil, &ResourceGroupError{Op: "delegate " + p, Err: err}
		}
	}

	logger.Debug("control group created",
		"name", name,
		"pids_max", spec.ProcMax,
		"cpu_pct", spec.CPUPercent,
		"memory_mb", spec.MemoryLimitMB,
	)
	return group, nil
}

// Fd opens the group directory for use with CLONE_INTO_CGROUP, so the
// launched process starts life already inside the group. The caller closes
// the descriptor after the clone.
func (g *ControlGroup) Fd() (int, error) {
	fd, err := unix.Open(g.path, unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, &ResourceGroupError{Op: "open " + g.path, Err: err}
	}
	return fd, nil
}

// teardownRetries bounds the delete loop while terminating members drain.
const teardownRetries = 20

// Teardown deletes the control group. It is idempotent: a missing or
// already-deleted group is success. A group that still has terminating
// members is killed and the delete retried; persistent failure is logged
// rather than propagated, so filesystem teardown always runs.
func (g *ControlGroup) Teardown() {
	if g == nil || g.torn || g.Name == "" {
		return
	}
	g.torn = true
	logger := g.logger
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := os.Stat(g.path); errors.Is(err, os.ErrNotExist) {
		return
	}
	if g.manager == nil {
		// Construction was interrupted before the manager existed; the
		// directory may still have been created.
		os.Remove(g.path)
		return
	}

	// Ask the kernel to kill remaining members, then wait for membership
	// to clear. Delete fails with EBUSY until the last member is reaped.
	if err := g.manager.Kill(); err != nil {
		logger.Debug("cgroup kill failed", "group", g.Name, "error", err)
	}
	var err error
	for i := 0; i < teardownRetries; i++ {
		err = g.manager.Delete()
		if err == nil || errors.Is(err, os.ErrNotExist) {
			logger.Debug("control group removed", "group", g.Name)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	logger.Warn("control group not removed, manual inspection required", "group", g.Name, "error", err)
}

// checkControllers verifies that the unified hierarchy is mounted and that
// the cpu, memory, and pids controllers are available on it.
func checkControllers() error {
	data, err := os.ReadFile(filepath.Join(cgroupMountpoint, "cgroup.controllers"))
	if err != nil {
		return &ResourceGroupError{Op: "probe cgroup v2", Err: fmt.Errorf("unified hierarchy not mounted at %s: %w", cgroupMountpoint, err)}
	}
	available := strings.Fields(string(data))
	for _, want := range []string{"cpu", "memory", "pids"} {
		found := false
		for _, have := range available {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return &ResourceGroupError{Op: "probe cgroup v2", Err: fmt.Errorf("controller %q not available", want)}
		}
	}
	return nil
}

// generateGroupName returns the fixed prefix plus a random hex suffix.
func generateGroupName() (string, error) {
	var raw [6]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return controlGroupPrefix + hex.EncodeToString(raw[:]), nil
}
