// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox constructs, supervises, and tears down isolated execution
// environments for a single program: a private filesystem root containing
// only whitelisted paths, new PID/mount/UTS namespaces, a cgroup v2 resource
// group with process-count, CPU, and memory ceilings, and a substitute
// unprivileged identity with an explicit capability mask.
//
// The central type is [Supervisor], which drives the lifecycle as an
// explicit state machine: Initializing → FilesystemReady →
// ResourceGroupReady → Launched → Exited → CleanedUp. Every state reaches
// CleanedUp on error or termination signal; [CleanupState] carries the
// in-flight resource handles so the asynchronous signal path and the normal
// exit path share one idempotent teardown routine, resource group first,
// filesystem second.
//
// Filesystem isolation is the primary boundary. [BuildRoot] stages a
// temporary root, recreates each whitelisted path's absolute structure
// under it, and recursively bind-mounts the source onto it with private
// propagation. Read-only paths are sealed via mount_setattr. Read-write paths
// mount after read-only ones, so a path listed in both ends up writable.
// Fixed entries complete the root: read-only devtmpfs, proc, and sysfs at
// /dev, /proc, /sys, a sticky world-writable /tmp, and an owner-writable
// /run. [StagedRoot.Teardown] unwinds it all from the recorded mount log
// plus repeated mount-table scans, tolerating interrupted construction and
// never failing destructively.
//
// Resource limits go through the cgroup v2 unified hierarchy
// ([CreateControlGroup], containerd/cgroups): pids.max, a hard cpu.max
// bandwidth quota over a fixed 1s period, and memory.max, in a uniquely
// named group delegated to the substitute identity. The launched process
// starts inside the group via CLONE_INTO_CGROUP.
//
// Launch re-execs this binary as a hidden init stage ([RunInit]) inside the
// new namespaces. The init stage sets the hostname, chroots into the staged
// root, drops to the substitute identity with the requested capability mask
// applied to the permitted, effective, inheritable, and ambient sets, sets
// no_new_privs, and execs the target program as PID 1 of the namespace.
//
// The package deliberately has no network namespace handling, no image or
// layer formats, and no multi-process orchestration; it sandboxes exactly
// one invocation of one program.
package sandbox
