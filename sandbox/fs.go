// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// MountRecord is one entry in a staged root's mount log: the absolute target
// path of a bind or pseudo-filesystem mount, and whether it was mounted
// read-only. The log is appended as each mount succeeds and consumed in
// reverse during teardown, so an interrupted build still leaves an accurate
// record of what must be unwound.
type MountRecord struct {
	Target   string
	ReadOnly bool
}

// StagedRoot is the sandbox's private filesystem root: a temporary directory
// containing bind mounts of the whitelisted paths, read-only pseudo
// filesystems at /dev, /proc and /sys, and fresh /tmp and /run directories.
// A StagedRoot is exclusively owned by one supervisor run. Teardown is
// idempotent; the handle remembers that it has already been torn down.
type StagedRoot struct {
	// Path is the staged root directory on the host, or "" once torn down.
	Path string

	mounts  []MountRecord
	scratch []string
	logger  *slog.Logger
	torn    bool
}

// Mounts returns a copy of the mount log.
func (r *StagedRoot) Mounts() []MountRecord {
	out := make([]MountRecord, len(r.mounts))
	copy(out, r.mounts)
	return out
}

// BuildRoot stages a private filesystem root for the sandbox. Every path in
// the spec's whitelist is checked for existence and readability before any
// mount is attempted, so partially-invalid input never begins mutating host
// state. The root is registered with cleanup as soon as the directory
// exists, and each successful mount is recorded before the next is
// attempted, so a failure mid-sequence still tears down cleanly.
//
// Read-only paths are mounted first, then read-write paths; a path listed
// in both categories ends up writable because the read-write bind mounts
// last and shadows the read-only one.
func BuildRoot(spec *Spec, identity *Identity, cleanup *CleanupState, logger *slog.Logger) (*StagedRoot, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Resolve and verify every whitelisted path up front.
	readOnly, err := canonicalizePaths(spec.ReadOnlyPaths)
	if err != nil {
		return nil, err
	}
	readWrite, err := canonicalizePaths(spec.ReadWritePaths)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "cage-")
	if err != nil {
		return nil, &FilesystemError{Op: "create staged root", Path: "", Err: err}
	}
	root := &StagedRoot{Path: dir, logger: logger}
	if cleanup != nil {
		cleanup.SetRoot(root)
	}
	logger.Debug("staged root created", "path", dir)

	if err := os.Chmod(dir, 0o700); err != nil {
		return nil, &FilesystemError{Op: "chmod", Path: dir, Err: err}
	}
	if err := os.Chown(dir, identity.UID, identity.GID); err != nil {
		return nil, &FilesystemError{Op: "chown", Path: dir, Err: err}
	}

	for _, source := range readOnly {
		if err := root.bindMount(source, true); err != nil {
			return nil, err
		}
	}
	for _, source := range readWrite {
		if err := root.bindMount(source, false); err != nil {
			return nil, err
		}
	}

	if err := root.mountPseudo("devtmpfs", "/dev", "mode=755"); err != nil {
		return nil, err
	}
	if err := root.mountPseudo("proc", "/proc", ""); err != nil {
		return nil, err
	}
	if err := root.mountPseudo("sysfs", "/sys", ""); err != nil {
		return nil, err
	}

	// World-writable sticky /tmp, owner-writable /run.
	tmp := filepath.Join(dir, "tmp")
	if err := os.Mkdir(tmp, 0o777); err != nil {
		return nil, &FilesystemError{Op: "mkdir", Path: tmp, Err: err}
	}
	if err := os.Chmod(tmp, 0o1777); err != nil {
		return nil, &FilesystemError{Op: "chmod", Path: tmp, Err: err}
	}
	root.scratch = append(root.scratch, tmp)

	run := filepath.Join(dir, "run")
	if err := os.Mkdir(run, 0o755); err != nil {
		return nil, &FilesystemError{Op: "mkdir", Path: run, Err: err}
	}
	if err := os.Chown(run, identity.UID, identity.GID); err != nil {
		return nil, &FilesystemError{Op: "chown", Path: run, Err: err}
	}
	root.scratch = append(root.scratch, run)

	logger.Debug("staged root ready", "path", dir, "mounts", len(root.mounts))
	return root, nil
}

// canonicalizePaths resolves each whitelisted path to its canonical absolute
// form and verifies it exists and is readable. Any failure is a
// PathNotFoundError naming the offending path.
func canonicalizePaths(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		resolved, err := filepath.EvalSymlinks(p)
		if err != nil {
			return nil, &PathNotFoundError{Path: p, Err: err}
		}
		if err := unix.Access(resolved, unix.R_OK); err != nil {
			return nil, &PathNotFoundError{Path: p, Err: fmt.Errorf("not readable: %w", err)}
		}
		out = append(out, resolved)
	}
	return out, nil
}

// bindMount recreates source's absolute path structure under the staged root
// and bind-mounts source onto it, recursively and with private propagation.
// Read-only binds are sealed with mount_setattr so nested mounts under the
// source are captured read-only as well.
func (r *StagedRoot) bindMount(source string, readOnly bool) error {
	target := filepath.Join(r.Path, source)

	info, err := os.Stat(source)
	if err != nil {
		return &PathNotFoundError{Path: source, Err: err}
	}
	if info.IsDir() {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return &FilesystemError{Op: "mkdir", Path: target, Err: err}
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return &FilesystemError{Op: "mkdir", Path: filepath.Dir(target), Err: err}
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return &FilesystemError{Op: "create mount point", Path: target, Err: err}
		}
		f.Close()
	}

	if err := unix.Mount(source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return &FilesystemError{Op: "bind mount", Path: target, Err: err}
	}
	r.record(target, readOnly)

	if err := unix.Mount("", target, "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return &FilesystemError{Op: "set private propagation", Path: target, Err: err}
	}
	if readOnly {
		if err := sealReadOnly(target); err != nil {
			return &FilesystemError{Op: "remount read-only", Path: target, Err: err}
		}
	}

	r.logger.Debug("bind mounted", "source", source, "target", target, "read_only", readOnly)
	return nil
}

// sealReadOnly marks a bind mount and everything below it read-only.
// mount_setattr(2) with AT_RECURSIVE covers nested mounts in one call;
// kernels without it get the classic single-level remount.
func sealReadOnly(target string) error {
	attr := unix.MountAttr{Attr_set: unix.MOUNT_ATTR_RDONLY}
	err := unix.MountSetattr(unix.AT_FDCWD, target, unix.AT_RECURSIVE, &attr)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.ENOSYS) && !errors.Is(err, unix.EINVAL) {
		return err
	}
	return unix.Mount("", target, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, "")
}

// mountPseudo mounts a fresh, read-only instance of a kernel pseudo
// filesystem at the given location under the staged root.
func (r *StagedRoot) mountPseudo(fstype, location, data string) error {
	target := filepath.Join(r.Path, location)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return &FilesystemError{Op: "mkdir", Path: target, Err: err}
	}
	flags := uintptr(unix.MS_RDONLY | unix.MS_NOSUID | unix.MS_NOEXEC)
	if fstype != "devtmpfs" {
		flags |= unix.MS_NODEV
	}
	if err := unix.Mount(fstype, target, fstype, flags, data); err != nil {
		return &FilesystemError{Op: "mount " + fstype, Path: target, Err: err}
	}
	r.record(target, true)
	r.logger.Debug("pseudo filesystem mounted", "fstype", fstype, "target", target)
	return nil
}

func (r *StagedRoot) record(target string, readOnly bool) {
	r.mounts = append(r.mounts, MountRecord{Target: target, ReadOnly: readOnly})
}

// teardownPasses bounds the mount-table rescan loop. The loop also stops as
// soon as a pass unmounts nothing, so the bound only matters for pathological
// nesting.
const teardownPasses = 16

// Teardown unwinds the staged root: recorded mounts in reverse order, then
// repeated mount-table scans to catch anything the record missed (nested
// mounts become unmountable only after the outer one is gone), then the
// scratch directories, then the remaining empty tree. It is idempotent and
// best-effort: a missing or already-removed root is a silent no-op, and no
// failure here is allowed to escape and block sibling cleanup. If anything
// survives, a diagnostic names the leftover path for manual inspection.
func (r *StagedRoot) Teardown() {
	if r == nil || r.torn || r.Path == "" {
		return
	}
	r.torn = true
	if _, err := os.Stat(r.Path); errors.Is(err, os.ErrNotExist) {
		return
	}
	logger := r.logger
	if logger == nil {
		logger = slog.Default()
	}

	// First pass: the mount log, newest first.
	for i := len(r.mounts) - 1; i >= 0; i-- {
		target := r.mounts[i].Target
		if err := unix.Unmount(target, unix.MNT_DETACH|unix.MNT_FORCE); err != nil && !errors.Is(err, unix.EINVAL) && !errors.Is(err, unix.ENOENT) {
			logger.Debug("unmount failed", "target", target, "error", err)
		}
	}

	// Then scan the live mount table until a pass removes nothing. The
	// record can be stale when construction was interrupted or when the
	// sandboxed program created mounts of its own.
	for pass := 0; pass < teardownPasses; pass++ {
		points, err := mountPointsUnder(r.Path)
		if err != nil {
			logger.Warn("cannot scan mount table during teardown", "error", err)
			break
		}
		if len(points) == 0 {
			break
		}
		removed := 0
		for _, point := range points {
			if err := unix.Unmount(point, unix.MNT_DETACH|unix.MNT_FORCE); err != nil {
				logger.Debug("unmount failed", "target", point, "pass", pass, "error", err)
				continue
			}
			removed++
			os.Remove(point)
		}
		if removed == 0 {
			break
		}
	}

	for _, dir := range r.scratch {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("cannot remove scratch directory", "path", dir, "error", err)
		}
	}

	placeholders := make(map[string]bool, len(r.mounts))
	for _, m := range r.mounts {
		placeholders[m.Target] = true
	}
	removeEmptyTree(r.Path, placeholders)

	if _, err := os.Stat(r.Path); err == nil {
		logger.Warn("staged root not fully removed, manual inspection required", "path", r.Path)
	} else {
		logger.Debug("staged root removed", "path", r.Path)
	}
}

// removeEmptyTree removes every empty directory under root, deepest first,
// and finally root itself. Placeholder files created as file bind-mount
// points are removed too; anything else is left in place for the caller to
// report.
func removeEmptyTree(root string, placeholders map[string]bool) {
	var dirs []string
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, path)
		} else if placeholders[path] {
			os.Remove(path)
		}
		return nil
	})
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], "/") > strings.Count(dirs[j], "/")
	})
	for _, dir := range dirs {
		os.Remove(dir)
	}
}
