// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
)

// PathNotFoundError reports a whitelisted path that is missing or unreadable.
// It is returned before any mount is attempted, so host state is untouched.
type PathNotFoundError struct {
	Path string
	Err  error
}

func (e *PathNotFoundError) Error() string {
	return fmt.Sprintf("whitelisted path %s: %v", e.Path, e.Err)
}

func (e *PathNotFoundError) Unwrap() error { return e.Err }

// PermissionError reports invocation without superuser privileges.
type PermissionError struct {
	UID int
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("must run as root (effective uid %d)", e.UID)
}

// DependencyMissingError reports a required OS facility that is unavailable,
// named so the operator knows what to fix.
type DependencyMissingError struct {
	Facility string
}

func (e *DependencyMissingError) Error() string {
	return fmt.Sprintf("required facility unavailable: %s", e.Facility)
}

// FilesystemError reports a failure while staging or mounting the isolated
// filesystem root.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("filesystem isolation: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

// ResourceGroupError reports a failure creating or configuring the control
// group, including unavailable cgroup controllers and rejected limit values.
type ResourceGroupError struct {
	Op  string
	Err error
}

func (e *ResourceGroupError) Error() string {
	return fmt.Sprintf("resource group: %s: %v", e.Op, e.Err)
}

func (e *ResourceGroupError) Unwrap() error { return e.Err }

// LaunchError reports that the target program could not be resolved inside
// the staged root. It fires before the launch commits, so no half-launched
// state exists.
type LaunchError struct {
	Program string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Program, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ConfigError reports an invalid configuration value before any resource is
// touched.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}
