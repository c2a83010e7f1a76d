// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os/user"
	"path/filepath"
	"strconv"
)

// Spec describes one sandbox invocation. It is assembled from profile
// defaults and command-line flags, validated once, and treated as immutable
// from then on.
type Spec struct {
	// ReadOnlyPaths are host paths exposed read-only inside the sandbox,
	// mirrored at their original absolute locations. Order defines mount
	// precedence; later mounts shadow earlier ones.
	ReadOnlyPaths []string

	// ReadWritePaths are host paths exposed read-write. They are mounted
	// after ReadOnlyPaths, so a path listed in both categories ends up
	// writable.
	ReadWritePaths []string

	// ProcMax caps the number of processes the sandboxed program may have
	// alive at once (pids.max).
	ProcMax int

	// CPUPercent hard-caps CPU time at this fraction of one core via a
	// cgroup bandwidth quota. Range (0, 100].
	CPUPercent int

	// MemoryLimitMB is the memory ceiling in mebibytes (memory.max).
	MemoryLimitMB int

	// User and Group name the substitute identity the program runs as.
	// Either a name or a numeric id.
	User  string
	Group string

	// Capabilities are the capability names the program retains. Everything
	// else is dropped, and no_new_privs prevents regaining any.
	Capabilities []string

	// Hostname is set inside the new UTS namespace.
	Hostname string
}

// DefaultSpec returns a Spec with the documented flag defaults.
func DefaultSpec() *Spec {
	return &Spec{
		ProcMax:       100,
		CPUPercent:    10,
		MemoryLimitMB: 128,
		User:          "nobody",
		Group:         "nogroup",
		Hostname:      "cage",
	}
}

// Validate checks ranges and path shapes. It does not touch the host
// filesystem; existence checks happen in BuildRoot so that validation
// errors never depend on mount state.
func (s *Spec) Validate() error {
	if s.ProcMax <= 0 {
		return &ConfigError{Field: "proc-max", Reason: "must be a positive integer"}
	}
	if s.CPUPercent <= 0 || s.CPUPercent > 100 {
		return &ConfigError{Field: "cpu-pct", Reason: "must be in range 1-100"}
	}
	if s.MemoryLimitMB <= 0 {
		return &ConfigError{Field: "mem-limit-mb", Reason: "must be a positive integer"}
	}
	if s.User == "" {
		return &ConfigError{Field: "user", Reason: "must not be empty"}
	}
	if s.Group == "" {
		return &ConfigError{Field: "group", Reason: "must not be empty"}
	}
	if s.Hostname == "" {
		return &ConfigError{Field: "hostname", Reason: "must not be empty"}
	}
	for _, p := range append(append([]string{}, s.ReadOnlyPaths...), s.ReadWritePaths...) {
		if !filepath.IsAbs(p) {
			return &ConfigError{Field: "can-read/can-write", Reason: fmt.Sprintf("path %q is not absolute", p)}
		}
	}
	if _, err := ParseCapabilities(s.Capabilities); err != nil {
		return &ConfigError{Field: "cap", Reason: err.Error()}
	}
	return nil
}

// Identity is the resolved substitute user and group the sandboxed program
// runs as.
type Identity struct {
	UID   int
	GID   int
	User  string
	Group string
}

// ResolveIdentity resolves user and group references, each either a name or
// a numeric id, to concrete uid/gid values. Name resolution is delegated to
// the platform user database.
func ResolveIdentity(userRef, groupRef string) (*Identity, error) {
	id := &Identity{User: userRef, Group: groupRef}

	if uid, err := strconv.Atoi(userRef); err == nil {
		id.UID = uid
	} else {
		u, err := user.Lookup(userRef)
		if err != nil {
			return nil, &ConfigError{Field: "user", Reason: fmt.Sprintf("unknown user %q", userRef)}
		}
		id.UID, err = strconv.Atoi(u.Uid)
		if err != nil {
			return nil, &ConfigError{Field: "user", Reason: fmt.Sprintf("non-numeric uid for %q", userRef)}
		}
	}

	if gid, err := strconv.Atoi(groupRef); err == nil {
		id.GID = gid
	} else {
		g, err := user.LookupGroup(groupRef)
		if err != nil {
			return nil, &ConfigError{Field: "group", Reason: fmt.Sprintf("unknown group %q", groupRef)}
		}
		id.GID, err = strconv.Atoi(g.Gid)
		if err != nil {
			return nil, &ConfigError{Field: "group", Reason: fmt.Sprintf("non-numeric gid for %q", groupRef)}
		}
	}

	return id, nil
}
