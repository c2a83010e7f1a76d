// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// initEnvVar marks the hidden init stage. main checks it before flag
// parsing and hands control to RunInit, which never returns.
const initEnvVar = "CAGE_INIT"

// initSpec is the JSON payload handed from the supervisor to the init stage
// over an inherited pipe. The init stage runs inside the new namespaces but
// before the chroot, as root, and finishes the setup the parent cannot do
// from outside: hostname, root switch, identity drop, capability mask,
// no_new_privs, exec.
type initSpec struct {
	Root     string   `json:"root"`
	Hostname string   `json:"hostname"`
	UID      int      `json:"uid"`
	GID      int      `json:"gid"`
	Caps     []int    `json:"caps"`
	Program  string   `json:"program"`
	Args     []string `json:"args"`
	Env      []string `json:"env"`
}

// initSpecFd is the file descriptor the payload pipe is inherited on:
// the first entry of ExtraFiles, after stdin/stdout/stderr.
const initSpecFd = 3

// defaultPath is the PATH visible inside the sandbox, and the search list
// for resolving a bare program name against the staged root.
const defaultPath = "/usr/local/bin:/usr/bin:/bin"

// resolveProgram resolves the target program against the staged root and
// returns its in-sandbox absolute path. Paths containing a separator are
// checked directly; bare names are searched on defaultPath. Failure is a
// LaunchError, raised before any process is created.
func resolveProgram(rootPath, program string) (string, error) {
	check := func(inside string) bool {
		info, err := os.Stat(filepath.Join(rootPath, inside))
		return err == nil && info.Mode().IsRegular() && info.Mode()&0o111 != 0
	}

	if strings.Contains(program, "/") {
		inside := program
		if !filepath.IsAbs(inside) {
			inside = "/" + inside
		}
		if check(inside) {
			return inside, nil
		}
		return "", &LaunchError{Program: program, Err: fmt.Errorf("not an executable file inside the sandbox root")}
	}

	for _, dir := range strings.Split(defaultPath, ":") {
		inside := filepath.Join(dir, program)
		if check(inside) {
			return inside, nil
		}
	}
	return "", &LaunchError{Program: program, Err: fmt.Errorf("not found on %s inside the sandbox root", defaultPath)}
}

// launchCommand builds the re-exec command for the launched program: our own
// binary enters new PID, mount, and UTS namespaces directly inside the
// control group (CLONE_INTO_CGROUP), reads the init payload from the
// inherited pipe, and completes the setup from inside. Standard streams are
// passed through unmodified.
func launchCommand(spec *initSpec, cgroupFd int) (*exec.Cmd, *os.File, error) {
	payload, err := json.Marshal(spec)
	if err != nil {
		return nil, nil, &LaunchError{Program: spec.Program, Err: err}
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, &LaunchError{Program: spec.Program, Err: err}
	}
	if _, err := w.Write(payload); err != nil {
		r.Close()
		w.Close()
		return nil, nil, &LaunchError{Program: spec.Program, Err: err}
	}
	w.Close()

	cmd := exec.Command("/proc/self/exe")
	cmd.Args = []string{"cage-init"}
	cmd.Env = []string{initEnvVar + "=1"}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{r}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags:  syscall.CLONE_NEWPID | syscall.CLONE_NEWNS | syscall.CLONE_NEWUTS,
		Setpgid:     true,
		UseCgroupFD: true,
		CgroupFD:    cgroupFd,
	}
	return cmd, r, nil
}

// RunInit is the hidden init stage. It runs as PID 1 of the new namespaces,
// still privileged, and drives the point-of-no-return sequence: private
// mount propagation, hostname, chroot into the staged root, group/user drop
// with the capability mask applied to the permitted, effective, inheritable,
// and ambient sets, no_new_privs, then exec of the target program. On
// success it does not return; the process image is replaced. Any failure is
// reported on stderr and exits nonzero.
func RunInit() {
	if err := runInit(); err != nil {
		fmt.Fprintf(os.Stderr, "cage: init: %v\n", err)
		os.Exit(1)
	}
}

func runInit() error {
	payload := os.NewFile(initSpecFd, "init-spec")
	if payload == nil {
		return fmt.Errorf("init payload descriptor missing")
	}
	var spec initSpec
	if err := json.NewDecoder(payload).Decode(&spec); err != nil {
		return fmt.Errorf("decoding init payload: %w", err)
	}
	payload.Close()

	// Changes in our new mount namespace must not leak back to the host.
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("setting private propagation: %w", err)
	}
	if err := unix.Sethostname([]byte(spec.Hostname)); err != nil {
		return fmt.Errorf("setting hostname: %w", err)
	}

	if err := unix.Chroot(spec.Root); err != nil {
		return fmt.Errorf("chroot %s: %w", spec.Root, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}

	if err := dropIdentity(spec.UID, spec.GID, spec.Caps); err != nil {
		return err
	}

	// The process and all descendants may never regain privileges through
	// setuid or file-capability executables.
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("setting no_new_privs: %w", err)
	}

	env := append([]string{"PATH=" + defaultPath}, spec.Env...)
	argv := append([]string{spec.Program}, spec.Args...)
	if err := unix.Exec(spec.Program, argv, env); err != nil {
		return fmt.Errorf("exec %s: %w", spec.Program, err)
	}
	return nil
}

// dropIdentity switches to the substitute identity and reduces every
// capability set to exactly the requested mask. Keepcaps preserves the
// permitted set across setuid so the mask can be re-applied afterwards;
// ambient raising requires each capability in both permitted and
// inheritable, which the capset establishes first.
func dropIdentity(uid, gid int, caps []int) error {
	if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("setting keepcaps: %w", err)
	}
	if err := unix.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("setgid %d: %w", gid, err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("setuid %d: %w", uid, err)
	}

	var mask CapabilityMask
	for _, n := range caps {
		mask |= 1 << uint(n)
	}
	lo, hi := mask.Words()
	header := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	data := [2]unix.CapUserData{
		{Effective: lo, Permitted: lo, Inheritable: lo},
		{Effective: hi, Permitted: hi, Inheritable: hi},
	}
	if err := unix.Capset(&header, &data[0]); err != nil {
		return fmt.Errorf("capset: %w", err)
	}
	for _, n := range caps {
		if err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_RAISE, uintptr(n), 0, 0); err != nil {
			return fmt.Errorf("raising ambient capability %d: %w", n, err)
		}
	}
	return nil
}

// InitStageRequested reports whether this process was started as the hidden
// init stage.
func InitStageRequested() bool {
	return os.Getenv(initEnvVar) == "1"
}
