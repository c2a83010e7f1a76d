// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// cage runs one program inside an isolated sandbox: a private filesystem
// root built from whitelisted paths, new PID/mount/UTS namespaces, cgroup
// v2 resource limits, and a substitute unprivileged identity.
//
// Usage:
//
//	cage [flags] -- <program> [args...]
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/cage/sandbox"
)

func main() {
	// The hidden init stage re-execs this binary inside the new
	// namespaces; it must run before any flag handling.
	if sandbox.InitStageRequested() {
		sandbox.RunInit()
	}

	code, err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "cage: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func run(args []string) (int, error) {
	logLevel := slog.LevelInfo
	if os.Getenv("CAGE_DEBUG") != "" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	var (
		readPaths   []string
		writePaths  []string
		procMax     int
		cpuPct      int
		memLimitMB  int
		userRef     string
		groupRef    string
		caps        []string
		hostname    string
		profileName string
		profileFile string
		check       bool
		help        bool
	)

	flags := pflag.NewFlagSet("cage", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.SortFlags = false
	flags.Usage = func() { printUsage(os.Stderr) }
	flags.StringArrayVar(&readPaths, "can-read", nil, "host path exposed read-only (repeatable)")
	flags.StringArrayVar(&writePaths, "can-write", nil, "host path exposed read-write (repeatable)")
	flags.IntVar(&procMax, "proc-max", 100, "maximum number of processes")
	flags.IntVar(&cpuPct, "cpu-pct", 10, "CPU cap as a percentage of one core (1-100)")
	flags.IntVar(&memLimitMB, "mem-limit-mb", 128, "memory ceiling in MiB")
	flags.StringVar(&userRef, "user", "nobody", "substitute user (name or uid)")
	flags.StringVar(&groupRef, "group", "nogroup", "substitute group (name or gid)")
	flags.StringArrayVar(&caps, "cap", nil, "capability to retain (repeatable)")
	flags.StringVar(&hostname, "hostname", "cage", "hostname inside the sandbox")
	flags.StringVar(&profileName, "profile", "", "named profile providing defaults")
	flags.StringVar(&profileFile, "profile-file", "", "additional profiles YAML file")
	flags.BoolVar(&check, "check", false, "run pre-flight validation and exit")
	flags.BoolVarP(&help, "help", "h", false, "show help")

	if err := flags.Parse(args); err != nil {
		return 1, err
	}
	if help {
		printUsage(os.Stdout)
		return 0, nil
	}

	spec := sandbox.DefaultSpec()

	if profileName != "" {
		loader, err := sandbox.LoadFromSearchPaths(nil)
		if err != nil {
			return 1, err
		}
		if profileFile != "" {
			if err := loader.LoadFile(profileFile); err != nil {
				return 1, err
			}
		}
		profile, err := loader.Resolve(profileName)
		if err != nil {
			return 1, err
		}
		profile.Apply(spec)
	} else if profileFile != "" {
		return 1, fmt.Errorf("--profile-file requires --profile")
	}

	// Explicit flags override profile values.
	if flags.Changed("can-read") {
		spec.ReadOnlyPaths = readPaths
	}
	if flags.Changed("can-write") {
		spec.ReadWritePaths = writePaths
	}
	if flags.Changed("proc-max") {
		spec.ProcMax = procMax
	}
	if flags.Changed("cpu-pct") {
		spec.CPUPercent = cpuPct
	}
	if flags.Changed("mem-limit-mb") {
		spec.MemoryLimitMB = memLimitMB
	}
	if flags.Changed("user") {
		spec.User = userRef
	}
	if flags.Changed("group") {
		spec.Group = groupRef
	}
	if flags.Changed("cap") {
		spec.Capabilities = caps
	}
	if flags.Changed("hostname") {
		spec.Hostname = hostname
	}

	if check {
		validator := sandbox.NewValidator()
		validator.ValidateAll(spec)
		validator.PrintResults(os.Stdout)
		if validator.HasErrors() {
			return 1, nil
		}
		return 0, nil
	}

	rest := flags.Args()
	if len(rest) == 0 {
		printUsage(os.Stderr)
		return 1, fmt.Errorf("missing program to run (give it after --)")
	}
	program, programArgs := rest[0], rest[1:]

	supervisor := sandbox.NewSupervisor(spec, logger)
	return supervisor.Run(program, programArgs)
}

func printUsage(w *os.File) {
	fmt.Fprint(w, `cage - run one program in an isolated sandbox

USAGE
    cage [flags] -- <program> [args...]

FLAGS
    --can-read=PATH      host path exposed read-only (repeatable)
    --can-write=PATH     host path exposed read-write (repeatable)
    --proc-max=N         maximum number of processes (default 100)
    --cpu-pct=N          CPU cap, percent of one core, 1-100 (default 10)
    --mem-limit-mb=N     memory ceiling in MiB (default 128)
    --user=NAME|UID      substitute user (default nobody)
    --group=NAME|GID     substitute group (default nogroup)
    --cap=NAME           capability to retain (repeatable, default none)
    --hostname=NAME      hostname inside the sandbox (default cage)
    --profile=NAME       named profile providing defaults
    --profile-file=PATH  additional profiles YAML file
    --check              run pre-flight validation and exit
    -h, --help           show this help

EXAMPLES
    # Run a shell that can see /bin and /lib, nothing else
    cage --can-read=/bin --can-read=/lib -- /bin/sh

    # Writable log directory, tight limits
    cage --can-read=/bin --can-read=/lib --can-write=/var/log/app \
         --proc-max=5 --cpu-pct=50 --mem-limit-mb=64 -- /bin/app

    # Use a profile, overriding its memory limit
    cage --profile=shell --mem-limit-mb=256 -- /bin/sh

ENVIRONMENT
    CAGE_DEBUG  enable debug logging

The sandbox root contains only the whitelisted paths plus read-only
/dev, /proc, /sys, a sticky /tmp, and an owner-writable /run. The
program runs with no capabilities beyond those given via --cap, with
no_new_privs set. Requires root.
`)
}
